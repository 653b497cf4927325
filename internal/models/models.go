package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "pending"
	OrderStatusPartiallyPaid OrderStatus = "partially_paid"
	OrderStatusPaidFull      OrderStatus = "paid_full"
	OrderStatusProcessing    OrderStatus = "processing"
	OrderStatusShipped       OrderStatus = "shipped"
	OrderStatusInTransit     OrderStatus = "in_transit"
	OrderStatusDelivered     OrderStatus = "delivered"
	OrderStatusCompleted     OrderStatus = "completed"
	OrderStatusCancelled     OrderStatus = "cancelled"
	OrderStatusRefunded      OrderStatus = "refunded"
)

// PaymentGateway identifies the external payment provider.
type PaymentGateway string

const (
	GatewayCard           PaymentGateway = "card"
	GatewayOrangeMoney    PaymentGateway = "orange_money"
	GatewayMTNMomo        PaymentGateway = "mtn_momo"
	GatewayCashOnDelivery PaymentGateway = "cash_on_delivery"
)

// PaymentStatus is the normalized status shared by all gateways.
type PaymentStatus string

const (
	PaymentStatusInitiated  PaymentStatus = "initiated"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusSuccess    PaymentStatus = "success"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// Terminal reports whether no further gateway update is expected.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusExpired, PaymentStatusRefunded:
		return true
	}
	return false
}

// InventoryEffect is the stock side effect bound to a status transition.
type InventoryEffect string

const (
	EffectNone    InventoryEffect = "none"
	EffectRelease InventoryEffect = "release"
	EffectCommit  InventoryEffect = "commit"
)

// Order represents a customer purchase. Monetary columns are fixed-point
// decimals in the settlement currency, never floats.
type Order struct {
	ID          string      `db:"id" json:"id"`
	OrderNumber string      `db:"order_number" json:"order_number"`
	UserID      string      `db:"user_id" json:"user_id"`
	Status      OrderStatus `db:"status" json:"status"`

	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxAmount       decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	ShippingCost    decimal.Decimal `db:"shipping_cost" json:"shipping_cost"`
	DiscountAmount  decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TotalAmount     decimal.Decimal `db:"total_amount" json:"total_amount"`
	DepositAmount   decimal.Decimal `db:"deposit_amount" json:"deposit_amount"`
	RemainingAmount decimal.Decimal `db:"remaining_amount" json:"remaining_amount"`

	ShippingSnapshot string `db:"shipping_snapshot" json:"shipping_snapshot,omitempty"`
	BillingSnapshot  string `db:"billing_snapshot" json:"billing_snapshot,omitempty"`
	ShippingZone     string `db:"shipping_zone" json:"shipping_zone"`
	Notes            string `db:"notes" json:"notes,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// OrderItem is a line item. ProductSnapshot is a denormalized JSON copy of
// the product at order time so later catalog edits do not corrupt history.
type OrderItem struct {
	ID              string          `db:"id" json:"id"`
	OrderID         string          `db:"order_id" json:"order_id"`
	ProductID       string          `db:"product_id" json:"product_id"`
	Quantity        int             `db:"quantity" json:"quantity"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice      decimal.Decimal `db:"total_price" json:"total_price"`
	WeightKg        decimal.Decimal `db:"weight_kg" json:"weight_kg"`
	ProductSnapshot string          `db:"product_snapshot" json:"product_snapshot,omitempty"`
}

// OrderStatusHistory is an append-only audit row. Never mutated or deleted.
type OrderStatusHistory struct {
	ID             string      `db:"id" json:"id"`
	OrderID        string      `db:"order_id" json:"order_id"`
	PreviousStatus OrderStatus `db:"previous_status" json:"previous_status"`
	NewStatus      OrderStatus `db:"new_status" json:"new_status"`
	Notes          string      `db:"notes" json:"notes,omitempty"`
	ChangedBy      string      `db:"changed_by" json:"changed_by,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// Product is the catalog view the fulfillment core needs. The catalog
// service owns the full record.
type Product struct {
	ID        string          `db:"id" json:"id"`
	SKU       string          `db:"sku" json:"sku"`
	Title     string          `db:"title" json:"title"`
	Brand     string          `db:"brand" json:"brand,omitempty"`
	Price     decimal.Decimal `db:"price" json:"price"`
	WeightKg  decimal.Decimal `db:"weight_kg" json:"weight_kg"`
	IsActive  bool            `db:"is_active" json:"is_active"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// InventoryRecord tracks physical and reserved stock for one product.
// Invariant: 0 <= Reserved <= Quantity.
type InventoryRecord struct {
	ProductID    string    `db:"product_id" json:"product_id"`
	Quantity     int       `db:"quantity" json:"quantity"`
	Reserved     int       `db:"reserved_quantity" json:"reserved_quantity"`
	MinThreshold int       `db:"min_threshold" json:"min_threshold"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Available is the quantity not held by any reservation.
func (r *InventoryRecord) Available() int {
	return r.Quantity - r.Reserved
}

// Payment is one attempt to collect money for an order. An order may have
// several: deposit then balance, or retries after failure.
type Payment struct {
	ID                   string          `db:"id" json:"id"`
	OrderID              string          `db:"order_id" json:"order_id"`
	Gateway              PaymentGateway  `db:"gateway" json:"gateway"`
	Amount               decimal.Decimal `db:"amount" json:"amount"`
	Currency             string          `db:"currency" json:"currency"`
	Status               PaymentStatus   `db:"status" json:"status"`
	ReferenceID          string          `db:"reference_id" json:"reference_id"`
	GatewayTransactionID string          `db:"gateway_transaction_id" json:"gateway_transaction_id,omitempty"`
	CustomerPhone        string          `db:"customer_phone" json:"customer_phone,omitempty"`
	CustomerEmail        string          `db:"customer_email" json:"customer_email,omitempty"`
	IsPartial            bool            `db:"is_partial" json:"is_partial"`
	RetryCount           int             `db:"retry_count" json:"retry_count"`
	FailureReason        string          `db:"failure_reason" json:"failure_reason,omitempty"`
	InitiatedAt          time.Time       `db:"initiated_at" json:"initiated_at"`
	ProcessedAt          *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	ExpiresAt            *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
}

// PaymentWebhookEvent is a raw inbound gateway notification, persisted before
// processing so a crash cannot lose it. Reprocessing is idempotent.
type PaymentWebhookEvent struct {
	ID              string         `db:"id" json:"id"`
	Gateway         PaymentGateway `db:"gateway" json:"gateway"`
	EventType       string         `db:"event_type" json:"event_type"`
	Payload         []byte         `db:"payload" json:"payload"`
	Signature       string         `db:"signature" json:"-"`
	Processed       bool           `db:"processed" json:"processed"`
	ProcessingError string         `db:"processing_error" json:"processing_error,omitempty"`
	ReceivedAt      time.Time      `db:"received_at" json:"received_at"`
	ProcessedAt     *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
}

// ShippingZone holds the pricing configuration for one delivery zone.
// A zero FreeShippingThreshold or MaxWeightKg means no threshold/limit.
type ShippingZone struct {
	Code                  string          `json:"code"`
	BaseCost              decimal.Decimal `json:"base_cost"`
	CostPerKg             decimal.Decimal `json:"cost_per_kg"`
	FreeShippingThreshold decimal.Decimal `json:"free_shipping_threshold"`
	MaxWeightKg           decimal.Decimal `json:"max_weight_kg"`
}
