package models

import "time"

// Event types
const (
	EventTypeWebhookReceived  = "PAYMENT_WEBHOOK_RECEIVED"
	EventTypeOrderConfirmed   = "ORDER_CONFIRMED"
	EventTypePaymentSucceeded = "PAYMENT_SUCCEEDED"
	EventTypeOrderShipped     = "ORDER_SHIPPED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookReceivedEvent hands a persisted webhook row off to the async
// processing worker. Carries only the row id; the payload stays in the store.
type WebhookReceivedEvent struct {
	BaseEvent
	WebhookEventID string         `json:"webhook_event_id"`
	Gateway        PaymentGateway `json:"gateway"`
}

// OrderConfirmedEvent is published when checkout completes.
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`
	TotalAmount string `json:"total_amount"`
}

// PaymentSucceededEvent is published when a payment settles.
type PaymentSucceededEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
}

// OrderShippedEvent is published when an order is dispatched.
type OrderShippedEvent struct {
	BaseEvent
	OrderID        string `json:"order_id"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

// OrderCancelledEvent is published when an order is cancelled.
type OrderCancelledEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}
