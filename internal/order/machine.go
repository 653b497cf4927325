package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/inventory"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/notify"
	"fulfillment-service/internal/pricing"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Repository is the persistence contract for orders. Transition plus
// inventory side effect plus history row are one atomic unit.
type Repository interface {
	CreateOrderWithReservation(ctx context.Context, order *models.Order, items []models.OrderItem, history *models.OrderStatusHistory) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)
	GetOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus, history *models.OrderStatusHistory, effect models.InventoryEffect) error
	CountOrdersCreatedSince(ctx context.Context, t time.Time) (int64, error)
}

// Catalog resolves product data at checkout time. The catalog service owns
// products; the machine only snapshots them.
type Catalog interface {
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
}

// Sequencer hands out the daily order-number sequence.
type Sequencer interface {
	NextOrderSequence(ctx context.Context, date string) (int64, error)
}

// Locker serializes order cancellation against concurrent webhook
// processing for the same order.
type Locker interface {
	AcquireOrderLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error)
	ReleaseOrderLock(ctx context.Context, orderID string) error
}

// Machine owns the order lifecycle. All status changes go through it.
type Machine struct {
	repo     Repository
	catalog  Catalog
	ledger   *inventory.Ledger
	calc     *pricing.Calculator
	zones    pricing.ZoneProvider
	seq      Sequencer
	locker   Locker
	notifier notify.Notifier
	prefix   string
	logger   *zap.Logger
}

// NewMachine creates the order state machine. seq may be nil; the machine
// falls back to a database count for order numbers.
func NewMachine(
	repo Repository,
	catalog Catalog,
	ledger *inventory.Ledger,
	calc *pricing.Calculator,
	zones pricing.ZoneProvider,
	seq Sequencer,
	locker Locker,
	notifier notify.Notifier,
	orderNumberPrefix string,
) *Machine {
	return &Machine{
		repo:     repo,
		catalog:  catalog,
		ledger:   ledger,
		calc:     calc,
		zones:    zones,
		seq:      seq,
		locker:   locker,
		notifier: notifier,
		prefix:   orderNumberPrefix,
		logger:   util.GetLogger(),
	}
}

// ItemRequest is one requested line item.
type ItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// CreateOrderRequest carries everything checkout needs.
type CreateOrderRequest struct {
	UserID           string        `json:"user_id" binding:"required"`
	Items            []ItemRequest `json:"items" binding:"required,min=1"`
	ShippingCity     string        `json:"shipping_city" binding:"required"`
	ShippingSnapshot string        `json:"shipping_snapshot,omitempty"`
	BillingSnapshot  string        `json:"billing_snapshot,omitempty"`
	Notes            string        `json:"notes,omitempty"`
}

// CreateOrder validates availability, prices the order, and persists
// order, items, history, and reservations atomically. If any item cannot be
// reserved the whole order is rolled back.
func (m *Machine) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderMachine.CreateOrder")
	defer span.End()

	if len(req.Items) == 0 {
		return nil, apperr.ErrEmptyOrder
	}

	orderID := uuid.New().String()
	now := time.Now().UTC()

	subtotal := decimal.Zero
	totalWeight := decimal.Zero
	items := make([]models.OrderItem, 0, len(req.Items))

	for _, ir := range req.Items {
		if ir.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s", apperr.ErrInvalidQuantity, ir.ProductID)
		}

		product, err := m.catalog.GetProductByID(ctx, ir.ProductID)
		if err != nil {
			util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
			return nil, err
		}
		if !product.IsActive {
			util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
			return nil, fmt.Errorf("%w: %s is no longer available", apperr.ErrProductNotFound, product.Title)
		}

		ok, err := m.ledger.CanReserve(ctx, ir.ProductID, ir.Quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			rec, recErr := m.ledger.Get(ctx, ir.ProductID)
			if recErr == nil {
				return nil, fmt.Errorf("%w: only %d left of %s",
					apperr.ErrInsufficientStock, rec.Available(), product.Title)
			}
			return nil, fmt.Errorf("%w: %s", apperr.ErrInsufficientStock, product.Title)
		}

		snapshot, err := json.Marshal(map[string]interface{}{
			"title":     product.Title,
			"brand":     product.Brand,
			"sku":       product.SKU,
			"weight_kg": product.WeightKg,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot product: %w", err)
		}

		lineTotal := product.Price.Mul(decimal.NewFromInt(int64(ir.Quantity)))
		lineWeight := product.WeightKg.Mul(decimal.NewFromInt(int64(ir.Quantity)))

		items = append(items, models.OrderItem{
			ID:              uuid.New().String(),
			OrderID:         orderID,
			ProductID:       ir.ProductID,
			Quantity:        ir.Quantity,
			UnitPrice:       product.Price,
			TotalPrice:      lineTotal,
			WeightKg:        lineWeight,
			ProductSnapshot: string(snapshot),
		})
		subtotal = subtotal.Add(lineTotal)
		totalWeight = totalWeight.Add(lineWeight)
	}

	zone, err := m.zones.GetShippingZone(ctx, req.ShippingCity)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shipping zone: %w", err)
	}

	shipping, err := m.calc.CalculateShipping(zone, totalWeight, subtotal)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("weight_exceeded").Inc()
		return nil, err
	}

	tax := m.calc.CalculateTax(subtotal)
	total := subtotal.Add(tax).Add(shipping)
	deposit, remaining := m.calc.SplitDeposit(total)

	orderNumber, err := m.generateOrderNumber(ctx, now)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:               orderID,
		OrderNumber:      orderNumber,
		UserID:           req.UserID,
		Status:           models.OrderStatusPending,
		Subtotal:         subtotal,
		TaxAmount:        tax,
		ShippingCost:     shipping,
		DiscountAmount:   decimal.Zero,
		TotalAmount:      total,
		DepositAmount:    deposit,
		RemainingAmount:  remaining,
		ShippingSnapshot: req.ShippingSnapshot,
		BillingSnapshot:  req.BillingSnapshot,
		ShippingZone:     zone.Code,
		Notes:            req.Notes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	history := &models.OrderStatusHistory{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		PreviousStatus: "",
		NewStatus:      models.OrderStatusPending,
		Notes:          "Order created",
		ChangedBy:      req.UserID,
		CreatedAt:      now,
	}

	if err := m.repo.CreateOrderWithReservation(ctx, order, items, history); err != nil {
		if errors.Is(err, apperr.ErrInsufficientStock) {
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		} else {
			util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		}
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	m.logger.Info("Order created",
		zap.String("order_id", orderID),
		zap.String("order_number", orderNumber),
		zap.String("total", total.String()))

	m.notifier.NotifyOrderConfirmed(ctx, order)

	return order, nil
}

// ChangeStatus applies a lifecycle transition. Re-invoking with the current
// status is a no-op success; an unreachable status fails with
// InvalidTransition. The transition, its history row, and its inventory side
// effect are applied atomically.
func (m *Machine) ChangeStatus(ctx context.Context, orderID string, newStatus models.OrderStatus, notes, actorID string) error {
	ctx, span := util.StartSpan(ctx, "OrderMachine.ChangeStatus")
	defer span.End()

	if newStatus == models.OrderStatusCancelled {
		// Cancellation always goes through the per-order lock so it cannot
		// interleave with a payment webhook for the same order.
		return m.Cancel(ctx, orderID, notes, actorID)
	}

	order, err := m.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status == newStatus {
		m.logger.Debug("Status unchanged, no-op",
			zap.String("order_id", orderID), zap.String("status", string(newStatus)))
		return nil
	}

	if !CanTransition(order.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, order.Status, newStatus)
	}

	history := &models.OrderStatusHistory{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		PreviousStatus: order.Status,
		NewStatus:      newStatus,
		Notes:          notes,
		ChangedBy:      actorID,
		CreatedAt:      time.Now().UTC(),
	}

	effect := EffectFor(order.Status, newStatus)
	if err := m.repo.UpdateOrderStatus(ctx, orderID, order.Status, newStatus, history, effect); err != nil {
		return err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(order.Status), string(newStatus)).Inc()
	m.logger.Info("Order status changed",
		zap.String("order_id", orderID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(newStatus)))

	if newStatus == models.OrderStatusShipped {
		m.notifier.NotifyOrderShipped(ctx, order, notes)
	}

	return nil
}

// Cancel soft-cancels an order and releases its full reservation. Fails with
// NotCancellable once the order has been dispatched or reached a terminal
// state. Held under the per-order lock so an in-flight payment webhook
// cannot interleave.
func (m *Machine) Cancel(ctx context.Context, orderID, reason, actorID string) error {
	ctx, span := util.StartSpan(ctx, "OrderMachine.Cancel")
	defer span.End()

	return m.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := m.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}

		if order.Status == models.OrderStatusCancelled {
			return nil
		}
		if !Cancellable(order.Status) {
			return fmt.Errorf("%w: status is %s", apperr.ErrNotCancellable, order.Status)
		}

		history := &models.OrderStatusHistory{
			ID:             uuid.New().String(),
			OrderID:        orderID,
			PreviousStatus: order.Status,
			NewStatus:      models.OrderStatusCancelled,
			Notes:          reason,
			ChangedBy:      actorID,
			CreatedAt:      time.Now().UTC(),
		}

		if err := m.repo.UpdateOrderStatus(ctx, orderID, order.Status,
			models.OrderStatusCancelled, history, models.EffectRelease); err != nil {
			return err
		}

		util.OrdersCancelledTotal.Inc()
		m.logger.Info("Order cancelled",
			zap.String("order_id", orderID), zap.String("reason", reason))

		m.notifier.NotifyOrderCancelled(ctx, orderID, reason)
		return nil
	})
}

// ApplyPaymentProgress advances the order after money settles. cumulative is
// the total settled across all of the order's payments. Runs under the
// per-order lock and re-reads the order inside it: a webhook for an
// already-cancelled order updates nothing here.
func (m *Machine) ApplyPaymentProgress(ctx context.Context, orderID string, cumulative decimal.Decimal) error {
	return m.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		order, err := m.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}

		var target models.OrderStatus
		switch {
		case cumulative.GreaterThanOrEqual(order.TotalAmount):
			target = models.OrderStatusPaidFull
		case cumulative.GreaterThanOrEqual(order.DepositAmount) && order.DepositAmount.IsPositive():
			target = models.OrderStatusPartiallyPaid
		default:
			return nil
		}

		if order.Status == target {
			return nil
		}
		if !CanTransition(order.Status, target) {
			// Cancelled, refunded, or already past this point in the
			// lifecycle. Payment accounting is recorded elsewhere; the order
			// must not be resurrected.
			m.logger.Info("Skipping payment-driven transition",
				zap.String("order_id", orderID),
				zap.String("status", string(order.Status)),
				zap.String("target", string(target)))
			return nil
		}

		history := &models.OrderStatusHistory{
			ID:             uuid.New().String(),
			OrderID:        orderID,
			PreviousStatus: order.Status,
			NewStatus:      target,
			Notes:          fmt.Sprintf("Cumulative payments: %s of %s", cumulative, order.TotalAmount),
			CreatedAt:      time.Now().UTC(),
		}

		if err := m.repo.UpdateOrderStatus(ctx, orderID, order.Status, target, history, models.EffectNone); err != nil {
			return err
		}

		util.OrderTransitionsTotal.WithLabelValues(string(order.Status), string(target)).Inc()
		return nil
	})
}

// GetOrder retrieves an order with its items.
func (m *Machine) GetOrder(ctx context.Context, orderID string) (*models.Order, []models.OrderItem, error) {
	order, err := m.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := m.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// GetHistory retrieves the audit trail for an order.
func (m *Machine) GetHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	return m.repo.GetOrderHistory(ctx, orderID)
}

// WithOrderLock runs fn while holding the order's lock, waiting with backoff
// for a bounded time before giving up with ReservationTimeout.
func (m *Machine) WithOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	const lockTTL = 30 * time.Second
	deadline := time.Now().Add(5 * time.Second)

	for {
		ok, err := m.locker.AcquireOrderLock(ctx, orderID, lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire order lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: order %s", apperr.ErrReservationTimeout, orderID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer func() {
		if err := m.locker.ReleaseOrderLock(context.Background(), orderID); err != nil {
			m.logger.Warn("Failed to release order lock",
				zap.String("order_id", orderID), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func (m *Machine) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	date := now.Format("20060102")

	if m.seq != nil {
		seq, err := m.seq.NextOrderSequence(ctx, date)
		if err == nil {
			return fmt.Sprintf("%s%s%04d", m.prefix, date, seq), nil
		}
		m.logger.Warn("Order sequence via Redis failed, falling back to DB count", zap.Error(err))
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := m.repo.CountOrdersCreatedSince(ctx, midnight)
	if err != nil {
		return "", fmt.Errorf("failed to generate order number: %w", err)
	}
	return fmt.Sprintf("%s%s%04d", m.prefix, date, count+1), nil
}
