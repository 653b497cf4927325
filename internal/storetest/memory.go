// Package storetest provides an in-memory store fake with the same
// guard semantics as the SQL implementation, for package tests that
// should not need Postgres.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// Memory is a mutex-protected in-memory store.
type Memory struct {
	mu sync.Mutex

	Products  map[string]*models.Product
	Inventory map[string]*models.InventoryRecord
	Orders    map[string]*models.Order
	Items     map[string][]models.OrderItem
	History   map[string][]models.OrderStatusHistory
	Payments  map[string]*models.Payment
	Webhooks  map[string]*models.PaymentWebhookEvent

	locks map[string]bool
	seq   map[string]int64

	// FailCreateOrder forces CreateOrderWithReservation to fail after
	// reserving, to exercise rollback behavior.
	FailCreateOrder bool
}

func NewMemory() *Memory {
	return &Memory{
		Products:  make(map[string]*models.Product),
		Inventory: make(map[string]*models.InventoryRecord),
		Orders:    make(map[string]*models.Order),
		Items:     make(map[string][]models.OrderItem),
		History:   make(map[string][]models.OrderStatusHistory),
		Payments:  make(map[string]*models.Payment),
		Webhooks:  make(map[string]*models.PaymentWebhookEvent),
		locks:     make(map[string]bool),
		seq:       make(map[string]int64),
	}
}

// AddProduct registers a product with stock in one call.
func (m *Memory) AddProduct(p *models.Product, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Products[p.ID] = p
	m.Inventory[p.ID] = &models.InventoryRecord{
		ProductID: p.ID,
		Quantity:  quantity,
		UpdatedAt: time.Now(),
	}
}

// --- catalog ---

func (m *Memory) GetProductByID(_ context.Context, id string) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrProductNotFound, id)
	}
	cp := *p
	return &cp, nil
}

// --- inventory ---

func (m *Memory) GetInventory(_ context.Context, productID string) (*models.InventoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getInventoryLocked(productID)
}

func (m *Memory) getInventoryLocked(productID string) (*models.InventoryRecord, error) {
	rec, ok := m.Inventory[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInventoryNotFound, productID)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) ReserveStock(_ context.Context, productID string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(productID, qty)
}

func (m *Memory) reserveLocked(productID string, qty int) error {
	rec, ok := m.Inventory[productID]
	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrInventoryNotFound, productID)
	}
	if rec.Available() < qty {
		return fmt.Errorf("%w: product %s", apperr.ErrInsufficientStock, productID)
	}
	rec.Reserved += qty
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ReleaseStock(_ context.Context, productID string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(productID, qty)
}

func (m *Memory) releaseLocked(productID string, qty int) error {
	rec, ok := m.Inventory[productID]
	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrInventoryNotFound, productID)
	}
	rec.Reserved -= qty
	if rec.Reserved < 0 {
		rec.Reserved = 0
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CommitStock(_ context.Context, productID string, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(productID, qty)
}

func (m *Memory) commitLocked(productID string, qty int) error {
	rec, ok := m.Inventory[productID]
	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrInventoryNotFound, productID)
	}
	if qty > rec.Reserved {
		return fmt.Errorf("%w: product %s", apperr.ErrInvalidCommit, productID)
	}
	rec.Reserved -= qty
	rec.Quantity -= qty
	rec.UpdatedAt = time.Now()
	return nil
}

// CacheAvailability satisfies the availability cache contract as a no-op.
func (m *Memory) CacheAvailability(context.Context, string, int) error { return nil }

// --- orders ---

func (m *Memory) CreateOrderWithReservation(_ context.Context, order *models.Order, items []models.OrderItem, history *models.OrderStatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// All-or-nothing: reserve every line before touching order state.
	reserved := make(map[string]int)
	for _, it := range items {
		if err := m.reserveLocked(it.ProductID, it.Quantity); err != nil {
			for pid, qty := range reserved {
				m.releaseLocked(pid, qty)
			}
			return err
		}
		reserved[it.ProductID] += it.Quantity
	}

	if m.FailCreateOrder {
		for pid, qty := range reserved {
			m.releaseLocked(pid, qty)
		}
		return fmt.Errorf("simulated insert failure")
	}

	cp := *order
	m.Orders[order.ID] = &cp
	m.Items[order.ID] = append([]models.OrderItem(nil), items...)
	m.History[order.ID] = append(m.History[order.ID], *history)
	return nil
}

func (m *Memory) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) GetOrderItems(_ context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.Items[orderID]...), nil
}

func (m *Memory) GetOrderHistory(_ context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderStatusHistory(nil), m.History[orderID]...), nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, orderID string, from, to models.OrderStatus, history *models.OrderStatusHistory, effect models.InventoryEffect) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.Orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, orderID)
	}
	if o.Status != from {
		return fmt.Errorf("%w: order changed concurrently", apperr.ErrInvalidTransition)
	}

	switch effect {
	case models.EffectRelease:
		for _, it := range m.Items[orderID] {
			if err := m.releaseLocked(it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
	case models.EffectCommit:
		for _, it := range m.Items[orderID] {
			if err := m.commitLocked(it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	o.Status = to
	o.UpdatedAt = now
	switch to {
	case models.OrderStatusDelivered:
		o.DeliveredAt = &now
	case models.OrderStatusCancelled:
		o.CancelledAt = &now
	}

	m.History[orderID] = append(m.History[orderID], *history)
	return nil
}

func (m *Memory) CountOrdersCreatedSince(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.Orders {
		if !o.CreatedAt.Before(t) {
			n++
		}
	}
	return n, nil
}

// --- sequencer / locker ---

func (m *Memory) NextOrderSequence(_ context.Context, date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[date]++
	return m.seq[date], nil
}

func (m *Memory) AcquireOrderLock(_ context.Context, orderID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[orderID] {
		return false, nil
	}
	m.locks[orderID] = true
	return true, nil
}

func (m *Memory) ReleaseOrderLock(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, orderID)
	return nil
}

// --- payments ---

func (m *Memory) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.Payments[p.ID] = &cp
	return nil
}

func (m *Memory) GetPaymentByID(_ context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrPaymentNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) FindPayment(_ context.Context, gw models.PaymentGateway, gatewayTxID, referenceID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Payment
	for _, p := range m.Payments {
		if p.Gateway != gw {
			continue
		}
		match := (gatewayTxID != "" && p.GatewayTransactionID == gatewayTxID) ||
			(referenceID != "" && p.ReferenceID == referenceID)
		if !match {
			continue
		}
		if best == nil || p.InitiatedAt.After(best.InitiatedAt) {
			best = p
		}
	}
	if best == nil {
		return nil, apperr.ErrPaymentNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) ListPaymentsByOrder(_ context.Context, orderID string) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.Payments {
		if p.OrderID == orderID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) UpdatePaymentStatus(_ context.Context, paymentID string, status models.PaymentStatus, gatewayTxID, failureReason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Payments[paymentID]
	if !ok {
		return false, fmt.Errorf("%w: %s", apperr.ErrPaymentNotFound, paymentID)
	}
	if p.Status.Terminal() {
		return false, nil
	}
	p.Status = status
	if gatewayTxID != "" {
		p.GatewayTransactionID = gatewayTxID
	}
	p.FailureReason = failureReason
	if status.Terminal() {
		now := time.Now()
		p.ProcessedAt = &now
	}
	return true, nil
}

func (m *Memory) MarkPaymentRefunded(_ context.Context, paymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Payments[paymentID]
	if !ok {
		return false, fmt.Errorf("%w: %s", apperr.ErrPaymentNotFound, paymentID)
	}
	if p.Status != models.PaymentStatusSuccess {
		return false, nil
	}
	p.Status = models.PaymentStatusRefunded
	now := time.Now()
	p.ProcessedAt = &now
	return true, nil
}

func (m *Memory) IncrementPaymentRetry(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Payments[paymentID]
	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrPaymentNotFound, paymentID)
	}
	p.RetryCount++
	return nil
}

func (m *Memory) SumSucceededPayments(_ context.Context, orderID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, p := range m.Payments {
		if p.OrderID == orderID && p.Status == models.PaymentStatusSuccess {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (m *Memory) MaxRetryCount(_ context.Context, orderID string, gw models.PaymentGateway) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, p := range m.Payments {
		if p.OrderID == orderID && p.Gateway == gw && p.RetryCount > max {
			max = p.RetryCount
		}
	}
	return max, nil
}

// --- webhook events ---

func (m *Memory) SaveWebhookEvent(_ context.Context, ev *models.PaymentWebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.Webhooks[ev.ID] = &cp
	return nil
}

func (m *Memory) GetWebhookEvent(_ context.Context, id string) (*models.PaymentWebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.Webhooks[id]
	if !ok {
		return nil, fmt.Errorf("webhook event not found: %s", id)
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) MarkWebhookProcessed(_ context.Context, id, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.Webhooks[id]
	if !ok {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	now := time.Now()
	ev.Processed = true
	ev.ProcessingError = processingError
	ev.ProcessedAt = &now
	return nil
}

func (m *Memory) RecordWebhookError(_ context.Context, id, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.Webhooks[id]
	if !ok {
		return fmt.Errorf("webhook event not found: %s", id)
	}
	ev.ProcessingError = processingError
	return nil
}

func (m *Memory) ListUnprocessedWebhookEvents(_ context.Context, olderThan time.Time, limit int) ([]models.PaymentWebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PaymentWebhookEvent
	for _, ev := range m.Webhooks {
		if ev.Processed || ev.ReceivedAt.After(olderThan) {
			continue
		}
		out = append(out, *ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RecordingPublisher captures published webhook handoffs for assertions.
type RecordingPublisher struct {
	mu     sync.Mutex
	Events []string
}

func (r *RecordingPublisher) PublishWebhookReceived(_ context.Context, webhookEventID string, _ models.PaymentGateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, webhookEventID)
	return nil
}
