package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// CreatePayment inserts a payment row.
func (s *Store) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO payments (id, order_id, gateway, amount, currency, status,
			reference_id, gateway_transaction_id, customer_phone, customer_email,
			is_partial, retry_count, failure_reason, initiated_at, expires_at)
		VALUES (:id, :order_id, :gateway, :amount, :currency, :status,
			:reference_id, :gateway_transaction_id, :customer_phone, :customer_email,
			:is_partial, :retry_count, :failure_reason, :initiated_at, :expires_at)`, p)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// GetPaymentByID retrieves a payment by ID.
func (s *Store) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.GetContext(ctx, &p, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", apperr.ErrPaymentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindPayment locates a payment by gateway transaction id, falling back to
// the internally generated reference id. Webhooks may carry either.
func (s *Store) FindPayment(ctx context.Context, gateway models.PaymentGateway, gatewayTxID, referenceID string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM payments
		WHERE gateway = $1 AND (gateway_transaction_id = $2 OR reference_id = $3)
		ORDER BY initiated_at DESC LIMIT 1`,
		gateway, gatewayTxID, referenceID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: gateway=%s tx=%s ref=%s",
			apperr.ErrPaymentNotFound, gateway, gatewayTxID, referenceID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPaymentsByOrder retrieves all payments for an order, newest first.
func (s *Store) ListPaymentsByOrder(ctx context.Context, orderID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY initiated_at DESC", orderID)
	return payments, err
}

// UpdatePaymentStatus records the outcome of a gateway notification. The
// guard on the current status makes duplicate webhook delivery a no-op: a
// terminal payment is never updated again.
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus, gatewayTxID, failureReason string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
			gateway_transaction_id = COALESCE(NULLIF($2, ''), gateway_transaction_id),
			failure_reason = $3,
			processed_at = CASE WHEN $1 IN ('success','failed','expired','refunded') THEN $4 ELSE processed_at END
		WHERE id = $5 AND status NOT IN ('success','failed','expired','refunded')`,
		status, gatewayTxID, failureReason, now, paymentID)
	if err != nil {
		return false, fmt.Errorf("failed to update payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkPaymentRefunded moves a succeeded payment to refunded.
func (s *Store) MarkPaymentRefunded(ctx context.Context, paymentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = 'refunded', processed_at = NOW() WHERE id = $1 AND status = 'success'",
		paymentID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// IncrementPaymentRetry bumps the retry counter after a failed attempt.
func (s *Store) IncrementPaymentRetry(ctx context.Context, paymentID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET retry_count = retry_count + 1 WHERE id = $1", paymentID)
	return err
}

// SumSucceededPayments returns the cumulative amount settled for an order.
func (s *Store) SumSucceededPayments(ctx context.Context, orderID string) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := s.db.GetContext(ctx, &sum,
		"SELECT SUM(amount) FROM payments WHERE order_id = $1 AND status = 'success'", orderID)
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// MaxRetryCount returns the highest retry counter among an order's payments
// through a given gateway.
func (s *Store) MaxRetryCount(ctx context.Context, orderID string, gateway models.PaymentGateway) (int, error) {
	var count sql.NullInt64
	err := s.db.GetContext(ctx, &count,
		"SELECT MAX(retry_count) FROM payments WHERE order_id = $1 AND gateway = $2", orderID, gateway)
	if err != nil {
		return 0, err
	}
	return int(count.Int64), nil
}

// SaveWebhookEvent persists a raw gateway notification before processing.
func (s *Store) SaveWebhookEvent(ctx context.Context, ev *models.PaymentWebhookEvent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO payment_webhook_events (id, gateway, event_type, payload, signature, processed, processing_error, received_at)
		VALUES (:id, :gateway, :event_type, :payload, :signature, :processed, :processing_error, :received_at)`, ev)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	return nil
}

// GetWebhookEvent retrieves a stored webhook event by id.
func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*models.PaymentWebhookEvent, error) {
	var ev models.PaymentWebhookEvent
	err := s.db.GetContext(ctx, &ev,
		"SELECT * FROM payment_webhook_events WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("webhook event not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkWebhookProcessed marks a stored event as fully handled. A non-empty
// processingError records a permanent failure that retrying cannot fix.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id, processingError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_webhook_events
		SET processed = TRUE, processing_error = $2, processed_at = NOW()
		WHERE id = $1`, id, processingError)
	return err
}

// RecordWebhookError records a transient processing failure. The event stays
// unprocessed so the periodic sweep retries it.
func (s *Store) RecordWebhookError(ctx context.Context, id, processingError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payment_webhook_events
		SET processing_error = $2
		WHERE id = $1`, id, processingError)
	return err
}

// ListUnprocessedWebhookEvents returns stored events that still need
// processing, oldest first. The periodic sweep re-enqueues them.
func (s *Store) ListUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentWebhookEvent, error) {
	var events []models.PaymentWebhookEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM payment_webhook_events
		WHERE processed = FALSE AND received_at < $1
		ORDER BY received_at LIMIT $2`, olderThan, limit)
	return events, err
}
