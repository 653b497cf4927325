package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/notify"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Repository is the persistence contract for payments and webhook events.
type Repository interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByID(ctx context.Context, id string) (*models.Payment, error)
	FindPayment(ctx context.Context, gateway models.PaymentGateway, gatewayTxID, referenceID string) (*models.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID string) ([]models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, status models.PaymentStatus, gatewayTxID, failureReason string) (bool, error)
	MarkPaymentRefunded(ctx context.Context, paymentID string) (bool, error)
	IncrementPaymentRetry(ctx context.Context, paymentID string) error
	SumSucceededPayments(ctx context.Context, orderID string) (decimal.Decimal, error)
	MaxRetryCount(ctx context.Context, orderID string, gateway models.PaymentGateway) (int, error)
	SaveWebhookEvent(ctx context.Context, ev *models.PaymentWebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*models.PaymentWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id, processingError string) error
	RecordWebhookError(ctx context.Context, id, processingError string) error
	ListUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentWebhookEvent, error)
}

// OrderService is the slice of the order state machine the orchestrator is
// allowed to drive. It is the only caller of payment-driven transitions.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, []models.OrderItem, error)
	ApplyPaymentProgress(ctx context.Context, orderID string, cumulative decimal.Decimal) error
}

// WebhookPublisher hands persisted webhook rows to the async worker.
type WebhookPublisher interface {
	PublishWebhookReceived(ctx context.Context, webhookEventID string, gateway models.PaymentGateway) error
}

// Orchestrator bridges the order lifecycle and the payment gateways.
type Orchestrator struct {
	repo       Repository
	orders     OrderService
	registry   *gateway.Registry
	publisher  WebhookPublisher
	notifier   notify.Notifier
	currency   string
	maxRetries int
	expiry     time.Duration
	logger     *zap.Logger
}

func NewOrchestrator(
	repo Repository,
	orders OrderService,
	registry *gateway.Registry,
	publisher WebhookPublisher,
	notifier notify.Notifier,
	currency string,
	maxRetries int,
	expiry time.Duration,
) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		orders:     orders,
		registry:   registry,
		publisher:  publisher,
		notifier:   notifier,
		currency:   currency,
		maxRetries: maxRetries,
		expiry:     expiry,
		logger:     util.GetLogger(),
	}
}

// CreatePaymentRequest selects the gateway and the deposit-or-balance split.
type CreatePaymentRequest struct {
	OrderID       string                `json:"order_id" binding:"required"`
	Gateway       models.PaymentGateway `json:"gateway" binding:"required"`
	IsPartial     bool                  `json:"is_partial"`
	CustomerPhone string                `json:"customer_phone,omitempty"`
	CustomerEmail string                `json:"customer_email,omitempty"`
}

// PaymentIntent is what the checkout frontend needs to complete the payment.
type PaymentIntent struct {
	PaymentID      string                `json:"payment_id"`
	ReferenceID    string                `json:"reference_id"`
	Gateway        models.PaymentGateway `json:"gateway"`
	Amount         decimal.Decimal       `json:"amount"`
	Currency       string                `json:"currency"`
	Status         models.PaymentStatus  `json:"status"`
	ClientSecret   string                `json:"client_secret,omitempty"`
	RedirectURL    string                `json:"redirect_url,omitempty"`
	Instructions   string                `json:"instructions,omitempty"`
	RequiresAction bool                  `json:"requires_action"`
}

// CreatePayment creates a payment attempt. The local row is persisted before
// the external call so a crash in between cannot orphan an external charge
// without a matching record; the reconciliation sweep resolves the reverse.
func (o *Orchestrator) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentIntent, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CreatePayment")
	defer span.End()

	gw, err := o.registry.Get(req.Gateway)
	if err != nil {
		return nil, err
	}

	order, _, err := o.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderStatusCancelled, models.OrderStatusRefunded, models.OrderStatusCompleted:
		return nil, fmt.Errorf("%w: order is %s", apperr.ErrOrderNotPayable, order.Status)
	}

	settled, err := o.repo.SumSucceededPayments(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	balance := order.TotalAmount.Sub(settled)
	if !balance.IsPositive() {
		return nil, fmt.Errorf("%w: order is fully settled", apperr.ErrOrderNotPayable)
	}

	amount := balance
	if req.IsPartial {
		amount = order.DepositAmount
	}
	if amount.GreaterThan(balance) {
		return nil, fmt.Errorf("%w: %s > %s", apperr.ErrAmountExceedsBalance, amount, balance)
	}

	gwReq := gateway.Request{
		OrderID:       req.OrderID,
		Amount:        amount,
		Currency:      o.currency,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		IsPartial:     req.IsPartial,
	}
	// Bad input must fail here, before any row exists or a retry is burned.
	if err := gw.Validate(gwReq); err != nil {
		return nil, err
	}

	retries, err := o.repo.MaxRetryCount(ctx, req.OrderID, req.Gateway)
	if err != nil {
		return nil, err
	}
	if retries >= o.maxRetries {
		return nil, fmt.Errorf("%w: %d attempts via %s", apperr.ErrRetryLimitExceeded, retries, req.Gateway)
	}

	now := time.Now().UTC()
	expires := now.Add(o.expiry)
	payment := &models.Payment{
		ID:            uuid.New().String(),
		OrderID:       req.OrderID,
		Gateway:       req.Gateway,
		Amount:        amount,
		Currency:      o.currency,
		Status:        models.PaymentStatusInitiated,
		ReferenceID:   uuid.New().String(),
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		IsPartial:     req.IsPartial,
		InitiatedAt:   now,
		ExpiresAt:     &expires,
	}

	if err := o.repo.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	util.PaymentAttemptsTotal.WithLabelValues(string(req.Gateway)).Inc()

	gwReq.ReferenceID = payment.ReferenceID
	result, err := gw.Initiate(ctx, gwReq)
	if err != nil {
		if apperr.Retryable(err) {
			// The charge may or may not exist provider-side. Leave the row
			// initiated; the reconciliation sweep or a Confirm resolves it.
			o.logger.Warn("Gateway call timed out",
				zap.String("payment_id", payment.ID), zap.Error(err))
			return nil, err
		}

		if _, uerr := o.repo.UpdatePaymentStatus(ctx, payment.ID,
			models.PaymentStatusFailed, "", err.Error()); uerr != nil {
			o.logger.Error("Failed to record payment failure", zap.Error(uerr))
		}
		if uerr := o.repo.IncrementPaymentRetry(ctx, payment.ID); uerr != nil {
			o.logger.Error("Failed to increment retry count", zap.Error(uerr))
		}
		util.PaymentOutcomesTotal.WithLabelValues(string(req.Gateway), "failed").Inc()
		return nil, err
	}

	if _, err := o.repo.UpdatePaymentStatus(ctx, payment.ID,
		result.Status, result.GatewayTransactionID, ""); err != nil {
		return nil, err
	}

	o.logger.Info("Payment initiated",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", req.OrderID),
		zap.String("gateway", string(req.Gateway)),
		zap.String("amount", amount.String()))

	return &PaymentIntent{
		PaymentID:      payment.ID,
		ReferenceID:    payment.ReferenceID,
		Gateway:        req.Gateway,
		Amount:         amount,
		Currency:       o.currency,
		Status:         result.Status,
		ClientSecret:   result.ClientSecret,
		RedirectURL:    result.RedirectURL,
		Instructions:   result.Instructions,
		RequiresAction: result.RequiresAction,
	}, nil
}

// HandleWebhook persists the raw gateway notification and hands it off for
// async processing. It returns quickly so the gateway gets its 200 and does
// not start a retry storm.
func (o *Orchestrator) HandleWebhook(ctx context.Context, gw models.PaymentGateway, payload []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.HandleWebhook")
	defer span.End()

	if _, err := o.registry.Get(gw); err != nil {
		return err
	}

	util.WebhooksReceivedTotal.WithLabelValues(string(gw)).Inc()

	ev := &models.PaymentWebhookEvent{
		ID:         uuid.New().String(),
		Gateway:    gw,
		Payload:    payload,
		Signature:  signature,
		ReceivedAt: time.Now().UTC(),
	}
	if err := o.repo.SaveWebhookEvent(ctx, ev); err != nil {
		return err
	}

	if err := o.publisher.PublishWebhookReceived(ctx, ev.ID, gw); err != nil {
		// The sweep picks the stored row up; receipt is already durable.
		o.logger.Warn("Failed to enqueue webhook for processing",
			zap.String("webhook_event_id", ev.ID), zap.Error(err))
	}
	return nil
}

// ProcessWebhookEvent runs the actual webhook processing for a stored event.
// Safe to call any number of times for the same event.
func (o *Orchestrator) ProcessWebhookEvent(ctx context.Context, webhookEventID string) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ProcessWebhookEvent")
	defer span.End()

	ev, err := o.repo.GetWebhookEvent(ctx, webhookEventID)
	if err != nil {
		return err
	}
	if ev.Processed {
		return nil
	}

	gw, err := o.registry.Get(ev.Gateway)
	if err != nil {
		return o.repo.MarkWebhookProcessed(ctx, ev.ID, err.Error())
	}

	notice, err := gw.ParseWebhook(ev.Payload, ev.Signature)
	if err != nil {
		// Malformed or forged payloads do not get better with retries.
		util.WebhooksFailedTotal.WithLabelValues(string(ev.Gateway), "parse").Inc()
		return o.repo.MarkWebhookProcessed(ctx, ev.ID, err.Error())
	}

	payment, err := o.findPaymentWithRetry(ctx, ev.Gateway, notice)
	if err != nil {
		if errors.Is(err, apperr.ErrPaymentNotFound) {
			// The gateway retried after we never created (or already removed)
			// the payment. Not an error to the gateway.
			o.logger.Info("Webhook for unknown payment dropped",
				zap.String("gateway", string(ev.Gateway)),
				zap.String("gateway_tx_id", notice.GatewayTransactionID))
			util.WebhooksFailedTotal.WithLabelValues(string(ev.Gateway), "unknown_payment").Inc()
			return o.repo.MarkWebhookProcessed(ctx, ev.ID, "payment not found")
		}
		if rerr := o.repo.RecordWebhookError(ctx, ev.ID, err.Error()); rerr != nil {
			o.logger.Error("Failed to record webhook error", zap.Error(rerr))
		}
		return err
	}

	if err := o.applyNotice(ctx, payment, notice); err != nil {
		if rerr := o.repo.RecordWebhookError(ctx, ev.ID, err.Error()); rerr != nil {
			o.logger.Error("Failed to record webhook error", zap.Error(rerr))
		}
		return err
	}

	return o.repo.MarkWebhookProcessed(ctx, ev.ID, "")
}

// findPaymentWithRetry tolerates a webhook racing ahead of the local payment
// row commit: brief bounded backoff before giving up.
func (o *Orchestrator) findPaymentWithRetry(ctx context.Context, gw models.PaymentGateway, notice *gateway.WebhookNotice) (*models.Payment, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		payment, err := o.repo.FindPayment(ctx, gw, notice.GatewayTransactionID, notice.ReferenceID)
		if err == nil {
			return payment, nil
		}
		lastErr = err
		if !errors.Is(err, apperr.ErrPaymentNotFound) {
			return nil, err
		}
	}
	return nil, lastErr
}

// applyNotice updates the payment and, when money settled, advances the
// order. Payment accounting and order lifecycle are decoupled: a webhook for
// a cancelled order still records the payment but never resurrects the order.
func (o *Orchestrator) applyNotice(ctx context.Context, payment *models.Payment, notice *gateway.WebhookNotice) error {
	if notice.Status == models.PaymentStatusRefunded {
		if _, err := o.repo.MarkPaymentRefunded(ctx, payment.ID); err != nil {
			return err
		}
		util.PaymentOutcomesTotal.WithLabelValues(string(payment.Gateway), "refunded").Inc()
		return nil
	}

	updated, err := o.repo.UpdatePaymentStatus(ctx, payment.ID,
		notice.Status, notice.GatewayTransactionID, notice.FailureReason)
	if err != nil {
		return err
	}
	if !updated {
		// Duplicate delivery of a terminal status: idempotent no-op.
		o.logger.Debug("Duplicate webhook ignored",
			zap.String("payment_id", payment.ID),
			zap.String("status", string(notice.Status)))
		return nil
	}

	switch notice.Status {
	case models.PaymentStatusSuccess:
		util.PaymentOutcomesTotal.WithLabelValues(string(payment.Gateway), "success").Inc()
		o.notifier.NotifyPaymentSucceeded(ctx, payment.OrderID, payment.ID, payment.Amount)

		cumulative, err := o.repo.SumSucceededPayments(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		return o.orders.ApplyPaymentProgress(ctx, payment.OrderID, cumulative)

	case models.PaymentStatusFailed, models.PaymentStatusExpired:
		util.PaymentOutcomesTotal.WithLabelValues(string(payment.Gateway), string(notice.Status)).Inc()
		return o.repo.IncrementPaymentRetry(ctx, payment.ID)
	}

	return nil
}

// ConfirmPayment polls the gateway for the current status and applies it.
// Useful for mobile money flows where the webhook has not arrived yet.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := o.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status.Terminal() {
		return payment, nil
	}

	gw, err := o.registry.Get(payment.Gateway)
	if err != nil {
		return nil, err
	}

	result, err := gw.Confirm(ctx, payment.ReferenceID)
	if err != nil {
		if errors.Is(err, gateway.ErrConfirmNotSupported) {
			return payment, nil
		}
		return nil, err
	}

	if result.Status != payment.Status {
		if err := o.applyNotice(ctx, payment, &gateway.WebhookNotice{
			EventType:            "confirm.poll",
			GatewayTransactionID: result.GatewayTransactionID,
			ReferenceID:          payment.ReferenceID,
			Status:               result.Status,
			FailureReason:        result.ErrorMessage,
		}); err != nil {
			return nil, err
		}
	}

	return o.repo.GetPaymentByID(ctx, paymentID)
}

// MarkCashCollected records a cash-on-delivery collection reported by the
// shipping collaborator and advances the order accordingly.
func (o *Orchestrator) MarkCashCollected(ctx context.Context, paymentID, courierID string) error {
	payment, err := o.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Gateway != models.GatewayCashOnDelivery {
		return fmt.Errorf("%w: payment %s is %s", apperr.ErrUnsupportedGateway, paymentID, payment.Gateway)
	}

	return o.applyNotice(ctx, payment, &gateway.WebhookNotice{
		EventType:            "cod.collected",
		GatewayTransactionID: payment.GatewayTransactionID,
		ReferenceID:          payment.ReferenceID,
		Status:               models.PaymentStatusSuccess,
	})
}

// Refund reverses a succeeded payment. Card refunds go through the
// processor; mobile money refunds are recorded for manual processing.
func (o *Orchestrator) Refund(ctx context.Context, paymentID, reason string) error {
	payment, err := o.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != models.PaymentStatusSuccess {
		return fmt.Errorf("%w: only succeeded payments are refundable", apperr.ErrOrderNotPayable)
	}

	gw, err := o.registry.Get(payment.Gateway)
	if err != nil {
		return err
	}

	if refunder, ok := gw.(gateway.Refunder); ok {
		if err := refunder.Refund(ctx, payment.GatewayTransactionID, payment.Amount, reason); err != nil {
			return err
		}
	} else {
		o.logger.Info("Refund requires manual processing",
			zap.String("payment_id", paymentID),
			zap.String("gateway", string(payment.Gateway)))
	}

	updated, err := o.repo.MarkPaymentRefunded(ctx, paymentID)
	if err != nil {
		return err
	}
	if updated {
		util.PaymentOutcomesTotal.WithLabelValues(string(payment.Gateway), "refunded").Inc()
	}
	return nil
}

// ListPayments returns an order's payment attempts.
func (o *Orchestrator) ListPayments(ctx context.Context, orderID string) ([]models.Payment, error) {
	return o.repo.ListPaymentsByOrder(ctx, orderID)
}

// SweepUnprocessedWebhooks re-enqueues stored webhook events whose
// processing never completed. Called periodically by the worker.
func (o *Orchestrator) SweepUnprocessedWebhooks(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	events, err := o.repo.ListUnprocessedWebhookEvents(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	var processed int
	for _, ev := range events {
		if err := o.ProcessWebhookEvent(ctx, ev.ID); err != nil {
			o.logger.Warn("Webhook sweep retry failed",
				zap.String("webhook_event_id", ev.ID), zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}
