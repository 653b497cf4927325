package notify

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Notifier is the fire-and-forget customer notification collaborator. The
// core never depends on notification success; failures are logged only.
type Notifier interface {
	NotifyOrderConfirmed(ctx context.Context, order *models.Order)
	NotifyPaymentSucceeded(ctx context.Context, orderID, paymentID string, amount decimal.Decimal)
	NotifyOrderShipped(ctx context.Context, order *models.Order, trackingNumber string)
	NotifyOrderCancelled(ctx context.Context, orderID, reason string)
}

// KafkaNotifier publishes notification events; a downstream template service
// renders and sends email/SMS.
type KafkaNotifier struct {
	producer *broker.Producer
	logger   *zap.Logger
}

func NewKafkaNotifier(producer *broker.Producer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, logger: util.GetLogger()}
}

func (n *KafkaNotifier) NotifyOrderConfirmed(ctx context.Context, order *models.Order) {
	event := &models.OrderConfirmedEvent{
		BaseEvent:   baseEvent(models.EventTypeOrderConfirmed),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount.String(),
	}
	n.publish(ctx, order.ID, event)
}

func (n *KafkaNotifier) NotifyPaymentSucceeded(ctx context.Context, orderID, paymentID string, amount decimal.Decimal) {
	event := &models.PaymentSucceededEvent{
		BaseEvent: baseEvent(models.EventTypePaymentSucceeded),
		OrderID:   orderID,
		PaymentID: paymentID,
		Amount:    amount.String(),
	}
	n.publish(ctx, orderID, event)
}

func (n *KafkaNotifier) NotifyOrderShipped(ctx context.Context, order *models.Order, trackingNumber string) {
	event := &models.OrderShippedEvent{
		BaseEvent:      baseEvent(models.EventTypeOrderShipped),
		OrderID:        order.ID,
		TrackingNumber: trackingNumber,
	}
	n.publish(ctx, order.ID, event)
}

func (n *KafkaNotifier) NotifyOrderCancelled(ctx context.Context, orderID, reason string) {
	event := &models.OrderCancelledEvent{
		BaseEvent: baseEvent(models.EventTypeOrderCancelled),
		OrderID:   orderID,
		Reason:    reason,
	}
	n.publish(ctx, orderID, event)
}

func (n *KafkaNotifier) publish(ctx context.Context, orderID string, event interface{}) {
	if err := n.producer.PublishEvent(ctx, fmt.Sprintf("order-%s", orderID), event); err != nil {
		n.logger.Warn("Failed to publish notification",
			zap.String("order_id", orderID), zap.Error(err))
	}
}

func baseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// NopNotifier discards notifications. Used in tests.
type NopNotifier struct{}

func (NopNotifier) NotifyOrderConfirmed(context.Context, *models.Order)                       {}
func (NopNotifier) NotifyPaymentSucceeded(context.Context, string, string, decimal.Decimal)   {}
func (NopNotifier) NotifyOrderShipped(context.Context, *models.Order, string)                 {}
func (NopNotifier) NotifyOrderCancelled(context.Context, string, string)                      {}
