package broker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/google/uuid"
)

// EventPublisher publishes domain events over the webhook topic.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishWebhookReceived hands a persisted webhook row off for async
// processing. The key is the webhook row id so redeliveries stay ordered.
func (ep *EventPublisher) PublishWebhookReceived(ctx context.Context, webhookEventID string, gateway models.PaymentGateway) error {
	event := &models.WebhookReceivedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeWebhookReceived,
			Timestamp: time.Now(),
		},
		WebhookEventID: webhookEventID,
		Gateway:        gateway,
	}
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("webhook-%s", webhookEventID), event)
}
