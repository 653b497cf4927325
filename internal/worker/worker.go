package worker

import (
	"context"
	"encoding/json"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// WebhookWorker consumes persisted webhook events off Kafka and processes
// them through the payment orchestrator. A periodic sweep re-runs stored
// events whose processing never completed, so a dropped Kafka message or a
// transient DB failure cannot lose a gateway notification.
type WebhookWorker struct {
	consumer     *broker.Consumer
	orchestrator *payment.Orchestrator
	sweepEvery   time.Duration
	sweepAge     time.Duration
	logger       *zap.Logger
}

func NewWebhookWorker(
	consumer *broker.Consumer,
	orchestrator *payment.Orchestrator,
	sweepEvery, sweepAge time.Duration,
) *WebhookWorker {
	return &WebhookWorker{
		consumer:     consumer,
		orchestrator: orchestrator,
		sweepEvery:   sweepEvery,
		sweepAge:     sweepAge,
		logger:       util.GetLogger(),
	}
}

// Start runs the consumer loop and the sweep ticker until ctx is cancelled.
func (w *WebhookWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting webhook worker")

	go w.runSweep(ctx)

	return w.consumer.StartConsuming(ctx, w.handleMessage)
}

// Stop closes the underlying consumer.
func (w *WebhookWorker) Stop() error {
	w.logger.Info("Stopping webhook worker")
	return w.consumer.Close()
}

func (w *WebhookWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		w.logger.Error("Failed to unmarshal event envelope", zap.Error(err))
		// Poison message; committing it is the only way forward.
		return nil
	}

	if base.EventType != models.EventTypeWebhookReceived {
		return nil
	}

	var event models.WebhookReceivedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		w.logger.Error("Failed to unmarshal WebhookReceived event", zap.Error(err))
		return nil
	}

	w.logger.Debug("Processing webhook event",
		zap.String("webhook_event_id", event.WebhookEventID),
		zap.String("gateway", string(event.Gateway)))

	return w.orchestrator.ProcessWebhookEvent(ctx, event.WebhookEventID)
}

func (w *WebhookWorker) runSweep(ctx context.Context) {
	ticker := time.NewTicker(w.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.orchestrator.SweepUnprocessedWebhooks(ctx, w.sweepAge, 100)
			if err != nil {
				w.logger.Warn("Webhook sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.logger.Info("Webhook sweep recovered events", zap.Int("count", n))
			}
		}
	}
}
