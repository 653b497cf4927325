package order

import (
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.OrderStatusPending, models.OrderStatusPartiallyPaid))
	assert.True(t, CanTransition(models.OrderStatusPending, models.OrderStatusPaidFull))
	assert.True(t, CanTransition(models.OrderStatusPartiallyPaid, models.OrderStatusShipped))
	assert.True(t, CanTransition(models.OrderStatusShipped, models.OrderStatusDelivered))
	assert.True(t, CanTransition(models.OrderStatusDelivered, models.OrderStatusCompleted))

	// No skipping forward or moving backward.
	assert.False(t, CanTransition(models.OrderStatusPending, models.OrderStatusShipped))
	assert.False(t, CanTransition(models.OrderStatusShipped, models.OrderStatusPending))
	assert.False(t, CanTransition(models.OrderStatusDelivered, models.OrderStatusCancelled))

	// Nothing leaves a terminal state.
	assert.False(t, CanTransition(models.OrderStatusCancelled, models.OrderStatusPending))
	assert.False(t, CanTransition(models.OrderStatusCompleted, models.OrderStatusRefunded))
	assert.False(t, CanTransition(models.OrderStatusRefunded, models.OrderStatusPending))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(models.OrderStatusCancelled))
	assert.True(t, Terminal(models.OrderStatusCompleted))
	assert.True(t, Terminal(models.OrderStatusRefunded))
	assert.False(t, Terminal(models.OrderStatusPending))
	assert.False(t, Terminal(models.OrderStatusShipped))
}

func TestCancellable(t *testing.T) {
	assert.True(t, Cancellable(models.OrderStatusPending))
	assert.True(t, Cancellable(models.OrderStatusPartiallyPaid))
	assert.True(t, Cancellable(models.OrderStatusPaidFull))
	assert.True(t, Cancellable(models.OrderStatusProcessing))

	// Not after dispatch.
	assert.False(t, Cancellable(models.OrderStatusShipped))
	assert.False(t, Cancellable(models.OrderStatusInTransit))
	assert.False(t, Cancellable(models.OrderStatusDelivered))
	assert.False(t, Cancellable(models.OrderStatusCancelled))
}

func TestEffectFor(t *testing.T) {
	assert.Equal(t, models.EffectCommit, EffectFor(models.OrderStatusProcessing, models.OrderStatusShipped))
	assert.Equal(t, models.EffectRelease, EffectFor(models.OrderStatusPending, models.OrderStatusCancelled))

	// Refund before dispatch releases the reservation; after dispatch the
	// stock is already gone.
	assert.Equal(t, models.EffectRelease, EffectFor(models.OrderStatusPaidFull, models.OrderStatusRefunded))
	assert.Equal(t, models.EffectNone, EffectFor(models.OrderStatusDelivered, models.OrderStatusRefunded))

	assert.Equal(t, models.EffectNone, EffectFor(models.OrderStatusPending, models.OrderStatusPartiallyPaid))
	assert.Equal(t, models.EffectNone, EffectFor(models.OrderStatusShipped, models.OrderStatusDelivered))
}
