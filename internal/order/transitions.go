package order

import "fulfillment-service/internal/models"

// transitions is the order lifecycle table. A status maps to the set of
// statuses reachable from it; absent statuses are terminal.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending: {
		models.OrderStatusPartiallyPaid, models.OrderStatusPaidFull,
		models.OrderStatusCancelled, models.OrderStatusRefunded,
	},
	models.OrderStatusPartiallyPaid: {
		models.OrderStatusPaidFull, models.OrderStatusProcessing,
		models.OrderStatusShipped, models.OrderStatusCancelled,
		models.OrderStatusRefunded,
	},
	models.OrderStatusPaidFull: {
		models.OrderStatusProcessing, models.OrderStatusShipped,
		models.OrderStatusCancelled, models.OrderStatusRefunded,
	},
	models.OrderStatusProcessing: {
		models.OrderStatusShipped, models.OrderStatusCancelled,
		models.OrderStatusRefunded,
	},
	models.OrderStatusShipped: {
		models.OrderStatusInTransit, models.OrderStatusDelivered,
		models.OrderStatusRefunded,
	},
	models.OrderStatusInTransit: {
		models.OrderStatusDelivered, models.OrderStatusRefunded,
	},
	models.OrderStatusDelivered: {
		models.OrderStatusCompleted, models.OrderStatusRefunded,
	},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status allows no further transitions.
func Terminal(s models.OrderStatus) bool {
	return len(transitions[s]) == 0
}

// Cancellable reports whether an order in this status may still be
// cancelled. Business rule: not after dispatch.
func Cancellable(s models.OrderStatus) bool {
	switch s {
	case models.OrderStatusPending, models.OrderStatusPartiallyPaid,
		models.OrderStatusPaidFull, models.OrderStatusProcessing:
		return true
	}
	return false
}

// EffectFor returns the inventory side effect bound to a transition.
// Shipping consumes the reservation; cancelling returns it. Refunds after
// dispatch have no inventory effect because stock was already consumed.
func EffectFor(from, to models.OrderStatus) models.InventoryEffect {
	switch to {
	case models.OrderStatusShipped:
		return models.EffectCommit
	case models.OrderStatusCancelled:
		return models.EffectRelease
	case models.OrderStatusRefunded:
		// A refund before dispatch still holds a reservation.
		if Cancellable(from) {
			return models.EffectRelease
		}
	}
	return models.EffectNone
}
