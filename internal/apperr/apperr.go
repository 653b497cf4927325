package apperr

import "errors"

// Kind classifies an error for retry policy and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindExternal
	KindInvariant
)

// Validation errors: bad input, rejected before any side effect.
var (
	ErrMissingPhoneNumber = errors.New("customer phone number is required")
	ErrUnsupportedGateway = errors.New("unsupported payment gateway")
	ErrEmptyOrder         = errors.New("order has no items")
	ErrInvalidQuantity    = errors.New("quantity must be greater than zero")
)

// Not-found errors.
var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrInventoryNotFound = errors.New("inventory record not found")
)

// Conflict errors: rejected after a read but before any mutation,
// safe to retry with corrected input.
var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInvalidTransition    = errors.New("invalid order status transition")
	ErrNotCancellable       = errors.New("order can no longer be cancelled")
	ErrOrderNotPayable      = errors.New("order is not payable")
	ErrAmountExceedsBalance = errors.New("payment amount exceeds remaining balance")
	ErrRetryLimitExceeded   = errors.New("payment retry limit exceeded")
	ErrWeightExceeded       = errors.New("order weight exceeds zone limit")
)

// External errors: gateway/network failures, retryable per policy.
var (
	ErrGatewayTimeout     = errors.New("payment gateway timed out")
	ErrGatewayRejected    = errors.New("payment gateway rejected the request")
	ErrReservationTimeout = errors.New("timed out waiting for inventory lock")
)

// Invariant violations: programming or data bugs. Never silently fixed.
var (
	ErrInvalidCommit = errors.New("commit quantity exceeds reserved quantity")
)

var kinds = map[error]Kind{
	ErrMissingPhoneNumber:   KindValidation,
	ErrUnsupportedGateway:   KindValidation,
	ErrEmptyOrder:           KindValidation,
	ErrInvalidQuantity:      KindValidation,
	ErrOrderNotFound:        KindNotFound,
	ErrPaymentNotFound:      KindNotFound,
	ErrProductNotFound:      KindNotFound,
	ErrInventoryNotFound:    KindNotFound,
	ErrInsufficientStock:    KindConflict,
	ErrInvalidTransition:    KindConflict,
	ErrNotCancellable:       KindConflict,
	ErrOrderNotPayable:      KindConflict,
	ErrAmountExceedsBalance: KindConflict,
	ErrRetryLimitExceeded:   KindConflict,
	ErrWeightExceeded:       KindConflict,
	ErrGatewayTimeout:       KindExternal,
	ErrGatewayRejected:      KindExternal,
	ErrReservationTimeout:   KindExternal,
	ErrInvalidCommit:        KindInvariant,
}

// KindOf walks the wrap chain and returns the kind of the first
// classified sentinel it finds.
func KindOf(err error) Kind {
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Retryable reports whether the caller may retry the operation
// without changing the request.
func Retryable(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) || errors.Is(err, ErrReservationTimeout)
}
