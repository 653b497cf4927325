package inventory

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Repository is the persistence contract for inventory counters. The check
// in ReserveStock must be re-verified under a row lock, not trusted from an
// earlier read by the caller.
type Repository interface {
	GetInventory(ctx context.Context, productID string) (*models.InventoryRecord, error)
	ReserveStock(ctx context.Context, productID string, qty int) error
	ReleaseStock(ctx context.Context, productID string, qty int) error
	CommitStock(ctx context.Context, productID string, qty int) error
}

// AvailabilityCache is a best-effort mirror of available counts for catalog
// display. Failures are logged, never propagated.
type AvailabilityCache interface {
	CacheAvailability(ctx context.Context, productID string, available int) error
}

// Ledger keeps quantity and reserved_quantity consistent under concurrent
// access from multiple orders.
type Ledger struct {
	repo   Repository
	cache  AvailabilityCache
	logger *zap.Logger
}

// NewLedger creates an inventory ledger. cache may be nil.
func NewLedger(repo Repository, cache AvailabilityCache) *Ledger {
	return &Ledger{
		repo:   repo,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// CanReserve reports whether qty units are currently available. Advisory
// only: Reserve re-checks under lock.
func (l *Ledger) CanReserve(ctx context.Context, productID string, qty int) (bool, error) {
	rec, err := l.repo.GetInventory(ctx, productID)
	if err != nil {
		return false, err
	}
	return qty <= rec.Available(), nil
}

// Reserve places a soft hold on stock. Concurrent reservations for the same
// product that together exceed availability result in exactly one success.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int) error {
	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if err := l.repo.ReserveStock(ctx, productID, qty); err != nil {
		util.InventoryReservationsFailed.WithLabelValues("reserve").Inc()
		return err
	}

	l.refreshCache(ctx, productID)
	return nil
}

// Release returns a reservation to the available pool. Floored at zero
// against double release.
func (l *Ledger) Release(ctx context.Context, productID string, qty int) error {
	if err := l.repo.ReleaseStock(ctx, productID, qty); err != nil {
		return err
	}
	l.refreshCache(ctx, productID)
	return nil
}

// Commit consumes a reservation at shipment, decrementing physical stock.
func (l *Ledger) Commit(ctx context.Context, productID string, qty int) error {
	if err := l.repo.CommitStock(ctx, productID, qty); err != nil {
		return err
	}
	l.refreshCache(ctx, productID)
	return nil
}

// Get retrieves the inventory record for a product.
func (l *Ledger) Get(ctx context.Context, productID string) (*models.InventoryRecord, error) {
	return l.repo.GetInventory(ctx, productID)
}

func (l *Ledger) refreshCache(ctx context.Context, productID string) {
	if l.cache == nil {
		return
	}
	rec, err := l.repo.GetInventory(ctx, productID)
	if err != nil {
		l.logger.Warn("Failed to read inventory for cache refresh",
			zap.String("product_id", productID), zap.Error(err))
		return
	}
	if err := l.cache.CacheAvailability(ctx, productID, rec.Available()); err != nil {
		l.logger.Warn("Failed to refresh availability cache",
			zap.String("product_id", productID), zap.Error(err))
	}
}
