package inventory

import (
	"context"
	"sync"
	"testing"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, quantity int) (*Ledger, *storetest.Memory) {
	t.Helper()
	mem := storetest.NewMemory()
	mem.AddProduct(&models.Product{
		ID:       "p1",
		SKU:      "SKU-1",
		Title:    "Test Product",
		Price:    decimal.NewFromInt(10000),
		WeightKg: decimal.NewFromInt(1),
		IsActive: true,
	}, quantity)
	return NewLedger(mem, nil), mem
}

func TestReserveAndRelease(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, "p1", 4))

	rec, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Quantity)
	assert.Equal(t, 4, rec.Reserved)
	assert.Equal(t, 6, rec.Available())

	require.NoError(t, ledger.Release(ctx, "p1", 4))
	rec, err = ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Reserved)
	assert.Equal(t, 10, rec.Available())
}

func TestReserveInsufficientStock(t *testing.T) {
	ledger, _ := newTestLedger(t, 3)
	ctx := context.Background()

	err := ledger.Reserve(ctx, "p1", 4)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	// A failed reservation holds nothing.
	rec, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Reserved)
}

func TestCommitDecrementsBothCounters(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, "p1", 4))
	require.NoError(t, ledger.Commit(ctx, "p1", 4))

	rec, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.Quantity)
	assert.Equal(t, 0, rec.Reserved)
	assert.Equal(t, 6, rec.Available())
}

func TestCommitBeyondReservedRejected(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, "p1", 2))
	err := ledger.Commit(ctx, "p1", 3)
	assert.ErrorIs(t, err, apperr.ErrInvalidCommit)
}

func TestDoubleReleaseFlooredAtZero(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	require.NoError(t, ledger.Reserve(ctx, "p1", 2))
	require.NoError(t, ledger.Release(ctx, "p1", 2))
	require.NoError(t, ledger.Release(ctx, "p1", 2))

	rec, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Reserved)
	assert.Equal(t, 10, rec.Available())
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)
	ctx := context.Background()

	// Two concurrent reserves of 3 against 5 available: exactly one wins.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ledger.Reserve(ctx, "p1", 3)
		}(i)
	}
	wg.Wait()

	var successes, failures int
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
			failures++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)

	rec, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Reserved)
	assert.Equal(t, 2, rec.Available())
}

func TestCanReserveAdvisory(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)
	ctx := context.Background()

	ok, err := ledger.CanReserve(ctx, "p1", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.CanReserve(ctx, "p1", 6)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ledger.CanReserve(ctx, "missing", 1)
	assert.ErrorIs(t, err, apperr.ErrInventoryNotFound)
}
