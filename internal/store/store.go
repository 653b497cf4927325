package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// pq error codes surfaced as domain errors.
const (
	pqLockNotAvailable = "55P03"
	pqUniqueViolation  = "23505"
)

type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewStore creates a new database store.
func NewStore(databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, lockTimeout: lockTimeout}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection.
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

func translatePQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqLockNotAvailable {
		return fmt.Errorf("%w: %v", apperr.ErrReservationTimeout, err)
	}
	return err
}

// beginLockedTx opens a transaction with a bounded row-lock wait so contended
// reservations fail with ReservationTimeout instead of hanging the request.
func (s *Store) beginLockedTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return tx, nil
}

// GetProductByID retrieves a product by ID.
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", apperr.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetInventory retrieves the inventory record for a product.
func (s *Store) GetInventory(ctx context.Context, productID string) (*models.InventoryRecord, error) {
	var rec models.InventoryRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM inventory WHERE product_id = $1", productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", apperr.ErrInventoryNotFound, productID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReserveStock reserves stock for one product. The availability check runs
// under a row lock so concurrent reservations cannot oversell.
func (s *Store) ReserveStock(ctx context.Context, productID string, qty int) error {
	tx, err := s.beginLockedTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := reserveStockTx(ctx, tx, productID, qty); err != nil {
		return err
	}
	return tx.Commit()
}

func reserveStockTx(ctx context.Context, tx *sqlx.Tx, productID string, qty int) error {
	var rec models.InventoryRecord
	err := tx.GetContext(ctx, &rec,
		"SELECT * FROM inventory WHERE product_id = $1 FOR UPDATE", productID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", apperr.ErrInventoryNotFound, productID)
	}
	if err != nil {
		return translatePQError(fmt.Errorf("failed to lock inventory: %w", err))
	}

	if rec.Available() < qty {
		return fmt.Errorf("%w: product %s has %d available, %d requested",
			apperr.ErrInsufficientStock, productID, rec.Available(), qty)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE inventory SET reserved_quantity = reserved_quantity + $1, updated_at = NOW() WHERE product_id = $2",
		qty, productID)
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}
	return nil
}

// ReleaseStock releases a reservation, floored at zero as a guard against
// double release.
func (s *Store) ReleaseStock(ctx context.Context, productID string, qty int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE inventory SET reserved_quantity = GREATEST(reserved_quantity - $1, 0), updated_at = NOW() WHERE product_id = $2",
		qty, productID)
	return err
}

// CommitStock consumes a reservation at shipment: both quantity and
// reserved_quantity decrease together.
func (s *Store) CommitStock(ctx context.Context, productID string, qty int) error {
	tx, err := s.beginLockedTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := commitStockTx(ctx, tx, productID, qty); err != nil {
		return err
	}
	return tx.Commit()
}

func commitStockTx(ctx context.Context, tx *sqlx.Tx, productID string, qty int) error {
	var rec models.InventoryRecord
	err := tx.GetContext(ctx, &rec,
		"SELECT * FROM inventory WHERE product_id = $1 FOR UPDATE", productID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", apperr.ErrInventoryNotFound, productID)
	}
	if err != nil {
		return translatePQError(fmt.Errorf("failed to lock inventory: %w", err))
	}

	if qty > rec.Reserved {
		return fmt.Errorf("%w: product %s reserved=%d, commit=%d",
			apperr.ErrInvalidCommit, productID, rec.Reserved, qty)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE inventory SET quantity = quantity - $1, reserved_quantity = reserved_quantity - $1, updated_at = NOW() WHERE product_id = $2",
		qty, productID)
	if err != nil {
		return fmt.Errorf("failed to commit stock: %w", err)
	}
	return nil
}

// sortedByProduct returns a copy of items ordered by product id. Locking rows
// in a stable order prevents deadlock between concurrent multi-item orders.
func sortedByProduct(items []models.OrderItem) []models.OrderItem {
	out := make([]models.OrderItem, len(items))
	copy(out, items)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
