package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
)

// CreateOrderWithReservation persists the order, its items, the initial
// history row, and reserves stock for every item as one transaction. If any
// item cannot be reserved, nothing is persisted.
func (s *Store) CreateOrderWithReservation(ctx context.Context, order *models.Order, items []models.OrderItem, history *models.OrderStatusHistory) error {
	tx, err := s.beginLockedTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO orders (id, order_number, user_id, status,
			subtotal, tax_amount, shipping_cost, discount_amount,
			total_amount, deposit_amount, remaining_amount,
			shipping_snapshot, billing_snapshot, shipping_zone, notes,
			created_at, updated_at)
		VALUES (:id, :order_number, :user_id, :status,
			:subtotal, :tax_amount, :shipping_cost, :discount_amount,
			:total_amount, :deposit_amount, :remaining_amount,
			:shipping_snapshot, :billing_snapshot, :shipping_zone, :notes,
			:created_at, :updated_at)`, order)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range items {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, quantity,
				unit_price, total_price, weight_kg, product_snapshot)
			VALUES (:id, :order_id, :product_id, :quantity,
				:unit_price, :total_price, :weight_kg, :product_snapshot)`, &items[i])
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	for _, item := range sortedByProduct(items) {
		if err := reserveStockTx(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}

	if err := insertHistoryTx(ctx, tx, history); err != nil {
		return err
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID.
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", apperr.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order.
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// GetOrderHistory retrieves the status history for an order, oldest first.
func (s *Store) GetOrderHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error) {
	var rows []models.OrderStatusHistory
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY created_at", orderID)
	return rows, err
}

// UpdateOrderStatus applies a status transition, its history row, and its
// inventory side effect as one transaction. The update is guarded on the
// expected current status so a concurrent transition loses cleanly instead of
// clobbering.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus, history *models.OrderStatusHistory, effect models.InventoryEffect) error {
	tx, err := s.beginLockedTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2,
			delivered_at = CASE WHEN $1 = 'delivered' THEN $2 ELSE delivered_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN $2 ELSE cancelled_at END
		WHERE id = $3 AND status = $4`,
		to, now, orderID, from)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: order %s changed concurrently", apperr.ErrInvalidTransition, orderID)
	}

	if effect != models.EffectNone {
		var items []models.OrderItem
		if err := tx.SelectContext(ctx, &items,
			"SELECT * FROM order_items WHERE order_id = $1", orderID); err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}
		for _, item := range sortedByProduct(items) {
			switch effect {
			case models.EffectRelease:
				_, err = tx.ExecContext(ctx,
					"UPDATE inventory SET reserved_quantity = GREATEST(reserved_quantity - $1, 0), updated_at = NOW() WHERE product_id = $2",
					item.Quantity, item.ProductID)
				if err != nil {
					return fmt.Errorf("failed to release stock: %w", err)
				}
			case models.EffectCommit:
				if err := commitStockTx(ctx, tx, item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
		}
	}

	if err := insertHistoryTx(ctx, tx, history); err != nil {
		return err
	}

	return tx.Commit()
}

func insertHistoryTx(ctx context.Context, tx interface {
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}, history *models.OrderStatusHistory) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO order_status_history (id, order_id, previous_status, new_status, notes, changed_by, created_at)
		VALUES (:id, :order_id, :previous_status, :new_status, :notes, :changed_by, :created_at)`, history)
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	return nil
}

// CountOrdersCreatedSince counts orders created at or after t. Used as the
// fallback source for the daily order-number sequence when Redis is down.
func (s *Store) CountOrdersCreatedSince(ctx context.Context, t time.Time) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM orders WHERE created_at >= $1", t)
	return count, err
}
