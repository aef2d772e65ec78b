// internal/repository/postgres/order_pg.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coinsettle/internal/domain"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const orderColumns = `id, buyer_id, fiat_amount, coin_amount, exchange_rate, quote_expires_at,
	receiving_address, derivation_index, status, created_at, updated_at`

// OrderRepository implements repository.OrderRepository for PostgreSQL.
type OrderRepository struct{}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(db *sqlx.DB) repository.OrderRepository {
	return &OrderRepository{}
}

// NextDerivationIndex draws from a sequence so an index is never handed out twice.
func (r *OrderRepository) NextDerivationIndex(ctx context.Context, q repository.DBExecutor) (int64, error) {
	var index int64
	if err := q.GetContext(ctx, &index, `SELECT nextval('order_derivation_index_seq')`); err != nil {
		return 0, fmt.Errorf("failed to allocate derivation index: %w", err)
	}
	return index, nil
}

// CreateOrder inserts the order and its items using the provided DBExecutor.
func (r *OrderRepository) CreateOrder(ctx context.Context, q repository.DBExecutor, order *domain.Order) error {
	query := `INSERT INTO orders (buyer_id, fiat_amount, coin_amount, exchange_rate, quote_expires_at,
	              receiving_address, derivation_index, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	err := q.QueryRowContext(ctx, query,
		order.BuyerID,
		order.FiatAmount,
		order.CoinAmount,
		order.ExchangeRate,
		order.QuoteExpiresAt,
		order.ReceivingAddress,
		order.DerivationIndex,
		order.Status,
		order.CreatedAt,
		order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	itemQuery := `INSERT INTO order_items (order_id, product_id, vendor_id, quantity, unit_price)
	              VALUES ($1, $2, $3, $4, $5) RETURNING id`
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if err := q.QueryRowContext(ctx, itemQuery,
			item.OrderID, item.ProductID, item.VendorID, item.Quantity, item.UnitPrice,
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("failed to create order item for product %d: %w", item.ProductID, err)
		}
	}
	return nil
}

// GetOrderByID retrieves an order and its items.
func (r *OrderRepository) GetOrderByID(ctx context.Context, q repository.DBExecutor, id int64) (*domain.Order, error) {
	return r.getOrder(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

// LockOrder retrieves an order and its items under SELECT ... FOR UPDATE.
func (r *OrderRepository) LockOrder(ctx context.Context, q repository.DBExecutor, id int64) (*domain.Order, error) {
	return r.getOrder(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r *OrderRepository) getOrder(ctx context.Context, q repository.DBExecutor, query string, id int64) (*domain.Order, error) {
	var order domain.Order
	if err := q.GetContext(ctx, &order, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order by ID %d: %w", id, err)
	}

	items := []domain.OrderItem{}
	itemQuery := `SELECT id, order_id, product_id, vendor_id, quantity, unit_price, fulfilled_at
	              FROM order_items WHERE order_id = $1 ORDER BY id`
	if err := q.SelectContext(ctx, &items, itemQuery, id); err != nil {
		return nil, fmt.Errorf("failed to get items for order %d: %w", id, err)
	}
	order.Items = items
	return &order, nil
}

// UpdateOrderStatus performs a conditional status transition.
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, q repository.DBExecutor, id int64, from, to domain.OrderStatus) (bool, error) {
	query := `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	result, err := q.ExecContext(ctx, query, to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update order %d status %s->%s: %w", id, from, to, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for order %d: %w", id, err)
	}
	return rowsAffected == 1, nil
}

// ListExpiredPending lists PENDING orders past their quote expiry that have no
// recorded transactions.
func (r *OrderRepository) ListExpiredPending(ctx context.Context, q repository.DBExecutor, now time.Time, limit int) ([]domain.Order, error) {
	orders := []domain.Order{}
	query := `SELECT ` + orderColumns + ` FROM orders
	          WHERE status = $1 AND quote_expires_at < $2
	            AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.order_id = orders.id)
	          ORDER BY quote_expires_at
	          LIMIT $3`
	if err := q.SelectContext(ctx, &orders, query, domain.OrderStatusPending, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired pending orders: %w", err)
	}
	return orders, nil
}

// ListByStatus lists orders in the given statuses, oldest first. Items are not loaded.
func (r *OrderRepository) ListByStatus(ctx context.Context, q repository.DBExecutor, statuses []domain.OrderStatus, limit, offset int) ([]domain.Order, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	orders := []domain.Order{}
	query := `SELECT ` + orderColumns + ` FROM orders
	          WHERE status = ANY($1)
	          ORDER BY created_at, id
	          LIMIT $2 OFFSET $3`
	if err := q.SelectContext(ctx, &orders, query, pq.Array(names), limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list orders by status: %w", err)
	}
	return orders, nil
}

// MarkItemFulfilled stamps fulfilled_at on a line item that has not been fulfilled yet.
func (r *OrderRepository) MarkItemFulfilled(ctx context.Context, q repository.DBExecutor, orderID, itemID int64, at time.Time) (bool, error) {
	query := `UPDATE order_items SET fulfilled_at = $1
	          WHERE id = $2 AND order_id = $3 AND fulfilled_at IS NULL`
	result, err := q.ExecContext(ctx, query, at, itemID, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to mark item %d of order %d fulfilled: %w", itemID, orderID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for item %d: %w", itemID, err)
	}
	return rowsAffected == 1, nil
}
