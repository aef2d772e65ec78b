// internal/repository/order_repo.go
package repository

import (
	"context"
	"time"

	"coinsettle/internal/domain"
)

// OrderRepository defines the interface for order data operations.
type OrderRepository interface {
	// NextDerivationIndex allocates a fresh, never reused derivation index.
	NextDerivationIndex(ctx context.Context, q DBExecutor) (int64, error)
	// CreateOrder inserts the order and its line items.
	CreateOrder(ctx context.Context, q DBExecutor, order *domain.Order) error
	// GetOrderByID retrieves an order with its line items.
	GetOrderByID(ctx context.Context, q DBExecutor, id int64) (*domain.Order, error)
	// LockOrder retrieves an order with its line items and holds a row lock until the transaction ends.
	LockOrder(ctx context.Context, q DBExecutor, id int64) (*domain.Order, error)
	// UpdateOrderStatus moves an order from one status to another. It reports false if the order was not in from.
	UpdateOrderStatus(ctx context.Context, q DBExecutor, id int64, from, to domain.OrderStatus) (bool, error)
	// ListExpiredPending lists PENDING orders whose quote expired before now and
	// that have no recorded transactions.
	ListExpiredPending(ctx context.Context, q DBExecutor, now time.Time, limit int) ([]domain.Order, error)
	// ListByStatus lists orders in any of the statuses, oldest first.
	ListByStatus(ctx context.Context, q DBExecutor, statuses []domain.OrderStatus, limit, offset int) ([]domain.Order, error)
	// MarkItemFulfilled stamps a line item as fulfilled. It reports false if it was already fulfilled.
	MarkItemFulfilled(ctx context.Context, q DBExecutor, orderID, itemID int64, at time.Time) (bool, error)
}
