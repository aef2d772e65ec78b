// internal/repository/settlement_repo.go
package repository

import (
	"context"

	"coinsettle/internal/domain"
)

// SettlementRepository defines the interface for settlement records.
type SettlementRepository interface {
	// MarkOrderSettled claims the order's settlement. A second claim yields util.ErrAlreadySettled.
	MarkOrderSettled(ctx context.Context, q DBExecutor, orderID, transactionID int64) error
	CreateSettlement(ctx context.Context, q DBExecutor, settlement *domain.Settlement) error
	ListByOrder(ctx context.Context, q DBExecutor, orderID int64) ([]domain.Settlement, error)
	// ListUnsettledPaidOrders returns PAID or COMPLETED orders that have not been settled yet.
	ListUnsettledPaidOrders(ctx context.Context, q DBExecutor, limit int) ([]int64, error)
}
