// internal/repository/postgres/settlement_pg.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"coinsettle/internal/domain"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"
	"coinsettle/pkg/db"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// SettlementRepository implements repository.SettlementRepository for PostgreSQL.
type SettlementRepository struct{}

// NewSettlementRepository creates a new SettlementRepository.
func NewSettlementRepository(db *sqlx.DB) repository.SettlementRepository {
	return &SettlementRepository{}
}

// MarkOrderSettled inserts the order's completion marker; the primary key on
// order_id rejects a second settlement.
func (r *SettlementRepository) MarkOrderSettled(ctx context.Context, q repository.DBExecutor, orderID, transactionID int64) error {
	query := `INSERT INTO order_settlements (order_id, transaction_id, settled_at) VALUES ($1, $2, $3)`
	if _, err := q.ExecContext(ctx, query, orderID, transactionID, time.Now().UTC()); err != nil {
		if db.IsUniqueViolation(err) {
			return util.ErrAlreadySettled
		}
		return fmt.Errorf("failed to mark order %d settled: %w", orderID, err)
	}
	return nil
}

// CreateSettlement inserts one disbursement record.
func (r *SettlementRepository) CreateSettlement(ctx context.Context, q repository.DBExecutor, settlement *domain.Settlement) error {
	query := `INSERT INTO settlements (transaction_id, order_id, order_item_id, beneficiary_id, beneficiary_kind,
	              amount, currency, status, processed_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	err := q.QueryRowContext(ctx, query,
		settlement.TransactionID,
		settlement.OrderID,
		settlement.OrderItemID,
		settlement.BeneficiaryID,
		settlement.BeneficiaryKind,
		settlement.Amount,
		settlement.Currency,
		settlement.Status,
		settlement.ProcessedAt,
	).Scan(&settlement.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return util.ErrAlreadySettled
		}
		return fmt.Errorf("failed to create settlement for order item %d: %w", settlement.OrderItemID, err)
	}
	return nil
}

// ListByOrder lists the settlements of an order.
func (r *SettlementRepository) ListByOrder(ctx context.Context, q repository.DBExecutor, orderID int64) ([]domain.Settlement, error) {
	settlements := []domain.Settlement{}
	query := `SELECT id, transaction_id, order_id, order_item_id, beneficiary_id, beneficiary_kind,
	              amount, currency, status, processed_at
	          FROM settlements WHERE order_id = $1 ORDER BY id`
	if err := q.SelectContext(ctx, &settlements, query, orderID); err != nil {
		return nil, fmt.Errorf("failed to list settlements for order %d: %w", orderID, err)
	}
	return settlements, nil
}

// ListUnsettledPaidOrders returns paid orders with no order_settlements row, oldest first.
func (r *SettlementRepository) ListUnsettledPaidOrders(ctx context.Context, q repository.DBExecutor, limit int) ([]int64, error) {
	ids := []int64{}
	query := `SELECT o.id FROM orders o
	          LEFT JOIN order_settlements s ON s.order_id = o.id
	          WHERE o.status = ANY($1) AND s.order_id IS NULL
	          ORDER BY o.id
	          LIMIT $2`
	statuses := pq.Array([]string{string(domain.OrderStatusPaid), string(domain.OrderStatusCompleted)})
	if err := q.SelectContext(ctx, &ids, query, statuses, limit); err != nil {
		return nil, fmt.Errorf("failed to list unsettled paid orders: %w", err)
	}
	return ids, nil
}
