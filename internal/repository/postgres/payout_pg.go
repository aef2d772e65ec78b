// internal/repository/postgres/payout_pg.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"coinsettle/internal/domain"
	"coinsettle/internal/repository"

	"github.com/jmoiron/sqlx"
)

// PayoutRepository implements repository.PayoutRepository for PostgreSQL.
type PayoutRepository struct{}

// NewPayoutRepository creates a new PayoutRepository.
func NewPayoutRepository(db *sqlx.DB) repository.PayoutRepository {
	return &PayoutRepository{}
}

// ReserveOutput inserts a reservation, or takes over a RELEASED one by bumping
// its version. A RESERVED or SPENT row is left alone.
func (r *PayoutRepository) ReserveOutput(ctx context.Context, q repository.DBExecutor, output domain.UnspentOutput, batchID string) (bool, error) {
	query := `INSERT INTO utxo_reservations (tx_hash, vout, batch_id, status, version, updated_at)
	          VALUES ($1, $2, $3, $4, 1, $5)
	          ON CONFLICT (tx_hash, vout) DO UPDATE
	          SET batch_id = EXCLUDED.batch_id, status = EXCLUDED.status,
	              version = utxo_reservations.version + 1, updated_at = EXCLUDED.updated_at
	          WHERE utxo_reservations.status = $6`
	result, err := q.ExecContext(ctx, query,
		output.TxHash, output.Vout, batchID, domain.ReservationReserved, time.Now().UTC(), domain.ReservationReleased)
	if err != nil {
		return false, fmt.Errorf("failed to reserve output %s:%d: %w", output.TxHash, output.Vout, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for output %s:%d: %w", output.TxHash, output.Vout, err)
	}
	return rowsAffected == 1, nil
}

// ReleaseBatch frees the batch's outstanding reservations.
func (r *PayoutRepository) ReleaseBatch(ctx context.Context, q repository.DBExecutor, batchID string) error {
	return r.transitionBatch(ctx, q, batchID, domain.ReservationReleased)
}

// MarkBatchSpent makes the batch's reservations permanent.
func (r *PayoutRepository) MarkBatchSpent(ctx context.Context, q repository.DBExecutor, batchID string) error {
	return r.transitionBatch(ctx, q, batchID, domain.ReservationSpent)
}

func (r *PayoutRepository) transitionBatch(ctx context.Context, q repository.DBExecutor, batchID string, to domain.ReservationStatus) error {
	query := `UPDATE utxo_reservations SET status = $1, version = version + 1, updated_at = $2
	          WHERE batch_id = $3 AND status = $4`
	if _, err := q.ExecContext(ctx, query, to, time.Now().UTC(), batchID, domain.ReservationReserved); err != nil {
		return fmt.Errorf("failed to move batch %s reservations to %s: %w", batchID, to, err)
	}
	return nil
}

// CreateBatch records a broadcast payout.
func (r *PayoutRepository) CreateBatch(ctx context.Context, q repository.DBExecutor, batch *domain.PayoutBatch) error {
	query := `INSERT INTO payout_batches (id, tx_hash, total_amount, miner_fee, change_amount, input_count, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.ExecContext(ctx, query,
		batch.ID, batch.TxHash, batch.TotalAmount, batch.MinerFee, batch.ChangeAmount, batch.InputCount, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payout batch %s: %w", batch.ID, err)
	}
	return nil
}

// IsPayoutHash reports whether txHash belongs to a payout we broadcast.
func (r *PayoutRepository) IsPayoutHash(ctx context.Context, q repository.DBExecutor, txHash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM payout_batches WHERE tx_hash = $1)`
	if err := q.GetContext(ctx, &exists, query, txHash); err != nil {
		return false, fmt.Errorf("failed to look up payout hash %s: %w", txHash, err)
	}
	return exists, nil
}
