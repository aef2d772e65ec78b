// internal/repository/postgres/transaction_pg.go
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
	"coinsettle/pkg/db"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const transactionColumns = `id, order_id, wallet_id, tx_hash, amount, currency, type, status, metadata, created_at, updated_at`

// TransactionRepository implements repository.TransactionRepository for PostgreSQL.
type TransactionRepository struct{}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository(db *sqlx.DB) repository.TransactionRepository {
	return &TransactionRepository{}
}

// CreateTransaction inserts a new transaction record. The unique index on
// tx_hash is the only duplicate check that counts.
func (r *TransactionRepository) CreateTransaction(ctx context.Context, q repository.DBExecutor, transaction *domain.Transaction) error {
	query := `INSERT INTO transactions (order_id, wallet_id, tx_hash, amount, currency, type, status, metadata, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`

	err := q.QueryRowContext(ctx, query,
		transaction.OrderID,
		transaction.WalletID,
		transaction.TxHash,
		transaction.Amount,
		transaction.Currency,
		transaction.Type,
		transaction.Status,
		transaction.Metadata,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	).Scan(&transaction.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return util.ErrDuplicateEntry
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionByID retrieves a transaction by its ID.
func (r *TransactionRepository) GetTransactionByID(ctx context.Context, q repository.DBExecutor, id int64) (*domain.Transaction, error) {
	return r.getOne(ctx, q, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

// GetTransactionByHash retrieves a transaction by its chain hash.
func (r *TransactionRepository) GetTransactionByHash(ctx context.Context, q repository.DBExecutor, txHash string) (*domain.Transaction, error) {
	return r.getOne(ctx, q, `SELECT `+transactionColumns+` FROM transactions WHERE tx_hash = $1`, txHash)
}

// ListPendingPayments retrieves the unconfirmed PAYMENT transactions of an order, newest first.
func (r *TransactionRepository) ListPendingPayments(ctx context.Context, q repository.DBExecutor, orderID int64) ([]domain.Transaction, error) {
	payments := []domain.Transaction{}
	query := `SELECT ` + transactionColumns + ` FROM transactions
	          WHERE order_id = $1 AND type = $2 AND status = $3
	          ORDER BY created_at DESC, id DESC`
	err := q.SelectContext(ctx, &payments, query, orderID, domain.TransactionTypePayment, domain.TransactionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments for order %d: %w", orderID, err)
	}
	return payments, nil
}

// GetConfirmedPayment retrieves the newest CONFIRMED sufficient PAYMENT of an order.
func (r *TransactionRepository) GetConfirmedPayment(ctx context.Context, q repository.DBExecutor, orderID int64) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
	          WHERE order_id = $1 AND type = $2 AND status = $3
	            AND (metadata->>'isSufficient')::boolean
	          ORDER BY created_at DESC, id DESC
	          LIMIT 1`
	return r.getOne(ctx, q, query, orderID, domain.TransactionTypePayment, domain.TransactionStatusConfirmed)
}

func (r *TransactionRepository) getOne(ctx context.Context, q repository.DBExecutor, query string, args ...interface{}) (*domain.Transaction, error) {
	var transaction domain.Transaction
	if err := q.GetContext(ctx, &transaction, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &transaction, nil
}

// CountByOrder counts every transaction recorded against an order.
func (r *TransactionRepository) CountByOrder(ctx context.Context, q repository.DBExecutor, orderID int64) (int, error) {
	var count int
	if err := q.GetContext(ctx, &count, `SELECT COUNT(*) FROM transactions WHERE order_id = $1`, orderID); err != nil {
		return 0, fmt.Errorf("failed to count transactions for order %d: %w", orderID, err)
	}
	return count, nil
}

// UpdateMetadata overwrites a transaction's metadata.
func (r *TransactionRepository) UpdateMetadata(ctx context.Context, q repository.DBExecutor, id int64, metadata domain.TransactionMetadata) error {
	query := `UPDATE transactions SET metadata = $1, updated_at = $2 WHERE id = $3`
	result, err := q.ExecContext(ctx, query, metadata, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update metadata for transaction %d: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for transaction %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return util.ErrNotFound
	}
	return nil
}

// UpdateStatus performs a conditional status transition.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, q repository.DBExecutor, id int64, from, to domain.TransactionStatus) (bool, error) {
	query := `UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	result, err := q.ExecContext(ctx, query, to, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update transaction %d status: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for transaction %d: %w", id, err)
	}
	return rowsAffected == 1, nil
}

// ListPendingWithdrawals loads the named withdrawals that are still PENDING.
func (r *TransactionRepository) ListPendingWithdrawals(ctx context.Context, q repository.DBExecutor, ids []int64) ([]domain.Transaction, error) {
	transactions := []domain.Transaction{}
	query := `SELECT ` + transactionColumns + ` FROM transactions
	          WHERE id = ANY($1) AND type = $2 AND status = $3
	          ORDER BY id`
	err := q.SelectContext(ctx, &transactions, query, pq.Array(ids), domain.TransactionTypeWithdrawal, domain.TransactionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	return transactions, nil
}

// ClaimWithdrawal stamps payoutBatchId into the withdrawal's metadata if no batch holds it.
func (r *TransactionRepository) ClaimWithdrawal(ctx context.Context, q repository.DBExecutor, id int64, batchID string) (bool, error) {
	query := `UPDATE transactions
	          SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), '{payoutBatchId}', to_jsonb($1::text)), updated_at = $2
	          WHERE id = $3 AND type = $4 AND status = $5
	            AND COALESCE(metadata->>'payoutBatchId', '') = ''`
	result, err := q.ExecContext(ctx, query, batchID, time.Now().UTC(), id,
		domain.TransactionTypeWithdrawal, domain.TransactionStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim withdrawal %d: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for withdrawal %d: %w", id, err)
	}
	return rowsAffected == 1, nil
}

// ReleaseWithdrawalClaims clears payoutBatchId on the batch's still PENDING withdrawals.
func (r *TransactionRepository) ReleaseWithdrawalClaims(ctx context.Context, q repository.DBExecutor, batchID string) error {
	query := `UPDATE transactions SET metadata = metadata - 'payoutBatchId', updated_at = $1
	          WHERE type = $2 AND status = $3 AND metadata->>'payoutBatchId' = $4`
	_, err := q.ExecContext(ctx, query, time.Now().UTC(),
		domain.TransactionTypeWithdrawal, domain.TransactionStatusPending, batchID)
	if err != nil {
		return fmt.Errorf("failed to release withdrawals of batch %s: %w", batchID, err)
	}
	return nil
}

// ListOrdersAwaitingConfirmation returns PENDING orders holding any sufficient
// payment that is not yet confirmed.
func (r *TransactionRepository) ListOrdersAwaitingConfirmation(ctx context.Context, q repository.DBExecutor, limit int) ([]int64, error) {
	ids := []int64{}
	query := `SELECT DISTINCT t.order_id FROM transactions t
	          JOIN orders o ON o.id = t.order_id
	          WHERE t.type = $1 AND t.status = $2 AND o.status = $3
	            AND (t.metadata->>'isSufficient')::boolean
	          ORDER BY t.order_id
	          LIMIT $4`
	err := q.SelectContext(ctx, &ids, query,
		domain.TransactionTypePayment, domain.TransactionStatusPending, domain.OrderStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders awaiting confirmation: %w", err)
	}
	return ids, nil
}

// GetTransactionsByWalletID retrieves a paginated list of transactions for a specific wallet.
// It performs two queries: one for the data and one for the total count.
func (r *TransactionRepository) GetTransactionsByWalletID(ctx context.Context, q repository.DBExecutor, walletID int64, limit, offset int) ([]domain.Transaction, int64, error) {
	transactions := []domain.Transaction{}

	query := `SELECT ` + transactionColumns + ` FROM transactions
	          WHERE wallet_id = $1
	          ORDER BY created_at DESC
	          LIMIT $2 OFFSET $3`
	if err := q.SelectContext(ctx, &transactions, query, walletID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to fetch transactions for wallet %d: %w", walletID, err)
	}

	var totalCount int64
	if err := q.GetContext(ctx, &totalCount, `SELECT COUNT(*) FROM transactions WHERE wallet_id = $1`, walletID); err != nil {
		return nil, 0, fmt.Errorf("failed to get total transaction count for wallet %d: %w", walletID, err)
	}

	return transactions, totalCount, nil
}
