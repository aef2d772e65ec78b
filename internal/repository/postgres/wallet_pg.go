// internal/repository/postgres/wallet_pg.go
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
	"github.com/shopspring/decimal"
)

// WalletRepository implements repository.WalletRepository for PostgreSQL.
type WalletRepository struct{}

// NewWalletRepository creates a new WalletRepository.
func NewWalletRepository(db *sqlx.DB) repository.WalletRepository {
	return &WalletRepository{}
}

// GetOrCreateWallet inserts the wallet if missing and returns it.
func (r *WalletRepository) GetOrCreateWallet(ctx context.Context, q repository.DBExecutor, userID int64) (*domain.Wallet, error) {
	now := time.Now().UTC()
	query := `INSERT INTO wallets (user_id, created_at, updated_at) VALUES ($1, $2, $2)
	          ON CONFLICT (user_id) DO NOTHING`
	if _, err := q.ExecContext(ctx, query, userID, now); err != nil {
		return nil, fmt.Errorf("failed to create wallet for user %d: %w", userID, err)
	}
	return r.GetWalletByUserID(ctx, q, userID)
}

// GetWalletByUserID retrieves a wallet by its owner.
func (r *WalletRepository) GetWalletByUserID(ctx context.Context, q repository.DBExecutor, userID int64) (*domain.Wallet, error) {
	var wallet domain.Wallet
	query := `SELECT id, user_id, created_at, updated_at FROM wallets WHERE user_id = $1`
	if err := q.GetContext(ctx, &wallet, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet for user %d: %w", userID, err)
	}
	return &wallet, nil
}

// EnsureBalance creates a zeroed balance row if none exists.
func (r *WalletRepository) EnsureBalance(ctx context.Context, q repository.DBExecutor, walletID int64, currency string) error {
	query := `INSERT INTO balances (wallet_id, currency, available, locked, updated_at)
	          VALUES ($1, $2, 0, 0, $3)
	          ON CONFLICT (wallet_id, currency) DO NOTHING`
	if _, err := q.ExecContext(ctx, query, walletID, currency, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to ensure %s balance for wallet %d: %w", currency, walletID, err)
	}
	return nil
}

// GetBalances lists every balance of a wallet.
func (r *WalletRepository) GetBalances(ctx context.Context, q repository.DBExecutor, walletID int64) ([]domain.Balance, error) {
	balances := []domain.Balance{}
	query := `SELECT id, wallet_id, currency, available, locked, updated_at
	          FROM balances WHERE wallet_id = $1 ORDER BY currency`
	if err := q.SelectContext(ctx, &balances, query, walletID); err != nil {
		return nil, fmt.Errorf("failed to get balances for wallet %d: %w", walletID, err)
	}
	return balances, nil
}

// GetBalanceForUpdate reads a balance row under a row lock.
func (r *WalletRepository) GetBalanceForUpdate(ctx context.Context, q repository.DBExecutor, walletID int64, currency string) (*domain.Balance, error) {
	var balance domain.Balance
	query := `SELECT id, wallet_id, currency, available, locked, updated_at
	          FROM balances WHERE wallet_id = $1 AND currency = $2 FOR UPDATE`
	if err := q.GetContext(ctx, &balance, query, walletID, currency); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, util.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock %s balance for wallet %d: %w", currency, walletID, err)
	}
	return &balance, nil
}

// IncrementAvailable upserts the balance row and adds amount to available.
func (r *WalletRepository) IncrementAvailable(ctx context.Context, q repository.DBExecutor, walletID int64, currency string, amount decimal.Decimal) error {
	query := `INSERT INTO balances (wallet_id, currency, available, locked, updated_at)
	          VALUES ($1, $2, $3, 0, $4)
	          ON CONFLICT (wallet_id, currency)
	          DO UPDATE SET available = balances.available + EXCLUDED.available, updated_at = EXCLUDED.updated_at`
	if _, err := q.ExecContext(ctx, query, walletID, currency, amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to credit %s balance for wallet %d: %w", currency, walletID, err)
	}
	return nil
}

// MoveToLocked moves amount from available to locked.
func (r *WalletRepository) MoveToLocked(ctx context.Context, q repository.DBExecutor, walletID int64, currency string, amount decimal.Decimal) error {
	query := `UPDATE balances SET available = available - $1, locked = locked + $1, updated_at = $2
	          WHERE wallet_id = $3 AND currency = $4 AND available >= $1`
	return r.execBalanceUpdate(ctx, q, query, util.ErrInsufficientFunds, amount, walletID, currency)
}

// MoveToAvailable moves amount from locked back to available.
func (r *WalletRepository) MoveToAvailable(ctx context.Context, q repository.DBExecutor, walletID int64, currency string, amount decimal.Decimal) error {
	query := `UPDATE balances SET available = available + $1, locked = locked - $1, updated_at = $2
	          WHERE wallet_id = $3 AND currency = $4 AND locked >= $1`
	return r.execBalanceUpdate(ctx, q, query, util.ErrInvalidUnlockAmount, amount, walletID, currency)
}

// DecrementLocked removes amount from locked.
func (r *WalletRepository) DecrementLocked(ctx context.Context, q repository.DBExecutor, walletID int64, currency string, amount decimal.Decimal) error {
	query := `UPDATE balances SET locked = locked - $1, updated_at = $2
	          WHERE wallet_id = $3 AND currency = $4 AND locked >= $1`
	return r.execBalanceUpdate(ctx, q, query, util.ErrInvalidUnlockAmount, amount, walletID, currency)
}

// execBalanceUpdate runs a guarded balance update; no affected row means the guard failed.
func (r *WalletRepository) execBalanceUpdate(ctx context.Context, q repository.DBExecutor, query string, guardErr error, amount decimal.Decimal, walletID int64, currency string) error {
	result, err := q.ExecContext(ctx, query, amount, time.Now().UTC(), walletID, currency)
	if err != nil {
		return fmt.Errorf("failed to update %s balance for wallet %d: %w", currency, walletID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected after updating balance for wallet %d: %w", walletID, err)
	}
	if rowsAffected == 0 {
		return guardErr
	}
	return nil
}
