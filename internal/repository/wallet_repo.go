// internal/repository/wallet_repo.go
package repository

import (
	"context"

	"coinsettle/internal/domain"

	"github.com/shopspring/decimal"
)

// WalletRepository defines the interface for wallet and balance operations.
// Balance mutations use increment semantics in SQL, never compute-then-write.
type WalletRepository interface {
	// GetOrCreateWallet returns the user's wallet, creating it on first access.
	GetOrCreateWallet(ctx context.Context, q DBExecutor, userID int64) (*domain.Wallet, error)
	GetWalletByUserID(ctx context.Context, q DBExecutor, userID int64) (*domain.Wallet, error)
	// EnsureBalance creates a zeroed balance row if absent.
	EnsureBalance(ctx context.Context, q DBExecutor, walletID int64, currency string) error
	GetBalances(ctx context.Context, q DBExecutor, walletID int64) ([]domain.Balance, error)
	// GetBalanceForUpdate reads a balance row and locks it until the transaction ends.
	GetBalanceForUpdate(ctx context.Context, q DBExecutor, walletID int64, currency string) (*domain.Balance, error)
	// IncrementAvailable upserts the balance and adds amount to available.
	IncrementAvailable(ctx context.Context, q DBExecutor, walletID int64, currency string, amount decimal.Decimal) error
	// MoveToLocked moves amount from available to locked.
	MoveToLocked(ctx context.Context, q DBExecutor, walletID int64, currency string, amount decimal.Decimal) error
	// MoveToAvailable moves amount from locked back to available.
	MoveToAvailable(ctx context.Context, q DBExecutor, walletID int64, currency string, amount decimal.Decimal) error
	// DecrementLocked removes amount from locked once funds left custody.
	DecrementLocked(ctx context.Context, q DBExecutor, walletID int64, currency string, amount decimal.Decimal) error
}
