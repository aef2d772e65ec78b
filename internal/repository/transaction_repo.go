// internal/repository/transaction_repo.go
package repository

import (
	"context"

	"coinsettle/internal/domain"
)

// TransactionRepository defines the interface for transaction data operations.
type TransactionRepository interface {
	// CreateTransaction inserts a transaction. A duplicate tx hash yields util.ErrDuplicateEntry.
	CreateTransaction(ctx context.Context, q DBExecutor, transaction *domain.Transaction) error
	GetTransactionByID(ctx context.Context, q DBExecutor, id int64) (*domain.Transaction, error)
	GetTransactionByHash(ctx context.Context, q DBExecutor, txHash string) (*domain.Transaction, error)
	// ListPendingPayments returns the order's unconfirmed PAYMENT transactions, newest first.
	ListPendingPayments(ctx context.Context, q DBExecutor, orderID int64) ([]domain.Transaction, error)
	// GetConfirmedPayment returns the order's newest CONFIRMED payment that covers the quote.
	GetConfirmedPayment(ctx context.Context, q DBExecutor, orderID int64) (*domain.Transaction, error)
	CountByOrder(ctx context.Context, q DBExecutor, orderID int64) (int, error)
	UpdateMetadata(ctx context.Context, q DBExecutor, id int64, metadata domain.TransactionMetadata) error
	// UpdateStatus moves a transaction between statuses, reporting false if it was not in from.
	UpdateStatus(ctx context.Context, q DBExecutor, id int64, from, to domain.TransactionStatus) (bool, error)
	// ListPendingWithdrawals loads the named PENDING WITHDRAWAL transactions.
	ListPendingWithdrawals(ctx context.Context, q DBExecutor, ids []int64) ([]domain.Transaction, error)
	// ClaimWithdrawal tags a PENDING, unclaimed withdrawal with batchID. It reports false
	// when the withdrawal is no longer PENDING or another batch holds it.
	ClaimWithdrawal(ctx context.Context, q DBExecutor, id int64, batchID string) (bool, error)
	// ReleaseWithdrawalClaims removes batchID's tag from withdrawals that are still PENDING.
	ReleaseWithdrawalClaims(ctx context.Context, q DBExecutor, batchID string) error
	// ListOrdersAwaitingConfirmation returns PENDING orders holding a PENDING sufficient payment.
	ListOrdersAwaitingConfirmation(ctx context.Context, q DBExecutor, limit int) ([]int64, error)
	GetTransactionsByWalletID(ctx context.Context, q DBExecutor, walletID int64, limit, offset int) ([]domain.Transaction, int64, error)
}
