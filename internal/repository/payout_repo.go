// internal/repository/payout_repo.go
package repository

import (
	"context"

	"coinsettle/internal/domain"
)

// PayoutRepository tracks UTXO reservations and broadcast payout batches.
type PayoutRepository interface {
	// ReserveOutput marks an output as reserved by batchID. It reports false
	// when another batch holds it or it was already spent.
	ReserveOutput(ctx context.Context, q DBExecutor, output domain.UnspentOutput, batchID string) (bool, error)
	// ReleaseBatch frees every output still reserved by batchID.
	ReleaseBatch(ctx context.Context, q DBExecutor, batchID string) error
	// MarkBatchSpent turns batchID's reservations into permanent spent markers.
	MarkBatchSpent(ctx context.Context, q DBExecutor, batchID string) error
	CreateBatch(ctx context.Context, q DBExecutor, batch *domain.PayoutBatch) error
	// IsPayoutHash reports whether txHash is one of our own broadcast payouts.
	IsPayoutHash(ctx context.Context, q DBExecutor, txHash string) (bool, error)
}
