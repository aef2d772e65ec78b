// internal/service/payout_service.go
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coinsettle/internal/chain"
	"coinsettle/internal/domain"
	"coinsettle/internal/events"
	"coinsettle/internal/hdwallet"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"

	"github.com/google/uuid"
)

const poolPageSize = 100

// UTXOSource lists spendable outputs and broadcasts raw transactions.
// *chain.ElectrumBackend implements it.
type UTXOSource interface {
	ListUnspent(ctx context.Context, address string) ([]chain.Unspent, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

// TxSigner builds and signs a payout transaction. *hdwallet.Signer implements it.
type TxSigner interface {
	BuildAndSign(inputs []domain.UnspentOutput, outputs []domain.PayoutOutput, minerFee int64) (*hdwallet.SignedTx, error)
}

// PayoutService pays queued withdrawals out of the pooled order receipts.
type PayoutService interface {
	ExecuteBatchWithdrawal(ctx context.Context, withdrawalIDs []int64) (*domain.PayoutBatch, error)
}

type payoutService struct {
	dbExecutor      repository.DBExecutor
	tx              TxFuncs
	utxos           UTXOSource
	signer          TxSigner
	orderRepo       repository.OrderRepository
	transactionRepo repository.TransactionRepository
	walletRepo      repository.WalletRepository
	payoutRepo      repository.PayoutRepository
	events          events.Publisher
	minerFee        int64
	logger          *slog.Logger
}

// NewPayoutService creates a new PayoutService. minerFee is in satoshis.
func NewPayoutService(
	dbExecutor repository.DBExecutor,
	tx TxFuncs,
	utxos UTXOSource,
	signer TxSigner,
	orderRepo repository.OrderRepository,
	transactionRepo repository.TransactionRepository,
	walletRepo repository.WalletRepository,
	payoutRepo repository.PayoutRepository,
	publisher events.Publisher,
	minerFee int64,
	logger *slog.Logger,
) PayoutService {
	return &payoutService{
		dbExecutor:      dbExecutor,
		tx:              tx,
		utxos:           utxos,
		signer:          signer,
		orderRepo:       orderRepo,
		transactionRepo: transactionRepo,
		walletRepo:      walletRepo,
		payoutRepo:      payoutRepo,
		events:          publisher,
		minerFee:        minerFee,
		logger:          logger.With("component", "payouts"),
	}
}

// ExecuteBatchWithdrawal pays the named PENDING withdrawals in one on-chain
// transaction. Withdrawals already claimed by another batch are left out.
func (s *payoutService) ExecuteBatchWithdrawal(ctx context.Context, withdrawalIDs []int64) (*domain.PayoutBatch, error) {
	pending, err := s.transactionRepo.ListPendingWithdrawals(ctx, s.dbExecutor, withdrawalIDs)
	if err != nil {
		return nil, fmt.Errorf("execute batch withdrawal: %w", err)
	}

	batchID := uuid.NewString()
	withdrawals := make([]domain.Transaction, 0, len(pending))
	for _, w := range pending {
		ok, err := s.transactionRepo.ClaimWithdrawal(ctx, s.dbExecutor, w.ID, batchID)
		if err != nil {
			s.releaseClaims(ctx, batchID)
			return nil, fmt.Errorf("execute batch withdrawal: %w", err)
		}
		if ok {
			w.Metadata.PayoutBatchID = batchID
			withdrawals = append(withdrawals, w)
		}
	}
	if len(withdrawals) == 0 {
		return nil, fmt.Errorf("execute batch withdrawal: no pending withdrawals: %w", util.ErrNotFound)
	}

	batch, broadcast, err := s.execute(ctx, batchID, withdrawals)
	if err != nil && !broadcast {
		s.releaseClaims(ctx, batchID)
	}
	return batch, err
}

// execute reports whether the transaction reached the network, in which case
// the withdrawal claims must stay in place even on error.
func (s *payoutService) execute(ctx context.Context, batchID string, withdrawals []domain.Transaction) (*domain.PayoutBatch, bool, error) {
	outputs := make([]domain.PayoutOutput, 0, len(withdrawals))
	var total int64
	for _, w := range withdrawals {
		value, err := util.ToSmallestUnit(w.Amount)
		if err != nil {
			return nil, false, fmt.Errorf("execute batch withdrawal: withdrawal %d: %w", w.ID, err)
		}
		outputs = append(outputs, domain.PayoutOutput{Address: w.Metadata.DestinationAddress, Value: value})
		total += value
	}
	needed := total + s.minerFee

	inputs, err := s.reserveInputs(ctx, batchID, needed)
	if err != nil {
		s.releaseReservations(ctx, batchID)
		return nil, false, err
	}

	signed, err := s.signer.BuildAndSign(inputs, outputs, s.minerFee)
	if err != nil {
		s.releaseReservations(ctx, batchID)
		return nil, false, fmt.Errorf("execute batch withdrawal: %w", err)
	}

	hash, err := s.utxos.Broadcast(ctx, signed.Hex)
	if err != nil {
		s.releaseReservations(ctx, batchID)
		s.logger.Error("Payout broadcast failed", "batch_id", batchID, "error", err)
		if util.IsError(err, util.ErrBroadcastFailure) {
			return nil, false, fmt.Errorf("execute batch withdrawal: %w", err)
		}
		return nil, false, fmt.Errorf("execute batch withdrawal: %w: %w", util.ErrBroadcastFailure, err)
	}
	if hash == "" {
		hash = signed.Hash
	}

	batch := &domain.PayoutBatch{
		ID:           batchID,
		TxHash:       hash,
		TotalAmount:  util.FromSmallestUnit(total),
		MinerFee:     util.FromSmallestUnit(signed.Fee),
		ChangeAmount: util.FromSmallestUnit(signed.Change),
		InputCount:   len(inputs),
		CreatedAt:    time.Now().UTC(),
	}
	for _, w := range withdrawals {
		batch.WithdrawalIDs = append(batch.WithdrawalIDs, w.ID)
	}

	// The transaction is already on the network; failures below leave the
	// reservations RESERVED so the outputs are never offered again.
	err = s.tx.run(ctx, "record payout batch", func(q repository.DBExecutor) error {
		if err := s.payoutRepo.CreateBatch(ctx, q, batch); err != nil {
			return fmt.Errorf("record payout batch: %w", err)
		}
		for _, w := range withdrawals {
			ok, err := s.transactionRepo.UpdateStatus(ctx, q, w.ID, domain.TransactionStatusPending, domain.TransactionStatusConfirmed)
			if err != nil {
				return fmt.Errorf("record payout batch: %w", err)
			}
			if !ok {
				return fmt.Errorf("record payout batch: withdrawal %d is no longer pending: %w", w.ID, util.ErrInvalidInput)
			}
			metadata := w.Metadata
			metadata.PayoutTxHash = hash
			metadata.PayoutBatchID = batchID
			if err := s.transactionRepo.UpdateMetadata(ctx, q, w.ID, metadata); err != nil {
				return fmt.Errorf("record payout batch: %w", err)
			}
			if w.WalletID == nil {
				return fmt.Errorf("record payout batch: withdrawal %d has no wallet: %w", w.ID, util.ErrInvalidInput)
			}
			if err := s.walletRepo.DecrementLocked(ctx, q, *w.WalletID, w.Currency, w.Amount); err != nil {
				return fmt.Errorf("record payout batch: withdrawal %d: %w", w.ID, err)
			}
		}
		if err := s.payoutRepo.MarkBatchSpent(ctx, q, batchID); err != nil {
			return fmt.Errorf("record payout batch: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Payout broadcast but not recorded", "batch_id", batchID, "tx_hash", hash, "error", err)
		return nil, true, err
	}

	s.logger.Info("Payout batch broadcast",
		"batch_id", batchID, "tx_hash", hash, "withdrawals", len(withdrawals),
		"inputs", len(inputs), "total", batch.TotalAmount, "change", batch.ChangeAmount)
	publish(ctx, s.events, s.logger, events.OrderEvent{
		Type:       events.EventWithdrawalsPaidOut,
		Amount:     batch.TotalAmount,
		TxHash:     hash,
		OccurredAt: batch.CreatedAt,
	})
	return batch, true, nil
}

// reserveInputs walks paid orders oldest first and reserves confirmed outputs
// on their receiving addresses until needed satoshis are covered.
func (s *payoutService) reserveInputs(ctx context.Context, batchID string, needed int64) ([]domain.UnspentOutput, error) {
	var inputs []domain.UnspentOutput
	var covered int64
	statuses := []domain.OrderStatus{domain.OrderStatusPaid, domain.OrderStatusCompleted}

	for offset := 0; ; offset += poolPageSize {
		orders, err := s.orderRepo.ListByStatus(ctx, s.dbExecutor, statuses, poolPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("execute batch withdrawal: %w", err)
		}
		for _, order := range orders {
			unspent, err := s.utxos.ListUnspent(ctx, order.ReceivingAddress)
			if err != nil {
				return nil, fmt.Errorf("execute batch withdrawal: list unspent for order %d: %w", order.ID, err)
			}
			for _, u := range unspent {
				if u.Height <= 0 {
					continue
				}
				output := domain.UnspentOutput{
					TxHash:          u.TxHash,
					Vout:            u.TxPos,
					Value:           u.Value,
					Address:         order.ReceivingAddress,
					DerivationIndex: order.DerivationIndex,
					OrderID:         order.ID,
				}
				ok, err := s.payoutRepo.ReserveOutput(ctx, s.dbExecutor, output, batchID)
				if err != nil {
					return nil, fmt.Errorf("execute batch withdrawal: %w", err)
				}
				if !ok {
					continue
				}
				inputs = append(inputs, output)
				covered += u.Value
				if covered >= needed {
					return inputs, nil
				}
			}
		}
		if len(orders) < poolPageSize {
			break
		}
	}
	return nil, fmt.Errorf("execute batch withdrawal: need %d sat, found %d: %w", needed, covered, util.ErrInsufficientPoolFunds)
}

func (s *payoutService) releaseReservations(ctx context.Context, batchID string) {
	if err := s.payoutRepo.ReleaseBatch(context.WithoutCancel(ctx), s.dbExecutor, batchID); err != nil {
		s.logger.Error("Failed to release reservations", "batch_id", batchID, "error", err)
	}
}

func (s *payoutService) releaseClaims(ctx context.Context, batchID string) {
	if err := s.transactionRepo.ReleaseWithdrawalClaims(context.WithoutCancel(ctx), s.dbExecutor, batchID); err != nil {
		s.logger.Error("Failed to release withdrawal claims", "batch_id", batchID, "error", err)
	}
}
