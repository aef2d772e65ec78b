// internal/service/payment_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coinsettle/internal/chain"
	"coinsettle/internal/domain"
	"coinsettle/internal/events"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"

	"github.com/shopspring/decimal"
)

// ChainData is the chain view the payment watcher needs. *chain.Provider implements it.
type ChainData interface {
	AddressActivity(ctx context.Context, address string) ([]chain.AddressTx, error)
	TransactionDetail(ctx context.Context, hash string) (*chain.TxDetail, error)
	ReceivedBy(ctx context.Context, hash, address string) (decimal.Decimal, int, error)
}

// PaymentService records on-chain payments and drives the order payment state machine.
type PaymentService interface {
	// CheckAddress records transactions newly seen on address for orderID and
	// returns how many were recorded.
	CheckAddress(ctx context.Context, address string, orderID int64) (int, error)
	// CheckConfirmations refreshes the confirmation depth of the order's
	// unconfirmed payments, newest first. It reports whether the order became PAID.
	CheckConfirmations(ctx context.Context, orderID int64) (bool, error)
}

type paymentService struct {
	dbExecutor      repository.DBExecutor
	tx              TxFuncs
	chain           ChainData
	orderRepo       repository.OrderRepository
	transactionRepo repository.TransactionRepository
	walletRepo      repository.WalletRepository
	payoutRepo      repository.PayoutRepository
	events          events.Publisher
	currency        string
	logger          *slog.Logger
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(
	dbExecutor repository.DBExecutor,
	tx TxFuncs,
	chainData ChainData,
	orderRepo repository.OrderRepository,
	transactionRepo repository.TransactionRepository,
	walletRepo repository.WalletRepository,
	payoutRepo repository.PayoutRepository,
	publisher events.Publisher,
	settlementCurrency string,
	logger *slog.Logger,
) PaymentService {
	return &paymentService{
		dbExecutor:      dbExecutor,
		tx:              tx,
		chain:           chainData,
		orderRepo:       orderRepo,
		transactionRepo: transactionRepo,
		walletRepo:      walletRepo,
		payoutRepo:      payoutRepo,
		events:          publisher,
		currency:        settlementCurrency,
		logger:          logger.With("component", "payment_watcher"),
	}
}

func (s *paymentService) CheckAddress(ctx context.Context, address string, orderID int64) (int, error) {
	activity, err := s.chain.AddressActivity(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("check address %s: %w", address, err)
	}

	recorded := 0
	for _, entry := range activity {
		// Fast path only; the unique tx_hash index decides.
		_, err := s.transactionRepo.GetTransactionByHash(ctx, s.dbExecutor, entry.Hash)
		if err == nil {
			continue
		}
		if !util.IsError(err, util.ErrNotFound) {
			return recorded, fmt.Errorf("check address: failed to look up %s: %w", entry.Hash, err)
		}

		own, err := s.payoutRepo.IsPayoutHash(ctx, s.dbExecutor, entry.Hash)
		if err != nil {
			return recorded, fmt.Errorf("check address: %w", err)
		}
		if own {
			continue
		}

		amount, confirmations := decimal.Zero, entry.Confirmations
		if entry.Received != nil {
			amount = *entry.Received
		} else {
			amount, confirmations, err = s.chain.ReceivedBy(ctx, entry.Hash, address)
			if err != nil {
				return recorded, fmt.Errorf("check address: amount of %s: %w", entry.Hash, err)
			}
		}
		if !amount.IsPositive() {
			// Spends from the address carry nothing for it.
			continue
		}

		created, err := s.recordPayment(ctx, orderID, entry.Hash, amount, confirmations)
		if err != nil {
			return recorded, err
		}
		if created {
			recorded++
		}
	}
	return recorded, nil
}

// recordPayment inserts the payment and applies its effect on the order in one
// transaction. It reports false when another poller already recorded the hash.
func (s *paymentService) recordPayment(ctx context.Context, orderID int64, hash string, amount decimal.Decimal, confirmations int) (bool, error) {
	var order *domain.Order
	var next domain.OrderStatus
	var moved bool
	var eval domain.PaymentEvaluation

	err := s.tx.run(ctx, "record payment", func(q repository.DBExecutor) error {
		var err error
		order, err = s.orderRepo.LockOrder(ctx, q, orderID)
		if err != nil {
			return fmt.Errorf("record payment: failed to lock order %d: %w", orderID, err)
		}

		eval = domain.EvaluatePayment(amount, order.CoinAmount)
		metadata := domain.TransactionMetadata{
			Confirmations: confirmations,
			IsSufficient:  eval.IsSufficient,
			IsOverpaid:    eval.IsOverpaid,
		}
		status := domain.TransactionStatusPending
		if confirmations >= 1 {
			now := time.Now().UTC()
			status = domain.TransactionStatusConfirmed
			metadata.ConfirmedAt = &now
		}

		txHash := hash
		payment := domain.NewTransaction(&orderID, nil, &txHash, amount, s.currency,
			domain.TransactionTypePayment, status, metadata)
		if err := s.transactionRepo.CreateTransaction(ctx, q, payment); err != nil {
			return fmt.Errorf("record payment: %w", err)
		}

		next, moved = domain.NextOrderStatus(order.Status, eval, confirmations)
		if !moved {
			return nil
		}
		ok, err := s.orderRepo.UpdateOrderStatus(ctx, q, orderID, order.Status, next)
		if err != nil {
			return fmt.Errorf("record payment: %w", err)
		}
		if !ok {
			return fmt.Errorf("record payment: order %d left %s concurrently: %w", orderID, order.Status, util.ErrInvalidOrderState)
		}

		if next == domain.OrderStatusPaid && eval.IsOverpaid {
			if err := s.creditOverpayment(ctx, q, order, payment, eval.Excess); err != nil {
				return err
			}
		}
		return nil
	})
	if util.IsError(err, util.ErrDuplicateEntry) {
		s.logger.Debug("Payment already recorded by another poller", "order_id", orderID, "tx_hash", hash)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.logger.Info("Payment recorded",
		"order_id", orderID, "tx_hash", hash, "amount", amount, "confirmations", confirmations,
		"sufficient", eval.IsSufficient, "overpaid", eval.IsOverpaid)

	event := events.NewOrderEvent(events.EventPaymentDetected, order)
	event.TxHash = hash
	event.Amount = amount
	publish(ctx, s.events, s.logger, event)
	if moved {
		order.Status = next
		publish(ctx, s.events, s.logger, events.NewOrderEvent(statusEvent(next), order))
	}
	return true, nil
}

// creditOverpayment credits the excess to the buyer and marks the payment so it
// is never credited again.
func (s *paymentService) creditOverpayment(ctx context.Context, q repository.DBExecutor, order *domain.Order, payment *domain.Transaction, excess decimal.Decimal) error {
	if payment.Metadata.OverpaymentCredited {
		return nil
	}
	reference := ""
	if payment.TxHash != nil {
		reference = *payment.TxHash
	}
	if _, err := creditWithin(ctx, q, s.walletRepo, s.transactionRepo, order.BuyerID, excess, s.currency,
		domain.TransactionTypeOverpaymentCredit, &order.ID, reference); err != nil {
		return fmt.Errorf("credit overpayment for order %d: %w", order.ID, err)
	}
	payment.Metadata.OverpaymentCredited = true
	if err := s.transactionRepo.UpdateMetadata(ctx, q, payment.ID, payment.Metadata); err != nil {
		return fmt.Errorf("credit overpayment for order %d: %w", order.ID, err)
	}
	s.logger.Info("Overpayment credited", "order_id", order.ID, "buyer_id", order.BuyerID, "excess", excess)
	return nil
}

func (s *paymentService) CheckConfirmations(ctx context.Context, orderID int64) (bool, error) {
	order, err := s.orderRepo.GetOrderByID(ctx, s.dbExecutor, orderID)
	if err != nil {
		return false, fmt.Errorf("check confirmations: failed to get order %d: %w", orderID, err)
	}
	if order.Status.IsPaid() {
		return false, nil
	}
	pending, err := s.transactionRepo.ListPendingPayments(ctx, s.dbExecutor, orderID)
	if err != nil {
		return false, fmt.Errorf("check confirmations: %w", err)
	}

	// A payment that never confirms does not block the others.
	var errs []error
	for i := range pending {
		payment := &pending[i]
		if payment.TxHash == nil {
			continue
		}
		paid, err := s.confirmPayment(ctx, orderID, payment)
		if err != nil {
			s.logger.Warn("Payment confirmation check failed", "order_id", orderID, "tx_hash", *payment.TxHash, "error", err)
			errs = append(errs, err)
			continue
		}
		if paid {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// confirmPayment refreshes one payment's confirmation depth and moves the order
// to PAID when a sufficient payment reaches its first confirmation.
func (s *paymentService) confirmPayment(ctx context.Context, orderID int64, payment *domain.Transaction) (bool, error) {
	detail, err := s.chain.TransactionDetail(ctx, *payment.TxHash)
	if err != nil {
		return false, fmt.Errorf("check confirmations for order %d: %w", orderID, err)
	}
	if detail.Confirmations == payment.Metadata.Confirmations && detail.Confirmations < 1 {
		return false, nil
	}

	var order *domain.Order
	paid := false
	err = s.tx.run(ctx, "check confirmations", func(q repository.DBExecutor) error {
		locked, err := s.orderRepo.LockOrder(ctx, q, orderID)
		if err != nil {
			return fmt.Errorf("check confirmations: failed to lock order %d: %w", orderID, err)
		}
		order = locked
		current, err := s.transactionRepo.GetTransactionByID(ctx, q, payment.ID)
		if err != nil {
			return fmt.Errorf("check confirmations: %w", err)
		}
		payment = current

		metadata := payment.Metadata
		metadata.Confirmations = detail.Confirmations
		if detail.Confirmations >= 1 {
			flipped, err := s.transactionRepo.UpdateStatus(ctx, q, payment.ID,
				domain.TransactionStatusPending, domain.TransactionStatusConfirmed)
			if err != nil {
				return fmt.Errorf("check confirmations: %w", err)
			}
			if flipped {
				now := time.Now().UTC()
				metadata.ConfirmedAt = &now
				payment.Status = domain.TransactionStatusConfirmed
			}
		}
		payment.Metadata = metadata
		if err := s.transactionRepo.UpdateMetadata(ctx, q, payment.ID, metadata); err != nil {
			return fmt.Errorf("check confirmations: %w", err)
		}

		if detail.Confirmations < 1 || !metadata.IsSufficient || order.Status != domain.OrderStatusPending {
			return nil
		}
		ok, err := s.orderRepo.UpdateOrderStatus(ctx, q, orderID, domain.OrderStatusPending, domain.OrderStatusPaid)
		if err != nil {
			return fmt.Errorf("check confirmations: %w", err)
		}
		if !ok {
			return nil
		}
		paid = true
		order.Status = domain.OrderStatusPaid

		if metadata.IsOverpaid {
			excess := payment.Amount.Sub(order.CoinAmount)
			if excess.IsPositive() {
				return s.creditOverpayment(ctx, q, order, payment, excess)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if paid {
		s.logger.Info("Order paid", "order_id", orderID, "tx_hash", *payment.TxHash, "confirmations", detail.Confirmations)
		publish(ctx, s.events, s.logger, events.NewOrderEvent(events.EventOrderPaid, order))
	}
	return paid, nil
}

func statusEvent(status domain.OrderStatus) events.EventType {
	switch status {
	case domain.OrderStatusPaid:
		return events.EventOrderPaid
	case domain.OrderStatusUnderpaid:
		return events.EventOrderUnderpaid
	case domain.OrderStatusExpired:
		return events.EventOrderExpired
	case domain.OrderStatusCompleted:
		return events.EventOrderCompleted
	default:
		return events.EventType("order." + string(status))
	}
}
