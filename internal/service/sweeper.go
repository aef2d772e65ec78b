// internal/service/sweeper.go
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coinsettle/internal/domain"
	"coinsettle/internal/events"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"
)

// sweepBatchSize bounds how many expired orders one Sweep pass looks at.
const sweepBatchSize = 500

// ExpirationSweeper expires unpaid orders whose quote lapsed and restores their stock.
type ExpirationSweeper struct {
	dbExecutor      repository.DBExecutor
	tx              TxFuncs
	orderRepo       repository.OrderRepository
	productRepo     repository.ProductRepository
	transactionRepo repository.TransactionRepository
	events          events.Publisher
	now             func() time.Time
	logger          *slog.Logger
}

// NewExpirationSweeper creates an ExpirationSweeper.
func NewExpirationSweeper(
	dbExecutor repository.DBExecutor,
	tx TxFuncs,
	orderRepo repository.OrderRepository,
	productRepo repository.ProductRepository,
	transactionRepo repository.TransactionRepository,
	publisher events.Publisher,
	logger *slog.Logger,
) *ExpirationSweeper {
	return &ExpirationSweeper{
		dbExecutor:      dbExecutor,
		tx:              tx,
		orderRepo:       orderRepo,
		productRepo:     productRepo,
		transactionRepo: transactionRepo,
		events:          publisher,
		now:             time.Now,
		logger:          logger.With("component", "sweeper"),
	}
}

// Sweep expires every PENDING order past its quote expiry that has no
// transactions and returns how many were expired. Orders with any recorded
// transaction are left for manual resolution.
func (s *ExpirationSweeper) Sweep(ctx context.Context) (int, error) {
	orders, err := s.orderRepo.ListExpiredPending(ctx, s.dbExecutor, s.now().UTC(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	expired := 0
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := s.ExpireOrder(ctx, order.ID)
		if err != nil {
			s.logger.Error("Failed to expire order", "order_id", order.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("Sweep finished", "expired", expired, "candidates", len(orders))
	}
	return expired, nil
}

// ExpireOrder expires one order if it is still PENDING, past expiry and has no
// transactions. The order row lock serializes it against the payment watcher.
func (s *ExpirationSweeper) ExpireOrder(ctx context.Context, orderID int64) (bool, error) {
	var order *domain.Order
	expired := false
	err := s.tx.run(ctx, "expire order", func(q repository.DBExecutor) error {
		var err error
		order, err = s.orderRepo.LockOrder(ctx, q, orderID)
		if err != nil {
			return fmt.Errorf("expire order: failed to lock order %d: %w", orderID, err)
		}
		if order.Status != domain.OrderStatusPending || !order.IsExpired(s.now().UTC()) {
			return nil
		}

		count, err := s.transactionRepo.CountByOrder(ctx, q, orderID)
		if err != nil {
			return fmt.Errorf("expire order: %w", err)
		}
		if count > 0 {
			return nil
		}

		for _, item := range order.Items {
			if err := s.productRepo.AdjustStock(ctx, q, item.ProductID, item.Quantity); err != nil {
				return fmt.Errorf("expire order %d: restore stock of product %d: %w", orderID, item.ProductID, err)
			}
		}

		ok, err := s.orderRepo.UpdateOrderStatus(ctx, q, orderID, domain.OrderStatusPending, domain.OrderStatusExpired)
		if err != nil {
			return fmt.Errorf("expire order: %w", err)
		}
		if !ok {
			return fmt.Errorf("expire order %d: %w", orderID, util.ErrInvalidOrderState)
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if expired {
		order.Status = domain.OrderStatusExpired
		s.logger.Info("Order expired", "order_id", orderID, "items", len(order.Items))
		publish(ctx, s.events, s.logger, events.NewOrderEvent(events.EventOrderExpired, order))
	}
	return expired, nil
}
