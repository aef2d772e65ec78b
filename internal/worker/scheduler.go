// internal/worker/scheduler.go
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"coinsettle/internal/domain"
	"coinsettle/internal/repository"
	"coinsettle/internal/util"

	"golang.org/x/sync/errgroup"
)

const pageSize = 200

// Config holds scheduler cadence and fan-out.
type Config struct {
	// PollInterval spaces payment watching and auto-settlement passes.
	PollInterval time.Duration
	// SweepInterval spaces expiry sweeps.
	SweepInterval time.Duration
	// Concurrency bounds per-order work running at once within a pass.
	Concurrency int
}

// WorkSource lists the orders each pass works on.
type WorkSource interface {
	PendingOrders(ctx context.Context, limit, offset int) ([]domain.Order, error)
	AwaitingConfirmation(ctx context.Context, limit int) ([]int64, error)
	UnsettledPaidOrders(ctx context.Context, limit int) ([]int64, error)
}

// PaymentChecker is the payment watcher's scheduled surface.
type PaymentChecker interface {
	CheckAddress(ctx context.Context, address string, orderID int64) (int, error)
	CheckConfirmations(ctx context.Context, orderID int64) (bool, error)
}

// Sweeper expires lapsed orders.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Settler settles paid orders.
type Settler interface {
	SettleOrder(ctx context.Context, orderID int64) ([]domain.Settlement, error)
}

// Scheduler drives the payment watcher, the expiry sweeper and settlement on
// fixed intervals. Failures are logged; the next tick retries.
type Scheduler struct {
	source   WorkSource
	payments PaymentChecker
	sweeper  Sweeper
	settler  Settler
	cfg      Config
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. settler may be nil to disable auto-settlement.
func NewScheduler(source WorkSource, payments PaymentChecker, sweeper Sweeper, settler Settler, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Scheduler{
		source:   source,
		payments: payments,
		sweeper:  sweeper,
		settler:  settler,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler",
		"poll_interval", s.cfg.PollInterval, "sweep_interval", s.cfg.SweepInterval, "concurrency", s.cfg.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.every(ctx, s.cfg.PollInterval, func(ctx context.Context) {
			s.WatchPayments(ctx)
			s.SettlePaid(ctx)
		})
	})
	g.Go(func() error {
		return s.every(ctx, s.cfg.SweepInterval, func(ctx context.Context) {
			if _, err := s.sweeper.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		})
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		s.logger.Info("Scheduler stopped")
		return nil
	}
	return err
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, pass func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// WatchPayments checks every PENDING order's address for new transactions,
// then refreshes confirmations of orders waiting on one.
func (s *Scheduler) WatchPayments(ctx context.Context) {
	var orders []domain.Order
	for offset := 0; ; offset += pageSize {
		page, err := s.source.PendingOrders(ctx, pageSize, offset)
		if err != nil {
			s.logger.Error("Failed to list pending orders", "error", err)
			return
		}
		orders = append(orders, page...)
		if len(page) < pageSize {
			break
		}
	}

	s.fanOut(ctx, len(orders), func(ctx context.Context, i int) {
		order := orders[i]
		n, err := s.payments.CheckAddress(ctx, order.ReceivingAddress, order.ID)
		if err != nil {
			s.logger.Warn("Address check failed", "order_id", order.ID, "address", order.ReceivingAddress, "error", err)
			return
		}
		if n > 0 {
			s.logger.Debug("Recorded payments", "order_id", order.ID, "count", n)
		}
	})

	ids, err := s.source.AwaitingConfirmation(ctx, pageSize)
	if err != nil {
		s.logger.Error("Failed to list orders awaiting confirmation", "error", err)
		return
	}
	s.fanOut(ctx, len(ids), func(ctx context.Context, i int) {
		if _, err := s.payments.CheckConfirmations(ctx, ids[i]); err != nil {
			s.logger.Warn("Confirmation check failed", "order_id", ids[i], "error", err)
		}
	})
}

// SettlePaid settles paid orders that have no settlement yet.
func (s *Scheduler) SettlePaid(ctx context.Context) {
	if s.settler == nil {
		return
	}
	ids, err := s.source.UnsettledPaidOrders(ctx, pageSize)
	if err != nil {
		s.logger.Error("Failed to list unsettled orders", "error", err)
		return
	}
	s.fanOut(ctx, len(ids), func(ctx context.Context, i int) {
		_, err := s.settler.SettleOrder(ctx, ids[i])
		switch {
		case err == nil, util.IsError(err, util.ErrAlreadySettled):
		case util.IsError(err, util.ErrInvalidOrderState):
			s.logger.Debug("Order not ready for settlement", "order_id", ids[i], "error", err)
		default:
			s.logger.Error("Settlement failed", "order_id", ids[i], "error", err)
		}
	})
}

// fanOut runs work for 0..n-1 with at most cfg.Concurrency in flight.
func (s *Scheduler) fanOut(ctx context.Context, n int, work func(ctx context.Context, i int)) {
	if n == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			work(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// RepositorySource reads work lists straight from the repositories.
type RepositorySource struct {
	DB           repository.DBExecutor
	Orders       repository.OrderRepository
	Transactions repository.TransactionRepository
	Settlements  repository.SettlementRepository
}

func (r RepositorySource) PendingOrders(ctx context.Context, limit, offset int) ([]domain.Order, error) {
	return r.Orders.ListByStatus(ctx, r.DB, []domain.OrderStatus{domain.OrderStatusPending}, limit, offset)
}

func (r RepositorySource) AwaitingConfirmation(ctx context.Context, limit int) ([]int64, error) {
	return r.Transactions.ListOrdersAwaitingConfirmation(ctx, r.DB, limit)
}

func (r RepositorySource) UnsettledPaidOrders(ctx context.Context, limit int) ([]int64, error) {
	return r.Settlements.ListUnsettledPaidOrders(ctx, r.DB, limit)
}
