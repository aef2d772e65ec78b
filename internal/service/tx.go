// internal/service/tx.go
package service

import (
	"context"
	"fmt"
	"log/slog"

	"coinsettle/internal/events"
	"coinsettle/internal/repository"
	"coinsettle/pkg/db"
)

// TxFuncs carries the injected transaction hooks. Production code passes
// db.BeginTx, db.CommitTx and db.RollbackTx; tests pass fakes.
type TxFuncs struct {
	Beginner db.DBTxBeginner
	Begin    db.BeginTxFunc
	Commit   db.CommitTxFunc
	Rollback db.RollbackTxFunc
}

// NewTxFuncs returns the hooks backed by pkg/db.
func NewTxFuncs(beginner db.DBTxBeginner) TxFuncs {
	return TxFuncs{
		Beginner: beginner,
		Begin:    db.BeginTx,
		Commit:   db.CommitTx,
		Rollback: db.RollbackTx,
	}
}

// run executes fn inside one database transaction. fn's error aborts the
// transaction and is returned unchanged.
func (t TxFuncs) run(ctx context.Context, op string, fn func(q repository.DBExecutor) error) error {
	txController, err := t.Begin(ctx, t.Beginner)
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	defer t.Rollback(txController)

	txExecutor, ok := txController.(repository.DBExecutor)
	if !ok {
		return fmt.Errorf("%s: transaction controller does not implement DBExecutor", op)
	}

	if err := fn(txExecutor); err != nil {
		return err
	}

	if err := t.Commit(txController); err != nil {
		return fmt.Errorf("%s: failed to commit transaction: %w", op, err)
	}
	return nil
}

// publish sends an event and only logs delivery failures.
func publish(ctx context.Context, publisher events.Publisher, logger *slog.Logger, event events.OrderEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("Failed to publish order event", "type", event.Type, "order_id", event.OrderID, "error", err)
	}
}
