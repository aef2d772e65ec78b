// internal/chain/provider.go
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"coinsettle/internal/util"
)

// DefaultBackendTimeout bounds a single backend call.
const DefaultBackendTimeout = 3500 * time.Millisecond

type ringMember struct {
	backend Backend
	limiter *rate.Limiter
}

// Provider queries a ring of backends. Each call starts at the backend that
// last succeeded and moves on when one fails or times out.
type Provider struct {
	members   []ringMember
	preferred atomic.Int32
	timeout   time.Duration
	logger    *slog.Logger
}

// NewProvider creates a Provider over backends in ring order. rps limits
// requests per backend; a non-positive rps disables limiting.
func NewProvider(backends []Backend, timeout time.Duration, rps float64, logger *slog.Logger) *Provider {
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	members := make([]ringMember, 0, len(backends))
	for _, b := range backends {
		members = append(members, ringMember{backend: b, limiter: rate.NewLimiter(limit, 1)})
	}
	return &Provider{
		members: members,
		timeout: timeout,
		logger:  logger.With("component", "chain_provider"),
	}
}

// Preferred returns the name of the backend the next call starts with.
func (p *Provider) Preferred() string {
	if len(p.members) == 0 {
		return ""
	}
	return p.members[int(p.preferred.Load())%len(p.members)].backend.Name()
}

// AddressActivity lists the transactions touching address.
func (p *Provider) AddressActivity(ctx context.Context, address string) ([]AddressTx, error) {
	return callRing(ctx, p, "address activity", func(ctx context.Context, b Backend) ([]AddressTx, error) {
		return b.AddressActivity(ctx, address)
	})
}

// TransactionDetail fetches a transaction with its outputs.
func (p *Provider) TransactionDetail(ctx context.Context, hash string) (*TxDetail, error) {
	return callRing(ctx, p, "transaction detail", func(ctx context.Context, b Backend) (*TxDetail, error) {
		return b.TransactionDetail(ctx, hash)
	})
}

// ReceivedBy returns the amount transaction hash paid to address along with its confirmations.
func (p *Provider) ReceivedBy(ctx context.Context, hash, address string) (decimal.Decimal, int, error) {
	detail, err := p.TransactionDetail(ctx, hash)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return detail.ReceivedBy(address), detail.Confirmations, nil
}

func callRing[T any](ctx context.Context, p *Provider, op string, call func(context.Context, Backend) (T, error)) (T, error) {
	var zero T
	n := len(p.members)
	if n == 0 {
		return zero, fmt.Errorf("%s: %w: no backends configured", op, util.ErrProvidersExhausted)
	}

	start := int(p.preferred.Load()) % n
	var errs []error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		idx := (start + i) % n
		member := p.members[idx]

		result, err := callOne(ctx, p.timeout, member, call)
		if err == nil {
			p.preferred.Store(int32(idx))
			return result, nil
		}

		p.logger.Warn("Chain backend failed", "backend", member.backend.Name(), "op", op, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", member.backend.Name(), err))
	}
	return zero, fmt.Errorf("%s: %w: %w", op, util.ErrProvidersExhausted, errors.Join(errs...))
}

func callOne[T any](ctx context.Context, timeout time.Duration, member ringMember, call func(context.Context, Backend) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := member.limiter.Wait(callCtx); err != nil {
		return zero, fmt.Errorf("rate limit: %w", err)
	}
	return call(callCtx, member.backend)
}
