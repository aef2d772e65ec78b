// internal/pricing/oracle.go
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinsettle/internal/util"
)

// DefaultRateTTL is how long a fetched rate is served without refetching.
const DefaultRateTTL = 60 * time.Second

// PriceFeed fetches the current price of one coin in a fiat currency.
type PriceFeed interface {
	FetchRate(ctx context.Context, coinID, fiat string) (decimal.Decimal, error)
}

// CachedRate is a rate together with the moment it was fetched.
type CachedRate struct {
	Rate      decimal.Decimal `json:"rate"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// RateCache stores the last fetched rate. Entries must outlive the TTL so a
// stale rate can be served while the feed is down.
type RateCache interface {
	Get(ctx context.Context, key string) (CachedRate, bool, error)
	Set(ctx context.Context, key string, rate CachedRate) error
	Delete(ctx context.Context, key string) error
}

// Oracle serves the coin/fiat exchange rate through a TTL cache.
type Oracle struct {
	feed   PriceFeed
	cache  RateCache
	coinID string
	fiat   string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewOracle creates an Oracle. A non-positive ttl falls back to DefaultRateTTL.
func NewOracle(feed PriceFeed, cache RateCache, coinID, fiat string, ttl time.Duration, logger *slog.Logger) *Oracle {
	if ttl <= 0 {
		ttl = DefaultRateTTL
	}
	return &Oracle{
		feed:   feed,
		cache:  cache,
		coinID: coinID,
		fiat:   fiat,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "price_oracle"),
	}
}

func (o *Oracle) cacheKey() string {
	return fmt.Sprintf("%s:%s", strings.ToLower(o.coinID), strings.ToLower(o.fiat))
}

// Rate returns the fiat price of one coin. A fresh cached rate is returned as
// is; otherwise the feed is queried. When the feed fails, the last cached rate
// is served regardless of age, and util.ErrRateUnavailable is returned only if
// there is none.
func (o *Oracle) Rate(ctx context.Context) (decimal.Decimal, error) {
	key := o.cacheKey()
	cached, found, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn("Rate cache read failed", "key", key, "error", err)
		found = false
	}
	if found && o.now().Sub(cached.FetchedAt) < o.ttl {
		return cached.Rate, nil
	}

	rate, err := o.feed.FetchRate(ctx, o.coinID, o.fiat)
	if err == nil && !rate.IsPositive() {
		err = fmt.Errorf("feed returned non-positive rate %s", rate)
	}
	if err != nil {
		if found {
			o.logger.Warn("Price feed failed, serving stale rate",
				"error", err, "rate", cached.Rate, "fetched_at", cached.FetchedAt)
			return cached.Rate, nil
		}
		return decimal.Zero, fmt.Errorf("rate: %w: %v", util.ErrRateUnavailable, err)
	}

	if err := o.cache.Set(ctx, key, CachedRate{Rate: rate, FetchedAt: o.now()}); err != nil {
		o.logger.Warn("Rate cache write failed", "key", key, "error", err)
	}
	return rate, nil
}

// Invalidate drops the cached rate so the next Rate call hits the feed.
func (o *Oracle) Invalidate(ctx context.Context) error {
	if err := o.cache.Delete(ctx, o.cacheKey()); err != nil {
		return fmt.Errorf("invalidate rate: %w", err)
	}
	return nil
}
