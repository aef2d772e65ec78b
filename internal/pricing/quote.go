// internal/pricing/quote.go
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coinsettle/internal/domain"
	"coinsettle/internal/util"
)

// DefaultQuoteValidity is how long a quoted coin amount is honoured.
const DefaultQuoteValidity = 15 * time.Minute

// RateSource provides the current coin/fiat rate.
type RateSource interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// QuoteCalculator converts fiat totals into coin amounts.
type QuoteCalculator struct {
	rates    RateSource
	validity time.Duration
	now      func() time.Time
}

// NewQuoteCalculator creates a QuoteCalculator.
func NewQuoteCalculator(rates RateSource, validity time.Duration) *QuoteCalculator {
	if validity <= 0 {
		validity = DefaultQuoteValidity
	}
	return &QuoteCalculator{rates: rates, validity: validity, now: time.Now}
}

// Calculate quotes fiat at the current rate, rounded to the coin's precision.
func (c *QuoteCalculator) Calculate(ctx context.Context, fiat decimal.Decimal) (domain.Quote, error) {
	if !fiat.IsPositive() {
		return domain.Quote{}, fmt.Errorf("quote: fiat amount %s: %w", fiat, util.ErrInvalidInput)
	}

	rate, err := c.rates.Rate(ctx)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("quote: %w", err)
	}

	return domain.Quote{
		FiatAmount: fiat,
		CoinAmount: util.RoundCoin(fiat.Div(rate)),
		Rate:       rate,
		ExpiresAt:  c.now().UTC().Add(c.validity),
	}, nil
}
