// internal/util/money.go
package util

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CoinDecimals is the precision of the settlement currency.
const CoinDecimals = 8

// Epsilon is one smallest unit of the settlement currency (1 satoshi).
var Epsilon = decimal.New(1, -CoinDecimals)

// RoundCoin rounds a coin amount to CoinDecimals places (half away from zero).
func RoundCoin(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(CoinDecimals)
}

// ToSmallestUnit converts a coin amount to satoshis. The amount must not carry
// more than CoinDecimals places.
func ToSmallestUnit(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(CoinDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %s exceeds %d decimal places", ErrInvalidInput, amount, CoinDecimals)
	}
	return shifted.IntPart(), nil
}

// FromSmallestUnit converts satoshis to a coin amount.
func FromSmallestUnit(units int64) decimal.Decimal {
	return decimal.New(units, -CoinDecimals)
}
