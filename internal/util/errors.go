// internal/util/errors.go
package util

import "errors"

// Common application-specific errors.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input provided")
	ErrDuplicateEntry = errors.New("duplicate entry")
	ErrWalletNotFound = errors.New("wallet not found")

	// Pricing and quoting.
	ErrRateUnavailable = errors.New("exchange rate unavailable")

	// Chain access.
	ErrProvidersExhausted = errors.New("all chain data providers failed")
	ErrBroadcastFailure   = errors.New("transaction broadcast failed")

	// Key material.
	ErrAddressDerivation = errors.New("address derivation failed")

	// Ledger.
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidUnlockAmount = errors.New("unlock amount exceeds locked balance")
	ErrAlreadySettled      = errors.New("order already settled")

	// Orders and payouts.
	ErrInvalidOrderState     = errors.New("order is not in a valid state for this operation")
	ErrOutOfStock            = errors.New("product out of stock")
	ErrInsufficientPoolFunds = errors.New("insufficient pooled funds for payout")
)

// IsError reports whether any error in err's chain matches target.
func IsError(err, target error) bool {
	return errors.Is(err, target)
}
