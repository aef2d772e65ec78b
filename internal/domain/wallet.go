// internal/domain/wallet.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet groups one user's balances. There is exactly one wallet per user.
type Wallet struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Balance is the (wallet, currency) position. Available and Locked never go negative.
type Balance struct {
	ID        int64           `db:"id" json:"id"`
	WalletID  int64           `db:"wallet_id" json:"wallet_id"`
	Currency  string          `db:"currency" json:"currency"`
	Available decimal.Decimal `db:"available" json:"available"`
	Locked    decimal.Decimal `db:"locked" json:"locked"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Total is available plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}
