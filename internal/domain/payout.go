// internal/domain/payout.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnspentOutput is a spendable output sitting on an order's receiving address.
// DerivationIndex identifies the key that can spend it.
type UnspentOutput struct {
	TxHash          string `db:"tx_hash" json:"tx_hash"`
	Vout            uint32 `db:"vout" json:"vout"`
	Value           int64  `db:"value" json:"value"` // satoshis
	Address         string `db:"address" json:"address"`
	DerivationIndex int64  `db:"derivation_index" json:"derivation_index"`
	OrderID         int64  `db:"order_id" json:"order_id"`
}

// ReservationStatus is the state of a UTXO reservation marker.
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationSpent    ReservationStatus = "SPENT"
	ReservationReleased ReservationStatus = "RELEASED"
)

// PayoutOutput is one destination of a batch payout.
type PayoutOutput struct {
	Address string
	Value   int64 // satoshis
}

// PayoutBatch is a broadcast batch withdrawal.
type PayoutBatch struct {
	ID            string          `db:"id" json:"id"`
	TxHash        string          `db:"tx_hash" json:"tx_hash"`
	TotalAmount   decimal.Decimal `db:"total_amount" json:"total_amount"`
	MinerFee      decimal.Decimal `db:"miner_fee" json:"miner_fee"`
	ChangeAmount  decimal.Decimal `db:"change_amount" json:"change_amount"`
	InputCount    int             `db:"input_count" json:"input_count"`
	WithdrawalIDs []int64         `db:"-" json:"withdrawal_ids"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
