// internal/chain/backend.go
package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// AddressTx is one transaction touching an address as reported by a backend.
// Received is nil when the backend's listing carries no amounts.
type AddressTx struct {
	Hash          string
	Confirmations int
	Received      *decimal.Decimal
}

// TxOutput is one output of a transaction.
type TxOutput struct {
	Address string
	Value   decimal.Decimal
}

// TxDetail is the detail view of a transaction.
type TxDetail struct {
	Hash          string
	Confirmations int
	Outputs       []TxOutput
}

// ReceivedBy sums the outputs of the transaction paying address.
func (d *TxDetail) ReceivedBy(address string) decimal.Decimal {
	total := decimal.Zero
	for _, out := range d.Outputs {
		if out.Address == address {
			total = total.Add(out.Value)
		}
	}
	return total
}

// Backend is one source of chain data: a block explorer or an index server.
type Backend interface {
	Name() string
	AddressActivity(ctx context.Context, address string) ([]AddressTx, error)
	TransactionDetail(ctx context.Context, hash string) (*TxDetail, error)
}
