// internal/domain/settlement.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BeneficiaryKind distinguishes vendor proceeds from the platform fee.
type BeneficiaryKind string

const (
	BeneficiaryVendor   BeneficiaryKind = "VENDOR"
	BeneficiaryPlatform BeneficiaryKind = "PLATFORM"
)

// SettlementStatusCompleted is the only status written by the core.
const SettlementStatusCompleted = "COMPLETED"

// Settlement records one disbursement of a payment's proceeds to one beneficiary.
type Settlement struct {
	ID              int64           `db:"id" json:"id"`
	TransactionID   int64           `db:"transaction_id" json:"transaction_id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	OrderItemID     int64           `db:"order_item_id" json:"order_item_id"`
	BeneficiaryID   int64           `db:"beneficiary_id" json:"beneficiary_id"`
	BeneficiaryKind BeneficiaryKind `db:"beneficiary_kind" json:"beneficiary_kind"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Currency        string          `db:"currency" json:"currency"`
	Status          string          `db:"status" json:"status"`
	ProcessedAt     time.Time       `db:"processed_at" json:"processed_at"`
}

// ItemShare is the split of one line item's share of an order's coin amount.
type ItemShare struct {
	Item        OrderItem
	Gross       decimal.Decimal
	PlatformFee decimal.Decimal
	VendorNet   decimal.Decimal
}

// SplitProceeds distributes coinAmount across the order lines in proportion to
// their fiat subtotals. Each gross share is rounded to 8 places and the last
// line absorbs the rounding remainder so that the shares sum to coinAmount.
// For each line, PlatformFee + VendorNet == Gross.
func SplitProceeds(items []OrderItem, fiatTotal, coinAmount, feeRate decimal.Decimal) []ItemShare {
	shares := make([]ItemShare, 0, len(items))
	if len(items) == 0 || fiatTotal.IsZero() {
		return shares
	}

	allocated := decimal.Zero
	for i, item := range items {
		var gross decimal.Decimal
		if i == len(items)-1 {
			gross = coinAmount.Sub(allocated)
		} else {
			gross = coinAmount.Mul(item.Subtotal()).Div(fiatTotal).Round(8)
		}
		allocated = allocated.Add(gross)

		fee := gross.Mul(feeRate).Round(8)
		shares = append(shares, ItemShare{
			Item:        item,
			Gross:       gross,
			PlatformFee: fee,
			VendorNet:   gross.Sub(fee),
		})
	}
	return shares
}
