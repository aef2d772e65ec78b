// internal/domain/order.go
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the payment lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusUnderpaid OrderStatus = "UNDERPAID"
	OrderStatusExpired   OrderStatus = "EXPIRED"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// orderTransitions lists the edges the settlement core may drive.
// UNDERPAID has no outgoing edge; top-ups are resolved administratively.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusUnderpaid, OrderStatusExpired, OrderStatusCancelled},
	OrderStatusPaid:    {OrderStatusCompleted},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsPaid reports whether funds for the order are considered received.
func (s OrderStatus) IsPaid() bool {
	return s == OrderStatusPaid || s == OrderStatusCompleted
}

// Order is a marketplace order settled in the settlement currency.
// CoinAmount and ExchangeRate are frozen at creation.
type Order struct {
	ID               int64           `db:"id" json:"id"`
	BuyerID          int64           `db:"buyer_id" json:"buyer_id"`
	FiatAmount       decimal.Decimal `db:"fiat_amount" json:"fiat_amount"`
	CoinAmount       decimal.Decimal `db:"coin_amount" json:"coin_amount"`
	ExchangeRate     decimal.Decimal `db:"exchange_rate" json:"exchange_rate"`
	QuoteExpiresAt   time.Time       `db:"quote_expires_at" json:"quote_expires_at"`
	ReceivingAddress string          `db:"receiving_address" json:"receiving_address"`
	DerivationIndex  int64           `db:"derivation_index" json:"derivation_index"`
	Status           OrderStatus     `db:"status" json:"status"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	VendorID    int64           `db:"vendor_id" json:"vendor_id"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	FulfilledAt *time.Time      `db:"fulfilled_at" json:"fulfilled_at,omitempty"`
}

// Subtotal is the fiat value of the line.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// IsExpired reports whether the quote window has passed at now.
func (o *Order) IsExpired(now time.Time) bool {
	return now.After(o.QuoteExpiresAt)
}

// AllItemsFulfilled reports whether every line has been fulfilled by its vendor.
func (o *Order) AllItemsFulfilled() bool {
	if len(o.Items) == 0 {
		return false
	}
	for _, item := range o.Items {
		if item.FulfilledAt == nil {
			return false
		}
	}
	return true
}

// PaymentURI renders the payer-facing URI, e.g. bitcoin:1Abc...?amount=0.60000000.
func (o *Order) PaymentURI(scheme string) string {
	return fmt.Sprintf("%s:%s?amount=%s", scheme, o.ReceivingAddress, o.CoinAmount.StringFixed(8))
}

// Quote is a coin amount, rate and expiry locked in at order creation.
type Quote struct {
	FiatAmount decimal.Decimal `json:"fiat_amount"`
	CoinAmount decimal.Decimal `json:"coin_amount"`
	Rate       decimal.Decimal `json:"rate"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// NewOrder builds a PENDING order from a quote and its derived address.
func NewOrder(buyerID int64, items []OrderItem, quote Quote, address string, derivationIndex int64) *Order {
	now := time.Now().UTC()
	return &Order{
		BuyerID:          buyerID,
		FiatAmount:       quote.FiatAmount,
		CoinAmount:       quote.CoinAmount,
		ExchangeRate:     quote.Rate,
		QuoteExpiresAt:   quote.ExpiresAt,
		ReceivingAddress: address,
		DerivationIndex:  derivationIndex,
		Status:           OrderStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		Items:            items,
	}
}
