// internal/domain/payment.go
package domain

import (
	"github.com/shopspring/decimal"

	"coinsettle/internal/util"
)

// PaymentEvaluation is the sufficiency verdict for one observed payment.
type PaymentEvaluation struct {
	IsSufficient bool
	IsOverpaid   bool
	Excess       decimal.Decimal
}

// EvaluatePayment compares a received amount with the quoted amount using a
// tolerance of one smallest unit.
func EvaluatePayment(received, quoted decimal.Decimal) PaymentEvaluation {
	eval := PaymentEvaluation{
		IsSufficient: received.GreaterThanOrEqual(quoted.Sub(util.Epsilon)),
		Excess:       decimal.Zero,
	}
	if received.GreaterThan(quoted.Add(util.Epsilon)) {
		eval.IsOverpaid = true
		eval.Excess = received.Sub(quoted)
	}
	return eval
}

// NextOrderStatus returns the status a PENDING order moves to after observing
// a payment with the given evaluation and confirmation depth. ok is false when
// the order stays where it is.
func NextOrderStatus(current OrderStatus, eval PaymentEvaluation, confirmations int) (next OrderStatus, ok bool) {
	if current != OrderStatusPending {
		return current, false
	}
	switch {
	case !eval.IsSufficient:
		return OrderStatusUnderpaid, true
	case confirmations >= 1:
		return OrderStatusPaid, true
	default:
		// A 0-conf sufficient payment only shields the order from expiry.
		return current, false
	}
}
