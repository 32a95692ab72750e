// Package confirmation decides what an observed transfer means for a payment.
//
// Reconcile is pure: it never talks to a chain or a store. The caller
// persists the outcome and performs the listed actions only after the
// persist succeeded.
package confirmation

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/payment"
)

// Tolerance absorbs price feed rounding. It is not a discount.
var Tolerance = decimal.NewFromFloat(0.01)

// Action is a side effect the caller owes after a successful persist.
type Action int

const (
	ActionPersist Action = iota
	ActionApplyLedger
	ActionNotifyConfirmed
)

func (a Action) String() string {
	switch a {
	case ActionPersist:
		return "persist"
	case ActionApplyLedger:
		return "apply_ledger"
	case ActionNotifyConfirmed:
		return "notify_confirmed"
	}
	return "unknown"
}

// MinConfirmationsFunc maps a configured threshold to the chain's effective one.
type MinConfirmationsFunc func(configured int) int

// Outcome is the result of one evaluation.
type Outcome struct {
	Payment  payment.PendingPayment
	Previous payment.Status

	// Transitioned is true when Payment.Status differs from Previous.
	Transitioned bool
	Underpaid    bool

	// LedgerAmount is the fiat to credit when ActionApplyLedger is set.
	LedgerAmount decimal.Decimal

	Actions []Action
}

// Has reports whether the outcome requires action a.
func (o Outcome) Has(a Action) bool {
	for _, x := range o.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// Changed reports whether the payment needs to be written back.
func (o Outcome) Changed() bool {
	return o.Has(ActionPersist)
}

// Reconcile evaluates observed against p at now. A nil observed means nothing
// has been seen yet. minConf may be nil, in which case the configured
// threshold is used as is.
func Reconcile(p payment.PendingPayment, observed *payment.ObservedTransfer, now time.Time, minConf MinConfirmationsFunc) Outcome {
	out := Outcome{Payment: p, Previous: p.Status}

	if p.Status.Terminal() {
		return out
	}

	if p.Expired(now) {
		out.Payment.Status = payment.StatusExpired
		out.Payment.UpdatedAt = now
		out.Transitioned = true
		out.Actions = []Action{ActionPersist}
		return out
	}

	if observed == nil || p.Credited(observed.TransactionHash) {
		return out
	}

	required := p.MinConfirmations
	if minConf != nil {
		required = minConf(required)
	}
	if required < 1 {
		required = 1
	}

	// Transfers already counted stay counted; the observed one adds to them.
	total := p.CreditedCryptoAmount.Add(observed.Amount)
	floor := p.ExpectedCryptoAmount.Mul(decimal.NewFromInt(1).Sub(Tolerance))
	underpaid := total.LessThan(floor)
	fiat := FiatAmount(p, total)

	next := p
	next.ObservedCryptoAmount = total
	next.ObservedFiatAmount = fiat
	next.Confirmations = observed.Confirmations
	next.TransactionHash = observed.TransactionHash

	credit := observed.Confirmations >= required
	if credit {
		next.CreditedTransactions = append(slices.Clone(p.CreditedTransactions), observed.TransactionHash)
		next.CreditedCryptoAmount = total
		if underpaid {
			next.Status = payment.StatusUnderpaid
		} else {
			next.Status = payment.StatusConfirmed
		}
	}
	out.Underpaid = underpaid

	if !progressed(p, next) {
		return out
	}

	next.UpdatedAt = now
	out.Payment = next
	out.Actions = []Action{ActionPersist}
	out.Transitioned = next.Status != p.Status

	// Crediting a transfer moves whatever fiat has not been credited yet to
	// the ledger, whether or not the status changes.
	if credit {
		delta := fiat.Sub(p.AppliedFiatAmount)
		if delta.IsPositive() {
			out.LedgerAmount = delta
			out.Payment.AppliedFiatAmount = fiat
			out.Actions = append(out.Actions, ActionApplyLedger)
		}
	}
	if out.Transitioned && next.Status == payment.StatusConfirmed {
		out.Actions = append(out.Actions, ActionNotifyConfirmed)
	}
	return out
}

// FiatAmount converts amount with the payment's locked rate. A payment
// without a recorded rate falls back to its expected fiat amount.
func FiatAmount(p payment.PendingPayment, amount decimal.Decimal) decimal.Decimal {
	if p.ExchangeRate.IsZero() {
		return p.ExpectedFiatAmount
	}
	return amount.Mul(p.ExchangeRate)
}

func progressed(prev, next payment.PendingPayment) bool {
	return prev.Status != next.Status ||
		!prev.ObservedCryptoAmount.Equal(next.ObservedCryptoAmount) ||
		!prev.ObservedFiatAmount.Equal(next.ObservedFiatAmount) ||
		prev.Confirmations != next.Confirmations ||
		prev.TransactionHash != next.TransactionHash ||
		len(prev.CreditedTransactions) != len(next.CreditedTransactions)
}
