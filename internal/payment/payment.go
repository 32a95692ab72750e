// Package payment defines the crypto payment record the confirmation engine
// drives to a terminal status, and the collaborator interfaces it needs.
package payment

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrStatusConflict   = errors.New("payment status changed concurrently")
	ErrInvalidPaymentID = errors.New("invalid payment id")
	ErrInvalidEvidence  = errors.New("invalid client evidence")
	ErrInvalidPayment   = errors.New("invalid payment")
	ErrUnknownChain     = errors.New("unknown chain")
)

// DefaultTTL is how long a payment stays watchable after creation.
const DefaultTTL = 24 * time.Hour

// Chain is the closed set of networks the engine can confirm payments on.
type Chain string

const (
	ChainXRP          Chain = "xrp"
	ChainSolanaNative Chain = "solana-native"
	ChainSolanaSPL    Chain = "solana-spl"
)

// Chains lists every supported chain variant.
func Chains() []Chain {
	return []Chain{ChainXRP, ChainSolanaNative, ChainSolanaSPL}
}

func (c Chain) Valid() bool {
	switch c {
	case ChainXRP, ChainSolanaNative, ChainSolanaSPL:
		return true
	}
	return false
}

// ParseChain converts a stored or configured chain name into a Chain.
func ParseChain(s string) (Chain, error) {
	c := Chain(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, s)
	}
	return c, nil
}

// Status is the lifecycle position of a payment. It only moves forward.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUnderpaid Status = "underpaid"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no later observation may change the payment.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUnderpaid, StatusConfirmed, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next keeps the status
// monotonic. Staying in place is always allowed for non-terminal states.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return !s.Terminal()
	}
	switch s {
	case StatusPending:
		return next == StatusUnderpaid || next == StatusConfirmed || next == StatusExpired
	case StatusUnderpaid:
		return next == StatusConfirmed
	}
	return false
}

// PendingPayment is the unit the engine confirms.
type PendingPayment struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	InvoiceID      string `json:"invoice_id,omitempty"`

	Chain       Chain  `json:"chain"`
	TokenCode   string `json:"token_code"`
	TokenMint   string `json:"token_mint,omitempty"`
	TokenIssuer string `json:"token_issuer,omitempty"`

	Address string `json:"address"`
	// MatchIdentifier is the XRP destination tag. Nil on chains without one.
	MatchIdentifier *uint32 `json:"match_identifier,omitempty"`

	ExpectedCryptoAmount decimal.Decimal `json:"expected_crypto_amount"`
	ExpectedFiatAmount   decimal.Decimal `json:"expected_fiat_amount"`
	ExchangeRate         decimal.Decimal `json:"exchange_rate"`
	FiatCurrency         string          `json:"fiat_currency"`

	MinConfirmations int    `json:"min_confirmations"`
	Status           Status `json:"status"`

	ObservedCryptoAmount decimal.Decimal `json:"observed_crypto_amount"`
	ObservedFiatAmount   decimal.Decimal `json:"observed_fiat_amount"`
	Confirmations        int             `json:"confirmations"`
	TransactionHash      string          `json:"transaction_hash,omitempty"`
	// AppliedFiatAmount is the fiat already credited to the ledger.
	AppliedFiatAmount decimal.Decimal `json:"applied_fiat_amount"`

	// CreditedTransactions are the transfers that reached the required depth
	// and were counted. CreditedCryptoAmount is their sum.
	CreditedTransactions []string        `json:"credited_transactions,omitempty"`
	CreditedCryptoAmount decimal.Decimal `json:"credited_crypto_amount"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields the engine relies on when watching a payment.
func (p PendingPayment) Validate() error {
	switch {
	case p.ID == "":
		return ErrInvalidPaymentID
	case !p.Chain.Valid():
		return fmt.Errorf("%w: chain %q", ErrInvalidPayment, p.Chain)
	case p.Address == "":
		return fmt.Errorf("%w: missing address", ErrInvalidPayment)
	case p.Chain == ChainSolanaSPL && p.TokenMint == "":
		return fmt.Errorf("%w: spl payment without token mint", ErrInvalidPayment)
	case p.Chain == ChainXRP && !IsNativeXRP(p.TokenCode) && p.TokenIssuer == "":
		return fmt.Errorf("%w: xrp token %s without issuer", ErrInvalidPayment, p.TokenCode)
	case !p.ExpectedCryptoAmount.IsPositive():
		return fmt.Errorf("%w: expected amount must be positive", ErrInvalidPayment)
	case p.MinConfirmations < 1:
		return fmt.Errorf("%w: min confirmations must be at least 1", ErrInvalidPayment)
	case !p.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidPayment, p.Status)
	case p.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing expiry", ErrInvalidPayment)
	}
	return nil
}

// Expired reports whether a pending payment has passed its expiry at now.
func (p PendingPayment) Expired(now time.Time) bool {
	return p.Status == StatusPending && now.After(p.ExpiresAt)
}

// Credited reports whether txHash was already counted toward the payment.
func (p PendingPayment) Credited(txHash string) bool {
	return txHash != "" && slices.Contains(p.CreditedTransactions, txHash)
}

// IsNativeXRP reports whether code names the ledger's native asset. An
// empty code means XRP.
func IsNativeXRP(code string) bool {
	return code == "" || strings.EqualFold(code, "XRP")
}

// Apply returns a copy of p with the patch written over it.
func (p PendingPayment) Apply(patch Patch) PendingPayment {
	p.Status = patch.Status
	p.ObservedCryptoAmount = patch.ObservedCryptoAmount
	p.ObservedFiatAmount = patch.ObservedFiatAmount
	p.Confirmations = patch.Confirmations
	p.TransactionHash = patch.TransactionHash
	p.AppliedFiatAmount = patch.AppliedFiatAmount
	p.CreditedTransactions = slices.Clone(patch.CreditedTransactions)
	p.CreditedCryptoAmount = patch.CreditedCryptoAmount
	p.UpdatedAt = patch.UpdatedAt
	return p
}

// Patch is the mutable part of a payment written by a compare-and-set.
type Patch struct {
	Status               Status
	ObservedCryptoAmount decimal.Decimal
	ObservedFiatAmount   decimal.Decimal
	Confirmations        int
	TransactionHash      string
	AppliedFiatAmount    decimal.Decimal
	CreditedTransactions []string
	CreditedCryptoAmount decimal.Decimal
	UpdatedAt            time.Time

	// Events are committed together with the status change when the store
	// supports a transactional outbox.
	Events []OutboxEvent
}

// PatchFrom builds a patch carrying every mutable field of p.
func PatchFrom(p PendingPayment) Patch {
	return Patch{
		Status:               p.Status,
		ObservedCryptoAmount: p.ObservedCryptoAmount,
		ObservedFiatAmount:   p.ObservedFiatAmount,
		Confirmations:        p.Confirmations,
		TransactionHash:      p.TransactionHash,
		AppliedFiatAmount:    p.AppliedFiatAmount,
		CreditedTransactions: slices.Clone(p.CreditedTransactions),
		CreditedCryptoAmount: p.CreditedCryptoAmount,
		UpdatedAt:            p.UpdatedAt,
	}
}
