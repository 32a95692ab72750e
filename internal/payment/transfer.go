package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source tells where an observation came from.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourcePoll         Source = "poll"
	SourceClient       Source = "client"
)

// ObservedTransfer is one on-chain transfer seen for a watched payment.
// Amount is always the delivered amount, never the nominal one.
type ObservedTransfer struct {
	TransactionHash string          `json:"transaction_hash"`
	FromAddress     string          `json:"from_address,omitempty"`
	ToAddress       string          `json:"to_address"`
	MatchIdentifier *uint32         `json:"match_identifier,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Confirmations   int             `json:"confirmations"`
	ObservedAt      time.Time       `json:"observed_at"`
	Source          Source          `json:"source"`
}

// ClientEvidence is an untrusted claim that a transfer happened.
type ClientEvidence struct {
	TransactionHash string          `json:"transaction_hash"`
	Amount          decimal.Decimal `json:"amount"`
	MatchIdentifier *uint32         `json:"match_identifier,omitempty"`
}

// Validate checks the evidence shape. It says nothing about whether the
// transfer exists on chain.
func (e ClientEvidence) Validate() error {
	if e.TransactionHash == "" {
		return fmt.Errorf("%w: missing transaction hash", ErrInvalidEvidence)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEvidence)
	}
	return nil
}

// PaymentConfirmedEvent is emitted once when a payment first reaches confirmed.
type PaymentConfirmedEvent struct {
	EventID              string          `json:"event_id"`
	PaymentID            string          `json:"payment_id"`
	OrganizationID       string          `json:"organization_id"`
	InvoiceID            string          `json:"invoice_id,omitempty"`
	Chain                Chain           `json:"chain"`
	TokenCode            string          `json:"token_code"`
	TransactionHash      string          `json:"transaction_hash"`
	ObservedCryptoAmount decimal.Decimal `json:"observed_crypto_amount"`
	ObservedFiatAmount   decimal.Decimal `json:"observed_fiat_amount"`
	FiatCurrency         string          `json:"fiat_currency"`
	Confirmations        int             `json:"confirmations"`
	ConfirmedAt          time.Time       `json:"confirmed_at"`
}

// LedgerAppliedEvent records the fiat amount credited to the ledger each time
// a transfer is counted toward the payment.
type LedgerAppliedEvent struct {
	EventID        string          `json:"event_id"`
	PaymentID      string          `json:"payment_id"`
	InvoiceID      string          `json:"invoice_id,omitempty"`
	Status         Status          `json:"status"`
	FiatAmount     decimal.Decimal `json:"fiat_amount"`
	FiatCurrency   string          `json:"fiat_currency"`
	InstallmentIDs []string        `json:"installment_ids,omitempty"`
	AppliedAt      time.Time       `json:"applied_at"`
}

// OutboxEvent is an event row written in the same transaction as a status
// change and relayed later.
type OutboxEvent struct {
	ID        string
	EventType string
	Key       string
	Payload   []byte
}

const (
	EventTypeConfirmed     = "payment.confirmed"
	EventTypeLedgerApplied = "payment.ledger_applied"
)

// Conversion is the oracle's answer for a crypto to fiat conversion.
type Conversion struct {
	Amount decimal.Decimal
	Rate   decimal.Decimal
}

// Repository is the single source of truth for payment status.
type Repository interface {
	Get(ctx context.Context, id string) (PendingPayment, error)
	Create(ctx context.Context, p PendingPayment) error
	// CompareAndSetStatus writes patch only if the stored status still equals
	// expected. It returns ErrStatusConflict otherwise.
	CompareAndSetStatus(ctx context.Context, id string, expected Status, patch Patch) error
	// ListWatchable returns non-terminal payments that have not yet expired.
	ListWatchable(ctx context.Context, limit int) ([]PendingPayment, error)
}

type ExchangeRateOracle interface {
	Convert(ctx context.Context, amount decimal.Decimal, fromCrypto, toFiat string) (Conversion, error)
}

// NotificationSink is fire and forget. Its errors never undo a confirmation.
type NotificationSink interface {
	Emit(ctx context.Context, ev PaymentConfirmedEvent) error
}

type InstallmentAllocator interface {
	ApplyAmount(ctx context.Context, invoiceID, paymentID string, fiat decimal.Decimal) ([]string, error)
}
