package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/paywatch/internal/payment"
)

// OutboxStatus is the relay state of an outbox row.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// OutboxMessage is one event waiting to be relayed to the broker.
type OutboxMessage struct {
	ID           int64        `db:"id"`
	EventID      string       `db:"event_id"`
	EventType    string       `db:"event_type"`
	Topic        string       `db:"topic"`
	PartitionKey string       `db:"partition_key"`
	Payload      []byte       `db:"payload"`
	Status       OutboxStatus `db:"status"`
	RetryCount   int32        `db:"retry_count"`
	MaxRetries   int32        `db:"max_retries"`
	LastError    *string      `db:"last_error"`
	CreatedAt    time.Time    `db:"created_at"`
	ProcessedAt  *time.Time   `db:"processed_at"`
	PublishedAt  *time.Time   `db:"published_at"`
}

// paymentRow mirrors the payments table. Numeric columns travel as text so
// no precision is lost on the way to decimal.Decimal.
type paymentRow struct {
	ID                   string
	OrganizationID       string
	InvoiceID            string
	Chain                string
	TokenCode            string
	TokenMint            string
	TokenIssuer          string
	Address              string
	MatchIdentifier      *int64
	ExpectedCryptoAmount string
	ExpectedFiatAmount   string
	ExchangeRate         string
	FiatCurrency         string
	MinConfirmations     int
	Status               string
	ObservedCryptoAmount string
	ObservedFiatAmount   string
	AppliedFiatAmount    string
	CreditedTransactions []string
	CreditedCryptoAmount string
	Confirmations        int
	TransactionHash      string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	UpdatedAt            time.Time
}

func (r paymentRow) toPayment() (payment.PendingPayment, error) {
	chain, err := payment.ParseChain(r.Chain)
	if err != nil {
		return payment.PendingPayment{}, err
	}
	status := payment.Status(r.Status)
	if !status.Valid() {
		return payment.PendingPayment{}, fmt.Errorf("payment %s: unknown status %q", r.ID, r.Status)
	}

	amounts := []struct {
		src string
		dst *decimal.Decimal
	}{
		{r.ExpectedCryptoAmount, new(decimal.Decimal)},
		{r.ExpectedFiatAmount, new(decimal.Decimal)},
		{r.ExchangeRate, new(decimal.Decimal)},
		{r.ObservedCryptoAmount, new(decimal.Decimal)},
		{r.ObservedFiatAmount, new(decimal.Decimal)},
		{r.AppliedFiatAmount, new(decimal.Decimal)},
		{r.CreditedCryptoAmount, new(decimal.Decimal)},
	}
	for _, a := range amounts {
		d, err := decimal.NewFromString(a.src)
		if err != nil {
			return payment.PendingPayment{}, fmt.Errorf("payment %s: parse amount %q: %w", r.ID, a.src, err)
		}
		*a.dst = d
	}

	p := payment.PendingPayment{
		ID:                   r.ID,
		OrganizationID:       r.OrganizationID,
		InvoiceID:            r.InvoiceID,
		Chain:                chain,
		TokenCode:            r.TokenCode,
		TokenMint:            r.TokenMint,
		TokenIssuer:          r.TokenIssuer,
		Address:              r.Address,
		ExpectedCryptoAmount: *amounts[0].dst,
		ExpectedFiatAmount:   *amounts[1].dst,
		ExchangeRate:         *amounts[2].dst,
		FiatCurrency:         r.FiatCurrency,
		MinConfirmations:     r.MinConfirmations,
		Status:               status,
		ObservedCryptoAmount: *amounts[3].dst,
		ObservedFiatAmount:   *amounts[4].dst,
		AppliedFiatAmount:    *amounts[5].dst,
		CreditedTransactions: r.CreditedTransactions,
		CreditedCryptoAmount: *amounts[6].dst,
		Confirmations:        r.Confirmations,
		TransactionHash:      r.TransactionHash,
		CreatedAt:            r.CreatedAt,
		ExpiresAt:            r.ExpiresAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.MatchIdentifier != nil {
		tag := uint32(*r.MatchIdentifier)
		p.MatchIdentifier = &tag
	}
	return p, nil
}

// openInstallment is an installment that still has an outstanding balance.
type openInstallment struct {
	ID         string
	AmountDue  decimal.Decimal
	AmountPaid decimal.Decimal
}

// allocationLine is the part of a payment credited to one installment.
type allocationLine struct {
	InstallmentID string
	Amount        decimal.Decimal
	NewPaid       decimal.Decimal
	Paid          bool
}
