package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/paywatch/internal/payment"
)

var ErrInvalidTransition = errors.New("status transition not allowed")

const selectPayment = `
	SELECT id, organization_id, invoice_id, chain, token_code, token_mint, token_issuer,
	       address, match_identifier,
	       expected_crypto_amount::text, expected_fiat_amount::text, exchange_rate::text,
	       fiat_currency, min_confirmations, status,
	       observed_crypto_amount::text, observed_fiat_amount::text, applied_fiat_amount::text,
	       credited_transactions, credited_crypto_amount::text,
	       confirmations, transaction_hash, created_at, expires_at, updated_at
	FROM payments`

// PaymentRepository is the Postgres payment.Repository. Status writes are
// compare-and-set and carry their outbox events in the same transaction.
type PaymentRepository struct {
	db     *DB
	outbox *OutboxRepository
}

func NewPaymentRepository(db *DB, outbox *OutboxRepository) *PaymentRepository {
	if outbox == nil {
		outbox = NewOutboxRepository(db, nil)
	}
	return &PaymentRepository{db: db, outbox: outbox}
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (payment.PendingPayment, error) {
	p, err := scanPayment(r.db.pool.QueryRow(ctx, selectPayment+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.PendingPayment{}, fmt.Errorf("%w: %s", payment.ErrPaymentNotFound, id)
	}
	return p, err
}

func (r *PaymentRepository) Create(ctx context.Context, p payment.PendingPayment) error {
	const q = `
		INSERT INTO payments (
			id, organization_id, invoice_id, chain, token_code, token_mint, token_issuer,
			address, match_identifier,
			expected_crypto_amount, expected_fiat_amount, exchange_rate,
			fiat_currency, min_confirmations, status,
			observed_crypto_amount, observed_fiat_amount, applied_fiat_amount,
			credited_transactions, credited_crypto_amount,
			confirmations, transaction_hash, created_at, expires_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9,
			$10::numeric, $11::numeric, $12::numeric,
			$13, $14, $15,
			$16::numeric, $17::numeric, $18::numeric,
			$19, $20::numeric,
			$21, $22, $23, $24, $25
		)`

	var tag *int64
	if p.MatchIdentifier != nil {
		v := int64(*p.MatchIdentifier)
		tag = &v
	}

	_, err := r.db.pool.Exec(ctx, q,
		p.ID, p.OrganizationID, p.InvoiceID, string(p.Chain), p.TokenCode, p.TokenMint, p.TokenIssuer,
		p.Address, tag,
		p.ExpectedCryptoAmount.String(), p.ExpectedFiatAmount.String(), p.ExchangeRate.String(),
		p.FiatCurrency, p.MinConfirmations, string(p.Status),
		p.ObservedCryptoAmount.String(), p.ObservedFiatAmount.String(), p.AppliedFiatAmount.String(),
		nonNil(p.CreditedTransactions), p.CreditedCryptoAmount.String(),
		p.Confirmations, p.TransactionHash, p.CreatedAt, p.ExpiresAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// CompareAndSetStatus applies patch only while the stored status equals
// expected. The outbox rows in patch.Events commit or roll back with it.
func (r *PaymentRepository) CompareAndSetStatus(ctx context.Context, id string, expected payment.Status, patch payment.Patch) error {
	if !expected.CanTransition(patch.Status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, expected, patch.Status)
	}

	const q = `
		UPDATE payments
		SET status = $3,
		    observed_crypto_amount = $4::numeric,
		    observed_fiat_amount = $5::numeric,
		    applied_fiat_amount = $6::numeric,
		    credited_transactions = $7,
		    credited_crypto_amount = $8::numeric,
		    confirmations = $9,
		    transaction_hash = $10,
		    updated_at = $11
		WHERE id = $1 AND status = $2`

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q,
			id, string(expected), string(patch.Status),
			patch.ObservedCryptoAmount.String(), patch.ObservedFiatAmount.String(), patch.AppliedFiatAmount.String(),
			nonNil(patch.CreditedTransactions), patch.CreditedCryptoAmount.String(),
			patch.Confirmations, patch.TransactionHash, patch.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}

		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("check payment: %w", err)
			}
			if !exists {
				return fmt.Errorf("%w: %s", payment.ErrPaymentNotFound, id)
			}
			return payment.ErrStatusConflict
		}

		return r.outbox.insert(ctx, tx, patch.Events)
	})
}

// ListWatchable returns non-terminal payments whose window is still open,
// oldest first.
func (r *PaymentRepository) ListWatchable(ctx context.Context, limit int) ([]payment.PendingPayment, error) {
	rows, err := r.db.pool.Query(ctx, selectPayment+`
		WHERE status IN ('pending', 'underpaid') AND expires_at > NOW()
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query watchable: %w", err)
	}
	defer rows.Close()

	var out []payment.PendingPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (payment.PendingPayment, error) {
	var r paymentRow
	err := row.Scan(
		&r.ID, &r.OrganizationID, &r.InvoiceID, &r.Chain, &r.TokenCode, &r.TokenMint, &r.TokenIssuer,
		&r.Address, &r.MatchIdentifier,
		&r.ExpectedCryptoAmount, &r.ExpectedFiatAmount, &r.ExchangeRate,
		&r.FiatCurrency, &r.MinConfirmations, &r.Status,
		&r.ObservedCryptoAmount, &r.ObservedFiatAmount, &r.AppliedFiatAmount,
		&r.CreditedTransactions, &r.CreditedCryptoAmount,
		&r.Confirmations, &r.TransactionHash, &r.CreatedAt, &r.ExpiresAt, &r.UpdatedAt,
	)
	if err != nil {
		return payment.PendingPayment{}, err
	}
	return r.toPayment()
}

// nonNil keeps a nil slice from being written as NULL into a NOT NULL array.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
