package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// InstallmentAllocator credits payments to an invoice's open installments,
// earliest due first. Whatever exceeds the open balance is recorded as an
// unassigned credit on the invoice.
type InstallmentAllocator struct {
	db     *DB
	logger *slog.Logger
}

func NewInstallmentAllocator(db *DB, logger *slog.Logger) *InstallmentAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstallmentAllocator{db: db, logger: logger.With("component", "installments")}
}

func (a *InstallmentAllocator) ApplyAmount(ctx context.Context, invoiceID, paymentID string, fiat decimal.Decimal) ([]string, error) {
	if !fiat.IsPositive() {
		return nil, nil
	}

	var affected []string
	err := a.db.WithTx(ctx, func(tx pgx.Tx) error {
		open, err := lockOpenInstallments(ctx, tx, invoiceID)
		if err != nil {
			return err
		}

		lines, credit := allocate(open, fiat)

		const insertAlloc = `
			INSERT INTO installment_allocations (installment_id, invoice_id, payment_id, amount)
			VALUES ($1, $2, $3, $4::numeric)`

		for _, l := range lines {
			status := "partial"
			if l.Paid {
				status = "paid"
			}
			if _, err := tx.Exec(ctx,
				`UPDATE installments SET amount_paid = $2::numeric, status = $3, updated_at = NOW() WHERE id = $1`,
				l.InstallmentID, l.NewPaid.String(), status,
			); err != nil {
				return fmt.Errorf("update installment %s: %w", l.InstallmentID, err)
			}
			if _, err := tx.Exec(ctx, insertAlloc, l.InstallmentID, invoiceID, paymentID, l.Amount.String()); err != nil {
				return fmt.Errorf("record allocation: %w", err)
			}
			affected = append(affected, l.InstallmentID)
		}

		if credit.IsPositive() {
			if _, err := tx.Exec(ctx, insertAlloc, nil, invoiceID, paymentID, credit.String()); err != nil {
				return fmt.Errorf("record credit: %w", err)
			}
			a.logger.Info("payment exceeds open installments",
				"invoice_id", invoiceID,
				"payment_id", paymentID,
				"credit", credit,
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

func lockOpenInstallments(ctx context.Context, tx pgx.Tx, invoiceID string) ([]openInstallment, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, amount_due::text, amount_paid::text
		FROM installments
		WHERE invoice_id = $1 AND status <> 'paid'
		ORDER BY due_date, sequence
		FOR UPDATE`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query installments: %w", err)
	}
	defer rows.Close()

	var out []openInstallment
	for rows.Next() {
		var id, due, paid string
		if err := rows.Scan(&id, &due, &paid); err != nil {
			return nil, fmt.Errorf("scan installment: %w", err)
		}
		in := openInstallment{ID: id}
		if in.AmountDue, err = decimal.NewFromString(due); err != nil {
			return nil, fmt.Errorf("installment %s amount due: %w", id, err)
		}
		if in.AmountPaid, err = decimal.NewFromString(paid); err != nil {
			return nil, fmt.Errorf("installment %s amount paid: %w", id, err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// allocate spreads amount over open installments in order and returns what
// is left over.
func allocate(open []openInstallment, amount decimal.Decimal) ([]allocationLine, decimal.Decimal) {
	var lines []allocationLine
	remaining := amount
	for _, in := range open {
		if !remaining.IsPositive() {
			break
		}
		outstanding := in.AmountDue.Sub(in.AmountPaid)
		if !outstanding.IsPositive() {
			continue
		}
		portion := decimal.Min(remaining, outstanding)
		paid := in.AmountPaid.Add(portion)
		lines = append(lines, allocationLine{
			InstallmentID: in.ID,
			Amount:        portion,
			NewPaid:       paid,
			Paid:          paid.GreaterThanOrEqual(in.AmountDue),
		})
		remaining = remaining.Sub(portion)
	}
	return lines, remaining
}
