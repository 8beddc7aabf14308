package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

const invoiceColumns = `id, user_id, customer_id, invoice_number, currency, exchange_rate, inr_equivalent,
	receivable_amount, received_amount, paid_amount, due_amount, status, version,
	issued_at, due_at, created_at, updated_at`

func rateToMicros(d decimal.Decimal) int64 {
	return d.Shift(6).Round(0).IntPart()
}

func microsToRate(v int64) decimal.Decimal {
	return decimal.New(v, -6)
}

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var (
		inv        model.Invoice
		rate       int64
		equivalent *int64
		status     string
	)
	var receivable, received, paid, due int64

	err := row.Scan(&inv.ID, &inv.UserID, &inv.CustomerID, &inv.Number, &inv.Currency, &rate, &equivalent,
		&receivable, &received, &paid, &due, &status, &inv.Version,
		&inv.IssuedAt, &inv.DueAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	inv.ExchangeRate = microsToRate(rate)
	if equivalent != nil {
		v := money.FromCents(*equivalent)
		inv.InrEquivalent = &v
	}
	inv.ReceivableAmount = money.FromCents(receivable)
	inv.ReceivedAmount = money.FromCents(received)
	inv.PaidAmount = money.FromCents(paid)
	inv.DueAmount = money.FromCents(due)
	inv.Status = model.InvoiceStatus(status)

	return &inv, nil
}

func equivalentCents(inv *model.Invoice) *int64 {
	if inv.InrEquivalent == nil {
		return nil
	}
	v := money.ToCents(*inv.InrEquivalent)
	return &v
}

// CreateInvoice сохраняет новый счёт. При занятом номере возвращает ErrDuplicateNumber.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO invoices (user_id, customer_id, invoice_number, currency, exchange_rate, inr_equivalent,
			receivable_amount, received_amount, paid_amount, due_amount, status, issued_at, due_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, $10, $11, $12)
		 RETURNING `+invoiceColumns,
		inv.UserID, inv.CustomerID, inv.Number, inv.Currency, rateToMicros(inv.ExchangeRate), equivalentCents(inv),
		money.ToCents(inv.ReceivableAmount), money.ToCents(inv.ReceivedAmount), money.ToCents(inv.DueAmount),
		string(inv.Status), inv.IssuedAt, inv.DueAt,
	)

	created, err := scanInvoice(row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, inv.Number)
		}
		return fmt.Errorf("insert invoice: %w", err)
	}

	*inv = *created
	return nil
}

// GetInvoice возвращает счёт по идентификатору.
func (r *PostgresRepository) GetInvoice(ctx context.Context, id int64) (*model.Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// UpdateInvoiceBalance сохраняет суммы и статус счёта, если его версия не изменилась.
// При успехе версия в inv увеличивается.
func (r *PostgresRepository) UpdateInvoiceBalance(ctx context.Context, inv *model.Invoice) error {
	var version int64
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`UPDATE invoices
			 SET received_amount = $3, paid_amount = $4, due_amount = $5, status = $6,
			     version = version + 1, updated_at = now()
			 WHERE id = $1 AND version = $2
			 RETURNING version`,
			inv.ID, inv.Version,
			money.ToCents(inv.ReceivedAmount), money.ToCents(inv.PaidAmount), money.ToCents(inv.DueAmount),
			string(inv.Status),
		).Scan(&version)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("update invoice balance: %w", err)
	}

	inv.Version = version
	return nil
}

// SetInvoiceStatus принудительно устанавливает статус счёта (например, Void).
func (r *PostgresRepository) SetInvoiceStatus(ctx context.Context, id int64, status model.InvoiceStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE invoices SET status = $2, version = version + 1, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("set invoice status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}
