package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

// CreateRecurringInvoice сохраняет шаблон периодического счёта.
func (r *PostgresRepository) CreateRecurringInvoice(ctx context.Context, ri *model.RecurringInvoice) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO recurring_invoices (user_id, customer_id, currency, exchange_rate, amount, rrule, starts_at, next_run_at, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		ri.UserID, ri.CustomerID, ri.Currency, rateToMicros(ri.ExchangeRate), money.ToCents(ri.Amount),
		ri.RRule, ri.StartsAt, ri.NextRunAt, ri.Active,
	).Scan(&ri.ID, &ri.CreatedAt)
	if err != nil {
		return fmt.Errorf("create recurring invoice: %w", err)
	}
	return nil
}

// DueRecurringInvoices возвращает активные шаблоны, срок которых наступил.
func (r *PostgresRepository) DueRecurringInvoices(ctx context.Context, now time.Time, limit int) ([]model.RecurringInvoice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, customer_id, currency, exchange_rate, amount, rrule, starts_at, next_run_at, active, last_invoice_id, created_at
		 FROM recurring_invoices
		 WHERE active AND next_run_at <= $1
		 ORDER BY next_run_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select recurring invoices: %w", err)
	}
	defer rows.Close()

	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RecurringInvoice, error) {
		var (
			ri     model.RecurringInvoice
			rate   int64
			amount int64
		)
		err := row.Scan(&ri.ID, &ri.UserID, &ri.CustomerID, &ri.Currency, &rate, &amount,
			&ri.RRule, &ri.StartsAt, &ri.NextRunAt, &ri.Active, &ri.LastInvoiceID, &ri.CreatedAt)
		ri.ExchangeRate = microsToRate(rate)
		ri.Amount = money.FromCents(amount)
		return ri, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan recurring invoice: %w", err)
	}

	return res, nil
}

// AdvanceRecurringInvoice переносит следующий запуск шаблона и запоминает созданный счёт.
func (r *PostgresRepository) AdvanceRecurringInvoice(ctx context.Context, id int64, next time.Time, active bool, lastInvoiceID *int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE recurring_invoices SET next_run_at = $2, active = $3, last_invoice_id = COALESCE($4, last_invoice_id) WHERE id = $1`,
		id, next, active, lastInvoiceID,
	)
	if err != nil {
		return fmt.Errorf("advance recurring invoice: %w", err)
	}
	return nil
}
