package repository

import (
	"context"
	"fmt"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

// UpsertRevenue создаёт или обновляет запись выручки счёта.
func (r *PostgresRepository) UpsertRevenue(ctx context.Context, rev model.Revenue) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO revenues (user_id, invoice_id, customer_id, amount, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (invoice_id)
		 DO UPDATE SET amount = EXCLUDED.amount, status = EXCLUDED.status,
		               customer_id = EXCLUDED.customer_id, updated_at = now()`,
		rev.UserID, rev.InvoiceID, rev.CustomerID, money.ToCents(rev.Amount), string(rev.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert revenue: %w", err)
	}
	return nil
}

// DeleteRevenue удаляет запись выручки счёта, если она есть.
func (r *PostgresRepository) DeleteRevenue(ctx context.Context, invoiceID int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM revenues WHERE invoice_id = $1`, invoiceID); err != nil {
		return fmt.Errorf("delete revenue: %w", err)
	}
	return nil
}

// ReplaceDepartmentRevenues заменяет выручку счёта по отделам одной транзакцией.
func (r *PostgresRepository) ReplaceDepartmentRevenues(ctx context.Context, invoiceID, userID int64, rows []model.DepartmentRevenue) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM department_revenues WHERE invoice_id = $1`, invoiceID); err != nil {
		return fmt.Errorf("delete department revenues: %w", err)
	}

	for _, row := range rows {
		_, err := tx.Exec(ctx,
			`INSERT INTO department_revenues (invoice_id, department_name, user_id, amount) VALUES ($1, $2, $3, $4)`,
			invoiceID, row.DepartmentName, userID, money.ToCents(row.Amount),
		)
		if err != nil {
			return fmt.Errorf("insert department revenue: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
