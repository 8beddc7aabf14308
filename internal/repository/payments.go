package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

const paymentColumns = `id, user_id, invoice_id, payment_number, amount_received, bank_charges, amount_withheld,
	payment_date, mode, reference, has_department_split, department_splits, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p                           model.Payment
		received, charges, withheld int64
	)

	err := row.Scan(&p.ID, &p.UserID, &p.InvoiceID, &p.Number, &received, &charges, &withheld,
		&p.PaymentDate, &p.Mode, &p.Reference, &p.HasDepartmentSplit, &p.DepartmentSplits,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.AmountReceived = money.FromCents(received)
	p.BankCharges = money.FromCents(charges)
	p.AmountWithheld = money.FromCents(withheld)

	return &p, nil
}

func splitsParam(p *model.Payment) []model.DepartmentSplit {
	if p.DepartmentSplits == nil {
		return []model.DepartmentSplit{}
	}
	return p.DepartmentSplits
}

// InsertPayment сохраняет платёж. При занятом номере возвращает ErrDuplicateNumber.
func (r *PostgresRepository) InsertPayment(ctx context.Context, p *model.Payment) error {
	created, err := scanPayment(r.pool.QueryRow(ctx,
		`INSERT INTO payments (user_id, invoice_id, payment_number, amount_received, bank_charges, amount_withheld,
			payment_date, mode, reference, has_department_split, department_splits)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+paymentColumns,
		p.UserID, p.InvoiceID, p.Number,
		money.ToCents(p.AmountReceived), money.ToCents(p.BankCharges), money.ToCents(p.AmountWithheld),
		p.PaymentDate, p.Mode, p.Reference, p.HasDepartmentSplit, splitsParam(p),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateNumber, p.Number)
		}
		return fmt.Errorf("insert payment: %w", err)
	}

	*p = *created
	return nil
}

// GetPayment возвращает платёж по идентификатору.
func (r *PostgresRepository) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// UpdatePayment обновляет изменяемые поля платежа. Номер платежа не меняется.
func (r *PostgresRepository) UpdatePayment(ctx context.Context, p *model.Payment) error {
	updated, err := scanPayment(r.pool.QueryRow(ctx,
		`UPDATE payments
		 SET amount_received = $2, bank_charges = $3, amount_withheld = $4, payment_date = $5,
		     mode = $6, reference = $7, has_department_split = $8, department_splits = $9, updated_at = now()
		 WHERE id = $1
		 RETURNING `+paymentColumns,
		p.ID,
		money.ToCents(p.AmountReceived), money.ToCents(p.BankCharges), money.ToCents(p.AmountWithheld),
		p.PaymentDate, p.Mode, p.Reference, p.HasDepartmentSplit, splitsParam(p),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentNotFound
		}
		return fmt.Errorf("update payment: %w", err)
	}

	*p = *updated
	return nil
}

// DeletePayment удаляет платёж.
func (r *PostgresRepository) DeletePayment(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// ListPaymentsByInvoice возвращает платежи счёта в порядке поступления.
func (r *PostgresRepository) ListPaymentsByInvoice(ctx context.Context, invoiceID int64) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY payment_date, id`,
		invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertPaymentSplits сохраняет строки разбивки платежа по отделам.
func (r *PostgresRepository) InsertPaymentSplits(ctx context.Context, splits []model.PaymentSplit) error {
	if len(splits) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, s := range splits {
		batch.Queue(
			`INSERT INTO payment_splits (payment_id, invoice_id, user_id, department_name, amount) VALUES ($1, $2, $3, $4, $5)`,
			s.PaymentID, s.InvoiceID, s.UserID, s.DepartmentName, money.ToCents(s.Amount),
		)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert payment splits: %w", err)
	}
	return nil
}

// DeletePaymentSplits удаляет все строки разбивки платежа.
func (r *PostgresRepository) DeletePaymentSplits(ctx context.Context, paymentID int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM payment_splits WHERE payment_id = $1`, paymentID); err != nil {
		return fmt.Errorf("delete payment splits: %w", err)
	}
	return nil
}

// DeleteSplitsByInvoice удаляет строки разбивки всех платежей счёта.
func (r *PostgresRepository) DeleteSplitsByInvoice(ctx context.Context, invoiceID int64) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM payment_splits WHERE invoice_id = $1`, invoiceID); err != nil {
		return fmt.Errorf("delete invoice splits: %w", err)
	}
	return nil
}

// ListSplitsByInvoice возвращает строки разбивки всех платежей счёта.
func (r *PostgresRepository) ListSplitsByInvoice(ctx context.Context, invoiceID int64) ([]model.PaymentSplit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, payment_id, invoice_id, user_id, department_name, amount, created_at
		 FROM payment_splits WHERE invoice_id = $1 ORDER BY id`,
		invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payment splits: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentSplit
	for rows.Next() {
		var (
			s      model.PaymentSplit
			amount int64
		)
		if err := rows.Scan(&s.ID, &s.PaymentID, &s.InvoiceID, &s.UserID, &s.DepartmentName, &amount, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment split: %w", err)
		}
		s.Amount = money.FromCents(amount)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DepartmentTotals возвращает суммы поступлений по отделам за период.
// Период отсчитывается по дате платежа, а не по времени записи строки разбивки.
func (r *PostgresRepository) DepartmentTotals(ctx context.Context, userID int64, from, to time.Time) ([]model.DepartmentRevenue, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.department_name, COALESCE(SUM(s.amount), 0)
		 FROM payment_splits s
		 JOIN payments p ON p.id = s.payment_id
		 WHERE s.user_id = $1 AND p.payment_date >= $2 AND p.payment_date < $3
		 GROUP BY s.department_name
		 ORDER BY s.department_name`,
		userID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select department totals: %w", err)
	}
	defer rows.Close()

	var res []model.DepartmentRevenue
	for rows.Next() {
		var (
			name  string
			total int64
		)
		if err := rows.Scan(&name, &total); err != nil {
			return nil, fmt.Errorf("scan department total: %w", err)
		}
		res = append(res, model.DepartmentRevenue{DepartmentName: name, Amount: money.FromCents(total)})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
