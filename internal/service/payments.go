package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoice-ledger/internal/currency"
	"github.com/mmeshcher/invoice-ledger/internal/ledger"
	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
	"github.com/mmeshcher/invoice-ledger/internal/numbering"
	"github.com/mmeshcher/invoice-ledger/internal/repository"
	"github.com/mmeshcher/invoice-ledger/internal/slip"
	"github.com/mmeshcher/invoice-ledger/internal/validation"
)

// invoiceUpdateAttempts ограничивает число попыток обновить счёт при конкурентном изменении.
const invoiceUpdateAttempts = 3

// Побочные эффекты платежа, сбой которых не отменяет операцию.
const (
	EffectPaymentSplits     = "payment_splits"
	EffectRevenue           = "revenue"
	EffectDepartmentRevenue = "department_revenue"
	EffectCustomer          = "customer"
)

// PaymentInput содержит данные платежа от клиента. Суммы указаны в валюте счёта,
// а при разбивке по отделам в базовой валюте.
type PaymentInput struct {
	InvoiceID          int64
	AmountReceived     decimal.Decimal
	BankCharges        decimal.Decimal
	AmountWithheld     decimal.Decimal
	PaymentDate        time.Time
	Mode               string
	Reference          string
	HasDepartmentSplit bool
	DepartmentSplits   []model.DepartmentSplit
}

// SoftFailure описывает побочный эффект, который не удалось выполнить.
type SoftFailure struct {
	Effect  string `json:"effect"`
	Message string `json:"message"`
}

// PaymentResult содержит сохранённый платёж вместе со счётом и покупателем.
// SoftFailures перечисляет побочные эффекты, выполненные с ошибкой.
type PaymentResult struct {
	Payment      *model.Payment
	Invoice      *model.Invoice
	Customer     *model.Customer
	SoftFailures []SoftFailure
}

// Degraded сообщает, что часть побочных эффектов не выполнена.
func (r *PaymentResult) Degraded() bool {
	return len(r.SoftFailures) > 0
}

func (r *PaymentResult) soft(effect string, err error) {
	r.SoftFailures = append(r.SoftFailures, SoftFailure{Effect: effect, Message: err.Error()})
}

// CreatePayment проверяет и сохраняет платёж, затем обновляет остаток счёта.
func (s *Service) CreatePayment(ctx context.Context, userID int64, in PaymentInput) (*PaymentResult, error) {
	inv, err := s.loadInvoice(ctx, userID, in.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == model.InvoiceStatusVoid {
		return nil, validationError(CodeInvoiceVoid, fmt.Sprintf("invoice %s is void", inv.Number))
	}

	amounts, err := s.checkPayment(*inv, in, decimal.Zero)
	if err != nil {
		return nil, err
	}

	p := &model.Payment{
		UserID:             userID,
		InvoiceID:          inv.ID,
		AmountReceived:     amounts.Received,
		BankCharges:        amounts.BankCharges,
		AmountWithheld:     amounts.Withheld,
		PaymentDate:        s.paymentDate(in.PaymentDate),
		Mode:               strings.TrimSpace(in.Mode),
		Reference:          strings.TrimSpace(in.Reference),
		HasDepartmentSplit: in.HasDepartmentSplit,
	}
	if in.HasDepartmentSplit {
		p.DepartmentSplits = cleanSplits(in.DepartmentSplits)
	}

	assignment, err := s.paymentNumbers.Assign(ctx, userID, func(ctx context.Context, number string) error {
		p.Number = number
		err := s.repo.InsertPayment(ctx, p)
		if errors.Is(err, repository.ErrDuplicateNumber) {
			return fmt.Errorf("%w: %w", numbering.ErrDuplicate, err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, numbering.ErrExhausted) {
			s.logger.Error("payment number strategies exhausted",
				zap.Int64("userID", userID), zap.Int("attempts", assignment.Attempts), zap.Error(err))
			return nil, &Error{
				Kind:    KindConflict,
				Code:    CodePaymentCreationFailed,
				Message: "could not assign a unique payment number, try again",
				Details: map[string]any{"reason": CodeDuplicatePaymentNumber, "attempts": assignment.Attempts},
				Err:     err,
			}
		}
		return nil, internal(CodePaymentCreationFailed, err)
	}
	if assignment.Strategy != s.paymentNumbers.Primary.Name() {
		s.logger.Warn("payment number assigned by fallback strategy",
			zap.String("number", assignment.Number), zap.String("strategy", assignment.Strategy),
			zap.Int("attempts", assignment.Attempts))
	}

	res := &PaymentResult{Payment: p}

	if p.HasDepartmentSplit {
		if err := s.repo.InsertPaymentSplits(ctx, splitRows(p)); err != nil {
			s.logger.Warn("payment split rows not created", zap.Int64("paymentID", p.ID), zap.Error(err))
			res.soft(EffectPaymentSplits, err)
		}
	}

	updated, err := s.applyToInvoice(ctx, inv, func(cur model.Invoice, total decimal.Decimal) model.Invoice {
		return ledger.ApplyDelta(cur, p.AmountReceived, total)
	})
	if err != nil {
		return nil, s.invoiceUpdateFailed(p, err)
	}
	res.Invoice = updated

	s.syncRevenue(ctx, res, *updated, userID, p.HasDepartmentSplit)
	s.attachCustomer(ctx, res)

	if res.Customer != nil {
		s.dispatchPaymentSlip(*p, *updated, *res.Customer)
	}

	return res, nil
}

// UpdatePayment изменяет суммы и реквизиты платежа. Номер и счёт платежа не меняются.
func (s *Service) UpdatePayment(ctx context.Context, userID, paymentID int64, in PaymentInput) (*PaymentResult, error) {
	old, err := s.loadPayment(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}

	inv, err := s.loadInvoice(ctx, userID, old.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == model.InvoiceStatusVoid {
		return nil, validationError(CodeInvoiceVoid, fmt.Sprintf("invoice %s is void", inv.Number))
	}

	amounts, err := s.checkPayment(*inv, in, old.AmountReceived)
	if err != nil {
		return nil, err
	}

	p := *old
	p.AmountReceived = amounts.Received
	p.BankCharges = amounts.BankCharges
	p.AmountWithheld = amounts.Withheld
	p.PaymentDate = s.paymentDate(in.PaymentDate)
	p.Mode = strings.TrimSpace(in.Mode)
	p.Reference = strings.TrimSpace(in.Reference)
	p.HasDepartmentSplit = in.HasDepartmentSplit
	p.DepartmentSplits = nil
	if in.HasDepartmentSplit {
		p.DepartmentSplits = cleanSplits(in.DepartmentSplits)
	}

	if err := s.repo.UpdatePayment(ctx, &p); err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, notFound(CodePaymentNotFound, "payment not found")
		}
		return nil, internal(CodeInternal, err)
	}

	res := &PaymentResult{Payment: &p}

	splitsTouched := old.HasDepartmentSplit || p.HasDepartmentSplit
	if splitsTouched {
		if err := s.replaceSplitRows(ctx, &p); err != nil {
			s.logger.Warn("payment split rows not replaced", zap.Int64("paymentID", p.ID), zap.Error(err))
			res.soft(EffectPaymentSplits, err)
		}
	}

	delta := p.AmountReceived.Sub(old.AmountReceived)
	updated, err := s.applyToInvoice(ctx, inv, func(cur model.Invoice, total decimal.Decimal) model.Invoice {
		return ledger.ApplyDelta(cur, delta, total)
	})
	if err != nil {
		return nil, s.invoiceUpdateFailed(&p, err)
	}
	res.Invoice = updated

	s.syncRevenue(ctx, res, *updated, userID, splitsTouched)
	s.attachCustomer(ctx, res)

	return res, nil
}

// DeletePayment удаляет платёж и уменьшает полученную по счёту сумму.
func (s *Service) DeletePayment(ctx context.Context, userID, paymentID int64) (*PaymentResult, error) {
	old, err := s.loadPayment(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}

	inv, err := s.loadInvoice(ctx, userID, old.InvoiceID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.DeletePayment(ctx, old.ID); err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, notFound(CodePaymentNotFound, "payment not found")
		}
		return nil, internal(CodeInternal, err)
	}

	res := &PaymentResult{Payment: old}

	// строки разбивки удаляются каскадно, явное удаление покрывает базы без внешнего ключа
	if old.HasDepartmentSplit {
		if err := s.repo.DeletePaymentSplits(ctx, old.ID); err != nil {
			s.logger.Warn("payment split rows not deleted", zap.Int64("paymentID", old.ID), zap.Error(err))
			res.soft(EffectPaymentSplits, err)
		}
	}

	updated, err := s.applyToInvoice(ctx, inv, func(cur model.Invoice, total decimal.Decimal) model.Invoice {
		return ledger.ApplyDelta(cur, old.AmountReceived.Neg(), total)
	})
	if err != nil {
		return nil, s.invoiceUpdateFailed(old, err)
	}
	res.Invoice = updated

	s.syncRevenue(ctx, res, *updated, userID, old.HasDepartmentSplit)
	s.attachCustomer(ctx, res)

	return res, nil
}

// GetPayment возвращает платёж пользователя.
func (s *Service) GetPayment(ctx context.Context, userID, paymentID int64) (*model.Payment, error) {
	return s.loadPayment(ctx, userID, paymentID)
}

// ListPaymentsByInvoice возвращает платежи счёта в порядке поступления.
func (s *Service) ListPaymentsByInvoice(ctx context.Context, userID, invoiceID int64) ([]model.Payment, error) {
	if _, err := s.loadInvoice(ctx, userID, invoiceID); err != nil {
		return nil, err
	}

	payments, err := s.repo.ListPaymentsByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, internal(CodeInternal, err)
	}
	return payments, nil
}

// PaymentHistoryPDF формирует PDF-выписку платежей по счёту.
func (s *Service) PaymentHistoryPDF(ctx context.Context, userID, invoiceID int64) ([]byte, error) {
	if s.renderer == nil {
		return nil, internal(CodeInternal, errors.New("pdf renderer not configured"))
	}

	inv, err := s.loadInvoice(ctx, userID, invoiceID)
	if err != nil {
		return nil, err
	}

	customer, err := s.repo.GetCustomer(ctx, inv.CustomerID)
	if err != nil {
		return nil, internal(CodeInternal, err)
	}

	payments, err := s.repo.ListPaymentsByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, internal(CodeInternal, err)
	}

	pdf, err := s.renderer.PaymentHistory(ctx, slip.History{
		Invoice:      *inv,
		Customer:     *customer,
		Payments:     payments,
		BaseCurrency: s.normalizer.Base,
	})
	if err != nil {
		if errors.Is(err, slip.ErrEmptyHistory) {
			return nil, notFound(CodeNoPayments, "invoice has no payments")
		}
		return nil, internal(CodeInternal, err)
	}

	return pdf, nil
}

// checkPayment нормализует суммы и проверяет остаток счёта и разбивку по отделам.
// excluding равен прежней сумме изменяемого платежа.
func (s *Service) checkPayment(inv model.Invoice, in PaymentInput, excluding decimal.Decimal) (currency.Amounts, error) {
	if in.BankCharges.IsNegative() || in.AmountWithheld.IsNegative() {
		return currency.Amounts{}, validationError(CodeValidation, "bank charges and withheld amount must not be negative")
	}

	amounts := s.normalizer.Normalize(inv, currency.Amounts{
		Received:    in.AmountReceived,
		BankCharges: in.BankCharges,
		Withheld:    in.AmountWithheld,
	}, in.HasDepartmentSplit)

	if !amounts.Received.IsPositive() {
		return currency.Amounts{}, validationError(CodeValidation, "amount received must be greater than zero")
	}

	remaining := ledger.Remaining(inv, s.normalizer.TotalInBase(inv), excluding)
	if ledger.Exceeds(amounts.Received, remaining) {
		return currency.Amounts{}, balanceExceeded(remaining, amounts.Received)
	}

	if in.HasDepartmentSplit {
		if err := validation.ValidateSplits(cleanSplits(in.DepartmentSplits), amounts.Received); err != nil {
			return currency.Amounts{}, splitError(err)
		}
	}

	return amounts, nil
}

// applyToInvoice сохраняет пересчитанный счёт с проверкой версии.
// При конфликте счёт перечитывается и пересчёт повторяется.
func (s *Service) applyToInvoice(ctx context.Context, inv *model.Invoice, apply func(model.Invoice, decimal.Decimal) model.Invoice) (*model.Invoice, error) {
	cur := inv
	for attempt := 1; ; attempt++ {
		next := apply(*cur, s.normalizer.TotalInBase(*cur))

		err := s.repo.UpdateInvoiceBalance(ctx, &next)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt == invoiceUpdateAttempts {
			return nil, err
		}

		s.logger.Info("invoice modified concurrently, retrying",
			zap.Int64("invoiceID", inv.ID), zap.Int("attempt", attempt))

		cur, err = s.repo.GetInvoice(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
	}
}

func (s *Service) invoiceUpdateFailed(p *model.Payment, err error) error {
	s.logger.Error("invoice balance not updated after payment change",
		zap.Int64("paymentID", p.ID), zap.Int64("invoiceID", p.InvoiceID), zap.Error(err))

	return &Error{
		Kind:    KindInternal,
		Code:    CodeInvoiceUpdateFailed,
		Message: "payment saved but invoice balance was not updated, reconcile the invoice",
		Details: map[string]any{"paymentId": p.ID, "invoiceId": p.InvoiceID},
		Err:     err,
	}
}

func (s *Service) syncRevenue(ctx context.Context, res *PaymentResult, inv model.Invoice, userID int64, departments bool) {
	if err := s.revenue.EnsureRevenueForInvoice(ctx, inv, userID); err != nil {
		s.logger.Warn("revenue sync failed", zap.Int64("invoiceID", inv.ID), zap.Error(err))
		res.soft(EffectRevenue, err)
	}

	if !departments {
		return
	}

	splits, err := s.repo.ListSplitsByInvoice(ctx, inv.ID)
	if err == nil {
		err = s.revenue.SyncDepartmentWiseRevenue(ctx, inv, splits, userID)
	}
	if err != nil {
		s.logger.Warn("department revenue sync failed", zap.Int64("invoiceID", inv.ID), zap.Error(err))
		res.soft(EffectDepartmentRevenue, err)
	}
}

func (s *Service) attachCustomer(ctx context.Context, res *PaymentResult) {
	c, err := s.repo.GetCustomer(ctx, res.Invoice.CustomerID)
	if err != nil {
		s.logger.Warn("customer not loaded", zap.Int64("customerID", res.Invoice.CustomerID), zap.Error(err))
		res.soft(EffectCustomer, err)
		return
	}
	res.Customer = c
}

func (s *Service) replaceSplitRows(ctx context.Context, p *model.Payment) error {
	if err := s.repo.DeletePaymentSplits(ctx, p.ID); err != nil {
		return err
	}
	if !p.HasDepartmentSplit {
		return nil
	}
	return s.repo.InsertPaymentSplits(ctx, splitRows(p))
}

func (s *Service) loadInvoice(ctx context.Context, userID, invoiceID int64) (*model.Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			return nil, notFound(CodeInvoiceNotFound, "invoice not found")
		}
		return nil, internal(CodeInternal, err)
	}
	if inv.UserID != userID {
		return nil, notFound(CodeInvoiceNotFound, "invoice not found")
	}
	return inv, nil
}

func (s *Service) loadPayment(ctx context.Context, userID, paymentID int64) (*model.Payment, error) {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, notFound(CodePaymentNotFound, "payment not found")
		}
		return nil, internal(CodeInternal, err)
	}
	if p.UserID != userID {
		return nil, notFound(CodePaymentNotFound, "payment not found")
	}
	return p, nil
}

func (s *Service) paymentDate(d time.Time) time.Time {
	if d.IsZero() {
		return s.now().UTC()
	}
	return d
}

func cleanSplits(in []model.DepartmentSplit) []model.DepartmentSplit {
	out := make([]model.DepartmentSplit, 0, len(in))
	for _, sp := range in {
		out = append(out, model.DepartmentSplit{
			DepartmentName: strings.TrimSpace(sp.DepartmentName),
			Amount:         money.Round2(sp.Amount),
		})
	}
	return out
}

func splitRows(p *model.Payment) []model.PaymentSplit {
	rows := make([]model.PaymentSplit, 0, len(p.DepartmentSplits))
	for _, sp := range p.DepartmentSplits {
		rows = append(rows, model.PaymentSplit{
			PaymentID:      p.ID,
			InvoiceID:      p.InvoiceID,
			UserID:         p.UserID,
			DepartmentName: sp.DepartmentName,
			Amount:         sp.Amount,
		})
	}
	return rows
}
