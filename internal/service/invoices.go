package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoice-ledger/internal/ledger"
	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
	"github.com/mmeshcher/invoice-ledger/internal/numbering"
	"github.com/mmeshcher/invoice-ledger/internal/repository"
)

// InvoiceInput содержит данные нового счёта.
type InvoiceInput struct {
	CustomerID    int64
	Currency      string
	ExchangeRate  decimal.Decimal
	InrEquivalent *decimal.Decimal
	Amount        decimal.Decimal
	IssuedAt      time.Time
	DueAt         *time.Time
}

// CreateCustomer создаёт покупателя пользователя.
func (s *Service) CreateCustomer(ctx context.Context, userID int64, name, email string) (*model.Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError(CodeValidation, "customer name is required")
	}

	c := &model.Customer{UserID: userID, Name: name, Email: strings.TrimSpace(email)}
	if err := s.repo.CreateCustomer(ctx, c); err != nil {
		return nil, internal(CodeInternal, err)
	}
	return c, nil
}

// CreateInvoice выставляет счёт покупателю. Для счёта в иностранной валюте без курса
// курс запрашивается у сервиса курсов.
func (s *Service) CreateInvoice(ctx context.Context, userID int64, in InvoiceInput) (*model.Invoice, error) {
	if !in.Amount.IsPositive() {
		return nil, validationError(CodeValidation, "invoice amount must be greater than zero")
	}
	if in.ExchangeRate.IsNegative() {
		return nil, validationError(CodeValidation, "exchange rate must not be negative")
	}

	if _, err := s.loadCustomer(ctx, userID, in.CustomerID); err != nil {
		return nil, err
	}

	inv := &model.Invoice{
		UserID:           userID,
		CustomerID:       in.CustomerID,
		Currency:         strings.ToUpper(strings.TrimSpace(in.Currency)),
		ExchangeRate:     in.ExchangeRate,
		ReceivableAmount: money.Round2(in.Amount),
		ReceivedAmount:   decimal.Zero,
		PaidAmount:       decimal.Zero,
		Status:           model.InvoiceStatusUnpaid,
		IssuedAt:         in.IssuedAt,
		DueAt:            in.DueAt,
	}
	if inv.Currency == "" {
		inv.Currency = s.normalizer.Base
	}
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = s.now().UTC()
	}
	if in.InrEquivalent != nil && in.InrEquivalent.IsPositive() {
		v := money.Round2(*in.InrEquivalent)
		inv.InrEquivalent = &v
	}

	if err := s.resolveRate(ctx, inv); err != nil {
		return nil, err
	}
	inv.DueAmount = s.normalizer.TotalInBase(*inv)

	assignment, err := s.invoiceNumbers.Assign(ctx, userID, func(ctx context.Context, number string) error {
		inv.Number = number
		err := s.repo.CreateInvoice(ctx, inv)
		if errors.Is(err, repository.ErrDuplicateNumber) {
			return fmt.Errorf("%w: %w", numbering.ErrDuplicate, err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, numbering.ErrExhausted) {
			return nil, &Error{
				Kind:    KindConflict,
				Code:    CodeInvoiceCreationFailed,
				Message: "could not assign a unique invoice number, try again",
				Details: map[string]any{"attempts": assignment.Attempts},
				Err:     err,
			}
		}
		return nil, internal(CodeInvoiceCreationFailed, err)
	}

	return inv, nil
}

// resolveRate заполняет курс счёта в иностранной валюте, если он не указан.
func (s *Service) resolveRate(ctx context.Context, inv *model.Invoice) error {
	if s.normalizer.IsBase(inv.Currency) {
		inv.ExchangeRate = decimal.NewFromInt(1)
		return nil
	}
	if inv.InrEquivalent != nil || inv.ExchangeRate.IsPositive() || s.rates == nil {
		return nil
	}

	rate, err := s.rates.Rate(ctx, inv.Currency)
	if err != nil {
		// без курса счёт пересчитывается по таблице по умолчанию
		s.logger.Warn("exchange rate not resolved", zap.String("currency", inv.Currency), zap.Error(err))
		return nil
	}
	inv.ExchangeRate = rate
	return nil
}

// GetInvoice возвращает счёт пользователя.
func (s *Service) GetInvoice(ctx context.Context, userID, invoiceID int64) (*model.Invoice, error) {
	return s.loadInvoice(ctx, userID, invoiceID)
}

// VoidInvoice аннулирует счёт. Повторное аннулирование ничего не меняет.
func (s *Service) VoidInvoice(ctx context.Context, userID, invoiceID int64) (*model.Invoice, error) {
	inv, err := s.loadInvoice(ctx, userID, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == model.InvoiceStatusVoid {
		return inv, nil
	}

	if err := s.repo.SetInvoiceStatus(ctx, inv.ID, model.InvoiceStatusVoid); err != nil {
		return nil, internal(CodeInternal, err)
	}
	inv.Status = model.InvoiceStatusVoid
	inv.Version++

	if err := s.revenue.EnsureRevenueForInvoice(ctx, *inv, userID); err != nil {
		s.logger.Warn("revenue sync failed", zap.Int64("invoiceID", inv.ID), zap.Error(err))
	}
	if err := s.revenue.SyncDepartmentWiseRevenue(ctx, *inv, nil, userID); err != nil {
		s.logger.Warn("department revenue sync failed", zap.Int64("invoiceID", inv.ID), zap.Error(err))
	}

	return inv, nil
}

// ReconcileInvoice пересчитывает полученную сумму счёта по действующим платежам,
// восстанавливает строки разбивки и выручку.
func (s *Service) ReconcileInvoice(ctx context.Context, userID, invoiceID int64) (*PaymentResult, error) {
	inv, err := s.loadInvoice(ctx, userID, invoiceID)
	if err != nil {
		return nil, err
	}

	payments, err := s.repo.ListPaymentsByInvoice(ctx, inv.ID)
	if err != nil {
		return nil, internal(CodeInternal, err)
	}

	res := &PaymentResult{}

	received := decimal.Zero
	var rows []model.PaymentSplit
	for i := range payments {
		p := &payments[i]
		received = received.Add(p.AmountReceived)
		if p.HasDepartmentSplit {
			rows = append(rows, splitRows(p)...)
		}
	}

	// строки разбивки пересобираются целиком, включая оставшиеся от платежей без разбивки
	if err := s.repo.DeleteSplitsByInvoice(ctx, inv.ID); err != nil {
		s.logger.Warn("invoice split rows not cleared", zap.Int64("invoiceID", inv.ID), zap.Error(err))
		res.soft(EffectPaymentSplits, err)
	} else if len(rows) > 0 {
		if err := s.repo.InsertPaymentSplits(ctx, rows); err != nil {
			s.logger.Warn("invoice split rows not rebuilt", zap.Int64("invoiceID", inv.ID), zap.Error(err))
			res.soft(EffectPaymentSplits, err)
		}
	}

	updated, err := s.applyToInvoice(ctx, inv, func(cur model.Invoice, total decimal.Decimal) model.Invoice {
		return ledger.ApplyDelta(cur, received.Sub(cur.ReceivedAmount), total)
	})
	if err != nil {
		return nil, internal(CodeInvoiceUpdateFailed, err)
	}
	res.Invoice = updated

	s.syncRevenue(ctx, res, *updated, userID, true)
	s.attachCustomer(ctx, res)

	return res, nil
}

// DepartmentReport возвращает поступления по отделам за период [from, to).
func (s *Service) DepartmentReport(ctx context.Context, userID int64, from, to time.Time) ([]model.DepartmentRevenue, error) {
	if !from.Before(to) {
		return nil, validationError(CodeValidation, "report period start must be before its end")
	}

	rows, err := s.repo.DepartmentTotals(ctx, userID, from, to)
	if err != nil {
		return nil, internal(CodeInternal, err)
	}
	return rows, nil
}

func (s *Service) loadCustomer(ctx context.Context, userID, customerID int64) (*model.Customer, error) {
	c, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrCustomerNotFound) {
			return nil, notFound(CodeCustomerNotFound, "customer not found")
		}
		return nil, internal(CodeInternal, err)
	}
	if c.UserID != userID {
		return nil, notFound(CodeCustomerNotFound, "customer not found")
	}
	return c, nil
}
