package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/teambition/rrule-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoice-ledger/internal/model"
)

const recurringBatchSize = 100

// RecurringInput описывает шаблон периодического счёта.
// RRule задаётся в формате RFC 5545 без DTSTART, например "FREQ=MONTHLY;BYMONTHDAY=1".
type RecurringInput struct {
	CustomerID   int64
	Currency     string
	ExchangeRate decimal.Decimal
	Amount       decimal.Decimal
	RRule        string
	StartsAt     time.Time
}

// CreateRecurringInvoice сохраняет шаблон периодического счёта.
func (s *Service) CreateRecurringInvoice(ctx context.Context, userID int64, in RecurringInput) (*model.RecurringInvoice, error) {
	if !in.Amount.IsPositive() {
		return nil, validationError(CodeValidation, "invoice amount must be greater than zero")
	}
	if _, err := s.loadCustomer(ctx, userID, in.CustomerID); err != nil {
		return nil, err
	}

	start := in.StartsAt
	if start.IsZero() {
		start = s.now().UTC()
	}
	start = start.Truncate(time.Second)

	rule, err := parseRule(in.RRule, start)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Code: CodeInvalidRRule, Message: err.Error(), Err: err}
	}

	first := rule.After(start, true)
	if first.IsZero() {
		return nil, validationError(CodeInvalidRRule, "recurrence rule has no occurrences")
	}

	ri := &model.RecurringInvoice{
		UserID:       userID,
		CustomerID:   in.CustomerID,
		Currency:     strings.ToUpper(strings.TrimSpace(in.Currency)),
		ExchangeRate: in.ExchangeRate,
		Amount:       in.Amount,
		RRule:        strings.TrimSpace(in.RRule),
		StartsAt:     start,
		NextRunAt:    first,
		Active:       true,
	}
	if ri.Currency == "" {
		ri.Currency = s.normalizer.Base
	}

	if err := s.repo.CreateRecurringInvoice(ctx, ri); err != nil {
		return nil, internal(CodeInternal, err)
	}
	return ri, nil
}

// parseRule строит правило от start: производные BYxxx вычисляются от даты начала шаблона.
func parseRule(str string, start time.Time) (*rrule.RRule, error) {
	opt, err := rrule.StrToROption(strings.TrimSpace(str))
	if err != nil {
		return nil, err
	}
	opt.Dtstart = start
	return rrule.NewRRule(*opt)
}

// StartRecurringInvoices запускает фоновый процесс выставления периодических счетов.
func (s *Service) StartRecurringInvoices(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ProcessRecurringInvoices(ctx); err != nil {
					s.logger.Warn("recurring invoices batch failed", zap.Error(err))
				}
			}
		}
	}()
}

// ProcessRecurringInvoices выставляет счета по наступившим шаблонам и возвращает их число.
func (s *Service) ProcessRecurringInvoices(ctx context.Context) (int, error) {
	now := s.now()

	due, err := s.repo.DueRecurringInvoices(ctx, now, recurringBatchSize)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, ri := range due {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}

		rule, err := parseRule(ri.RRule, ri.StartsAt)
		if err != nil {
			s.logger.Warn("recurring invoice has invalid rule, deactivating",
				zap.Int64("recurringID", ri.ID), zap.Error(err))
			if err := s.repo.AdvanceRecurringInvoice(ctx, ri.ID, ri.NextRunAt, false, nil); err != nil {
				s.logger.Warn("recurring invoice not deactivated", zap.Int64("recurringID", ri.ID), zap.Error(err))
			}
			continue
		}

		next := rule.After(ri.NextRunAt, false)
		active := !next.IsZero()
		if !active {
			next = ri.NextRunAt
		}

		// запуск переносится до выставления счёта, иначе сбой переноса повторит счёт на следующем тике
		if err := s.repo.AdvanceRecurringInvoice(ctx, ri.ID, next, active, nil); err != nil {
			s.logger.Warn("recurring invoice not advanced, skipping run", zap.Int64("recurringID", ri.ID), zap.Error(err))
			continue
		}

		inv, err := s.CreateInvoice(ctx, ri.UserID, InvoiceInput{
			CustomerID:   ri.CustomerID,
			Currency:     ri.Currency,
			ExchangeRate: ri.ExchangeRate,
			Amount:       ri.Amount,
			IssuedAt:     ri.NextRunAt,
		})
		if err != nil {
			s.logger.Warn("recurring invoice not created", zap.Int64("recurringID", ri.ID), zap.Error(err))
			if err := s.repo.AdvanceRecurringInvoice(ctx, ri.ID, ri.NextRunAt, ri.Active, nil); err != nil {
				s.logger.Error("recurring invoice run not restored", zap.Int64("recurringID", ri.ID),
					zap.Time("nextRunAt", ri.NextRunAt), zap.Error(err))
			}
			continue
		}
		created++

		if err := s.repo.AdvanceRecurringInvoice(ctx, ri.ID, next, active, &inv.ID); err != nil {
			s.logger.Warn("recurring invoice last run not recorded",
				zap.Int64("recurringID", ri.ID), zap.Int64("invoiceID", inv.ID), zap.Error(err))
		}
	}

	return created, nil
}
