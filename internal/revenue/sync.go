// Package revenue поддерживает производные записи выручки в соответствии с состоянием счетов.
package revenue

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

// Store описывает хранилище записей выручки.
type Store interface {
	UpsertRevenue(ctx context.Context, rev model.Revenue) error
	DeleteRevenue(ctx context.Context, invoiceID int64) error
	ReplaceDepartmentRevenues(ctx context.Context, invoiceID, userID int64, rows []model.DepartmentRevenue) error
}

// Synchronizer приводит записи выручки к текущему состоянию счёта.
// Все методы идемпотентны.
type Synchronizer struct {
	store Store
}

// NewSynchronizer создаёт синхронизатор выручки.
func NewSynchronizer(store Store) *Synchronizer {
	return &Synchronizer{store: store}
}

// EnsureRevenueForInvoice создаёт, обновляет или удаляет запись выручки счёта.
func (s *Synchronizer) EnsureRevenueForInvoice(ctx context.Context, inv model.Invoice, userID int64) error {
	if inv.Status == model.InvoiceStatusVoid || !inv.ReceivedAmount.IsPositive() {
		if err := s.store.DeleteRevenue(ctx, inv.ID); err != nil {
			return fmt.Errorf("ensure revenue: %w", err)
		}
		return nil
	}

	err := s.store.UpsertRevenue(ctx, model.Revenue{
		UserID:     userID,
		InvoiceID:  inv.ID,
		CustomerID: inv.CustomerID,
		Amount:     money.Round2(inv.ReceivedAmount),
		Status:     inv.Status,
	})
	if err != nil {
		return fmt.Errorf("ensure revenue: %w", err)
	}
	return nil
}

// SyncDepartmentWiseRevenue пересобирает выручку счёта по отделам из полного набора
// строк разбивки его платежей.
func (s *Synchronizer) SyncDepartmentWiseRevenue(ctx context.Context, inv model.Invoice, splits []model.PaymentSplit, userID int64) error {
	var rows []model.DepartmentRevenue
	if inv.Status != model.InvoiceStatusVoid {
		rows = Aggregate(splits)
	}

	if err := s.store.ReplaceDepartmentRevenues(ctx, inv.ID, userID, rows); err != nil {
		return fmt.Errorf("sync department revenue: %w", err)
	}
	return nil
}

// Aggregate суммирует строки разбивки по отделам без учёта регистра названия.
// Используется написание отдела из первой встреченной строки.
func Aggregate(splits []model.PaymentSplit) []model.DepartmentRevenue {
	totals := make(map[string]decimal.Decimal)
	names := make(map[string]string)

	for _, sp := range splits {
		key := strings.ToLower(strings.TrimSpace(sp.DepartmentName))
		if _, ok := names[key]; !ok {
			names[key] = strings.TrimSpace(sp.DepartmentName)
		}
		totals[key] = totals[key].Add(sp.Amount)
	}

	res := make([]model.DepartmentRevenue, 0, len(totals))
	for key, total := range totals {
		res = append(res, model.DepartmentRevenue{DepartmentName: names[key], Amount: money.Round2(total)})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DepartmentName < res[j].DepartmentName })

	return res
}
