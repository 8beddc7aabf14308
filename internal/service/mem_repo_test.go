package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/repository"
)

// memRepo реализует хранилище в памяти с возможностью принудительно вызывать ошибки.
type memRepo struct {
	mu sync.Mutex

	nextID       int64
	users        map[string]model.User
	customers    map[int64]model.Customer
	invoices     map[int64]model.Invoice
	payments     map[int64]model.Payment
	splits       []model.PaymentSplit
	revenues     map[int64]model.Revenue
	deptRevenues map[int64][]model.DepartmentRevenue
	sequences    map[string]int64
	recurring    map[int64]model.RecurringInvoice
	numbers      map[string]bool

	duplicates       int
	conflicts        int
	insertCalls      int
	splitErr         error
	revenueErr       error
	getInvoiceErr    error
	deletePaymentErr error
	splitDeleteErr   error
	advanceErr       error
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:        map[string]model.User{},
		customers:    map[int64]model.Customer{},
		invoices:     map[int64]model.Invoice{},
		payments:     map[int64]model.Payment{},
		revenues:     map[int64]model.Revenue{},
		deptRevenues: map[int64][]model.DepartmentRevenue{},
		sequences:    map[string]int64{},
		recurring:    map[int64]model.RecurringInvoice{},
		numbers:      map[string]bool{},
	}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) addCustomer(userID int64, email string) model.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := model.Customer{ID: m.id(), UserID: userID, Name: "Acme", Email: email}
	m.customers[c.ID] = c
	return c
}

func (m *memRepo) addInvoice(inv model.Invoice) model.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv.ID = m.id()
	inv.Version = 1
	if inv.Number == "" {
		inv.Number = fmt.Sprintf("INV-%d", inv.ID)
	}
	if inv.Status == "" {
		inv.Status = model.InvoiceStatusUnpaid
	}
	m.invoices[inv.ID] = inv
	return inv
}

func (m *memRepo) invoice(id int64) model.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoices[id]
}

func (m *memRepo) paymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

func (m *memRepo) splitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.splits)
}

func (m *memRepo) Close() error { return nil }

func (m *memRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, modules []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[login]; ok {
		return 0, repository.ErrUserExists
	}
	u := model.User{ID: m.id(), Login: login, PasswordHash: passwordHash, Modules: modules}
	m.users[login] = u
	return u.ID, nil
}

func (m *memRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[login]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (m *memRepo) NextSequence(ctx context.Context, userID int64, scope string, year int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%d/%s/%d", userID, scope, year)
	m.sequences[key]++
	return m.sequences[key], nil
}

func (m *memRepo) CreateCustomer(ctx context.Context, c *model.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.ID = m.id()
	m.customers[c.ID] = *c
	return nil
}

func (m *memRepo) GetCustomer(ctx context.Context, id int64) (*model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[id]
	if !ok {
		return nil, repository.ErrCustomerNotFound
	}
	return &c, nil
}

func (m *memRepo) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("inv/%d/%s", inv.UserID, inv.Number)
	if m.numbers[key] {
		return fmt.Errorf("%w: %s", repository.ErrDuplicateNumber, inv.Number)
	}
	m.numbers[key] = true

	inv.ID = m.id()
	inv.Version = 1
	m.invoices[inv.ID] = *inv
	return nil
}

func (m *memRepo) GetInvoice(ctx context.Context, id int64) (*model.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getInvoiceErr != nil {
		return nil, m.getInvoiceErr
	}
	inv, ok := m.invoices[id]
	if !ok {
		return nil, repository.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (m *memRepo) UpdateInvoiceBalance(ctx context.Context, inv *model.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.invoices[inv.ID]
	if !ok {
		return repository.ErrVersionConflict
	}
	if m.conflicts > 0 {
		m.conflicts--
		stored.Version++
		m.invoices[inv.ID] = stored
		return repository.ErrVersionConflict
	}
	if stored.Version != inv.Version {
		return repository.ErrVersionConflict
	}

	stored.ReceivedAmount = inv.ReceivedAmount
	stored.PaidAmount = inv.PaidAmount
	stored.DueAmount = inv.DueAmount
	stored.Status = inv.Status
	stored.Version++
	m.invoices[inv.ID] = stored

	inv.Version = stored.Version
	return nil
}

func (m *memRepo) SetInvoiceStatus(ctx context.Context, id int64, status model.InvoiceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return repository.ErrInvoiceNotFound
	}
	inv.Status = status
	inv.Version++
	m.invoices[id] = inv
	return nil
}

func (m *memRepo) InsertPayment(ctx context.Context, p *model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls++
	key := fmt.Sprintf("pay/%d/%s", p.UserID, p.Number)
	if m.duplicates > 0 || m.numbers[key] {
		if m.duplicates > 0 {
			m.duplicates--
		}
		return fmt.Errorf("%w: %s", repository.ErrDuplicateNumber, p.Number)
	}
	m.numbers[key] = true

	p.ID = m.id()
	m.payments[p.ID] = clonePayment(*p)
	return nil
}

func (m *memRepo) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	p = clonePayment(p)
	return &p, nil
}

func (m *memRepo) UpdatePayment(ctx context.Context, p *model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return repository.ErrPaymentNotFound
	}
	m.payments[p.ID] = clonePayment(*p)
	return nil
}

func (m *memRepo) DeletePayment(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deletePaymentErr != nil {
		return m.deletePaymentErr
	}
	if _, ok := m.payments[id]; !ok {
		return repository.ErrPaymentNotFound
	}
	delete(m.payments, id)
	return nil
}

func (m *memRepo) ListPaymentsByInvoice(ctx context.Context, invoiceID int64) ([]model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			res = append(res, clonePayment(p))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].PaymentDate.Equal(res[j].PaymentDate) {
			return res[i].PaymentDate.Before(res[j].PaymentDate)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (m *memRepo) InsertPaymentSplits(ctx context.Context, splits []model.PaymentSplit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.splitErr != nil {
		return m.splitErr
	}
	for _, s := range splits {
		s.ID = m.id()
		m.splits = append(m.splits, s)
	}
	return nil
}

func (m *memRepo) DeletePaymentSplits(ctx context.Context, paymentID int64) error {
	return m.deleteSplits(func(s model.PaymentSplit) bool { return s.PaymentID == paymentID })
}

func (m *memRepo) DeleteSplitsByInvoice(ctx context.Context, invoiceID int64) error {
	return m.deleteSplits(func(s model.PaymentSplit) bool { return s.InvoiceID == invoiceID })
}

func (m *memRepo) deleteSplits(match func(model.PaymentSplit) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.splitDeleteErr != nil {
		return m.splitDeleteErr
	}
	kept := m.splits[:0]
	for _, s := range m.splits {
		if !match(s) {
			kept = append(kept, s)
		}
	}
	m.splits = kept
	return nil
}

func (m *memRepo) ListSplitsByInvoice(ctx context.Context, invoiceID int64) ([]model.PaymentSplit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.PaymentSplit
	for _, s := range m.splits {
		if s.InvoiceID == invoiceID {
			res = append(res, s)
		}
	}
	return res, nil
}

func (m *memRepo) DepartmentTotals(ctx context.Context, userID int64, from, to time.Time) ([]model.DepartmentRevenue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := map[string]decimal.Decimal{}
	for _, s := range m.splits {
		p, ok := m.payments[s.PaymentID]
		if s.UserID != userID || !ok || p.PaymentDate.Before(from) || !p.PaymentDate.Before(to) {
			continue
		}
		totals[s.DepartmentName] = totals[s.DepartmentName].Add(s.Amount)
	}

	var res []model.DepartmentRevenue
	for name, v := range totals {
		res = append(res, model.DepartmentRevenue{DepartmentName: name, Amount: v})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DepartmentName < res[j].DepartmentName })
	return res, nil
}

func (m *memRepo) UpsertRevenue(ctx context.Context, rev model.Revenue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.revenueErr != nil {
		return m.revenueErr
	}
	m.revenues[rev.InvoiceID] = rev
	return nil
}

func (m *memRepo) DeleteRevenue(ctx context.Context, invoiceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.revenueErr != nil {
		return m.revenueErr
	}
	delete(m.revenues, invoiceID)
	return nil
}

func (m *memRepo) ReplaceDepartmentRevenues(ctx context.Context, invoiceID, userID int64, rows []model.DepartmentRevenue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.revenueErr != nil {
		return m.revenueErr
	}
	m.deptRevenues[invoiceID] = rows
	return nil
}

func (m *memRepo) CreateRecurringInvoice(ctx context.Context, ri *model.RecurringInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ri.ID = m.id()
	m.recurring[ri.ID] = *ri
	return nil
}

func (m *memRepo) DueRecurringInvoices(ctx context.Context, now time.Time, limit int) ([]model.RecurringInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.RecurringInvoice
	for _, ri := range m.recurring {
		if ri.Active && !ri.NextRunAt.After(now) {
			res = append(res, ri)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].NextRunAt.Before(res[j].NextRunAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *memRepo) AdvanceRecurringInvoice(ctx context.Context, id int64, next time.Time, active bool, lastInvoiceID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.advanceErr != nil {
		return m.advanceErr
	}
	ri, ok := m.recurring[id]
	if !ok {
		return fmt.Errorf("recurring invoice %d not found", id)
	}
	ri.NextRunAt = next
	ri.Active = active
	if lastInvoiceID != nil {
		ri.LastInvoiceID = lastInvoiceID
	}
	m.recurring[id] = ri
	return nil
}

func clonePayment(p model.Payment) model.Payment {
	if p.DepartmentSplits != nil {
		p.DepartmentSplits = append([]model.DepartmentSplit(nil), p.DepartmentSplits...)
	}
	return p
}

func lowerNames(rows []model.DepartmentRevenue) []string {
	var res []string
	for _, r := range rows {
		res = append(res, strings.ToLower(r.DepartmentName))
	}
	return res
}
