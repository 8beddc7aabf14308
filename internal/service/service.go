// Package service реализует бизнес-логику учёта счетов и платежей.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/invoice-ledger/internal/currency"
	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/notify"
	"github.com/mmeshcher/invoice-ledger/internal/numbering"
	"github.com/mmeshcher/invoice-ledger/internal/repository"
	"github.com/mmeshcher/invoice-ledger/internal/revenue"
	"github.com/mmeshcher/invoice-ledger/internal/slip"
)

// Модули, к которым пользователь может иметь доступ.
const (
	ModulePayments = "payments"
	ModuleInvoices = "invoices"
	ModuleReports  = "reports"
)

// DefaultModules выдаются новому пользователю при регистрации.
var DefaultModules = []string{ModulePayments, ModuleInvoices, ModuleReports}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, login string, passwordHash []byte, modules []string) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	NextSequence(ctx context.Context, userID int64, scope string, year int) (int64, error)

	CreateCustomer(ctx context.Context, c *model.Customer) error
	GetCustomer(ctx context.Context, id int64) (*model.Customer, error)

	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	GetInvoice(ctx context.Context, id int64) (*model.Invoice, error)
	UpdateInvoiceBalance(ctx context.Context, inv *model.Invoice) error
	SetInvoiceStatus(ctx context.Context, id int64, status model.InvoiceStatus) error

	InsertPayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	UpdatePayment(ctx context.Context, p *model.Payment) error
	DeletePayment(ctx context.Context, id int64) error
	ListPaymentsByInvoice(ctx context.Context, invoiceID int64) ([]model.Payment, error)

	InsertPaymentSplits(ctx context.Context, splits []model.PaymentSplit) error
	DeletePaymentSplits(ctx context.Context, paymentID int64) error
	DeleteSplitsByInvoice(ctx context.Context, invoiceID int64) error
	ListSplitsByInvoice(ctx context.Context, invoiceID int64) ([]model.PaymentSplit, error)
	DepartmentTotals(ctx context.Context, userID int64, from, to time.Time) ([]model.DepartmentRevenue, error)

	revenue.Store

	CreateRecurringInvoice(ctx context.Context, ri *model.RecurringInvoice) error
	DueRecurringInvoices(ctx context.Context, now time.Time, limit int) ([]model.RecurringInvoice, error)
	AdvanceRecurringInvoice(ctx context.Context, id int64, next time.Time, active bool, lastInvoiceID *int64) error
}

// RateSource возвращает курс валюты к базовой.
type RateSource interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Mailer отправляет письма с квитанциями.
type Mailer interface {
	SendPaymentSlipEmail(ctx context.Context, s notify.PaymentSlip) notify.SendResult
}

// Renderer формирует PDF-выписку платежей.
type Renderer interface {
	PaymentHistory(ctx context.Context, h slip.History) ([]byte, error)
}

// Deps содержит внешние зависимости сервиса. Rates, Mailer и Renderer могут быть nil.
type Deps struct {
	Repo       Repository
	Normalizer *currency.Normalizer
	Rates      RateSource
	Mailer     Mailer
	Renderer   Renderer
	Logger     *zap.Logger
}

// Service содержит бизнес-логику учёта счетов и платежей.
type Service struct {
	repo           Repository
	normalizer     *currency.Normalizer
	rates          RateSource
	mailer         Mailer
	renderer       Renderer
	revenue        *revenue.Synchronizer
	paymentNumbers *numbering.Chain
	invoiceNumbers *numbering.Chain
	logger         *zap.Logger
	now            func() time.Time

	notifyTimeout time.Duration
	background    sync.WaitGroup
}

// NewService создаёт новый сервис.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	normalizer := d.Normalizer
	if normalizer == nil {
		normalizer = currency.NewNormalizer(currency.DefaultBase)
	}

	return &Service{
		repo:       d.Repo,
		normalizer: normalizer,
		rates:      d.Rates,
		mailer:     d.Mailer,
		renderer:   d.Renderer,
		revenue:    revenue.NewSynchronizer(d.Repo),
		paymentNumbers: numbering.NewChain(
			numbering.SequenceStrategy{Counter: d.Repo, Prefix: "PAY", Scope: "payment"},
			numbering.TimestampStrategy{Prefix: "PAY"},
		),
		invoiceNumbers: numbering.NewChain(
			numbering.SequenceStrategy{Counter: d.Repo, Prefix: "INV", Scope: "invoice"},
			numbering.TimestampStrategy{Prefix: "INV"},
		),
		logger:        logger,
		now:           time.Now,
		notifyTimeout: 2 * time.Minute,
	}
}

// Close дожидается фоновых отправок и закрывает ресурсы сервиса.
func (s *Service) Close() error {
	s.background.Wait()
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Wait дожидается завершения фоновых отправок уведомлений.
func (s *Service) Wait() {
	s.background.Wait()
}

// RegisterUser регистрирует нового пользователя с модулями по умолчанию.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (*model.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, internal(CodeInternal, err)
	}

	id, err := s.repo.CreateUser(ctx, login, hashed, DefaultModules)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			return nil, &Error{Kind: KindConflict, Code: CodeUserExists, Message: "login is already taken", Err: err}
		}
		return nil, internal(CodeInternal, err)
	}

	return &model.User{ID: id, Login: login, Modules: DefaultModules}, nil
}

// AuthenticateUser проверяет логин и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, &Error{Kind: KindUnauthorized, Code: CodeInvalidCredentials, Message: "invalid login or password"}
		}
		return nil, internal(CodeInternal, err)
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, &Error{Kind: KindUnauthorized, Code: CodeInvalidCredentials, Message: "invalid login or password"}
	}

	return u, nil
}
