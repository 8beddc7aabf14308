// Package model содержит доменные сущности сервиса учёта счетов и платежей.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного пользователя (владельца книги учёта).
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Modules      []string
	CreatedAt    time.Time
}

// Customer описывает покупателя, которому выставляются счета.
type Customer struct {
	ID        int64
	UserID    int64
	Name      string
	Email     string
	CreatedAt time.Time
}

// InvoiceStatus описывает статус оплаты счёта.
type InvoiceStatus string

const (
	InvoiceStatusUnpaid  InvoiceStatus = "Unpaid"
	InvoiceStatusPartial InvoiceStatus = "Partial"
	InvoiceStatusPaid    InvoiceStatus = "Paid"
	// InvoiceStatusVoid терминальный, выставляется только вручную.
	InvoiceStatusVoid InvoiceStatus = "Void"
)

// Invoice описывает счёт пользователя.
//
// ReceivableAmount указан в валюте счёта, ReceivedAmount/PaidAmount/DueAmount
// в базовой валюте книги.
type Invoice struct {
	ID               int64
	UserID           int64
	CustomerID       int64
	Number           string
	Currency         string
	ExchangeRate     decimal.Decimal
	InrEquivalent    *decimal.Decimal
	ReceivableAmount decimal.Decimal
	ReceivedAmount   decimal.Decimal
	PaidAmount       decimal.Decimal
	DueAmount        decimal.Decimal
	Status           InvoiceStatus
	Version          int64
	IssuedAt         time.Time
	DueAt            *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GrandTotal возвращает полную сумму счёта в валюте счёта.
func (i Invoice) GrandTotal() decimal.Decimal {
	return i.ReceivableAmount
}

// DepartmentSplit описывает долю платежа, отнесённую на отдел.
type DepartmentSplit struct {
	DepartmentName string          `json:"departmentName"`
	Amount         decimal.Decimal `json:"amount"`
}

// Payment описывает поступление оплаты по счёту. Суммы хранятся в базовой валюте.
type Payment struct {
	ID                 int64
	UserID             int64
	InvoiceID          int64
	Number             string
	AmountReceived     decimal.Decimal
	BankCharges        decimal.Decimal
	AmountWithheld     decimal.Decimal
	PaymentDate        time.Time
	Mode               string
	Reference          string
	HasDepartmentSplit bool
	DepartmentSplits   []DepartmentSplit
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PaymentSplit хранит денормализованную строку доли платежа для отчётов по отделам.
type PaymentSplit struct {
	ID             int64
	PaymentID      int64
	InvoiceID      int64
	UserID         int64
	DepartmentName string
	Amount         decimal.Decimal
	CreatedAt      time.Time
}

// Revenue хранит производную запись о собранной выручке по счёту.
type Revenue struct {
	ID         int64
	UserID     int64
	InvoiceID  int64
	CustomerID int64
	Amount     decimal.Decimal
	Status     InvoiceStatus
	UpdatedAt  time.Time
}

// DepartmentRevenue содержит выручку счёта, отнесённую на отдел.
type DepartmentRevenue struct {
	DepartmentName string          `json:"departmentName"`
	Amount         decimal.Decimal `json:"amount"`
}

// RecurringInvoice описывает шаблон периодического счёта.
type RecurringInvoice struct {
	ID            int64
	UserID        int64
	CustomerID    int64
	Currency      string
	ExchangeRate  decimal.Decimal
	Amount        decimal.Decimal
	RRule         string
	StartsAt      time.Time
	NextRunAt     time.Time
	Active        bool
	LastInvoiceID *int64
	CreatedAt     time.Time
}
