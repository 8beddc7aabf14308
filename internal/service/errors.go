package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/money"
	"github.com/mmeshcher/invoice-ledger/internal/validation"
)

// Kind задаёт класс ошибки сервиса, по которому обработчик выбирает HTTP-статус.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindNotFound
	KindUnauthorized
	KindInternal
)

// Коды ошибок, возвращаемые клиенту.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeBalanceExceeded        = "BALANCE_EXCEEDED"
	CodeInvoiceVoid            = "INVOICE_VOID"
	CodeInvoiceNotFound        = "INVOICE_NOT_FOUND"
	CodePaymentNotFound        = "PAYMENT_NOT_FOUND"
	CodeCustomerNotFound       = "CUSTOMER_NOT_FOUND"
	CodeNoPayments             = "NO_PAYMENTS"
	CodeDuplicatePaymentNumber = "E11000_DUPLICATE_PAYMENT_NUMBER"
	CodePaymentCreationFailed  = "PAYMENT_CREATION_FAILED"
	CodeInvoiceCreationFailed  = "INVOICE_CREATION_FAILED"
	CodeInvoiceUpdateFailed    = "INVOICE_UPDATE_FAILED"
	CodeInvalidRRule           = "INVALID_RRULE"
	CodeUserExists             = "USER_EXISTS"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeInternal               = "INTERNAL_ERROR"
)

// Error описывает ошибку бизнес-логики с кодом и рассчитанными значениями.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError извлекает *Error из цепочки ошибок.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func validationError(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

func notFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func internal(code string, err error) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: "internal error", Err: err}
}

func balanceExceeded(available, requested decimal.Decimal) *Error {
	return &Error{
		Kind: KindValidation,
		Code: CodeBalanceExceeded,
		Message: fmt.Sprintf("payment amount %s exceeds the remaining balance %s",
			money.Round2(requested).StringFixed(2), money.Round2(available).StringFixed(2)),
		Details: map[string]any{
			"available": money.Float(available),
			"requested": money.Float(requested),
		},
	}
}

func splitError(err error) *Error {
	var se *validation.SplitError
	if !errors.As(err, &se) {
		return &Error{Kind: KindValidation, Code: CodeValidation, Message: err.Error(), Err: err}
	}

	e := &Error{Kind: KindValidation, Code: string(se.Rule), Message: se.Message}
	if se.Rule == validation.SplitRuleMismatch || se.Rule == validation.SplitRuleZero {
		e.Details = map[string]any{
			"splitTotal": money.Float(se.SplitTotal),
			"expected":   money.Float(se.Expected),
		}
	}
	return e
}
