// Package currency приводит суммы в валюте счёта к базовой валюте книги
// и получает курсы валют от внешнего сервиса.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

// DefaultBase задаёт базовую валюту книги по умолчанию.
const DefaultBase = "INR"

// DefaultRates содержит курсы к INR, используемые при отсутствии курса в счёте.
func DefaultRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(83),
		"EUR": decimal.NewFromInt(90),
		"GBP": decimal.NewFromInt(105),
		"AED": decimal.RequireFromString("22.6"),
		"SGD": decimal.NewFromInt(62),
		"AUD": decimal.NewFromInt(55),
		"CAD": decimal.NewFromInt(61),
		"JPY": decimal.RequireFromString("0.56"),
	}
}

// Amounts содержит денежные поля платежа.
type Amounts struct {
	Received    decimal.Decimal
	BankCharges decimal.Decimal
	Withheld    decimal.Decimal
}

// Normalizer переводит суммы платежа в базовую валюту по правилам счёта.
type Normalizer struct {
	Base     string
	Defaults map[string]decimal.Decimal
}

// NewNormalizer создаёт нормализатор с таблицей курсов по умолчанию.
func NewNormalizer(base string) *Normalizer {
	if base == "" {
		base = DefaultBase
	}
	return &Normalizer{
		Base:     strings.ToUpper(base),
		Defaults: DefaultRates(),
	}
}

// IsBase сообщает, выставлен ли счёт в базовой валюте.
func (n *Normalizer) IsBase(currency string) bool {
	return currency == "" || strings.EqualFold(currency, n.Base)
}

// Factor возвращает коэффициент пересчёта суммы счёта в базовую валюту.
func (n *Normalizer) Factor(inv model.Invoice) decimal.Decimal {
	if n.IsBase(inv.Currency) {
		return decimal.NewFromInt(1)
	}

	if inv.InrEquivalent != nil && !inv.InrEquivalent.IsZero() && !inv.ReceivableAmount.IsZero() {
		return inv.InrEquivalent.Div(inv.ReceivableAmount)
	}

	if !inv.ExchangeRate.IsZero() && !inv.ExchangeRate.Equal(decimal.NewFromInt(1)) {
		return inv.ExchangeRate
	}

	if rate, ok := n.Defaults[strings.ToUpper(inv.Currency)]; ok {
		return rate
	}

	return decimal.NewFromInt(1)
}

// Normalize переводит суммы платежа в базовую валюту.
// В режиме разбивки по отделам суммы уже указаны в базовой валюте и только округляются.
func (n *Normalizer) Normalize(inv model.Invoice, a Amounts, splitMode bool) Amounts {
	if splitMode || n.IsBase(inv.Currency) {
		return Amounts{
			Received:    money.Round2(a.Received),
			BankCharges: money.Round2(a.BankCharges),
			Withheld:    money.Round2(a.Withheld),
		}
	}

	f := n.Factor(inv)
	return Amounts{
		Received:    money.Round2(a.Received.Mul(f)),
		BankCharges: money.Round2(a.BankCharges.Mul(f)),
		Withheld:    money.Round2(a.Withheld.Mul(f)),
	}
}

// TotalInBase возвращает полную сумму счёта в базовой валюте.
func (n *Normalizer) TotalInBase(inv model.Invoice) decimal.Decimal {
	if !n.IsBase(inv.Currency) && inv.InrEquivalent != nil && !inv.InrEquivalent.IsZero() {
		return money.Round2(*inv.InrEquivalent)
	}
	return money.Round2(inv.ReceivableAmount.Mul(n.Factor(inv)))
}
