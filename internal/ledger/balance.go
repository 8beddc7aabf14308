// Package ledger пересчитывает остаток и статус счёта после изменения платежей.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

// DeriveStatus вычисляет статус счёта по полученной и причитающейся суммам.
// Функция не учитывает предыдущий статус.
func DeriveStatus(received, receivable decimal.Decimal) model.InvoiceStatus {
	switch {
	case receivable.IsPositive() && received.GreaterThanOrEqual(receivable):
		return model.InvoiceStatusPaid
	case received.IsPositive():
		return model.InvoiceStatusPartial
	default:
		return model.InvoiceStatusUnpaid
	}
}

// ApplyDelta применяет изменение полученной суммы к счёту.
// totalInBase задаёт полную сумму счёта в базовой валюте.
func ApplyDelta(inv model.Invoice, delta, totalInBase decimal.Decimal) model.Invoice {
	received := money.Round2(inv.ReceivedAmount.Add(delta))
	if received.IsNegative() {
		received = decimal.Zero
	}

	inv.ReceivedAmount = received
	inv.PaidAmount = received
	inv.DueAmount = money.Max(decimal.Zero, money.Round2(totalInBase.Sub(received)))

	if inv.Status != model.InvoiceStatusVoid {
		inv.Status = DeriveStatus(received, money.Round2(totalInBase))
	}

	return inv
}

// Remaining возвращает сумму, которую ещё можно принять по счёту.
// excluding задаёт сумму изменяемого платежа, которая не учитывается как уже полученная.
func Remaining(inv model.Invoice, totalInBase, excluding decimal.Decimal) decimal.Decimal {
	already := inv.ReceivedAmount.Sub(excluding)
	if already.IsNegative() {
		already = decimal.Zero
	}
	return money.Round2(totalInBase.Sub(already))
}

// Exceeds сообщает, что округлённая до копеек сумма платежа больше доступного остатка.
// Допуск в одну копейку здесь не применяется: переплата даже на 0.01 отклоняется.
func Exceeds(amount, remaining decimal.Decimal) bool {
	return money.Round2(amount).Sub(money.Round2(remaining)).GreaterThan(decimal.Zero)
}
