// Package money содержит операции с денежными суммами.
package money

import "github.com/shopspring/decimal"

// Tolerance задаёт допустимое расхождение сумм при сравнении.
var Tolerance = decimal.New(1, -2)

// Round2 округляет сумму до копеек (половина вверх).
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ToCents переводит сумму в целое число копеек для хранения.
func ToCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

// FromCents восстанавливает сумму из копеек.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// FromFloat создаёт сумму из значения запроса, округляя до копеек.
func FromFloat(f float64) decimal.Decimal {
	return Round2(decimal.NewFromFloat(f))
}

// WithinTolerance сообщает, что суммы после округления отличаются не более чем на Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return Round2(a).Sub(Round2(b)).Abs().LessThanOrEqual(Tolerance)
}

// Max возвращает большее из двух значений.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Float возвращает сумму для JSON-ответов.
func Float(d decimal.Decimal) float64 {
	return Round2(d).InexactFloat64()
}
