// Package validation проверяет разбивку платежа по отделам.
package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/invoice-ledger/internal/model"
	"github.com/mmeshcher/invoice-ledger/internal/money"
)

// SplitRule обозначает правило проверки разбивки платежа по отделам.
type SplitRule string

const (
	SplitRuleRequired  SplitRule = "SPLITS_REQUIRED"
	SplitRuleEntry     SplitRule = "SPLIT_ENTRY_INVALID"
	SplitRuleDuplicate SplitRule = "SPLIT_DUPLICATE_DEPARTMENT"
	SplitRuleMismatch  SplitRule = "SPLIT_MISMATCH"
	SplitRuleZero      SplitRule = "SPLIT_TOTAL_ZERO"
)

// SplitError описывает первое нарушенное правило и рассчитанные суммы.
type SplitError struct {
	Rule       SplitRule
	Message    string
	SplitTotal decimal.Decimal
	Expected   decimal.Decimal
}

func (e *SplitError) Error() string {
	return e.Message
}

// ValidateSplits проверяет разбивку платежа по отделам против ожидаемой суммы.
// Правила проверяются по порядку, возвращается первое нарушение.
// Суммы отделов сравниваются после округления до копеек.
func ValidateSplits(splits []model.DepartmentSplit, expected decimal.Decimal) error {
	if len(splits) == 0 {
		return &SplitError{
			Rule:     SplitRuleRequired,
			Message:  "at least one department split is required",
			Expected: money.Round2(expected),
		}
	}

	for i, s := range splits {
		if strings.TrimSpace(s.DepartmentName) == "" {
			return &SplitError{
				Rule:     SplitRuleEntry,
				Message:  fmt.Sprintf("department split %d: department name is required", i+1),
				Expected: money.Round2(expected),
			}
		}
		if !money.Round2(s.Amount).IsPositive() {
			return &SplitError{
				Rule:     SplitRuleEntry,
				Message:  fmt.Sprintf("department split %q: amount must be greater than zero", s.DepartmentName),
				Expected: money.Round2(expected),
			}
		}
	}

	seen := make(map[string]struct{}, len(splits))
	for _, s := range splits {
		key := strings.ToLower(strings.TrimSpace(s.DepartmentName))
		if _, ok := seen[key]; ok {
			return &SplitError{
				Rule:     SplitRuleDuplicate,
				Message:  fmt.Sprintf("department %q is listed more than once", s.DepartmentName),
				Expected: money.Round2(expected),
			}
		}
		seen[key] = struct{}{}
	}

	total := SplitTotal(splits)
	want := money.Round2(expected)

	if !money.WithinTolerance(total, want) {
		return &SplitError{
			Rule: SplitRuleMismatch,
			Message: fmt.Sprintf("split total %s does not match amount received %s",
				total.StringFixed(2), want.StringFixed(2)),
			SplitTotal: total,
			Expected:   want,
		}
	}

	if total.IsZero() {
		return &SplitError{
			Rule:       SplitRuleZero,
			Message:    "split total must not be zero",
			SplitTotal: total,
			Expected:   want,
		}
	}

	return nil
}

// SplitTotal возвращает округлённую сумму разбивки.
func SplitTotal(splits []model.DepartmentSplit) decimal.Decimal {
	total := decimal.Zero
	for _, s := range splits {
		total = total.Add(s.Amount)
	}
	return money.Round2(total)
}
