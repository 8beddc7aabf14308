// Package numbering выдаёт пользовательские номера документов (платежей, счетов)
// с повтором при конфликте уникальности и резервной стратегией.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultAttempts задаёт число попыток основной стратегии до перехода к резервной.
const DefaultAttempts = 5

var (
	// ErrDuplicate возвращается функцией вставки, если номер уже занят.
	ErrDuplicate = errors.New("duplicate document number")
	// ErrExhausted возвращается, когда все стратегии выдали занятые номера.
	ErrExhausted = errors.New("document number strategies exhausted")
)

// Strategy выдаёт очередной кандидат в номера документа.
type Strategy interface {
	Name() string
	Next(ctx context.Context, userID int64, now time.Time) (string, error)
}

// Counter выдаёт значения внешней последовательности.
type Counter interface {
	NextSequence(ctx context.Context, userID int64, scope string, year int) (int64, error)
}

// SequenceStrategy формирует номер вида <prefix><год><порядковый номер>.
type SequenceStrategy struct {
	Counter Counter
	Prefix  string
	Scope   string
}

// Name возвращает имя стратегии.
func (s SequenceStrategy) Name() string { return "sequence" }

// Next запрашивает следующее значение счётчика.
func (s SequenceStrategy) Next(ctx context.Context, userID int64, now time.Time) (string, error) {
	seq, err := s.Counter.NextSequence(ctx, userID, s.Scope, now.Year())
	if err != nil {
		return "", fmt.Errorf("next sequence: %w", err)
	}
	return fmt.Sprintf("%s%d%04d", s.Prefix, now.Year(), seq), nil
}

// TimestampStrategy формирует номер из шести последних цифр времени в миллисекундах.
type TimestampStrategy struct {
	Prefix string
}

// Name возвращает имя стратегии.
func (s TimestampStrategy) Name() string { return "timestamp" }

// Next формирует номер без обращения к хранилищу.
func (s TimestampStrategy) Next(_ context.Context, _ int64, now time.Time) (string, error) {
	return fmt.Sprintf("%s%d%06d", s.Prefix, now.Year(), now.UnixMilli()%1_000_000), nil
}

// Assignment описывает выданный и сохранённый номер.
type Assignment struct {
	Number   string
	Strategy string
	Attempts int
}

// Chain описывает упорядоченную цепочку: основная стратегия с повторами,
// затем резервная стратегия один раз, затем отказ.
type Chain struct {
	Primary  Strategy
	Fallback Strategy
	Attempts int
	Delay    time.Duration
	Jitter   time.Duration
	Now      func() time.Time
}

// NewChain создаёт цепочку с параметрами по умолчанию.
func NewChain(primary, fallback Strategy) *Chain {
	return &Chain{
		Primary:  primary,
		Fallback: fallback,
		Attempts: DefaultAttempts,
		Delay:    20 * time.Millisecond,
		Jitter:   30 * time.Millisecond,
		Now:      time.Now,
	}
}

// Assign подбирает номер и сохраняет документ функцией insert.
// Следующий кандидат запрашивается только если insert вернул ErrDuplicate.
func (c *Chain) Assign(ctx context.Context, userID int64, insert func(ctx context.Context, number string) error) (Assignment, error) {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var a Assignment

	b := retry.NewConstant(positive(c.Delay))
	if c.Jitter > 0 {
		b = retry.WithJitter(c.Jitter, b)
	}
	b = retry.WithMaxRetries(uint64(attempts-1), b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		a.Attempts++
		number, err := c.Primary.Next(ctx, userID, c.now())
		if err != nil {
			return err
		}
		if err := insert(ctx, number); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return retry.RetryableError(err)
			}
			return err
		}
		a.Number = number
		a.Strategy = c.Primary.Name()
		return nil
	})
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrDuplicate) || c.Fallback == nil {
		if errors.Is(err, ErrDuplicate) {
			return a, fmt.Errorf("%w: %w", ErrExhausted, err)
		}
		return a, err
	}

	a.Attempts++
	number, err := c.Fallback.Next(ctx, userID, c.now())
	if err != nil {
		return a, err
	}
	if err := insert(ctx, number); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return a, fmt.Errorf("%w: %w", ErrExhausted, err)
		}
		return a, err
	}

	a.Number = number
	a.Strategy = c.Fallback.Name()
	return a, nil
}

func (c *Chain) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
