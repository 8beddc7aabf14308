package currency

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RateCache хранит один полученный курс вместе со временем получения и сроком жизни.
type RateCache struct {
	Value     decimal.Decimal
	FetchedAt time.Time
	TTL       time.Duration
}

// IsValid сообщает, можно ли использовать курс в момент now.
func (c RateCache) IsValid(now time.Time) bool {
	if c.FetchedAt.IsZero() || c.TTL <= 0 {
		return false
	}
	return now.Before(c.FetchedAt.Add(c.TTL))
}

// MemoryCache хранит курсы в памяти процесса и безопасен для конкурентного доступа.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]RateCache
}

// NewMemoryCache создаёт кэш с указанным сроком жизни записей.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]RateCache),
	}
}

// Get возвращает курс, если он ещё действителен в момент now.
func (m *MemoryCache) Get(currency string, now time.Time) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[strings.ToUpper(currency)]
	if !ok || !e.IsValid(now) {
		return decimal.Decimal{}, false
	}
	return e.Value, true
}

// Put сохраняет курс, полученный в момент now.
func (m *MemoryCache) Put(currency string, rate decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[strings.ToUpper(currency)] = RateCache{
		Value:     rate,
		FetchedAt: now,
		TTL:       m.ttl,
	}
}
