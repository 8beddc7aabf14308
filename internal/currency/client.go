package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SharedStore описывает внешний уровень кэша курсов (Redis).
type SharedStore interface {
	Get(ctx context.Context, base, currency string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, base, currency string, rate decimal.Decimal) error
}

// RatesClient получает курс валюты к базовой: кэш в памяти, общий кэш,
// внешний сервис курсов и, в последнюю очередь, таблица по умолчанию.
type RatesClient struct {
	baseURL    string
	base       string
	httpClient *retryablehttp.Client
	memory     *MemoryCache
	shared     SharedStore
	defaults   map[string]decimal.Decimal
	logger     *zap.Logger
	now        func() time.Time
}

type latestResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// NewRatesClient создаёт клиент сервиса курсов. shared может быть nil.
func NewRatesClient(baseURL, base string, ttl time.Duration, shared SharedStore, logger *zap.Logger) *RatesClient {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.RetryWaitMin = 200 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil

	if base == "" {
		base = DefaultBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RatesClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		base:       strings.ToUpper(base),
		httpClient: httpClient,
		memory:     NewMemoryCache(ttl),
		shared:     shared,
		defaults:   DefaultRates(),
		logger:     logger,
		now:        time.Now,
	}
}

// Rate возвращает курс currency к базовой валюте. Ошибки внешних источников
// не возвращаются: при их недоступности используется таблица по умолчанию.
func (c *RatesClient) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	if currency == c.base {
		return decimal.NewFromInt(1), nil
	}

	now := c.now()
	if rate, ok := c.memory.Get(currency, now); ok {
		return rate, nil
	}

	if c.shared != nil {
		rate, ok, err := c.shared.Get(ctx, c.base, currency)
		if err != nil {
			c.logger.Warn("shared rate cache read failed", zap.Error(err), zap.String("currency", currency))
		} else if ok {
			c.memory.Put(currency, rate, now)
			return rate, nil
		}
	}

	rate, err := c.fetch(ctx, currency)
	if err == nil {
		c.memory.Put(currency, rate, now)
		if c.shared != nil {
			if err := c.shared.Set(ctx, c.base, currency, rate); err != nil {
				c.logger.Warn("shared rate cache write failed", zap.Error(err), zap.String("currency", currency))
			}
		}
		return rate, nil
	}

	c.logger.Warn("rates provider unavailable, using default rate", zap.Error(err), zap.String("currency", currency))
	if rate, ok := c.defaults[currency]; ok {
		return rate, nil
	}

	return decimal.Decimal{}, fmt.Errorf("no rate for currency %s: %w", currency, err)
}

func (c *RatesClient) fetch(ctx context.Context, currency string) (decimal.Decimal, error) {
	if c.baseURL == "" {
		return decimal.Decimal{}, fmt.Errorf("rates provider not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	q := url.Values{}
	q.Set("base", currency)
	q.Set("symbols", c.base)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, base+"/latest?"+q.Encode(), nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode response: %w", err)
	}

	v, ok := result.Rates[c.base]
	if !ok || v <= 0 {
		return decimal.Decimal{}, fmt.Errorf("rate %s/%s missing in response", currency, c.base)
	}

	return decimal.NewFromFloat(v), nil
}
