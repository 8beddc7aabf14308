package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const redisKeyPrefix = "ledger:rate:"

// RedisStore реализует общий для экземпляров сервиса уровень кэша курсов.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore подключается к Redis по URL и проверяет соединение.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// Get возвращает курс из Redis; отсутствие ключа не является ошибкой.
func (s *RedisStore) Get(ctx context.Context, base, currency string) (decimal.Decimal, bool, error) {
	v, err := s.client.Get(ctx, redisKey(base, currency)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Decimal{}, false, nil
		}
		return decimal.Decimal{}, false, fmt.Errorf("redis get: %w", err)
	}

	rate, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("parse cached rate: %w", err)
	}
	return rate, true, nil
}

// Set сохраняет курс с ограниченным сроком жизни.
func (s *RedisStore) Set(ctx context.Context, base, currency string, rate decimal.Decimal) error {
	if err := s.client.Set(ctx, redisKey(base, currency), rate.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisKey(base, currency string) string {
	return redisKeyPrefix + strings.ToUpper(base) + ":" + strings.ToUpper(currency)
}
