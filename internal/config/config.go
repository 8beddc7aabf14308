// Package config содержит логику чтения конфигурации сервиса учёта счетов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса учёта счетов.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	RedisURL          string        `env:"REDIS_URL"`
	JWTSecret         string        `env:"JWT_SECRET"`
	Environment       string        `env:"ENVIRONMENT" envDefault:"development"`
	BaseCurrency      string        `env:"BASE_CURRENCY" envDefault:"INR"`
	RatesAPIURL       string        `env:"RATES_API_URL"`
	RatesTTL          time.Duration `env:"RATES_TTL" envDefault:"1h"`
	MailAPIURL        string        `env:"MAIL_API_URL"`
	MailAPIKey        string        `env:"MAIL_API_KEY"`
	MailFrom          string        `env:"MAIL_FROM" envDefault:"billing@invoice-ledger.local"`
	ChromeURL         string        `env:"CHROME_URL"`
	RecurringInterval time.Duration `env:"RECURRING_INTERVAL" envDefault:"1m"`
}

// IsProduction сообщает, запущен ли сервис в боевом окружении.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// FromEnv считывает конфигурацию только из .env и переменных окружения.
// Используется утилитами командной строки, у которых собственные флаги.
func FromEnv() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisURL := cfg.RedisURL
	envJWTSecret := cfg.JWTSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisURL, "r", "", "redis URL for the shared rate cache")
	flag.StringVar(&cfg.JWTSecret, "s", "", "secret for signing access tokens")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisURL != "" {
		cfg.RedisURL = envRedisURL
	}
	if envJWTSecret != "" {
		cfg.JWTSecret = envJWTSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
