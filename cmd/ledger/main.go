// Package main запускает HTTP-сервер сервиса учёта счетов и платежей.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/invoice-ledger/internal/config"
	"github.com/mmeshcher/invoice-ledger/internal/currency"
	"github.com/mmeshcher/invoice-ledger/internal/handler"
	"github.com/mmeshcher/invoice-ledger/internal/middleware"
	"github.com/mmeshcher/invoice-ledger/internal/notify"
	"github.com/mmeshcher/invoice-ledger/internal/repository"
	"github.com/mmeshcher/invoice-ledger/internal/service"
	"github.com/mmeshcher/invoice-ledger/internal/slip"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	deps := service.Deps{
		Repo:       repo,
		Normalizer: currency.NewNormalizer(cfg.BaseCurrency),
		Logger:     logger,
	}

	var shared currency.SharedStore
	if cfg.RedisURL != "" {
		store, err := currency.NewRedisStore(cfg.RedisURL, cfg.RatesTTL)
		if err != nil {
			sugar.Warnw("redis rate cache unavailable, using in-process cache only", "error", err.Error())
		} else {
			defer store.Close()
			shared = store
		}
	}
	if cfg.RatesAPIURL != "" {
		deps.Rates = currency.NewRatesClient(cfg.RatesAPIURL, cfg.BaseCurrency, cfg.RatesTTL, shared, logger)
	}

	if cfg.MailAPIURL != "" {
		deps.Mailer = notify.NewMailer(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom, logger)
	}

	renderer := slip.NewRenderer(cfg.ChromeURL, logger)
	defer renderer.Close()
	deps.Renderer = renderer

	svc := service.NewService(deps)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.Environment)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое выставление периодических счетов
	svc.StartRecurringInvoices(ctx, cfg.RecurringInterval)

	g.Go(func() error {
		sugar.Infow("starting invoice ledger server", "addr", cfg.RunAddress, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
