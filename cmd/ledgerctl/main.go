// Package main содержит утилиту обслуживания книги учёта: миграции,
// пересверку счетов и ручной запуск периодических счетов.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mmeshcher/invoice-ledger/internal/config"
	"github.com/mmeshcher/invoice-ledger/internal/currency"
	"github.com/mmeshcher/invoice-ledger/internal/repository"
	"github.com/mmeshcher/invoice-ledger/internal/service"
)

var databaseURI string

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Maintenance commands for the invoice ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded database migrations",
	RunE:  runMigrate,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute an invoice balance from its payments",
	Long: `Recompute received, paid and due amounts of an invoice from the payments
stored for it, rebuild department split rows and refresh revenue records.

Use it after a payment was saved but the invoice update failed
(error code INVOICE_UPDATE_FAILED).`,
	Example: `  ledgerctl reconcile --user 1 --invoice 42`,
	RunE:    runReconcile,
}

var recurringCmd = &cobra.Command{
	Use:   "recurring",
	Short: "Issue invoices for due recurring templates",
	RunE:  runRecurring,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&databaseURI, "database", "d", "", "database URI (defaults to DATABASE_URI)")

	reconcileCmd.Flags().Int64("invoice", 0, "invoice id")
	reconcileCmd.Flags().Int64("user", 0, "owner user id")
	_ = reconcileCmd.MarkFlagRequired("invoice")
	_ = reconcileCmd.MarkFlagRequired("user")

	recurringCmd.Flags().Bool("once", false, "process a single batch and exit")
	recurringCmd.Flags().Duration("interval", time.Minute, "polling interval when running continuously")

	rootCmd.AddCommand(migrateCmd, reconcileCmd, recurringCmd)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if databaseURI != "" {
		cfg.DatabaseURI = databaseURI
	}
	if cfg.DatabaseURI == "" {
		return nil, fmt.Errorf("database URI is not set")
	}
	return cfg, nil
}

func newService(cfg *config.Config, repo *repository.PostgresRepository) (*service.Service, *zap.Logger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	deps := service.Deps{
		Repo:       repo,
		Normalizer: currency.NewNormalizer(cfg.BaseCurrency),
		Logger:     logger,
	}
	if cfg.RatesAPIURL != "" {
		deps.Rates = currency.NewRatesClient(cfg.RatesAPIURL, cfg.BaseCurrency, cfg.RatesTTL, nil, logger)
	}

	return service.NewService(deps), logger, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := repository.Open(cfg.DatabaseURI)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.Migrate(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	invoiceID, _ := cmd.Flags().GetInt64("invoice")
	userID, _ := cmd.Flags().GetInt64("user")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := repository.Open(cfg.DatabaseURI)
	if err != nil {
		return err
	}

	svc, _, err := newService(cfg, repo)
	if err != nil {
		repo.Close()
		return err
	}
	defer svc.Close()

	res, err := svc.ReconcileInvoice(cmd.Context(), userID, invoiceID)
	if err != nil {
		return err
	}

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	return out.Encode(map[string]any{
		"invoiceNumber":  res.Invoice.Number,
		"status":         res.Invoice.Status,
		"receivedAmount": res.Invoice.ReceivedAmount.StringFixed(2),
		"dueAmount":      res.Invoice.DueAmount.StringFixed(2),
		"warnings":       res.SoftFailures,
	})
}

func runRecurring(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")
	interval, _ := cmd.Flags().GetDuration("interval")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := repository.Open(cfg.DatabaseURI)
	if err != nil {
		return err
	}

	svc, logger, err := newService(cfg, repo)
	if err != nil {
		repo.Close()
		return err
	}
	defer svc.Close()

	if once {
		n, err := svc.ProcessRecurringInvoices(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "issued %d invoices\n", n)
		return nil
	}

	logger.Info("processing recurring invoices", zap.Duration("interval", interval))
	svc.StartRecurringInvoices(cmd.Context(), interval)
	<-cmd.Context().Done()
	return nil
}
