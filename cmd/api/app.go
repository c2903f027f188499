package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"enrol-payment/internal/catalog"
	"enrol-payment/internal/client"
	"enrol-payment/internal/config"
	"enrol-payment/internal/logger"
	"enrol-payment/internal/notify"
	"enrol-payment/internal/pricing"
	"enrol-payment/internal/repository"
	"enrol-payment/internal/service"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB

	sessions     repository.SessionRepository
	transactions repository.TransactionRepository
	products     repository.ProductRepository
	users        repository.UserRepository
	entitlements repository.EntitlementRepository

	notifier notify.Notifier
	closers  []func()
}

func newApp(envFile string) (*app, error) {
	// load .env into os.Environ
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.Log).With("env", cfg.Environment.Name)

	db, err := client.OpenDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:          cfg,
		logger:       log,
		db:           db,
		sessions:     repository.NewSessionRepository(db),
		transactions: repository.NewTransactionRepository(db),
		products:     repository.NewProductRepository(db),
		users:        repository.NewUserRepository(db),
		entitlements: repository.NewEntitlementRepository(db),
	}
	a.closers = append(a.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return a, nil
}

// useNotifier connects to the broker, falling back to the log when no broker
// is configured or it cannot be reached.
func (a *app) useNotifier() {
	if a.cfg.AMQP.URL == "" {
		a.notifier = notify.NewLogNotifier(a.logger)
		return
	}

	n, err := notify.NewAMQPNotifier(a.cfg.AMQP.URL, a.cfg.AMQP.Exchange, a.logger)
	if err != nil {
		a.logger.Warn("amqp unavailable, logging notifications instead", "error", err)
		a.notifier = notify.NewLogNotifier(a.logger)
		return
	}
	a.notifier = n
	a.closers = append(a.closers, n.Close)
}

// seedCatalog upserts the catalog file when it exists.
func (a *app) seedCatalog(ctx context.Context) error {
	c, err := catalog.Load(a.cfg.Catalog.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Info("no catalog file, keeping stored products", "path", a.cfg.Catalog.Path)
			return nil
		}
		return err
	}

	products, err := c.Models()
	if err != nil {
		return err
	}
	if err := a.products.Seed(ctx, products); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	a.logger.Info("catalog seeded", "products", len(products))
	return nil
}

func (a *app) taxTable() pricing.TaxTable {
	table, skipped := pricing.NewTaxTable(a.cfg.Tax.Enabled, a.cfg.Tax.Country, a.cfg.Tax.Regions)
	for _, err := range skipped {
		a.logger.Warn("skipping tax definition", "error", err)
	}
	return table
}

func (a *app) defaultCost() (decimal.Decimal, error) {
	cost, err := decimal.NewFromString(a.cfg.Catalog.DefaultCost)
	if err != nil {
		return decimal.Zero, fmt.Errorf("CATALOG_DEFAULT_COST: %w", err)
	}
	return cost, nil
}

func (a *app) reconciler() service.Reconciler {
	return service.NewReconciler(
		a.db,
		a.sessions,
		a.transactions,
		a.products,
		a.entitlements,
		a.users,
		a.notifier,
		a.cfg.Paypal.Business,
		a.logger,
	)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
