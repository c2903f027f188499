// Package testutil provides a migrated SQLite database and seed helpers for
// package tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"enrol-payment/internal/client"
	"enrol-payment/internal/config"
	"enrol-payment/internal/model"
	"enrol-payment/internal/pricing"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// NewDB opens a fresh SQLite database under t.TempDir() with the full schema.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := client.OpenDatabase(config.Database{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := client.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Product returns a 100.00 USD product with no discount.
func Product(id string) *model.Product {
	return &model.Product{
		ID:                  id,
		ContextID:           "course-" + id,
		Name:                "Course " + id,
		Cost:                decimal.RequireFromString("100.00"),
		Currency:            "USD",
		Receiver:            "merchant@example.com",
		Role:                "student",
		SendWelcome:         true,
		AllowMultiple:       true,
		DiscountKind:        pricing.DiscountNone,
		DiscountAmount:      decimal.Zero,
		DiscountMinQuantity: 1,
	}
}

// Seed inserts rows, failing the test on error.
func Seed(t testing.TB, db *gorm.DB, rows ...interface{}) {
	t.Helper()
	for _, row := range rows {
		if err := db.WithContext(context.Background()).Create(row).Error; err != nil {
			t.Fatalf("seed %T: %v", row, err)
		}
	}
}
