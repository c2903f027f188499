package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"enrol-payment/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrDuplicateNotification = errors.New("notification already recorded")

// TransactionRepository is the append-only notification ledger.
type TransactionRepository interface {
	// Append inserts rec. A second record with the same DedupKey fails with
	// ErrDuplicateNotification; the storage unique index decides, not a
	// prior read.
	Append(ctx context.Context, tx *gorm.DB, rec *model.NotificationRecord) error
	Exists(ctx context.Context, tx *gorm.DB, txnID, paymentStatus string) (bool, error)
	LatestForSession(ctx context.Context, sessionID uint) (*model.NotificationRecord, error)
}

type transactionRepoImpl struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepoImpl{db: db}
}

func (r *transactionRepoImpl) Append(ctx context.Context, tx *gorm.DB, rec *model.NotificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}

	err := tx.WithContext(ctx).Create(rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateNotification
		}
		return fmt.Errorf("insert notification record: %w", err)
	}
	return nil
}

func (r *transactionRepoImpl) Exists(ctx context.Context, tx *gorm.DB, txnID, paymentStatus string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&model.NotificationRecord{}).
		Where("dedup_key = ?", model.DedupKeyFor(txnID, paymentStatus)).
		Count(&count).Error

	return count > 0, err
}

func (r *transactionRepoImpl) LatestForSession(ctx context.Context, sessionID uint) (*model.NotificationRecord, error) {
	var rec model.NotificationRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND dedup_key IS NOT NULL", sessionID).
		Order("received_at DESC").
		Order("created_at DESC").
		First(&rec).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &rec, nil
}
