package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"enrol-payment/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrSessionNotFound  = errors.New("purchase session not found")
	ErrConcurrentUpdate = errors.New("purchase session changed concurrently")
	ErrImmutableField   = errors.New("purchase session snapshot fields are write-once")
	ErrQuantityMismatch = errors.New("multi-recipient quantity must equal recipient count")
)

const (
	tokenBytes        = 16
	maxTokenAttempts  = 5
	maxUpdateAttempts = 5
)

type NewSession struct {
	BuyerID      string
	ProductID    string
	ContextID    string
	UnitBaseCost decimal.Decimal
	TaxRate      decimal.Decimal
}

type SessionRepository interface {
	Create(ctx context.Context, tx *gorm.DB, in NewSession) (*model.PurchaseSession, error)
	FindByToken(ctx context.Context, tx *gorm.DB, token string) (*model.PurchaseSession, error)
	FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.PurchaseSession, error)
	// Update re-reads the session, applies mutate and writes it back with a
	// compare-and-swap on Version, retrying on conflict.
	Update(ctx context.Context, tx *gorm.DB, token string, mutate func(*model.PurchaseSession) error) (*model.PurchaseSession, error)
	ListUngranted(ctx context.Context, limit int) ([]*model.PurchaseSession, error)
}

type sessionRepoImpl struct {
	db     *gorm.DB
	random io.Reader
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepoImpl{
		db:     db,
		random: rand.Reader,
	}
}

func (r *sessionRepoImpl) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r.random, buf); err != nil {
		return "", fmt.Errorf("read random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (r *sessionRepoImpl) Create(ctx context.Context, tx *gorm.DB, in NewSession) (*model.PurchaseSession, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := r.newToken()
		if err != nil {
			return nil, err
		}

		session := &model.PurchaseSession{
			Token:        token,
			BuyerID:      in.BuyerID,
			ProductID:    in.ProductID,
			ContextID:    in.ContextID,
			Quantity:     1,
			UnitBaseCost: in.UnitBaseCost,
			TaxRate:      in.TaxRate,
			Status:       model.SessionCreated,
		}

		err = tx.WithContext(ctx).Create(session).Error
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("insert purchase session: %w", err)
		}
		// token collision, draw again
	}

	return nil, fmt.Errorf("insert purchase session: no unique token after %d attempts", maxTokenAttempts)
}

func (r *sessionRepoImpl) FindByToken(ctx context.Context, tx *gorm.DB, token string) (*model.PurchaseSession, error) {
	var session model.PurchaseSession
	err := tx.WithContext(ctx).
		Where("token = ?", token).
		First(&session).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return &session, nil
}

func (r *sessionRepoImpl) FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.PurchaseSession, error) {
	var session model.PurchaseSession
	err := tx.WithContext(ctx).
		Where("id = ?", id).
		First(&session).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	return &session, nil
}

func (r *sessionRepoImpl) Update(ctx context.Context, tx *gorm.DB, token string, mutate func(*model.PurchaseSession) error) (*model.PurchaseSession, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := r.FindByToken(ctx, tx, token)
		if err != nil {
			return nil, err
		}

		next := *current
		next.RecipientIDs = append(datatypes.JSONSlice[string](nil), current.RecipientIDs...)
		if err := mutate(&next); err != nil {
			return nil, err
		}
		if err := checkSnapshot(current, &next); err != nil {
			return nil, err
		}

		now := time.Now()
		result := tx.WithContext(ctx).
			Model(&model.PurchaseSession{}).
			Where("id = ? AND version = ?", current.ID, current.Version).
			Updates(map[string]interface{}{
				"quantity":               next.Quantity,
				"multiple":               next.Multiple,
				"recipient_ids":          next.RecipientIDs,
				"discount_eligible":      next.DiscountEligible,
				"gateway_correlation_id": next.GatewayCorrelationID,
				"status":                 next.Status,
				"granted_at":             next.GrantedAt,
				"version":                current.Version + 1,
				"updated_at":             now,
			})

		if result.Error != nil {
			return nil, fmt.Errorf("update purchase session: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			next.Version = current.Version + 1
			next.UpdatedAt = now
			return &next, nil
		}
	}

	return nil, ErrConcurrentUpdate
}

func checkSnapshot(current, next *model.PurchaseSession) error {
	if next.ID != current.ID ||
		next.Token != current.Token ||
		next.BuyerID != current.BuyerID ||
		next.ProductID != current.ProductID ||
		!next.UnitBaseCost.Equal(current.UnitBaseCost) ||
		!next.TaxRate.Equal(current.TaxRate) {
		return ErrImmutableField
	}
	if next.Multiple && next.Quantity != len(next.RecipientIDs) {
		return ErrQuantityMismatch
	}
	return nil
}

func (r *sessionRepoImpl) ListUngranted(ctx context.Context, limit int) ([]*model.PurchaseSession, error) {
	var sessions []*model.PurchaseSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND granted_at IS NULL", model.SessionSettled).
		Order("id ASC").
		Limit(limit).
		Find(&sessions).Error

	if err != nil {
		return nil, err
	}

	return sessions, nil
}
