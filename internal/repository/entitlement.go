package repository

import (
	"context"
	"time"

	"enrol-payment/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntitlementRepository is the default entitlement store. Grant is an upsert
// so replaying a grant for the same recipient is harmless.
type EntitlementRepository interface {
	Grant(ctx context.Context, ent *model.Entitlement) error
	Revoke(ctx context.Context, recipientID, productID string) error
	IsEntitled(ctx context.Context, recipientID, productID string) (bool, error)
	ExpireBefore(ctx context.Context, t time.Time) (int64, error)
}

type entitlementRepoImpl struct {
	db *gorm.DB
}

func NewEntitlementRepository(db *gorm.DB) EntitlementRepository {
	return &entitlementRepoImpl{
		db: db,
	}
}

func (r *entitlementRepoImpl) Grant(ctx context.Context, ent *model.Entitlement) error {
	ent.Active = true
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "recipient_id"}, {Name: "product_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"context_id":  ent.ContextID,
			"role":        ent.Role,
			"group_id":    ent.GroupID,
			"valid_from":  ent.ValidFrom,
			"valid_until": ent.ValidUntil,
			"active":      true,
			"updated_at":  time.Now(),
		}),
	}).Create(ent).Error
}

func (r *entitlementRepoImpl) Revoke(ctx context.Context, recipientID, productID string) error {
	return r.db.WithContext(ctx).
		Model(&model.Entitlement{}).
		Where("recipient_id = ? AND product_id = ?", recipientID, productID).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now(),
		}).Error
}

func (r *entitlementRepoImpl) IsEntitled(ctx context.Context, recipientID, productID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Entitlement{}).
		Where("recipient_id = ? AND product_id = ? AND active = ?", recipientID, productID, true).
		Where("valid_until IS NULL OR valid_until > ?", time.Now()).
		Count(&count).Error

	return count > 0, err
}

func (r *entitlementRepoImpl) ExpireBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Entitlement{}).
		Where("active = ? AND valid_until IS NOT NULL AND valid_until <= ?", true, t).
		Updates(map[string]interface{}{
			"active":     false,
			"updated_at": time.Now(),
		})

	return result.RowsAffected, result.Error
}
