package mysql

import (
	"context"
	"time"

	"LoopIn/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdentityRepository struct {
	DB *gorm.DB
}

func (r *IdentityRepository) Create(ctx context.Context, identity *model.Identity) error {
	return r.DB.WithContext(ctx).Create(identity).Error
}

func (r *IdentityRepository) UpdateRadius(ctx context.Context, id string, radiusKm float64) error {
	return r.DB.WithContext(ctx).Model(&model.Identity{}).
		Where("id = ?", id).
		Update("search_radius_km", radiusKm).Error
}

// Delete 删除身份并记入注销表，保证 id 不会再次发放
func (r *IdentityRepository) Delete(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.Identity{}, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.RetiredIdentity{ID: id, RetiredAt: time.Now().UTC()}).Error
	})
}

func (r *IdentityRepository) List(ctx context.Context) ([]model.Identity, error) {
	var list []model.Identity
	err := r.DB.WithContext(ctx).Order("created_at ASC").Find(&list).Error
	return list, err
}

func (r *IdentityRepository) ListRetired(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.DB.WithContext(ctx).Model(&model.RetiredIdentity{}).Pluck("id", &ids).Error
	return ids, err
}
