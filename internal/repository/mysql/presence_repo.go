package mysql

import (
	"context"

	"LoopIn/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PresenceRepository struct {
	DB *gorm.DB
}

// Upsert 以 identity_id 为键覆盖写
func (r *PresenceRepository) Upsert(ctx context.Context, p *model.Presence) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_id"}},
		UpdateAll: true,
	}).Create(p).Error
}

func (r *PresenceRepository) SetOffline(ctx context.Context, identityIDs []string) error {
	if len(identityIDs) == 0 {
		return nil
	}
	return r.DB.WithContext(ctx).Model(&model.Presence{}).
		Where("identity_id IN ?", identityIDs).
		Update("online", false).Error
}

func (r *PresenceRepository) Delete(ctx context.Context, identityID string) error {
	return r.DB.WithContext(ctx).Delete(&model.Presence{}, "identity_id = ?", identityID).Error
}

func (r *PresenceRepository) List(ctx context.Context) ([]model.Presence, error) {
	var list []model.Presence
	err := r.DB.WithContext(ctx).Find(&list).Error
	return list, err
}
