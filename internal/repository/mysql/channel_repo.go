package mysql

import (
	"context"

	"LoopIn/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ChannelRepository struct {
	DB *gorm.DB
}

// Create 创建频道并幂等地让创建者加入
func (r *ChannelRepository) Create(ctx context.Context, c *model.Channel, creator *model.ChannelMember) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		if creator == nil {
			return nil
		}
		return join(tx, creator)
	})
}

// Delete 幂等硬删除，成员关系一并删除
func (r *ChannelRepository) Delete(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ?", id).Delete(&model.ChannelMember{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Channel{}, "id = ?", id).Error
	})
}

// ListCustom 默认频道不落库，这里只有用户创建的频道
func (r *ChannelRepository) ListCustom(ctx context.Context) ([]model.Channel, error) {
	var list []model.Channel
	err := r.DB.WithContext(ctx).Where("is_default = ?", false).Order("created_at ASC, id ASC").Find(&list).Error
	return list, err
}

func (r *ChannelRepository) Join(ctx context.Context, member *model.ChannelMember) error {
	return join(r.DB.WithContext(ctx), member)
}

// join 幂等插入：若已存在 (channel_id, identity_id) 则不报错
func join(db *gorm.DB, member *model.ChannelMember) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "identity_id"}},
		DoNothing: true,
	}).Create(member).Error
}

func (r *ChannelRepository) Leave(ctx context.Context, channelID, identityID string) error {
	return r.DB.WithContext(ctx).Where("channel_id = ? AND identity_id = ?", channelID, identityID).
		Delete(&model.ChannelMember{}).Error
}

// RemoveIdentity 身份注销时退出所有频道
func (r *ChannelRepository) RemoveIdentity(ctx context.Context, identityID string) error {
	return r.DB.WithContext(ctx).Where("identity_id = ?", identityID).
		Delete(&model.ChannelMember{}).Error
}

func (r *ChannelRepository) ListMembers(ctx context.Context) ([]model.ChannelMember, error) {
	var list []model.ChannelMember
	err := r.DB.WithContext(ctx).Order("id ASC").Find(&list).Error
	return list, err
}

func (r *ChannelRepository) IsMember(ctx context.Context, channelID, identityID string) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.ChannelMember{}).
		Where("channel_id = ? AND identity_id = ?", channelID, identityID).
		Count(&count).Error
	return count > 0, err
}
