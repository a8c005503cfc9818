package mysql

import (
	"context"
	"database/sql"
	"time"

	"LoopIn/internal/model"

	"gorm.io/gorm"
)

type MessageRepository struct {
	DB *gorm.DB
}

// Create 以 pending 状态写入
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	return r.DB.WithContext(ctx).Create(m).Error
}

// Finalize 写入审核结果；ob 非空时同一事务写 outbox
func (r *MessageRepository) Finalize(ctx context.Context, m *model.Message, ob *model.MessageOutbox) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Message{}).
			Where("id = ?", m.ID).
			Updates(map[string]any{
				"moderation":  m.Moderation,
				"flag_reason": m.FlagReason,
				"expires_at":  m.ExpiresAt,
			}).Error; err != nil {
			return err
		}
		if ob == nil {
			return nil
		}
		return tx.Create(ob).Error
	})
}

// DeleteExpired 硬删除 expires_at <= now 的消息
func (r *MessageRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx := r.DB.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&model.Message{})
	return tx.RowsAffected, tx.Error
}

func (r *MessageRepository) DeleteByTarget(ctx context.Context, targetKey string) (int64, error) {
	tx := r.DB.WithContext(ctx).Where("target_key = ?", targetKey).Delete(&model.Message{})
	return tx.RowsAffected, tx.Error
}

// RelabelAuthor 作者注销后改为墓碑标签，消息本身保留
func (r *MessageRepository) RelabelAuthor(ctx context.Context, authorID, label string) error {
	return r.DB.WithContext(ctx).Model(&model.Message{}).
		Where("author_id = ?", authorID).
		Updates(map[string]any{"author_id": "", "author_name": label}).Error
}

// ListLive 启动时恢复未过期的消息
func (r *MessageRepository) ListLive(ctx context.Context, now time.Time) ([]model.Message, error) {
	var list []model.Message
	err := r.DB.WithContext(ctx).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("id ASC").
		Find(&list).Error
	return list, err
}

func (r *MessageRepository) MaxID(ctx context.Context) (uint64, error) {
	var maxID sql.NullInt64
	if err := r.DB.WithContext(ctx).Model(&model.Message{}).Select("MAX(id)").Row().Scan(&maxID); err != nil {
		return 0, err
	}
	if !maxID.Valid {
		return 0, nil
	}
	return uint64(maxID.Int64), nil
}
