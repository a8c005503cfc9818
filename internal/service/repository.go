package service

import (
	"context"
	"time"

	"LoopIn/internal/model"
)

// 持久化接口，全部可选：为 nil 时服务只在内存中运行

type IdentityRepository interface {
	Create(ctx context.Context, identity *model.Identity) error
	UpdateRadius(ctx context.Context, id string, radiusKm float64) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.Identity, error)
	ListRetired(ctx context.Context) ([]string, error)
}

type PresenceRepository interface {
	Upsert(ctx context.Context, p *model.Presence) error
	SetOffline(ctx context.Context, identityIDs []string) error
	Delete(ctx context.Context, identityID string) error
	List(ctx context.Context) ([]model.Presence, error)
}

type ChannelRepository interface {
	Create(ctx context.Context, c *model.Channel, creator *model.ChannelMember) error
	Delete(ctx context.Context, id string) error
	ListCustom(ctx context.Context) ([]model.Channel, error)
	Join(ctx context.Context, member *model.ChannelMember) error
	Leave(ctx context.Context, channelID, identityID string) error
	RemoveIdentity(ctx context.Context, identityID string) error
	ListMembers(ctx context.Context) ([]model.ChannelMember, error)
}

type MessageRepository interface {
	Create(ctx context.Context, m *model.Message) error
	Finalize(ctx context.Context, m *model.Message, ob *model.MessageOutbox) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByTarget(ctx context.Context, targetKey string) (int64, error)
	RelabelAuthor(ctx context.Context, authorID, label string) error
	ListLive(ctx context.Context, now time.Time) ([]model.Message, error)
	MaxID(ctx context.Context) (uint64, error)
}

type OutboxRepository interface {
	List(ctx context.Context, batchSize, maxRetry int) ([]model.MessageOutbox, error)
	RetryUpdate(ctx context.Context, id uint64) error
	SuccessUpdate(ctx context.Context, id uint64) error
}

// TokenStore 每个身份当前有效的 access token
type TokenStore interface {
	AddToken(ctx context.Context, identityID, token string) error
	GetToken(ctx context.Context, identityID string) (string, error)
	ExtendToken(ctx context.Context, identityID string) error
	DeleteToken(ctx context.Context, identityID string) error
}

// IdentityLookup 其他服务只需要判断身份是否存在
type IdentityLookup interface {
	Exists(id string) bool
	Get(id string) (*model.Identity, error)
	CheckRadius(radiusKm float64) error
}
