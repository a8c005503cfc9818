package model

import (
	"strings"
	"time"
)

type ModerationStatus string

const (
	ModerationPending ModerationStatus = "pending"
	ModerationClean   ModerationStatus = "clean"
	ModerationFlagged ModerationStatus = "flagged"
)

// DeletedAuthor 身份注销后历史消息的作者标签
const DeletedAuthor = "deleted user"

const (
	channelKeyPrefix = "ch:"
	directKeyPrefix  = "dm:"
)

// Message 频道消息或私聊消息，ChannelID 与 PairKey 二选一
type Message struct {
	ID           uint64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	TargetKey    string           `gorm:"size:80;not null;index:idx_target_id,priority:1" json:"-"`
	ChannelID    string           `gorm:"size:64" json:"channel_id,omitempty"`
	PairKey      string           `gorm:"size:80" json:"pair_key,omitempty"`
	AuthorID     string           `gorm:"size:32;index" json:"author_id"`
	AuthorName   string           `gorm:"size:32" json:"author_name"`
	Body         string           `gorm:"type:text;not null" json:"body"`
	SentAt       time.Time        `gorm:"not null" json:"sent_at"`
	ExpiresAt    *time.Time       `gorm:"index" json:"expires_at,omitempty"`
	Moderation   ModerationStatus `gorm:"size:16;not null" json:"moderation"`
	FlagReason   string           `gorm:"size:128" json:"flag_reason,omitempty"`
	Disappearing bool             `gorm:"not null;default:false" json:"disappearing"` // 定稿时据此计算 ExpiresAt
}

// Visible pending 状态不对外可见
func (m *Message) Visible() bool {
	return m.Moderation != ModerationPending
}

// Expired expiresAt <= now 即视为过期
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Target 消息投递目标：频道或私聊双方
type Target struct {
	ChannelID string
	PairKey   string
}

func ChannelTarget(channelID string) Target {
	return Target{ChannelID: channelID}
}

func DirectTarget(a, b string) Target {
	return Target{PairKey: PairKey(a, b)}
}

// PairKey 与参数顺序无关
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directKeyPrefix + a + "|" + b
}

// Key 同一目标的消息共享一个 key，也是排序与订阅的单位
func (t Target) Key() string {
	if t.ChannelID != "" {
		return channelKeyPrefix + t.ChannelID
	}
	return t.PairKey
}

func (t Target) IsDirect() bool {
	return t.ChannelID == "" && t.PairKey != ""
}

// Valid 恰好一种寻址方式
func (t Target) Valid() bool {
	return (t.ChannelID == "") != (t.PairKey == "")
}

// Parties 私聊双方；非私聊返回 ok=false
func (t Target) Parties() (a, b string, ok bool) {
	if !t.IsDirect() || !strings.HasPrefix(t.PairKey, directKeyPrefix) {
		return "", "", false
	}
	a, b, ok = strings.Cut(strings.TrimPrefix(t.PairKey, directKeyPrefix), "|")
	return a, b, ok && a != "" && b != ""
}
