package model

import "time"

const (
	OutboxPending int8 = 0
	OutboxSent    int8 = 1
	OutboxFailed  int8 = 2
)

// MessageOutbox 消息事件投递表，由 relayer 异步发往 kafka
type MessageOutbox struct {
	ID        uint64 `gorm:"primaryKey"`
	EventType string `gorm:"size:32;not null"` // message.finalized
	MessageID uint64 `gorm:"not null;index"`
	TargetKey string `gorm:"size:80;not null"`
	Payload   string `gorm:"type:text;not null"`
	Status    int8   `gorm:"not null;default:0;index;comment:'0=pending,1=sent,2=failed'"`
	Retry     int    `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (MessageOutbox) TableName() string { return "message_outbox" }
