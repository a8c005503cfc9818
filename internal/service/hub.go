package service

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"LoopIn/internal/model"
)

// Session 一个客户端对某个 target 的实时订阅
type Session struct {
	ID         string
	IdentityID string
	TargetKey  string

	ch     chan model.Message
	closed bool
}

// Messages 会话被断开时关闭
func (s *Session) Messages() <-chan model.Message { return s.ch }

// Hub 把定稿的消息分发给在线会话；发送不阻塞，缓冲满则丢弃
type Hub struct {
	mu       sync.RWMutex
	byTarget map[string]map[string]*Session
	buffer   int
	logger   *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		byTarget: make(map[string]map[string]*Session),
		buffer:   buffer,
		logger:   logger.With(slog.String("component", "hub")),
	}
}

func (h *Hub) Attach(identityID, targetKey string) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TargetKey:  targetKey,
		ch:         make(chan model.Message, h.buffer),
	}
	h.mu.Lock()
	sessions, ok := h.byTarget[targetKey]
	if !ok {
		sessions = make(map[string]*Session)
		h.byTarget[targetKey] = sessions
	}
	sessions[s.ID] = s
	h.mu.Unlock()

	sessionsActive.Inc()
	return s
}

// detachLocked 调用方持有写锁
func (h *Hub) detachLocked(s *Session) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if sessions, ok := h.byTarget[s.TargetKey]; ok {
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(h.byTarget, s.TargetKey)
		}
	}
	sessionsActive.Dec()
}

// Detach 幂等
func (h *Hub) Detach(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(s)
}

// DetachIdentity 断开该身份的所有会话
func (h *Hub) DetachIdentity(identityID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, sessions := range h.byTarget {
		for _, s := range sessions {
			if s.IdentityID == identityID {
				h.detachLocked(s)
				n++
			}
		}
	}
	return n
}

// DetachMember 成员退出频道时断开其在该频道的会话
func (h *Hub) DetachMember(identityID, targetKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.byTarget[targetKey] {
		if s.IdentityID == identityID {
			h.detachLocked(s)
			n++
		}
	}
	return n
}

// DetachTarget 频道删除时断开全部会话
func (h *Hub) DetachTarget(targetKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.byTarget[targetKey] {
		h.detachLocked(s)
		n++
	}
	return n
}

// Publish 返回成功投递的会话数
func (h *Hub) Publish(targetKey string, msg model.Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.byTarget[targetKey] {
		select {
		case s.ch <- msg:
			delivered++
		default:
			sessionDropsTotal.Inc()
			h.logger.Warn("session buffer full, message dropped",
				slog.String("session", s.ID),
				slog.String("identity", s.IdentityID),
				slog.Uint64("message", msg.ID),
			)
		}
	}
	return delivered
}

func (h *Hub) Count(targetKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTarget[targetKey])
}

// CloseAll 进程退出前断开全部会话
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, sessions := range h.byTarget {
		for _, s := range sessions {
			h.detachLocked(s)
			n++
		}
	}
	return n
}
