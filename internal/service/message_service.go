package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"LoopIn/internal/config"
	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
)

const EventMessageFinalized = "message.finalized"

// MessageEvent 发往 kafka 的事件体
type MessageEvent struct {
	Event     string        `json:"event"`
	EventTime string        `json:"event_time"`
	Message   model.Message `json:"message"`
}

// lane 同一 target 的提交在此串行
type lane struct {
	mu   sync.Mutex
	refs int
}

// MessageService 提交流程：校验 -> 成员检查并写入 pending -> 审核 -> 定稿 -> 分发
type MessageService struct {
	store *messageStore
	seq   atomic.Uint64

	lanesMu sync.Mutex
	lanes   map[string]*lane

	identities IdentityLookup
	channels   *ChannelService
	gate       *ModerationGate
	hub        *Hub
	repo       MessageRepository
	useOutbox  bool
	queue      *QueuePublisher
	opts       config.MessagesConfig
	now        Clock
	logger     *slog.Logger
}

func NewMessageService(
	opts config.MessagesConfig,
	identities IdentityLookup,
	channels *ChannelService,
	gate *ModerationGate,
	hub *Hub,
	repo MessageRepository,
	now Clock,
	logger *slog.Logger,
) *MessageService {
	if now == nil {
		now = SystemClock
	}
	return &MessageService{
		store:      newMessageStore(),
		lanes:      make(map[string]*lane),
		identities: identities,
		channels:   channels,
		gate:       gate,
		hub:        hub,
		repo:       repo,
		opts:       opts,
		now:        now,
		logger:     logger.With(slog.String("component", "messages")),
	}
}

// WithOutbox 定稿时在同一事务写 outbox，由 OutboxRelayer 投递
func (s *MessageService) WithOutbox() *MessageService {
	s.useOutbox = s.repo != nil
	return s
}

// WithQueue 未启用 outbox 时通过内存队列投递事件
func (s *MessageService) WithQueue(q *QueuePublisher) *MessageService {
	s.queue = q
	return s
}

func (s *MessageService) acquire(key string) *lane {
	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{}
		s.lanes[key] = l
	}
	l.refs++
	return l
}

func (s *MessageService) release(key string, l *lane) {
	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.lanes, key)
	}
}

// checkDirect 私聊双方都必须存在，且发送方是其中一方
func (s *MessageService) checkDirect(requesterID string, target model.Target) error {
	a, b, ok := target.Parties()
	if !ok || a == b {
		return pkg.ErrInvalidTarget.WithMessage("direct target needs two distinct identities")
	}
	if requesterID != a && requesterID != b {
		return pkg.ErrNotAMember.WithMessage("%s is not part of this conversation", requesterID)
	}
	if !s.identities.Exists(a) || !s.identities.Exists(b) {
		return pkg.ErrUnknownIdentity
	}
	return nil
}

// Authorize 判断 requester 能否读取或订阅 target
func (s *MessageService) Authorize(requesterID string, target model.Target) error {
	if !target.Valid() {
		return pkg.ErrInvalidTarget
	}
	if target.IsDirect() {
		return s.checkDirect(requesterID, target)
	}
	return s.channels.WithMember(target.ChannelID, requesterID, func() error { return nil })
}

// Submit 返回定稿后的消息；写入 pending 之后调用方取消不会回滚
func (s *MessageService) Submit(ctx context.Context, senderID string, target model.Target, body string, disappearing bool) (*model.Message, error) {
	start := time.Now()

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, pkg.ErrEmptyMessage
	}
	if s.opts.MaxBodyLen > 0 && utf8.RuneCountInString(body) > s.opts.MaxBodyLen {
		return nil, pkg.ErrMessageTooLong.WithMessage("message longer than %d characters", s.opts.MaxBodyLen)
	}
	if !target.Valid() {
		return nil, pkg.ErrInvalidTarget
	}
	if !s.identities.Exists(senderID) {
		return nil, pkg.ErrUnknownIdentity
	}
	if target.IsDirect() {
		if err := s.checkDirect(senderID, target); err != nil {
			return nil, err
		}
	}

	key := target.Key()
	l := s.acquire(key)
	l.mu.Lock()
	defer func() {
		l.mu.Unlock()
		s.release(key, l)
	}()

	msg := model.Message{
		TargetKey:  key,
		ChannelID:  target.ChannelID,
		PairKey:    target.PairKey,
		AuthorID:   senderID,
		AuthorName: senderID,
		Body:       body,
		Moderation: model.ModerationPending,

		Disappearing: disappearing,
	}
	accept := func() error {
		msg.ID = s.seq.Add(1)
		msg.SentAt = s.now()
		s.store.insert(msg)
		if s.repo != nil {
			pending := msg
			if err := s.repo.Create(ctx, &pending); err != nil {
				s.logger.Error("persist pending message failed", slog.Uint64("id", msg.ID), slog.String("error", err.Error()))
			}
		}
		return nil
	}
	var err error
	if target.IsDirect() {
		err = accept()
	} else {
		err = s.channels.WithMember(target.ChannelID, senderID, accept)
	}
	if err != nil {
		return nil, err
	}

	// 已写入 pending：后续步骤不受调用方取消影响
	dctx := context.WithoutCancel(ctx)
	verdict, merr := s.gate.Decide(dctx, body)
	if merr != nil {
		s.logger.Warn("moderation degraded", slog.Uint64("id", msg.ID), slog.String("reason", verdict.Reason), slog.String("error", merr.Error()))
	}
	final := s.finalize(dctx, msg, verdict)

	s.hub.Publish(key, final)

	kind := "channel"
	if target.IsDirect() {
		kind = "direct"
	}
	messagesSubmittedTotal.WithLabelValues(kind, string(final.Moderation)).Inc()
	messageSubmitDuration.Observe(time.Since(start).Seconds())
	return &final, nil
}

// settle pending -> clean/flagged；阅后即焚消息从定稿时刻开始计时。
// 返回 false 表示已被另一条路径定稿
func (s *MessageService) settle(m *model.Message, v Verdict, now time.Time) bool {
	if m.Moderation != model.ModerationPending {
		return false
	}
	if v.Flagged {
		m.Moderation = model.ModerationFlagged
		m.FlagReason = v.Reason
	} else {
		m.Moderation = model.ModerationClean
	}
	if m.Disappearing {
		exp := now.Add(s.opts.DisappearingTTL)
		m.ExpiresAt = &exp
	}
	return true
}

// finalize 与 failOpen 谁先到谁定稿，事件只发一次
func (s *MessageService) finalize(ctx context.Context, msg model.Message, v Verdict) model.Message {
	now := s.now()
	changed := false
	final, ok := s.store.update(msg.ID, func(m *model.Message) {
		changed = s.settle(m, v, now)
	})
	if !ok {
		// 所在频道已被删除，消息随之清除
		s.settle(&msg, v, now)
		return msg
	}
	if changed {
		s.persistFinal(ctx, final)
	}
	return final
}

func (s *MessageService) persistFinal(ctx context.Context, m model.Message) {
	var ob *model.MessageOutbox
	if s.useOutbox || s.queue != nil {
		payload, err := json.Marshal(MessageEvent{
			Event:     EventMessageFinalized,
			EventTime: s.now().Format(time.RFC3339Nano),
			Message:   m,
		})
		if err != nil {
			s.logger.Error("encode message event failed", slog.Uint64("id", m.ID), slog.String("error", err.Error()))
		} else {
			ob = &model.MessageOutbox{
				EventType: EventMessageFinalized,
				MessageID: m.ID,
				TargetKey: m.TargetKey,
				Payload:   string(payload),
				Status:    model.OutboxPending,
			}
		}
	}

	if s.repo != nil {
		var txOutbox *model.MessageOutbox
		if s.useOutbox {
			txOutbox = ob
		}
		if err := s.repo.Finalize(ctx, &m, txOutbox); err != nil {
			s.logger.Error("persist finalized message failed", slog.Uint64("id", m.ID), slog.String("error", err.Error()))
		}
	}
	if !s.useOutbox && s.queue != nil && ob != nil {
		s.queue.Publish(ob)
	}
}

// clampLimit limit<=0 取默认值，超过上限截断
func (s *MessageService) clampLimit(limit int) int {
	if limit <= 0 {
		limit = s.opts.DefaultPage
	}
	if s.opts.MaxPage > 0 && limit > s.opts.MaxPage {
		limit = s.opts.MaxPage
	}
	if limit <= 0 {
		limit = 20
	}
	return limit
}

// History 最新在前；beforeID=0 表示从最新开始。过期的消息在读取时删除，
// 超过审核超时仍是 pending 的消息按 flagged{"moderation timeout"} 返回
func (s *MessageService) History(ctx context.Context, target model.Target, beforeID uint64, limit int) ([]model.Message, error) {
	if !target.Valid() {
		return nil, pkg.ErrInvalidTarget
	}
	limit = s.clampLimit(limit)
	now := s.now()
	timeout := s.gate.Timeout()

	var (
		out     = make([]model.Message, 0, limit)
		expired []uint64
		stale   = make(map[uint64]int)
	)
	s.store.mu.RLock()
	ids := s.store.byTarget[target.Key()]
	end := len(ids)
	if beforeID > 0 {
		end = sort.Search(len(ids), func(i int) bool { return ids[i] >= beforeID })
	}
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		m := s.store.byID[ids[i]]
		if m.Expired(now) {
			expired = append(expired, m.ID)
			continue
		}
		cp := *m
		if cp.Moderation == model.ModerationPending {
			if now.Sub(cp.SentAt) <= timeout {
				continue
			}
			cp.Moderation = model.ModerationFlagged
			cp.FlagReason = ReasonModerationTimeout
			stale[cp.ID] = len(out)
		}
		out = append(out, cp)
	}
	s.store.mu.RUnlock()

	if len(expired) > 0 {
		n := s.store.removeExpired(expired, now)
		s.logger.Debug("expired messages removed on read", slog.Int("count", n))
	}
	for id, i := range stale {
		if m, ok := s.failOpen(ctx, id); ok {
			out[i] = m
		}
	}
	return out, nil
}

// failOpen 审核超时仍未定稿的消息按 flagged 定稿，返回定稿后的消息
func (s *MessageService) failOpen(ctx context.Context, id uint64) (model.Message, bool) {
	now := s.now()
	changed := false
	m, ok := s.store.update(id, func(m *model.Message) {
		changed = s.settle(m, Verdict{Flagged: true, Reason: ReasonModerationTimeout}, now)
	})
	if ok && changed {
		moderationOutcomesTotal.WithLabelValues("timeout").Inc()
		s.persistFinal(ctx, m)
	}
	return m, ok
}

// Get 按 id 查询；过期、已删除或尚在审核中的消息返回 NotFound
func (s *MessageService) Get(ctx context.Context, id uint64) (*model.Message, error) {
	m, ok := s.store.get(id)
	if !ok {
		return nil, pkg.ErrNotFound.WithMessage("message %d not found", id)
	}
	now := s.now()
	if m.Expired(now) {
		s.store.removeExpired([]uint64{id}, now)
		return nil, pkg.ErrNotFound.WithMessage("message %d not found", id)
	}
	if m.Moderation == model.ModerationPending {
		if now.Sub(m.SentAt) <= s.gate.Timeout() {
			return nil, pkg.ErrNotFound.WithMessage("message %d not found", id)
		}
		if settled, ok := s.failOpen(ctx, id); ok {
			m = settled
		}
	}
	return &m, nil
}

// Subscribe 打开实时会话；频道会话在成员锁内挂载，与 Leave 不会交错
func (s *MessageService) Subscribe(requesterID string, target model.Target) (*Session, error) {
	if !target.Valid() {
		return nil, pkg.ErrInvalidTarget
	}
	if target.IsDirect() {
		if err := s.checkDirect(requesterID, target); err != nil {
			return nil, err
		}
		return s.hub.Attach(requesterID, target.Key()), nil
	}
	var session *Session
	err := s.channels.WithMember(target.ChannelID, requesterID, func() error {
		session = s.hub.Attach(requesterID, target.Key())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *MessageService) Unsubscribe(session *Session) {
	s.hub.Detach(session)
}

// SweepExpired 删除全部过期消息，内存删除数与存储错误分别返回
func (s *MessageService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n := s.store.sweep(now)
	if s.repo != nil {
		if _, err := s.repo.DeleteExpired(ctx, now); err != nil {
			return n, fmt.Errorf("delete expired messages: %w", err)
		}
	}
	return n, nil
}

// PurgeTarget 频道删除时清空消息
func (s *MessageService) PurgeTarget(ctx context.Context, target model.Target) int {
	key := target.Key()
	n := s.store.removeTarget(key)
	s.hub.DetachTarget(key)
	if s.repo != nil {
		if _, err := s.repo.DeleteByTarget(ctx, key); err != nil {
			s.logger.Error("purge messages failed", slog.String("target", key), slog.String("error", err.Error()))
		}
	}
	return n
}

// RelabelAuthor 身份注销后历史消息保留，作者改为墓碑标签
func (s *MessageService) RelabelAuthor(ctx context.Context, identityID string) {
	n := s.store.relabelAuthor(identityID, model.DeletedAuthor)
	if s.repo != nil {
		if err := s.repo.RelabelAuthor(ctx, identityID, model.DeletedAuthor); err != nil {
			s.logger.Error("relabel messages failed", slog.String("id", identityID), slog.String("error", err.Error()))
		}
	}
	if n > 0 {
		s.logger.Debug("messages relabelled", slog.String("id", identityID), slog.Int("count", n))
	}
}

func (s *MessageService) Count() int { return s.store.count() }

func (s *MessageService) restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	maxID, err := s.repo.MaxID(ctx)
	if err != nil {
		return 0, fmt.Errorf("max message id: %w", err)
	}
	list, err := s.repo.ListLive(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range list {
		s.store.insert(m)
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	// 已删除消息的 id 也不复用
	if cur := s.seq.Load(); maxID > cur {
		s.seq.Store(maxID)
	}
	return len(list), nil
}
