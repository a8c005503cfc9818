package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"LoopIn/internal/config"
	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
)

// Clock 可替换的时间源，测试中注入假时钟
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

// Repositories 全部可为 nil
type Repositories struct {
	Identities IdentityRepository
	Presence   PresenceRepository
	Channels   ChannelRepository
	Messages   MessageRepository
	Outbox     OutboxRepository
	Tokens     TokenStore
}

// Services 进程内的全部业务组件
type Services struct {
	Identity   *IdentityService
	Presence   *PresenceService
	Channels   *ChannelService
	Messages   *MessageService
	Moderation *ModerationGate
	Hub        *Hub
	Sweeper    *SweeperService
	Relayer    *OutboxRelayer
	Queue      *QueuePublisher

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New 组装服务并注册级联回调。sender 为空时事件只写日志
func New(cfg *config.Config, repos Repositories, sender Sender, now Clock, logger *slog.Logger) (*Services, error) {
	if now == nil {
		now = SystemClock
	}
	classifier, err := NewClassifier(cfg.Moderation)
	if err != nil {
		return nil, err
	}
	if sender == nil {
		sender = LogSender(logger)
	}

	tokens := pkg.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTTL)
	identity := NewIdentityService(cfg.Identity, repos.Identities, tokens, repos.Tokens, now, logger)
	presence := NewPresenceService(identity, repos.Presence, cfg.Presence.StaleThreshold, now, logger)
	channels := NewChannelService(cfg.Channels, identity, repos.Channels, now, logger)
	gate := NewModerationGate(classifier, cfg.Moderation.Timeout, logger)
	hub := NewHub(cfg.Sessions.Buffer, logger)
	messages := NewMessageService(cfg.Messages, identity, channels, gate, hub, repos.Messages, now, logger)

	s := &Services{
		Identity:   identity,
		Presence:   presence,
		Channels:   channels,
		Messages:   messages,
		Moderation: gate,
		Hub:        hub,
		logger:     logger,
	}

	// 有 outbox 表走 outbox，否则走内存队列
	if repos.Messages != nil && repos.Outbox != nil {
		messages.WithOutbox()
		s.Relayer = NewOutboxRelayer(repos.Outbox, sender, cfg.Kafka.BatchSize, cfg.Kafka.MaxRetry, cfg.Kafka.RelayInterval, logger)
	} else {
		s.Queue = NewQueuePublisher(cfg.Kafka.QueueSize, sender, logger)
		messages.WithQueue(s.Queue)
	}
	s.Sweeper = NewSweeperService(messages, presence, cfg.Sweeper.Interval, now, logger)

	identity.OnRevoke(func(ctx context.Context, id string) { presence.Remove(ctx, id) })
	identity.OnRevoke(func(ctx context.Context, id string) { channels.RemoveMemberEverywhere(ctx, id) })
	identity.OnRevoke(func(_ context.Context, id string) { hub.DetachIdentity(id) })
	identity.OnRevoke(func(ctx context.Context, id string) { messages.RelabelAuthor(ctx, id) })

	channels.OnLeave(func(_ context.Context, channelID, identityID string) {
		hub.DetachMember(identityID, model.ChannelTarget(channelID).Key())
	})
	channels.OnDelete(func(ctx context.Context, channelID, _ string) {
		messages.PurgeTarget(ctx, model.ChannelTarget(channelID))
	})
	return s, nil
}

// Restore 按依赖顺序从存储恢复：身份先于其余组件
func (s *Services) Restore(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{"identities", s.Identity.restore},
		{"presence", s.Presence.restore},
		{"channels", s.Channels.restore},
		{"messages", s.Messages.restore},
	}
	for _, step := range steps {
		n, err := step.fn(ctx)
		if err != nil {
			return fmt.Errorf("restore %s: %w", step.name, err)
		}
		s.logger.Info("restored", slog.String("component", step.name), slog.Int("count", n))
	}
	return nil
}

// Start 启动后台任务，ctx 取消后各任务退出
func (s *Services) Start(ctx context.Context) {
	s.Sweeper.Start(ctx)
	if s.Relayer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Relayer.Run(ctx)
		}()
	}
	if s.Queue != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Queue.Run(ctx)
		}()
	}
}

// Stop 先停清理任务，再等待事件投递退出；调用前应先取消 Start 的 ctx
func (s *Services) Stop() {
	s.Sweeper.Stop()
	s.wg.Wait()
}
