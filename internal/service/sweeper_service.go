package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepResult 一次清扫的结果
type SweepResult struct {
	ExpiredMessages int
	DemotedPresence int
	Errors          int
	Duration        time.Duration
}

// SweeperService 定期删除过期消息，并把超时未上报位置的身份置为离线
type SweeperService struct {
	messages *MessageService
	presence *PresenceService
	interval time.Duration
	now      Clock
	logger   *slog.Logger

	mu     sync.Mutex // RunOnce 不并发执行
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeperService(messages *MessageService, presence *PresenceService, interval time.Duration, now Clock, logger *slog.Logger) *SweeperService {
	if now == nil {
		now = SystemClock
	}
	return &SweeperService{
		messages: messages,
		presence: presence,
		interval: interval,
		now:      now,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start 启动后台清扫协程
func (s *SweeperService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("sweeper started", slog.String("interval", s.interval.String()))
}

// Stop 等待当前一轮结束后返回
func (s *SweeperService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("sweeper stopped")
}

func (s *SweeperService) run(ctx context.Context) {
	defer close(s.done)
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮清扫；单个步骤失败不影响另一个
func (s *SweeperService) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()
	result := &SweepResult{}

	n, err := s.messages.SweepExpired(ctx, now)
	result.ExpiredMessages = n
	if err != nil {
		result.Errors++
		s.logger.Error("sweep messages failed", slog.String("error", err.Error()))
	}

	demoted, err := s.presence.DemoteStale(ctx, now)
	result.DemotedPresence = demoted
	if err != nil {
		result.Errors++
		s.logger.Error("demote presence failed", slog.String("error", err.Error()))
	}

	result.Duration = time.Since(start)
	sweeperRunsTotal.Inc()
	sweeperMessagesDeletedTotal.Add(float64(result.ExpiredMessages))
	sweeperPresenceDemotedTotal.Add(float64(result.DemotedPresence))
	sweeperErrorsTotal.Add(float64(result.Errors))
	sweeperDuration.Observe(result.Duration.Seconds())

	s.logger.Debug("sweep finished",
		slog.Int("expired", result.ExpiredMessages),
		slog.Int("demoted", result.DemotedPresence),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}
