package service

import (
	"context"
	"log/slog"
	"time"

	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
)

// Sender 投递一条事件
type Sender func(ctx context.Context, ob *model.MessageOutbox) error

// Producer kafka 生产者需要的最小接口
type Producer interface {
	Publish(ctx context.Context, ev pkg.KafkaEvent) error
}

// OutboxRelayer outbox 表投递器
type OutboxRelayer struct {
	repo      OutboxRepository
	batchSize int
	maxRetry  int
	interval  time.Duration
	sender    Sender
	logger    *slog.Logger
}

func NewOutboxRelayer(repo OutboxRepository, sender Sender, batchSize, maxRetry int, interval time.Duration, logger *slog.Logger) *OutboxRelayer {
	if batchSize <= 0 {
		batchSize = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &OutboxRelayer{
		repo:      repo,
		batchSize: batchSize,
		maxRetry:  maxRetry,
		interval:  interval,
		sender:    sender,
		logger:    logger.With(slog.String("component", "outbox")),
	}
}

// Run outbox 启动器
func (r *OutboxRelayer) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.drainOnce(ctx)
		}
	}
}

// drainOnce 按批读取未投递事件，失败的记录重试次数
func (r *OutboxRelayer) drainOnce(ctx context.Context) int {
	rows, err := r.repo.List(ctx, r.batchSize, r.maxRetry)
	if err != nil {
		r.logger.Error("outbox query failed", slog.String("error", err.Error()))
		return 0
	}
	sent := 0
	for i := range rows {
		ob := rows[i]
		if err = r.sender(ctx, &ob); err != nil {
			outboxFailedTotal.Inc()
			r.logger.Warn("outbox send failed",
				slog.Uint64("id", ob.ID),
				slog.Int("retry", ob.Retry+1),
				slog.String("error", err.Error()),
			)
			if err := r.repo.RetryUpdate(ctx, ob.ID); err != nil {
				r.logger.Error("outbox retry update failed", slog.Uint64("id", ob.ID), slog.String("error", err.Error()))
			}
			continue
		}
		if err := r.repo.SuccessUpdate(ctx, ob.ID); err != nil {
			r.logger.Error("outbox success update failed", slog.Uint64("id", ob.ID), slog.String("error", err.Error()))
			continue
		}
		outboxSentTotal.Inc()
		sent++
	}
	return sent
}

// LogSender 未配置 kafka 时只打印
func LogSender(logger *slog.Logger) Sender {
	return func(_ context.Context, ob *model.MessageOutbox) error {
		logger.Info("message event",
			slog.String("type", ob.EventType),
			slog.Uint64("message", ob.MessageID),
			slog.String("target", ob.TargetKey),
		)
		return nil
	}
}

// KafkaSender 以 target 为分区 key，同一 target 的事件保持顺序
func KafkaSender(p Producer) Sender {
	return func(ctx context.Context, ob *model.MessageOutbox) error {
		return p.Publish(ctx, pkg.KafkaEvent{
			Key:       ob.TargetKey,
			Type:      ob.EventType,
			MessageID: ob.MessageID,
			Payload:   []byte(ob.Payload),
		})
	}
}

// QueuePublisher 无数据库时的内存事件队列，满了直接丢弃
type QueuePublisher struct {
	ch     chan *model.MessageOutbox
	sender Sender
	logger *slog.Logger
}

func NewQueuePublisher(size int, sender Sender, logger *slog.Logger) *QueuePublisher {
	if size <= 0 {
		size = 1024
	}
	return &QueuePublisher{
		ch:     make(chan *model.MessageOutbox, size),
		sender: sender,
		logger: logger.With(slog.String("component", "event_queue")),
	}
}

func (q *QueuePublisher) Publish(ob *model.MessageOutbox) bool {
	select {
	case q.ch <- ob:
		return true
	default:
		eventsDroppedTotal.Inc()
		q.logger.Warn("event queue full, dropped", slog.Uint64("message", ob.MessageID))
		return false
	}
}

// Run 退出前把队列中剩余的事件发完
func (q *QueuePublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.flush(context.WithoutCancel(ctx))
			return
		case ob := <-q.ch:
			q.send(ctx, ob)
		}
	}
}

func (q *QueuePublisher) flush(ctx context.Context) {
	for {
		select {
		case ob := <-q.ch:
			q.send(ctx, ob)
		default:
			return
		}
	}
}

func (q *QueuePublisher) send(ctx context.Context, ob *model.MessageOutbox) {
	if err := q.sender(ctx, ob); err != nil {
		outboxFailedTotal.Inc()
		q.logger.Warn("event send failed", slog.Uint64("message", ob.MessageID), slog.String("error", err.Error()))
		return
	}
	outboxSentTotal.Inc()
}
