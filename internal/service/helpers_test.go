package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"LoopIn/internal/config"
	"LoopIn/internal/logger"
	"LoopIn/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.JWT.Secret = "test-secret"
	return cfg
}

// newTestServices 纯内存组装；mutate 可修改配置
func newTestServices(t *testing.T, mutate func(cfg *config.Config)) (*Services, *fakeClock) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	clock := newFakeClock()
	svc, err := New(cfg, Repositories{}, nil, clock.Now, logger.Discard())
	require.NoError(t, err)
	return svc, clock
}

func mustIdentity(t *testing.T, svc *Services, id string) *model.Identity {
	t.Helper()
	identity, err := svc.Identity.Create(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, identity.ID)
	return identity
}

func mustJoin(t *testing.T, svc *Services, channelID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, svc.Channels.Join(context.Background(), channelID, id))
	}
}

// classifierFunc 测试用分类器
type classifierFunc func(ctx context.Context, body string) (Verdict, error)

func (f classifierFunc) Classify(ctx context.Context, body string) (Verdict, error) {
	return f(ctx, body)
}

func withClassifier(svc *Services, c Classifier, timeout time.Duration) {
	gate := NewModerationGate(c, timeout, logger.Discard())
	svc.Moderation = gate
	svc.Messages.gate = gate
}
