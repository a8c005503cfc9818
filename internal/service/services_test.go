package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"LoopIn/internal/config"
	"LoopIn/internal/logger"
	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
	"LoopIn/internal/repository/mysql"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := config.Default().Database
	cfg.Enabled = true
	cfg.Driver = "sqlite"
	cfg.Path = filepath.Join(t.TempDir(), "loopin.db")
	cfg.LogLevel = "SILENT"

	db, err := mysql.InitDB(cfg, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, mysql.AutoMigrate(db))
	t.Cleanup(func() { _ = mysql.Close(db) })
	return db
}

func sqlRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Identities: &mysql.IdentityRepository{DB: db},
		Presence:   &mysql.PresenceRepository{DB: db},
		Channels:   &mysql.ChannelRepository{DB: db},
		Messages:   &mysql.MessageRepository{DB: db},
		Outbox:     &mysql.OutboxRepository{DB: db},
	}
}

func TestRestoreFromDatabase(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	clock := newFakeClock()
	ctx := context.Background()

	first, err := New(cfg, sqlRepositories(db), nil, clock.Now, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, first.Relayer)
	require.Nil(t, first.Queue)

	mustIdentity(t, first, "Anon1")
	mustIdentity(t, first, "Anon2")
	mustIdentity(t, first, "Anon3")
	_, err = first.Identity.UpdateRadius(ctx, "Anon2", 7)
	require.NoError(t, err)
	_, err = first.Presence.Update(ctx, "Anon1", originNYC, time.Time{})
	require.NoError(t, err)
	mustJoin(t, first, "traffic", "Anon1", "Anon2")
	custom, err := first.Channels.Create(ctx, "Night Owls", "Social", "Anon1")
	require.NoError(t, err)

	m1, err := first.Messages.Submit(ctx, "Anon1", model.ChannelTarget("traffic"), "first", false)
	require.NoError(t, err)
	m2, err := first.Messages.Submit(ctx, "Anon2", model.ChannelTarget("traffic"), "oh hell", false)
	require.NoError(t, err)
	_, err = first.Messages.Submit(ctx, "Anon1", model.DirectTarget("Anon1", "Anon2"), "psst", true)
	require.NoError(t, err)
	require.NoError(t, first.Identity.Revoke(ctx, "Anon3"))

	// 每次定稿都写了一条 outbox
	assert.Equal(t, 3, first.Relayer.drainOnce(ctx))

	second, err := New(cfg, sqlRepositories(db), nil, clock.Now, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, second.Restore(ctx))

	assert.Equal(t, 2, second.Identity.Count())
	anon2, err := second.Identity.Get("Anon2")
	require.NoError(t, err)
	assert.Equal(t, 7.0, anon2.SearchRadiusKm)

	// 已注销的 id 不再发放
	again, err := second.Identity.Create(ctx, "Anon3")
	require.NoError(t, err)
	assert.NotEqual(t, "Anon3", again.ID)

	p, ok := second.Presence.Get("Anon1")
	require.True(t, ok)
	assert.InDelta(t, originNYC.Lat, p.Lat, 1e-9)

	assert.True(t, second.Channels.IsMember("traffic", "Anon2"))
	restored, err := second.Channels.Get(custom.ID)
	require.NoError(t, err)
	assert.Equal(t, "Night Owls", restored.Name)
	assert.Equal(t, 1, restored.MemberCount)

	history, err := second.Messages.History(ctx, model.ChannelTarget("traffic"), 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, m2.ID, history[0].ID)
	assert.Equal(t, model.ModerationFlagged, history[0].Moderation)
	assert.Equal(t, m1.ID, history[1].ID)
	assert.Equal(t, model.ModerationClean, history[1].Moderation)

	// id 在重启后继续递增
	next, err := second.Messages.Submit(ctx, "Anon1", model.ChannelTarget("traffic"), "after restart", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.ID)
}

func TestRestoreDropsExpiredMessages(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	cfg.Messages.DisappearingTTL = time.Second
	clock := newFakeClock()
	ctx := context.Background()

	first, err := New(cfg, sqlRepositories(db), nil, clock.Now, logger.Discard())
	require.NoError(t, err)
	mustIdentity(t, first, "Anon1")
	mustJoin(t, first, "events", "Anon1")
	gone, err := first.Messages.Submit(ctx, "Anon1", model.ChannelTarget("events"), "soon gone", true)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	second, err := New(cfg, sqlRepositories(db), nil, clock.Now, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, second.Restore(ctx))

	_, err = second.Messages.Get(ctx, gone.ID)
	assert.ErrorIs(t, err, pkg.ErrNotFound)

	result := second.Sweeper.RunOnce(ctx)
	assert.Zero(t, result.Errors)
	var left int64
	require.NoError(t, db.Model(&model.Message{}).Count(&left).Error)
	assert.Zero(t, left)
}

func TestRevokeRelabelsPersistedMessages(t *testing.T) {
	db := openTestDB(t)
	clock := newFakeClock()
	ctx := context.Background()

	svc, err := New(testConfig(), sqlRepositories(db), nil, clock.Now, logger.Discard())
	require.NoError(t, err)
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "traffic", "Anon1")
	msg, err := svc.Messages.Submit(ctx, "Anon1", model.ChannelTarget("traffic"), "hello", false)
	require.NoError(t, err)
	require.NoError(t, svc.Identity.Revoke(ctx, "Anon1"))

	var persisted model.Message
	require.NoError(t, db.First(&persisted, "id = ?", msg.ID).Error)
	assert.Equal(t, model.DeletedAuthor, persisted.AuthorName)
	assert.Empty(t, persisted.AuthorID)

	var members int64
	require.NoError(t, db.Model(&model.ChannelMember{}).Where("identity_id = ?", "Anon1").Count(&members).Error)
	assert.Zero(t, members)
}

func TestRestoredPendingDisappearingMessageExpires(t *testing.T) {
	db := openTestDB(t)
	cfg := testConfig()
	clock := newFakeClock()
	ctx := context.Background()

	// 审核中途退出：只留下 pending 行
	require.NoError(t, (&mysql.MessageRepository{DB: db}).Create(ctx, &model.Message{
		ID: 5, TargetKey: model.ChannelTarget("confessions").Key(), ChannelID: "confessions",
		AuthorID: "Anon1", AuthorName: "Anon1", Body: "secret", SentAt: clock.Now(),
		Moderation: model.ModerationPending, Disappearing: true,
	}))

	svc, err := New(cfg, sqlRepositories(db), nil, clock.Now, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, svc.Restore(ctx))

	clock.Advance(time.Minute)
	history, err := svc.Messages.History(ctx, model.ChannelTarget("confessions"), 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ExpiresAt)

	var stored model.Message
	require.NoError(t, db.First(&stored, "id = ?", 5).Error)
	assert.Equal(t, model.ModerationFlagged, stored.Moderation)
	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, 1, svc.Relayer.drainOnce(ctx))

	clock.Advance(cfg.Messages.DisappearingTTL)
	result := svc.Sweeper.RunOnce(ctx)
	assert.Zero(t, result.Errors)
	var left int64
	require.NoError(t, db.Model(&model.Message{}).Count(&left).Error)
	assert.Zero(t, left)
}
