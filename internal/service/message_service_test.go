package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LoopIn/internal/config"
	"LoopIn/internal/logger"
	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
)

func TestSubmitChannelMessage(t *testing.T) {
	svc, clock := newTestServices(t, nil)
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	traffic := model.ChannelTarget("traffic")

	_, err := svc.Messages.Submit(ctx, "Anon1", traffic, "hello", false)
	assert.ErrorIs(t, err, pkg.ErrNotAMember)

	mustJoin(t, svc, "traffic", "Anon1")
	msg, err := svc.Messages.Submit(ctx, "Anon1", traffic, "  Heavy traffic on 5th  ", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.ID)
	assert.Equal(t, "Heavy traffic on 5th", msg.Body)
	assert.Equal(t, model.ModerationClean, msg.Moderation)
	assert.Equal(t, "Anon1", msg.AuthorID)
	assert.Equal(t, "traffic", msg.ChannelID)
	assert.Equal(t, clock.Now(), msg.SentAt)
	assert.Nil(t, msg.ExpiresAt)

	history, err := svc.Messages.History(ctx, traffic, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, *msg, history[0])

	got, err := svc.Messages.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, *msg, *got)
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestServices(t, func(cfg *config.Config) {
		cfg.Messages.MaxBodyLen = 10
	})
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "traffic", "Anon1")
	traffic := model.ChannelTarget("traffic")

	cases := []struct {
		name   string
		sender string
		target model.Target
		body   string
		want   error
	}{
		{"empty body", "Anon1", traffic, "", pkg.ErrEmptyMessage},
		{"whitespace body", "Anon1", traffic, " \t\n ", pkg.ErrEmptyMessage},
		{"too long", "Anon1", traffic, strings.Repeat("a", 11), pkg.ErrMessageTooLong},
		{"no target", "Anon1", model.Target{}, "hi", pkg.ErrInvalidTarget},
		{"both targets", "Anon1", model.Target{ChannelID: "traffic", PairKey: model.PairKey("a", "b")}, "hi", pkg.ErrInvalidTarget},
		{"unknown sender", "Ghost", traffic, "hi", pkg.ErrUnknownIdentity},
		{"unknown channel", "Anon1", model.ChannelTarget("nope"), "hi", pkg.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Messages.Submit(ctx, tc.sender, tc.target, tc.body, false)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// 恰好上限的长度可以发送，按字符计数
	_, err := svc.Messages.Submit(ctx, "Anon1", traffic, strings.Repeat("é", 10), false)
	assert.NoError(t, err)
	assert.Equal(t, 1, svc.Messages.Count())
}

func TestSubmitFlaggedIsStillDelivered(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "traffic", "Anon1")

	msg, err := svc.Messages.Submit(ctx, "Anon1", model.ChannelTarget("traffic"), "this damn jam", false)
	require.NoError(t, err)
	assert.Equal(t, model.ModerationFlagged, msg.Moderation)
	assert.Equal(t, "Mild language detected", msg.FlagReason)

	history, err := svc.Messages.History(ctx, model.ChannelTarget("traffic"), 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ModerationFlagged, history[0].Moderation)
}

func TestModerationTimeoutFailsOpen(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	withClassifier(svc, classifierFunc(func(context.Context, string) (Verdict, error) {
		<-block
		return Verdict{}, nil
	}), 20*time.Millisecond)

	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "traffic", "Anon1")

	msg, err := svc.Messages.Submit(ctx, "Anon1", model.ChannelTarget("traffic"), "hello", false)
	require.NoError(t, err)
	assert.Equal(t, model.ModerationFlagged, msg.Moderation)
	assert.Equal(t, ReasonModerationTimeout, msg.FlagReason)
}

func TestModerationErrorFailsOpen(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	withClassifier(svc, classifierFunc(func(context.Context, string) (Verdict, error) {
		return Verdict{}, errors.New("classifier offline")
	}), time.Second)

	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "traffic", "Anon1")

	msg, err := svc.Messages.Submit(ctx, "Anon1", model.ChannelTarget("traffic"), "hello", false)
	require.NoError(t, err)
	assert.Equal(t, model.ModerationFlagged, msg.Moderation)
	assert.Equal(t, ReasonModerationUnavailable, msg.FlagReason)
}

func TestPendingMessagesAreNeverVisible(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	release := make(chan struct{})
	withClassifier(svc, classifierFunc(func(context.Context, string) (Verdict, error) {
		<-release
		return Verdict{}, nil
	}), time.Minute)

	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "traffic", "Anon1")
	traffic := model.ChannelTarget("traffic")

	done := make(chan *model.Message, 1)
	go func() {
		msg, err := svc.Messages.Submit(ctx, "Anon1", traffic, "hello", false)
		assert.NoError(t, err)
		done <- msg
	}()

	require.Eventually(t, func() bool { return svc.Messages.Count() == 1 }, time.Second, 5*time.Millisecond)

	history, err := svc.Messages.History(ctx, traffic, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = svc.Messages.Get(ctx, 1)
	assert.ErrorIs(t, err, pkg.ErrNotFound)

	close(release)
	msg := <-done
	require.NotNil(t, msg)
	assert.Equal(t, model.ModerationClean, msg.Moderation)

	history, err = svc.Messages.History(ctx, traffic, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestStalePendingReadAsModerationTimeout(t *testing.T) {
	svc, clock := newTestServices(t, nil)
	ctx := context.Background()
	traffic := model.ChannelTarget("traffic")

	// 模拟审核中途进程退出遗留的 pending 消息
	svc.Messages.store.insert(model.Message{
		ID:         7,
		TargetKey:  traffic.Key(),
		ChannelID:  "traffic",
		AuthorID:   "Anon1",
		AuthorName: "Anon1",
		Body:       "left behind",
		SentAt:     clock.Now(),
		Moderation: model.ModerationPending,
	})

	history, err := svc.Messages.History(ctx, traffic, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	clock.Advance(3 * time.Second)
	history, err = svc.Messages.History(ctx, traffic, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ModerationFlagged, history[0].Moderation)
	assert.Equal(t, ReasonModerationTimeout, history[0].FlagReason)

	stored, ok := svc.Messages.store.get(7)
	require.True(t, ok)
	assert.Equal(t, model.ModerationFlagged, stored.Moderation)
}

func TestStaleDisappearingMessageStillExpires(t *testing.T) {
	svc, clock := newTestServices(t, func(cfg *config.Config) {
		cfg.Messages.DisappearingTTL = time.Hour
	})
	producer := &fakeProducer{}
	svc.Queue.sender = KafkaSender(producer)
	release := make(chan struct{})
	withClassifier(svc, classifierFunc(func(context.Context, string) (Verdict, error) {
		<-release
		return Verdict{}, nil
	}), time.Minute)

	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "confessions", "Anon1")
	confessions := model.ChannelTarget("confessions")

	done := make(chan *model.Message, 1)
	go func() {
		msg, err := svc.Messages.Submit(ctx, "Anon1", confessions, "secret", true)
		assert.NoError(t, err)
		done <- msg
	}()
	require.Eventually(t, func() bool { return svc.Messages.Count() == 1 }, time.Second, 5*time.Millisecond)

	// 审核还没返回，读取方先按超时定稿
	clock.Advance(2 * time.Minute)
	history, err := svc.Messages.History(ctx, confessions, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ModerationFlagged, history[0].Moderation)
	assert.Equal(t, ReasonModerationTimeout, history[0].FlagReason)
	require.NotNil(t, history[0].ExpiresAt)
	expiresAt := clock.Now().Add(time.Hour)
	assert.Equal(t, expiresAt, *history[0].ExpiresAt)

	close(release)
	msg := <-done
	require.NotNil(t, msg)
	assert.Equal(t, model.ModerationFlagged, msg.Moderation, "the first settlement wins")
	require.NotNil(t, msg.ExpiresAt)
	assert.Equal(t, expiresAt, *msg.ExpiresAt)

	clock.Advance(2 * time.Hour)
	result := svc.Sweeper.RunOnce(ctx)
	assert.Equal(t, 1, result.ExpiredMessages)
	history, err = svc.Messages.History(ctx, confessions, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = svc.Messages.Get(ctx, msg.ID)
	assert.ErrorIs(t, err, pkg.ErrNotFound)

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	svc.Queue.Run(runCtx)
	require.Len(t, producer.vals, 1, "one event per finalized message")
	assert.Contains(t, producer.vals[0], ReasonModerationTimeout)
}

func TestStalePendingGetSetsExpiry(t *testing.T) {
	svc, clock := newTestServices(t, nil)
	ctx := context.Background()
	traffic := model.ChannelTarget("traffic")

	svc.Messages.store.insert(model.Message{
		ID:           9,
		TargetKey:    traffic.Key(),
		ChannelID:    "traffic",
		AuthorID:     "Anon1",
		AuthorName:   "Anon1",
		Body:         "left behind",
		SentAt:       clock.Now(),
		Moderation:   model.ModerationPending,
		Disappearing: true,
	})

	clock.Advance(3 * time.Second)
	got, err := svc.Messages.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, model.ModerationFlagged, got.Moderation)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, clock.Now().Add(time.Hour), *got.ExpiresAt)
}

func TestConcurrentSubmitsGetConsecutiveIDs(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustIdentity(t, svc, "Anon2")
	mustJoin(t, svc, "traffic", "Anon1", "Anon2")
	traffic := model.ChannelTarget("traffic")

	var wg sync.WaitGroup
	ids := make([]uint64, 2)
	for i, sender := range []string{"Anon1", "Anon2"} {
		wg.Add(1)
		go func(i int, sender string) {
			defer wg.Done()
			msg, err := svc.Messages.Submit(ctx, sender, traffic, "hi from "+sender, false)
			assert.NoError(t, err)
			ids[i] = msg.ID
		}(i, sender)
	}
	wg.Wait()

	assert.ElementsMatch(t, []uint64{1, 2}, ids)
	history, err := svc.Messages.History(ctx, traffic, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(2), history[0].ID)
	assert.Equal(t, uint64(1), history[1].ID)
}

func TestConcurrentSubmitsAreStrictlyOrdered(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	ctx := context.Background()
	senders := []string{"Anon1", "Anon2", "Anon3", "Anon4"}
	for _, id := range senders {
		mustIdentity(t, svc, id)
	}
	mustJoin(t, svc, "events", senders...)
	events := model.ChannelTarget("events")

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range senders {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := svc.Messages.Submit(ctx, sender, events, "ping", false)
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	total := len(senders) * perSender
	var all []model.Message
	var before uint64
	for {
		page, err := svc.Messages.History(ctx, events, before, 50)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		before = page[len(page)-1].ID
	}
	require.Len(t, all, total)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].ID, all[i].ID)
		assert.False(t, all[i-1].SentAt.Before(all[i].SentAt))
	}
	assert.Equal(t, uint64(total), all[0].ID)
}

func TestHistoryPagination(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "campus", "Anon1")
	campus := model.ChannelTarget("campus")
	for i := 0; i < 5; i++ {
		_, err := svc.Messages.Submit(ctx, "Anon1", campus, "msg", false)
		require.NoError(t, err)
	}

	page, err := svc.Messages.History(ctx, campus, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []uint64{5, 4}, []uint64{page[0].ID, page[1].ID})

	page, err = svc.Messages.History(ctx, campus, 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []uint64{3, 2}, []uint64{page[0].ID, page[1].ID})

	page, err = svc.Messages.History(ctx, campus, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	// 其他频道不受影响
	page, err = svc.Messages.History(ctx, model.ChannelTarget("events"), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestDisappearingMessages(t *testing.T) {
	svc, clock := newTestServices(t, func(cfg *config.Config) {
		cfg.Messages.DisappearingTTL = time.Second
	})
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "confessions", "Anon1")
	confessions := model.ChannelTarget("confessions")

	msg, err := svc.Messages.Submit(ctx, "Anon1", confessions, "secret", true)
	require.NoError(t, err)
	require.NotNil(t, msg.ExpiresAt)
	assert.Equal(t, clock.Now().Add(time.Second), *msg.ExpiresAt)

	kept, err := svc.Messages.Submit(ctx, "Anon1", confessions, "not secret", false)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	result := svc.Sweeper.RunOnce(ctx)
	assert.Equal(t, 1, result.ExpiredMessages)
	assert.Zero(t, result.Errors)

	history, err := svc.Messages.History(ctx, confessions, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, kept.ID, history[0].ID)

	_, err = svc.Messages.Get(ctx, msg.ID)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestExpiredMessagesHiddenBeforeSweep(t *testing.T) {
	svc, clock := newTestServices(t, func(cfg *config.Config) {
		cfg.Messages.DisappearingTTL = time.Second
	})
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustJoin(t, svc, "confessions", "Anon1")
	confessions := model.ChannelTarget("confessions")

	msg, err := svc.Messages.Submit(ctx, "Anon1", confessions, "secret", true)
	require.NoError(t, err)

	// expiresAt == now 已视为过期
	clock.Advance(time.Second)
	history, err := svc.Messages.History(ctx, confessions, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Zero(t, svc.Messages.Count())

	_, err = svc.Messages.Get(ctx, msg.ID)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestDirectMessages(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustIdentity(t, svc, "Anon2")
	mustIdentity(t, svc, "Anon3")
	pair := model.DirectTarget("Anon2", "Anon1")

	msg, err := svc.Messages.Submit(ctx, "Anon1", pair, "hey", false)
	require.NoError(t, err)
	assert.Equal(t, "dm:Anon1|Anon2", msg.PairKey)
	assert.Empty(t, msg.ChannelID)

	reply, err := svc.Messages.Submit(ctx, "Anon2", model.DirectTarget("Anon1", "Anon2"), "hi", false)
	require.NoError(t, err)
	assert.Greater(t, reply.ID, msg.ID)

	require.NoError(t, svc.Messages.Authorize("Anon2", pair))
	history, err := svc.Messages.History(ctx, pair, 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = svc.Messages.Submit(ctx, "Anon3", pair, "let me in", false)
	assert.ErrorIs(t, err, pkg.ErrNotAMember)
	assert.ErrorIs(t, svc.Messages.Authorize("Anon3", pair), pkg.ErrNotAMember)

	_, err = svc.Messages.Submit(ctx, "Anon1", model.DirectTarget("Anon1", "Anon1"), "me", false)
	assert.ErrorIs(t, err, pkg.ErrInvalidTarget)

	_, err = svc.Messages.Submit(ctx, "Anon1", model.DirectTarget("Anon1", "Ghost"), "boo", false)
	assert.ErrorIs(t, err, pkg.ErrUnknownIdentity)
}

func TestLiveSessions(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustIdentity(t, svc, "Anon2")
	traffic := model.ChannelTarget("traffic")

	_, err := svc.Messages.Subscribe("Anon2", traffic)
	assert.ErrorIs(t, err, pkg.ErrNotAMember)

	mustJoin(t, svc, "traffic", "Anon1", "Anon2")
	session, err := svc.Messages.Subscribe("Anon2", traffic)
	require.NoError(t, err)
	assert.Equal(t, 1, svc.Hub.Count(traffic.Key()))

	msg, err := svc.Messages.Submit(ctx, "Anon1", traffic, "Accident on Main St", false)
	require.NoError(t, err)

	select {
	case got := <-session.Messages():
		assert.Equal(t, *msg, got)
		assert.Equal(t, model.ModerationClean, got.Moderation)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, svc.Channels.Leave(ctx, "traffic", "Anon2"))
	_, open := <-session.Messages()
	assert.False(t, open, "leaving a channel closes its sessions")
	assert.Zero(t, svc.Hub.Count(traffic.Key()))

	// 断开后再次断开无副作用
	svc.Messages.Unsubscribe(session)
}

func TestRevokeCascade(t *testing.T) {
	svc, _ := newTestServices(t, nil)
	ctx := context.Background()
	mustIdentity(t, svc, "Anon1")
	mustIdentity(t, svc, "Anon2")
	mustJoin(t, svc, "traffic", "Anon1", "Anon2")
	traffic := model.ChannelTarget("traffic")

	_, err := svc.Presence.Update(ctx, "Anon1", originNYC, time.Time{})
	require.NoError(t, err)
	session, err := svc.Messages.Subscribe("Anon1", traffic)
	require.NoError(t, err)
	dm, err := svc.Messages.Submit(ctx, "Anon1", model.DirectTarget("Anon1", "Anon2"), "bye", false)
	require.NoError(t, err)
	msg, err := svc.Messages.Submit(ctx, "Anon1", traffic, "leaving soon", false)
	require.NoError(t, err)
	<-session.Messages()

	require.NoError(t, svc.Identity.Revoke(ctx, "Anon1"))

	_, ok := svc.Presence.Get("Anon1")
	assert.False(t, ok)
	assert.False(t, svc.Channels.IsMember("traffic", "Anon1"))
	_, open := <-session.Messages()
	assert.False(t, open)

	for _, id := range []uint64{msg.ID, dm.ID} {
		got, err := svc.Messages.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.DeletedAuthor, got.AuthorName)
		assert.Empty(t, got.AuthorID)
	}

	nearby, err := svc.Presence.QueryNearby(originNYC, 2, false)
	require.NoError(t, err)
	assert.Empty(t, nearby)

	_, err = svc.Messages.Submit(ctx, "Anon1", traffic, "ghost post", false)
	assert.ErrorIs(t, err, pkg.ErrUnknownIdentity)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(1, logger.Discard())
	s := hub.Attach("Anon1", "ch:traffic")

	assert.Equal(t, 1, hub.Publish("ch:traffic", model.Message{ID: 1}))
	assert.Equal(t, 0, hub.Publish("ch:traffic", model.Message{ID: 2}))

	got := <-s.Messages()
	assert.Equal(t, uint64(1), got.ID)

	assert.Equal(t, 1, hub.DetachIdentity("Anon1"))
	hub.Detach(s)
	assert.Zero(t, hub.Count("ch:traffic"))
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub(4, logger.Discard())
	a := hub.Attach("Anon1", "ch:traffic")
	b := hub.Attach("Anon2", "dm:Anon1|Anon2")

	assert.Equal(t, 2, hub.CloseAll())
	_, open := <-a.Messages()
	assert.False(t, open)
	_, open = <-b.Messages()
	assert.False(t, open)
	assert.Zero(t, hub.CloseAll())
}
