package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"LoopIn/internal/config"
	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
)

// DefaultChannels 进程启动时写入，顺序固定，永不删除
var DefaultChannels = []model.Channel{
	{ID: "traffic", Name: "Traffic Updates", Category: model.CategoryTraffic},
	{ID: "traffic-downtown", Name: "Downtown Traffic", Category: model.CategoryTraffic},
	{ID: "campus", Name: "Campus Life", Category: model.CategoryCampus},
	{ID: "campus-study", Name: "Study Groups", Category: model.CategoryCampus},
	{ID: "events", Name: "Local Events", Category: model.CategoryEvents},
	{ID: "events-weekend", Name: "Weekend Plans", Category: model.CategoryEvents},
	{ID: "confessions", Name: "Anonymous Confessions", Category: model.CategoryConfessions},
	{ID: "emergency", Name: "Emergency Alerts", Category: model.CategoryEmergency},
}

const customChannelPrefix = "custom-"

type channelEntry struct {
	mu      sync.RWMutex
	channel model.Channel
	members map[string]time.Time
	deleted bool
}

func (e *channelEntry) snapshot() model.Channel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := e.channel
	c.MemberCount = len(e.members)
	return c
}

// ChannelHook 成员退出或频道删除时的回调
type ChannelHook func(ctx context.Context, channelID, identityID string)

// ChannelService 锁顺序：先 s.mu，再 entry.mu
type ChannelService struct {
	mu       sync.RWMutex
	channels map[string]*channelEntry
	order    []string

	onLeave  []ChannelHook
	onDelete []ChannelHook

	identities IdentityLookup
	repo       ChannelRepository
	opts       config.ChannelsConfig
	now        Clock
	newID      func() string
	logger     *slog.Logger
}

func NewChannelService(opts config.ChannelsConfig, identities IdentityLookup, repo ChannelRepository, now Clock, logger *slog.Logger) *ChannelService {
	if now == nil {
		now = SystemClock
	}
	s := &ChannelService{
		channels:   make(map[string]*channelEntry),
		identities: identities,
		repo:       repo,
		opts:       opts,
		now:        now,
		newID:      func() string { return customChannelPrefix + uuid.NewString() },
		logger:     logger.With(slog.String("component", "channels")),
	}
	seededAt := now()
	for _, c := range DefaultChannels {
		c.IsDefault = true
		c.Icon = c.Category.Icon()
		c.CreatedAt = seededAt
		s.channels[c.ID] = &channelEntry{channel: c, members: make(map[string]time.Time)}
		s.order = append(s.order, c.ID)
	}
	return s
}

// OnLeave 成员退出后回调（用于断开该成员的会话）
func (s *ChannelService) OnLeave(h ChannelHook) { s.onLeave = append(s.onLeave, h) }

// OnDelete 频道删除后回调，identityID 为操作者
func (s *ChannelService) OnDelete(h ChannelHook) { s.onDelete = append(s.onDelete, h) }

// ParseCategory 内置分类大小写不敏感；自定义分类需配置开启
func (s *ChannelService) ParseCategory(raw string) (model.Category, bool, error) {
	if c, ok := model.LookupCategory(raw); ok {
		return c, false, nil
	}
	raw = strings.TrimSpace(raw)
	if !s.opts.AllowCustomCategories || raw == "" || strings.EqualFold(raw, model.CategoryAll) {
		return "", false, pkg.ErrInvalidCategory.WithMessage("invalid category %q", raw)
	}
	if utf8.RuneCountInString(raw) > 32 {
		return "", false, pkg.ErrInvalidCategory.WithMessage("category name too long")
	}
	return model.Category(raw), true, nil
}

// Create 创建自定义频道，创建者自动成为第一个成员
func (s *ChannelService) Create(ctx context.Context, name, category, creatorID string) (*model.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, pkg.ErrInvalidName
	}
	if s.opts.MaxNameLen > 0 && utf8.RuneCountInString(name) > s.opts.MaxNameLen {
		return nil, pkg.ErrInvalidName.WithMessage("channel name longer than %d characters", s.opts.MaxNameLen)
	}
	cat, custom, err := s.ParseCategory(category)
	if err != nil {
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	if !s.identities.Exists(creatorID) {
		s.mu.Unlock()
		return nil, pkg.ErrUnknownIdentity
	}
	id := s.newID()
	if _, dup := s.channels[id]; dup {
		s.mu.Unlock()
		return nil, pkg.Internal("channel id collision", fmt.Errorf("id %s", id))
	}
	entry := &channelEntry{
		channel: model.Channel{
			ID:             id,
			Name:           name,
			Category:       cat,
			CustomCategory: custom,
			Icon:           cat.Icon(),
			CreatedBy:      creatorID,
			CreatedAt:      now,
		},
		members: map[string]time.Time{creatorID: now},
	}
	s.channels[id] = entry
	s.order = append(s.order, id)
	s.mu.Unlock()

	ch := entry.snapshot()
	if s.repo != nil {
		persisted := ch
		if err := s.repo.Create(ctx, &persisted, &model.ChannelMember{ChannelID: id, IdentityID: creatorID, JoinedAt: now}); err != nil {
			s.logger.Error("persist channel failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	s.logger.Info("channel created", slog.String("id", id), slog.String("name", name), slog.String("creator", creatorID))
	return &ch, nil
}

func (s *ChannelService) entry(channelID string) (*channelEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.channels[channelID]
	if !ok {
		return nil, pkg.ErrNotFound.WithMessage("channel %s not found", channelID)
	}
	return e, nil
}

func (s *ChannelService) Get(channelID string) (*model.Channel, error) {
	e, err := s.entry(channelID)
	if err != nil {
		return nil, err
	}
	c := e.snapshot()
	return &c, nil
}

// Join 幂等：重复加入不报错
func (s *ChannelService) Join(ctx context.Context, channelID, identityID string) error {
	e, err := s.entry(channelID)
	if err != nil {
		return err
	}
	now := s.now()
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return pkg.ErrNotFound.WithMessage("channel %s not found", channelID)
	}
	if !s.identities.Exists(identityID) {
		e.mu.Unlock()
		return pkg.ErrUnknownIdentity
	}
	if _, ok := e.members[identityID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.members[identityID] = now
	e.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Join(ctx, &model.ChannelMember{ChannelID: channelID, IdentityID: identityID, JoinedAt: now}); err != nil {
			s.logger.Error("persist join failed", slog.String("channel", channelID), slog.String("id", identityID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Leave 幂等：非成员退出为空操作
func (s *ChannelService) Leave(ctx context.Context, channelID, identityID string) error {
	e, err := s.entry(channelID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	_, ok := e.members[identityID]
	delete(e.members, identityID)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if s.repo != nil {
		if err := s.repo.Leave(ctx, channelID, identityID); err != nil {
			s.logger.Error("persist leave failed", slog.String("channel", channelID), slog.String("id", identityID), slog.String("error", err.Error()))
		}
	}
	for _, h := range s.onLeave {
		h(ctx, channelID, identityID)
	}
	return nil
}

func (s *ChannelService) IsMember(channelID, identityID string) bool {
	e, err := s.entry(channelID)
	if err != nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.members[identityID]
	return ok && !e.deleted
}

// WithMember 持有成员读锁执行 fn，保证成员检查与写入之间不会被 Leave 插入
func (s *ChannelService) WithMember(channelID, identityID string, fn func() error) error {
	e, err := s.entry(channelID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.deleted {
		return pkg.ErrNotFound.WithMessage("channel %s not found", channelID)
	}
	if _, ok := e.members[identityID]; !ok {
		return pkg.ErrNotAMember.WithMessage("%s is not a member of %s", identityID, channelID)
	}
	return fn()
}

// RemoveMemberEverywhere 身份注销时退出所有频道
func (s *ChannelService) RemoveMemberEverywhere(ctx context.Context, identityID string) {
	s.mu.RLock()
	entries := make([]*channelEntry, 0, len(s.channels))
	for _, e := range s.channels {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		delete(e.members, identityID)
		e.mu.Unlock()
	}
	if s.repo != nil {
		if err := s.repo.RemoveIdentity(ctx, identityID); err != nil {
			s.logger.Error("persist member removal failed", slog.String("id", identityID), slog.String("error", err.Error()))
		}
	}
}

// Delete 只有创建者能删除自定义频道，默认频道不可删除
func (s *ChannelService) Delete(ctx context.Context, channelID, requesterID string) error {
	s.mu.Lock()
	e, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return pkg.ErrNotFound.WithMessage("channel %s not found", channelID)
	}
	if e.channel.IsDefault {
		s.mu.Unlock()
		return pkg.ErrForbidden.WithMessage("default channels cannot be deleted")
	}
	if e.channel.CreatedBy != requesterID {
		s.mu.Unlock()
		return pkg.ErrForbidden.WithMessage("only the creator can delete %s", channelID)
	}
	delete(s.channels, channelID)
	for i, id := range s.order {
		if id == channelID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	// 等待正在进行的提交结束
	e.mu.Lock()
	e.deleted = true
	e.members = map[string]time.Time{}
	e.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Delete(ctx, channelID); err != nil {
			s.logger.Error("persist channel delete failed", slog.String("id", channelID), slog.String("error", err.Error()))
		}
	}
	for _, h := range s.onDelete {
		h(ctx, channelID, requesterID)
	}
	s.logger.Info("channel deleted", slog.String("id", channelID), slog.String("by", requesterID))
	return nil
}

func (s *ChannelService) list(keep func(c *model.Channel) bool) []model.Channel {
	s.mu.RLock()
	entries := make([]*channelEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.channels[id])
	}
	s.mu.RUnlock()

	out := make([]model.Channel, 0, len(entries))
	for _, e := range entries {
		c := e.snapshot()
		if keep(&c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *ChannelService) ListDefault() []model.Channel {
	return s.list(func(c *model.Channel) bool { return c.IsDefault })
}

// ListByCategory category 为 "all" 或空时不过滤
func (s *ChannelService) ListByCategory(category string) ([]model.Channel, error) {
	category = strings.TrimSpace(category)
	if category == "" || strings.EqualFold(category, model.CategoryAll) {
		return s.list(func(*model.Channel) bool { return true }), nil
	}
	if c, ok := model.LookupCategory(category); ok {
		return s.list(func(ch *model.Channel) bool { return ch.Category == c }), nil
	}
	if !s.opts.AllowCustomCategories {
		return nil, pkg.ErrInvalidCategory.WithMessage("invalid category %q", category)
	}
	return s.list(func(ch *model.Channel) bool {
		return ch.CustomCategory && strings.EqualFold(string(ch.Category), category)
	}), nil
}

// CategoryCounts "all" 在前，其后是数量大于 0 的分类
func (s *ChannelService) CategoryCounts() []model.CategoryCount {
	all := s.list(func(*model.Channel) bool { return true })
	counts := make(map[model.Category]int)
	var custom []model.Category
	for _, c := range all {
		if c.CustomCategory && counts[c.Category] == 0 {
			custom = append(custom, c.Category)
		}
		counts[c.Category]++
	}
	sort.Slice(custom, func(i, j int) bool { return custom[i] < custom[j] })

	out := []model.CategoryCount{{Category: model.CategoryAll, Count: len(all)}}
	for _, c := range append(append([]model.Category(nil), model.Categories...), custom...) {
		if n := counts[c]; n > 0 {
			out = append(out, model.CategoryCount{Category: string(c), Count: n})
		}
	}
	return out
}

func (s *ChannelService) restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	custom, err := s.repo.ListCustom(ctx)
	if err != nil {
		return 0, fmt.Errorf("list channels: %w", err)
	}
	members, err := s.repo.ListMembers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list channel members: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range custom {
		if _, ok := s.channels[c.ID]; ok {
			continue
		}
		c.Icon = c.Category.Icon()
		s.channels[c.ID] = &channelEntry{channel: c, members: make(map[string]time.Time)}
		s.order = append(s.order, c.ID)
	}
	for _, m := range members {
		e, ok := s.channels[m.ChannelID]
		if !ok || !s.identities.Exists(m.IdentityID) {
			continue
		}
		e.members[m.IdentityID] = m.JoinedAt
	}
	return len(custom), nil
}
