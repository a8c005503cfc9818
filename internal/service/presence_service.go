package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
)

// PresenceService 位置与在线状态；过期降级在读取时惰性计算
type PresenceService struct {
	mu      sync.RWMutex
	records map[string]*model.Presence

	identities     IdentityLookup
	repo           PresenceRepository
	staleThreshold time.Duration
	now            Clock
	logger         *slog.Logger
}

func NewPresenceService(identities IdentityLookup, repo PresenceRepository, staleThreshold time.Duration, now Clock, logger *slog.Logger) *PresenceService {
	if now == nil {
		now = SystemClock
	}
	return &PresenceService{
		records:        make(map[string]*model.Presence),
		identities:     identities,
		repo:           repo,
		staleThreshold: staleThreshold,
		now:            now,
		logger:         logger.With(slog.String("component", "presence")),
	}
}

// Update 覆盖写位置；at 为零值或晚于当前时间时取当前时间。
// 早于已记录 LastSeenAt 的上报是乱序到达的旧位置，原样返回现有记录
func (s *PresenceService) Update(ctx context.Context, identityID string, loc model.Location, at time.Time) (*model.Presence, error) {
	if !pkg.ValidCoordinate(loc.Lat, loc.Lon) {
		return nil, pkg.ErrInvalidLocation.WithMessage("lat must be in [-90,90] and lon in [-180,180]")
	}
	now := s.now()
	if at.IsZero() || at.After(now) {
		at = now
	}

	s.mu.Lock()
	// 在锁内检查身份，避免与注销的清理交错
	if !s.identities.Exists(identityID) {
		s.mu.Unlock()
		return nil, pkg.ErrUnknownIdentity
	}
	if cur, ok := s.records[identityID]; ok && at.Before(cur.LastSeenAt) {
		cp := *cur
		cp.Online = s.online(cur, now)
		s.mu.Unlock()
		return &cp, nil
	}
	p := &model.Presence{
		IdentityID: identityID,
		Lat:        loc.Lat,
		Lon:        loc.Lon,
		LastSeenAt: at,
		Online:     true,
	}
	s.records[identityID] = p
	cp := *p
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Upsert(ctx, &cp); err != nil {
			s.logger.Error("persist presence failed", slog.String("id", identityID), slog.String("error", err.Error()))
		}
	}
	return &cp, nil
}

func (s *PresenceService) online(p *model.Presence, now time.Time) bool {
	return p.Online && now.Sub(p.LastSeenAt) <= s.staleThreshold
}

// QueryNearby 返回 radiusKm 范围内的全部记录，按距离升序、id 字典序打破平局
func (s *PresenceService) QueryNearby(origin model.Location, radiusKm float64, onlineOnly bool) ([]model.Nearby, error) {
	if !pkg.ValidCoordinate(origin.Lat, origin.Lon) {
		return nil, pkg.ErrInvalidLocation
	}
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm <= 0 {
		return nil, pkg.ErrInvalidRadius
	}
	return s.query(origin, radiusKm, onlineOnly, ""), nil
}

// NearbyOf 以身份自己的最后位置为原点，结果不含自己；radiusKm<=0 时使用身份的搜索半径，
// 显式给出的半径和身份半径受同样的上限约束
func (s *PresenceService) NearbyOf(identityID string, radiusKm float64, onlineOnly bool) ([]model.Nearby, error) {
	identity, err := s.identities.Get(identityID)
	if err != nil {
		return nil, err
	}
	if radiusKm <= 0 || math.IsNaN(radiusKm) {
		radiusKm = identity.SearchRadiusKm
	} else if err := s.identities.CheckRadius(radiusKm); err != nil {
		return nil, err
	}

	s.mu.RLock()
	p, ok := s.records[identityID]
	var origin model.Location
	if ok {
		origin = p.Location()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, pkg.ErrNotFound.WithMessage("no location reported for %s", identityID)
	}
	return s.query(origin, radiusKm, onlineOnly, identityID), nil
}

func (s *PresenceService) query(origin model.Location, radiusKm float64, onlineOnly bool, exclude string) []model.Nearby {
	now := s.now()
	s.mu.RLock()
	out := make([]model.Nearby, 0, 16)
	for id, p := range s.records {
		if id == exclude {
			continue
		}
		online := s.online(p, now)
		if onlineOnly && !online {
			continue
		}
		// 固定 (origin, record) 顺序计算，结果与遍历顺序无关
		d := pkg.HaversineKm(origin.Lat, origin.Lon, p.Lat, p.Lon)
		if d > radiusKm {
			continue
		}
		out = append(out, model.Nearby{
			IdentityID: id,
			DistanceKm: d,
			Online:     online,
			LastSeenAt: p.LastSeenAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	return out
}

func (s *PresenceService) Get(identityID string) (model.Presence, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[identityID]
	if !ok {
		return model.Presence{}, false
	}
	cp := *p
	cp.Online = s.online(p, now)
	return cp, true
}

// SetOffline 客户端主动下线；没有记录时忽略
func (s *PresenceService) SetOffline(ctx context.Context, identityID string) error {
	if !s.identities.Exists(identityID) {
		return pkg.ErrUnknownIdentity
	}
	s.mu.Lock()
	p, ok := s.records[identityID]
	if ok {
		p.Online = false
	}
	s.mu.Unlock()

	if ok && s.repo != nil {
		if err := s.repo.SetOffline(ctx, []string{identityID}); err != nil {
			s.logger.Error("persist offline failed", slog.String("id", identityID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Remove 身份注销时删除记录
func (s *PresenceService) Remove(ctx context.Context, identityID string) {
	s.mu.Lock()
	_, ok := s.records[identityID]
	delete(s.records, identityID)
	s.mu.Unlock()

	if ok && s.repo != nil {
		if err := s.repo.Delete(ctx, identityID); err != nil {
			s.logger.Error("delete presence failed", slog.String("id", identityID), slog.String("error", err.Error()))
		}
	}
}

// DemoteStale 把过期仍标记在线的记录落实为离线，由 sweeper 调用
func (s *PresenceService) DemoteStale(ctx context.Context, now time.Time) (int, error) {
	var demoted []string
	s.mu.Lock()
	for id, p := range s.records {
		if p.Online && now.Sub(p.LastSeenAt) > s.staleThreshold {
			p.Online = false
			demoted = append(demoted, id)
		}
	}
	s.mu.Unlock()

	if len(demoted) > 0 && s.repo != nil {
		if err := s.repo.SetOffline(ctx, demoted); err != nil {
			return len(demoted), fmt.Errorf("persist stale presence: %w", err)
		}
	}
	return len(demoted), nil
}

func (s *PresenceService) restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	list, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list presence: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range list {
		p := list[i]
		if !s.identities.Exists(p.IdentityID) {
			continue
		}
		s.records[p.IdentityID] = &p
		n++
	}
	return n, nil
}
