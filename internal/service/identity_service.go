package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"LoopIn/internal/config"
	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,32}$`)

// RevokeHook 身份注销后的级联清理
type RevokeHook func(ctx context.Context, identityID string)

// IssueHook 新 token 生效后调用，旧 token 此时已被取代
type IssueHook func(ctx context.Context, identityID string)

type IdentityService struct {
	mu         sync.RWMutex
	identities map[string]*model.Identity
	retired    map[string]struct{}
	hooks      []RevokeHook
	issueHooks []IssueHook

	repo     IdentityRepository
	tokens   *pkg.TokenManager
	store    TokenStore
	opts     config.IdentityConfig
	randIntn func(n int) (int, error)
	now      Clock
	logger   *slog.Logger
}

func NewIdentityService(opts config.IdentityConfig, repo IdentityRepository, tokens *pkg.TokenManager, store TokenStore, now Clock, logger *slog.Logger) *IdentityService {
	if now == nil {
		now = SystemClock
	}
	return &IdentityService{
		identities: make(map[string]*model.Identity),
		retired:    make(map[string]struct{}),
		repo:       repo,
		tokens:     tokens,
		store:      store,
		opts:       opts,
		randIntn:   pkg.RandIntn,
		now:        now,
		logger:     logger.With(slog.String("component", "identity")),
	}
}

// OnRevoke 注册级联清理，按注册顺序执行
func (s *IdentityService) OnRevoke(h RevokeHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// OnIssue 注册 token 签发后的回调
func (s *IdentityService) OnIssue(h IssueHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issueHooks = append(s.issueHooks, h)
}

// Register 创建身份并签发首个 token。任一步失败都撤回刚创建的身份，id 不进 retired 可以重用
func (s *IdentityService) Register(ctx context.Context, requestedID string, radiusKm *float64) (*model.Identity, string, error) {
	if radiusKm != nil {
		if err := s.CheckRadius(*radiusKm); err != nil {
			return nil, "", err
		}
	}
	identity, err := s.Create(ctx, requestedID)
	if err != nil {
		return nil, "", err
	}
	id := identity.ID
	if radiusKm != nil {
		if identity, err = s.UpdateRadius(ctx, id, *radiusKm); err != nil {
			s.discard(ctx, id)
			return nil, "", err
		}
	}
	token, err := s.IssueToken(ctx, id)
	if err != nil {
		s.discard(ctx, id)
		return nil, "", err
	}
	return identity, token, nil
}

// discard 撤回还没交给客户端的身份，不触发注销回调
func (s *IdentityService) discard(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.identities, id)
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Delete(ctx, id); err != nil {
			s.logger.Error("rollback identity failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	s.logger.Warn("identity creation rolled back", slog.String("id", id))
}

// Create 优先使用请求的 id；已被占用时退回随机生成
func (s *IdentityService) Create(ctx context.Context, requestedID string) (*model.Identity, error) {
	requestedID = strings.TrimSpace(requestedID)
	if requestedID != "" && !identityPattern.MatchString(requestedID) {
		return nil, pkg.ErrInvalidIdentity.WithMessage("identity id must be 1-32 letters, digits, '_', '-' or '.'")
	}

	s.mu.Lock()
	id := ""
	if requestedID != "" && s.available(requestedID) {
		id = requestedID
	} else {
		if requestedID != "" {
			s.logger.Debug("requested id in use, generating", slog.String("requested", requestedID))
		}
		var err error
		if id, err = s.generate(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	identity := &model.Identity{
		ID:             id,
		SearchRadiusKm: s.opts.DefaultRadiusKm,
		CreatedAt:      s.now(),
	}
	s.identities[id] = identity
	cp := *identity
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Create(ctx, &cp); err != nil {
			s.logger.Error("persist identity failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	identitiesCreatedTotal.Inc()
	s.logger.Info("identity created", slog.String("id", id))
	return &cp, nil
}

// available 调用方持有写锁
func (s *IdentityService) available(id string) bool {
	if _, ok := s.identities[id]; ok {
		return false
	}
	_, gone := s.retired[id]
	return !gone
}

// generate 前缀 + 1..MaxSuffix，碰撞重试有上限
func (s *IdentityService) generate() (string, error) {
	for attempt := 0; attempt < s.opts.MaxGenerateAttempts; attempt++ {
		p, err := s.randIntn(len(s.opts.Prefixes))
		if err != nil {
			return "", pkg.Internal("random source failed", err)
		}
		n, err := s.randIntn(s.opts.MaxSuffix)
		if err != nil {
			return "", pkg.Internal("random source failed", err)
		}
		id := fmt.Sprintf("%s%d", s.opts.Prefixes[p], n+1)
		if s.available(id) {
			return id, nil
		}
	}
	return "", pkg.ErrExhaustedNamespace.WithMessage("no free identity after %d attempts", s.opts.MaxGenerateAttempts)
}

func (s *IdentityService) Get(id string) (*model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, pkg.ErrUnknownIdentity
	}
	cp := *identity
	return &cp, nil
}

func (s *IdentityService) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.identities[id]
	return ok
}

func (s *IdentityService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

// CheckRadius 半径必须为正且不超过上限
func (s *IdentityService) CheckRadius(radiusKm float64) error {
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm <= 0 || (s.opts.MaxRadiusKm > 0 && radiusKm > s.opts.MaxRadiusKm) {
		return pkg.ErrInvalidRadius.WithMessage("search radius must be in (0, %g] km", s.opts.MaxRadiusKm)
	}
	return nil
}

// UpdateRadius 唯一可变字段
func (s *IdentityService) UpdateRadius(ctx context.Context, id string, radiusKm float64) (*model.Identity, error) {
	if err := s.CheckRadius(radiusKm); err != nil {
		return nil, err
	}

	s.mu.Lock()
	identity, ok := s.identities[id]
	if !ok {
		s.mu.Unlock()
		return nil, pkg.ErrUnknownIdentity
	}
	identity.SearchRadiusKm = radiusKm
	cp := *identity
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.UpdateRadius(ctx, id, radiusKm); err != nil {
			s.logger.Error("persist radius failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	return &cp, nil
}

// Revoke 删除身份并级联清理；历史消息保留，作者改为墓碑标签
func (s *IdentityService) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.identities[id]; !ok {
		s.mu.Unlock()
		return pkg.ErrUnknownIdentity
	}
	delete(s.identities, id)
	s.retired[id] = struct{}{}
	hooks := append([]RevokeHook(nil), s.hooks...)
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Delete(ctx, id); err != nil {
			s.logger.Error("persist revoke failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	if s.store != nil {
		if err := s.store.DeleteToken(ctx, id); err != nil {
			s.logger.Warn("delete token failed", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	for _, h := range hooks {
		h(ctx, id)
	}
	identitiesRevokedTotal.Inc()
	s.logger.Info("identity revoked", slog.String("id", id))
	return nil
}

// IssueToken 签发 access token；启用 token store 时只保留最新一个
func (s *IdentityService) IssueToken(ctx context.Context, id string) (string, error) {
	if !s.Exists(id) {
		return "", pkg.ErrUnknownIdentity
	}
	token, err := s.tokens.Generate(id)
	if err != nil {
		return "", pkg.Internal("sign token failed", err)
	}
	if s.store != nil {
		if err := s.store.AddToken(ctx, id, token); err != nil {
			return "", pkg.Internal("store token failed", err)
		}
	}
	s.mu.RLock()
	hooks := append([]IssueHook(nil), s.issueHooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, id)
	}
	return token, nil
}

func (s *IdentityService) TokenTTL() time.Duration { return s.tokens.TTL() }

var errUnauthenticated = &pkg.AppError{Code: pkg.CodeUnauthenticated, Kind: "Unauthenticated", Message: "invalid or expired token"}

// VerifyToken 返回 token 对应的身份 id
func (s *IdentityService) VerifyToken(ctx context.Context, token string) (string, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		if errors.Is(err, pkg.ErrTokenExpired) {
			return "", errUnauthenticated.WithMessage("token expired")
		}
		return "", errUnauthenticated
	}
	if !s.Exists(claims.IdentityID) {
		return "", errUnauthenticated.WithMessage("identity revoked")
	}
	if s.store == nil {
		return claims.IdentityID, nil
	}

	current, err := s.store.GetToken(ctx, claims.IdentityID)
	if err != nil || current != token {
		return "", errUnauthenticated.WithMessage("token superseded")
	}
	if err := s.store.ExtendToken(ctx, claims.IdentityID); err != nil {
		s.logger.Warn("extend token failed", slog.String("id", claims.IdentityID), slog.String("error", err.Error()))
	}
	return claims.IdentityID, nil
}

// restore 启动时从存储恢复
func (s *IdentityService) restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	retired, err := s.repo.ListRetired(ctx)
	if err != nil {
		return 0, fmt.Errorf("list retired identities: %w", err)
	}
	list, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list identities: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range retired {
		s.retired[id] = struct{}{}
	}
	for i := range list {
		identity := list[i]
		s.identities[identity.ID] = &identity
	}
	return len(list), nil
}
