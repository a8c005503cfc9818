package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrTokenNotFound    = errors.New("token not found")
	ErrRedisUnavailable = errors.New("redis unavailable")
	ErrExtendFailed     = errors.New("token extend failed")
	ErrTokenDeleted     = errors.New("token delete failed")
)

const IdentityTokenPrefix = "loopin:identity:token"

// TokenRepository 每个身份只保留最后签发的一个 token
type TokenRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTokenRepository(rdb *redis.Client, ttl time.Duration) *TokenRepository {
	return &TokenRepository{rdb: rdb, ttl: ttl}
}

func (r *TokenRepository) key(identityID string) string {
	return fmt.Sprintf("%s:%s", IdentityTokenPrefix, identityID)
}

func (r *TokenRepository) AddToken(ctx context.Context, identityID, token string) error {
	if err := r.rdb.Set(ctx, r.key(identityID), token, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (r *TokenRepository) GetToken(ctx context.Context, identityID string) (string, error) {
	token, err := r.rdb.Get(ctx, r.key(identityID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return token, nil
}

// ExtendToken 校验通过后续期
func (r *TokenRepository) ExtendToken(ctx context.Context, identityID string) error {
	if err := r.rdb.Expire(ctx, r.key(identityID), r.ttl).Err(); err != nil {
		return ErrExtendFailed
	}
	return nil
}

// DeleteToken 幂等
func (r *TokenRepository) DeleteToken(ctx context.Context, identityID string) error {
	if err := r.rdb.Del(ctx, r.key(identityID)).Err(); err != nil {
		return ErrTokenDeleted
	}
	return nil
}
