package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"LoopIn/internal/pkg"
)

const ContextIdentityIDKey = "identity_id"

// TokenVerifier 校验 token 并返回身份 id
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// Auth 带 LRU 缓存的 bearer token 校验
type Auth struct {
	verifier TokenVerifier
	cache    *expirable.LRU[string, string]
}

func NewAuth(verifier TokenVerifier, cacheSize int, cacheTTL time.Duration) *Auth {
	a := &Auth{verifier: verifier}
	if cacheSize > 0 && cacheTTL > 0 {
		a.cache = expirable.NewLRU[string, string](cacheSize, nil, cacheTTL)
	}
	return a
}

// Invalidate 身份注销后清掉它的缓存 token
func (a *Auth) Invalidate(_ context.Context, identityID string) {
	if a.cache == nil {
		return
	}
	for _, token := range a.cache.Keys() {
		if id, ok := a.cache.Peek(token); ok && id == identityID {
			a.cache.Remove(token)
		}
	}
}

func (a *Auth) verify(ctx context.Context, token string) (string, error) {
	if a.cache != nil {
		if id, ok := a.cache.Get(token); ok {
			return id, nil
		}
	}
	id, err := a.verifier.VerifyToken(ctx, token)
	if err != nil {
		return "", err
	}
	if a.cache != nil {
		a.cache.Add(token, id)
	}
	return id, nil
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": pkg.CodeUnauthenticated, "msg": msg})
}

// Middleware 浏览器的 EventSource 不能带 header，stream 接口允许 ?token=
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abortUnauthorized(c, "invalid authorization format")
				return
			}
			tokenStr = parts[1]
		}
		if tokenStr == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		id, err := a.verify(c.Request.Context(), tokenStr)
		if err != nil {
			status := pkg.HTTPStatus(pkg.CodeOf(err))
			c.AbortWithStatusJSON(status, gin.H{"code": pkg.CodeOf(err), "msg": err.Error()})
			return
		}

		// 注入 identity_id
		c.Set(ContextIdentityIDKey, id)
		c.Next()
	}
}

// IdentityID 取出认证后的身份 id
func IdentityID(c *gin.Context) string {
	return c.GetString(ContextIdentityIDKey)
}
