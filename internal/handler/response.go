package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"LoopIn/internal/pkg"
)

// fail 业务错误按错误码映射状态码；内部错误不向客户端暴露细节
func fail(c *gin.Context, err error) {
	code := pkg.CodeOf(err)
	msg := err.Error()
	if code == pkg.CodeInternal {
		slog.Default().Error("request failed", slog.String("path", c.FullPath()), slog.String("error", msg))
		msg = "internal error"
	}
	c.JSON(pkg.HTTPStatus(code), gin.H{"code": code, "msg": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": pkg.CodeInvalidArgument, "msg": msg})
}

func ok(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"msg": "ok"})
}

// queryUint 缺省返回 0
func queryUint(c *gin.Context, key string) (uint64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	return v, err == nil
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}
