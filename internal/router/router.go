package router

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"LoopIn/internal/config"
	"LoopIn/internal/handler"
	"LoopIn/internal/middleware"
	"LoopIn/internal/service"
)

func InitRouter(cfg *config.Config, svc *service.Services, logger *slog.Logger) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger), middleware.Metrics())

	auth := middleware.NewAuth(svc.Identity, cfg.JWT.CacheSize, cfg.JWT.CacheTTL)
	svc.Identity.OnRevoke(auth.Invalidate)
	svc.Identity.OnIssue(auth.Invalidate)
	authed := auth.Middleware()

	identity := handler.NewIdentityHandler(svc.Identity)
	presence := handler.NewPresenceHandler(svc.Presence)
	channel := handler.NewChannelHandler(svc.Channels)
	message := handler.NewMessageHandler(svc.Messages, 0, logger)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "identities": svc.Identity.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 身份相关接口
	identityGroup := r.Group("/api/identity")
	{
		identityGroup.POST("", identity.Create)
		identityGroup.GET("", authed, identity.Me)
		identityGroup.DELETE("", authed, identity.Revoke)
		identityGroup.PUT("/radius", authed, identity.UpdateRadius)
	}

	// 位置相关接口
	presenceGroup := r.Group("/api/presence")
	presenceGroup.Use(authed)
	{
		presenceGroup.POST("", presence.Update)
		presenceGroup.POST("/offline", presence.Offline)
		presenceGroup.GET("/nearby", presence.Nearby)
	}

	// 频道相关接口，列表类接口无需登录
	channelGroup := r.Group("/api/channels")
	{
		channelGroup.GET("", channel.List)
		channelGroup.GET("/default", channel.ListDefault)
		channelGroup.GET("/categories", channel.Categories)
		channelGroup.GET("/:id", channel.Get)
		channelGroup.POST("", authed, channel.Create)
		channelGroup.DELETE("/:id", authed, channel.Delete)
		channelGroup.POST("/:id/join", authed, channel.Join)
		channelGroup.POST("/:id/leave", authed, channel.Leave)
		channelGroup.POST("/:id/messages", authed, message.SubmitChannel)
		channelGroup.GET("/:id/messages", authed, message.HistoryChannel)
		channelGroup.GET("/:id/stream", authed, message.StreamChannel)
	}

	// 私聊相关接口
	directGroup := r.Group("/api/direct")
	directGroup.Use(authed)
	{
		directGroup.POST("/:peer/messages", message.SubmitDirect)
		directGroup.GET("/:peer/messages", message.HistoryDirect)
		directGroup.GET("/:peer/stream", message.StreamDirect)
	}

	r.GET("/api/messages/:id", authed, message.Get)

	return r
}
