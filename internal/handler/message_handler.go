package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"LoopIn/internal/middleware"
	"LoopIn/internal/model"
	"LoopIn/internal/pkg"
	"LoopIn/internal/service"
)

const defaultHeartbeat = 15 * time.Second

type MessageHandler struct {
	svc       *service.MessageService
	heartbeat time.Duration
	logger    *slog.Logger
}

type MessageSubmitReq struct {
	Body         string `json:"body"`
	Disappearing bool   `json:"disappearing"`
}

type MessageListResp struct {
	Messages []model.Message `json:"messages"`
	// 下一页的 before_id；本页为空时为 0
	NextBeforeID uint64 `json:"next_before_id"`
}

func NewMessageHandler(svc *service.MessageService, heartbeat time.Duration, logger *slog.Logger) *MessageHandler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &MessageHandler{svc: svc, heartbeat: heartbeat, logger: logger.With(slog.String("component", "stream"))}
}

func channelTarget(c *gin.Context) model.Target {
	return model.ChannelTarget(c.Param("id"))
}

func directTarget(c *gin.Context) model.Target {
	return model.DirectTarget(middleware.IdentityID(c), c.Param("peer"))
}

func (h *MessageHandler) SubmitChannel(c *gin.Context) { h.submit(c, channelTarget(c)) }
func (h *MessageHandler) HistoryChannel(c *gin.Context) { h.history(c, channelTarget(c)) }
func (h *MessageHandler) StreamChannel(c *gin.Context) { h.stream(c, channelTarget(c)) }

func (h *MessageHandler) SubmitDirect(c *gin.Context) { h.submit(c, directTarget(c)) }
func (h *MessageHandler) HistoryDirect(c *gin.Context) { h.history(c, directTarget(c)) }
func (h *MessageHandler) StreamDirect(c *gin.Context) { h.stream(c, directTarget(c)) }

func (h *MessageHandler) submit(c *gin.Context, target model.Target) {
	var req MessageSubmitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid params")
		return
	}
	msg, err := h.svc.Submit(c.Request.Context(), middleware.IdentityID(c), target, req.Body, req.Disappearing)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *MessageHandler) history(c *gin.Context, target model.Target) {
	beforeID, ok1 := queryUint(c, "before_id")
	limit, ok2 := queryInt(c, "limit")
	if !ok1 || !ok2 || limit < 0 {
		badRequest(c, "before_id and limit must be non-negative integers")
		return
	}
	if err := h.svc.Authorize(middleware.IdentityID(c), target); err != nil {
		fail(c, err)
		return
	}
	list, err := h.svc.History(c.Request.Context(), target, beforeID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	resp := MessageListResp{Messages: list}
	if n := len(list); n > 0 {
		resp.NextBeforeID = list[n-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// Get 只能读取自己有权限的 target 下的消息
func (h *MessageHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid message id")
		return
	}
	msg, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	target := model.Target{ChannelID: msg.ChannelID, PairKey: msg.PairKey}
	if err := h.svc.Authorize(middleware.IdentityID(c), target); err != nil {
		fail(c, pkg.ErrNotFound.WithMessage("message %d not found", id))
		return
	}
	c.JSON(http.StatusOK, msg)
}

// stream SSE：event=message 推送定稿消息，event=ping 心跳；会话被服务端断开时发送 closed
func (h *MessageHandler) stream(c *gin.Context, target model.Target) {
	me := middleware.IdentityID(c)
	session, err := h.svc.Subscribe(me, target)
	if err != nil {
		fail(c, err)
		return
	}
	defer h.svc.Unsubscribe(session)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	h.logger.Debug("stream opened", slog.String("session", session.ID), slog.String("identity", me), slog.String("target", session.TargetKey))

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.SSEvent("ready", gin.H{"session": session.ID, "target": session.TargetKey})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg, open := <-session.Messages():
			if !open {
				c.SSEvent("closed", gin.H{"reason": "session ended"})
				return false
			}
			c.SSEvent("message", msg)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
	h.logger.Debug("stream closed", slog.String("session", session.ID))
}
