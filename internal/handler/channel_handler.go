package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"LoopIn/internal/middleware"
	"LoopIn/internal/service"
)

type ChannelHandler struct {
	svc *service.ChannelService
}

type ChannelCreateReq struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

func NewChannelHandler(svc *service.ChannelService) *ChannelHandler {
	return &ChannelHandler{svc: svc}
}

func (h *ChannelHandler) Create(c *gin.Context) {
	var req ChannelCreateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid params")
		return
	}
	channel, err := h.svc.Create(c.Request.Context(), req.Name, req.Category, middleware.IdentityID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, channel)
}

func (h *ChannelHandler) Get(c *gin.Context) {
	channel, err := h.svc.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, channel)
}

// List ?category= 缺省为 all
func (h *ChannelHandler) List(c *gin.Context) {
	list, err := h.svc.ListByCategory(c.Query("category"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": list})
}

func (h *ChannelHandler) ListDefault(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": h.svc.ListDefault()})
}

func (h *ChannelHandler) Categories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": h.svc.CategoryCounts()})
}

func (h *ChannelHandler) Join(c *gin.Context) {
	if err := h.svc.Join(c.Request.Context(), c.Param("id"), middleware.IdentityID(c)); err != nil {
		fail(c, err)
		return
	}
	ok(c)
}

func (h *ChannelHandler) Leave(c *gin.Context) {
	if err := h.svc.Leave(c.Request.Context(), c.Param("id"), middleware.IdentityID(c)); err != nil {
		fail(c, err)
		return
	}
	ok(c)
}

func (h *ChannelHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id"), middleware.IdentityID(c)); err != nil {
		fail(c, err)
		return
	}
	ok(c)
}
