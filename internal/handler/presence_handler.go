package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"LoopIn/internal/middleware"
	"LoopIn/internal/model"
	"LoopIn/internal/service"
)

type PresenceHandler struct {
	svc *service.PresenceService
}

type LocationReq struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	// 客户端定位时间，可选
	At *time.Time `json:"at"`
}

func NewPresenceHandler(svc *service.PresenceService) *PresenceHandler {
	return &PresenceHandler{svc: svc}
}

func (h *PresenceHandler) Update(c *gin.Context) {
	var req LocationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lon == nil {
		badRequest(c, "lat and lon required")
		return
	}
	var at time.Time
	if req.At != nil {
		at = req.At.UTC()
	}
	p, err := h.svc.Update(c.Request.Context(), middleware.IdentityID(c), model.Location{Lat: *req.Lat, Lon: *req.Lon}, at)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PresenceHandler) Offline(c *gin.Context) {
	if err := h.svc.SetOffline(c.Request.Context(), middleware.IdentityID(c)); err != nil {
		fail(c, err)
		return
	}
	ok(c)
}

// Nearby radius 缺省时使用身份自己的搜索半径
func (h *PresenceHandler) Nearby(c *gin.Context) {
	var radius float64
	if raw := c.Query("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || !(v > 0) {
			badRequest(c, "radius must be a positive number")
			return
		}
		radius = v
	}
	onlineOnly := false
	if raw := c.Query("online_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "online_only must be a boolean")
			return
		}
		onlineOnly = v
	}

	list, err := h.svc.NearbyOf(middleware.IdentityID(c), radius, onlineOnly)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nearby": list})
}
