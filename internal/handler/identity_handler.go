package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"LoopIn/internal/middleware"
	"LoopIn/internal/model"
	"LoopIn/internal/service"
)

type IdentityHandler struct {
	svc *service.IdentityService
}

type IdentityCreateReq struct {
	ID       string   `json:"id"`
	RadiusKm *float64 `json:"radius_km"`
}

type RadiusReq struct {
	RadiusKm *float64 `json:"radius_km"`
}

type IdentityResp struct {
	Identity  *model.Identity `json:"identity"`
	Token     string          `json:"token"`
	ExpiresIn int64           `json:"expires_in"`
}

func NewIdentityHandler(svc *service.IdentityService) *IdentityHandler {
	return &IdentityHandler{svc: svc}
}

// Create 请求体可以为空，此时随机生成 id
func (h *IdentityHandler) Create(c *gin.Context) {
	var req IdentityCreateReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid params")
			return
		}
	}
	identity, token, err := h.svc.Register(c.Request.Context(), req.ID, req.RadiusKm)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, IdentityResp{
		Identity:  identity,
		Token:     token,
		ExpiresIn: int64(h.svc.TokenTTL().Seconds()),
	})
}

func (h *IdentityHandler) Me(c *gin.Context) {
	identity, err := h.svc.Get(middleware.IdentityID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, identity)
}

func (h *IdentityHandler) Revoke(c *gin.Context) {
	if err := h.svc.Revoke(c.Request.Context(), middleware.IdentityID(c)); err != nil {
		fail(c, err)
		return
	}
	ok(c)
}

func (h *IdentityHandler) UpdateRadius(c *gin.Context) {
	var req RadiusReq
	if err := c.ShouldBindJSON(&req); err != nil || req.RadiusKm == nil {
		badRequest(c, "radius_km required")
		return
	}
	identity, err := h.svc.UpdateRadius(c.Request.Context(), middleware.IdentityID(c), *req.RadiusKm)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, identity)
}
