package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/push"
)

type PushHandler struct {
	push *push.WebPush
}

func NewPushHandler(p *push.WebPush) *PushHandler {
	return &PushHandler{push: p}
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// VAPIDKey returns an empty key when push is not configured.
func (h *PushHandler) VAPIDKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.push.VAPIDPublicKey()})
}

func (h *PushHandler) Subscribe(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := auth.Require(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	err = h.push.Register(ctx, push.Subscription{
		UserID:    id.ID,
		Endpoint:  req.Endpoint,
		KeyP256dh: req.Keys.P256dh,
		KeyAuth:   req.Keys.Auth,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

func (h *PushHandler) Unsubscribe(c *gin.Context) {
	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := h.push.Unregister(c.Request.Context(), req.Endpoint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
