package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/moderation"
)

type ModerationHandler struct {
	mod *moderation.Engine
}

func NewModerationHandler(mod *moderation.Engine) *ModerationHandler {
	return &ModerationHandler{mod: mod}
}

type ReportRequest struct {
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
}

type TargetRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Reason string `json:"reason"`
}

// BanRequest carries a Go duration string such as "24h"; empty means the
// configured default.
type BanRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Reason    string `json:"reason"`
	Temporary bool   `json:"temporary"`
	Duration  string `json:"duration"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

func parseDuration(raw string) (time.Duration, bool) {
	if raw == "" {
		return 0, true
	}
	d, err := time.ParseDuration(raw)
	return d, err == nil && d > 0
}

// optionalReason binds an optional JSON body.
func optionalReason(c *gin.Context) (string, bool) {
	var req ReasonRequest
	if c.Request.ContentLength == 0 {
		return c.Query("reason"), true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return "", false
	}
	return req.Reason, true
}

func (h *ModerationHandler) Report(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if err := h.mod.Report(c.Request.Context(), c.Param("id"), c.Param("msg"), req.Reason, req.Description); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "reported"})
}

func (h *ModerationHandler) Warn(c *gin.Context) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	res, err := h.mod.Warn(c.Request.Context(), req.UserID, c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ModerationHandler) ban(c *gin.Context, chatID string) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	d, ok := parseDuration(req.Duration)
	if !ok {
		badRequest(c)
		return
	}
	if err := h.mod.BanUserFromChat(c.Request.Context(), req.UserID, chatID, req.Reason, req.Temporary, d); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "banned"})
}

func (h *ModerationHandler) unban(c *gin.Context, chatID string) {
	reason, ok := optionalReason(c)
	if !ok {
		badRequest(c)
		return
	}
	if err := h.mod.UnbanUserFromChat(c.Request.Context(), c.Param("user"), chatID, reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned"})
}

func (h *ModerationHandler) Ban(c *gin.Context)   { h.ban(c, c.Param("id")) }
func (h *ModerationHandler) Unban(c *gin.Context) { h.unban(c, c.Param("id")) }

// GlobalBan and GlobalUnban act on the bans that apply across every chat.
func (h *ModerationHandler) GlobalBan(c *gin.Context)   { h.ban(c, "") }
func (h *ModerationHandler) GlobalUnban(c *gin.Context) { h.unban(c, "") }

func (h *ModerationHandler) Mute(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	d, ok := parseDuration(req.Duration)
	if !ok {
		badRequest(c)
		return
	}
	if err := h.mod.MuteUser(c.Request.Context(), req.UserID, c.Param("id"), d, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "muted"})
}

func (h *ModerationHandler) Unmute(c *gin.Context) {
	reason, ok := optionalReason(c)
	if !ok {
		badRequest(c)
		return
	}
	if err := h.mod.UnmuteUser(c.Request.Context(), c.Param("user"), c.Param("id"), reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unmuted"})
}

func (h *ModerationHandler) DeleteMessage(c *gin.Context) {
	reason, ok := optionalReason(c)
	if !ok {
		badRequest(c)
		return
	}
	m, err := h.mod.ModeratorDeleteMessage(c.Request.Context(), c.Param("id"), c.Param("msg"), reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *ModerationHandler) ToggleVisibility(c *gin.Context) {
	reason, ok := optionalReason(c)
	if !ok {
		badRequest(c)
		return
	}
	m, err := h.mod.ToggleMessageVisibility(c.Request.Context(), c.Param("id"), c.Param("msg"), reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// History pages backwards with ?before=<unix ms> of the last entry seen.
func (h *ModerationHandler) History(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c)
			return
		}
		limit = n
	}
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c)
			return
		}
		before = codec.FromMillis(ms)
	}
	actions, err := h.mod.GetModerationHistory(c.Request.Context(), c.Param("id"), limit, before)
	if err != nil {
		respondError(c, err)
		return
	}
	if actions == nil {
		actions = []models.ModerationAction{}
	}
	c.JSON(http.StatusOK, actions)
}

func (h *ModerationHandler) ClearHistory(c *gin.Context) {
	n, err := h.mod.ClearModerationHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// Permissions tells the client whether to show moderation controls.
func (h *ModerationHandler) Permissions(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := auth.Require(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	ok, err := h.mod.IsModerator(ctx, c.Param("id"), id.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"moderator": ok})
}

func (h *ModerationHandler) GrantModerator(c *gin.Context) {
	if err := h.mod.GrantGlobalModerator(c.Request.Context(), c.Param("user")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "granted"})
}

func (h *ModerationHandler) RevokeModerator(c *gin.Context) {
	if err := h.mod.RevokeGlobalModerator(c.Request.Context(), c.Param("user")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}
