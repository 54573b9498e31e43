package handlers

import (
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/blob"
	"github.com/4xmen/goftogoo/internal/chatsync"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/presence"
	"github.com/4xmen/goftogoo/internal/unread"
	"github.com/4xmen/goftogoo/pkg/i18n"
)

type ChatHandler struct {
	chats         *chatsync.Engine
	unread        *unread.Tracker
	presence      *presence.Engine
	blobs         blob.Store
	maxUploadSize int64
	log           *zap.Logger
}

func NewChatHandler(chats *chatsync.Engine, tracker *unread.Tracker, typing *presence.Engine, blobs blob.Store, maxUploadSize int64, log *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chats:         chats,
		unread:        tracker,
		presence:      typing,
		blobs:         blobs,
		maxUploadSize: maxUploadSize,
		log:           logger.OrNop(log),
	}
}

type CreateChatRequest struct {
	Type             models.ChatType   `json:"type" binding:"required"`
	Participants     []string          `json:"participants"`
	ParticipantNames map[string]string `json:"participant_names"`
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	GroupID          string            `json:"group_id"`
	Moderators       []string          `json:"moderators"`
}

type SendMessageRequest struct {
	ID       string             `json:"id"`
	Content  string             `json:"content"`
	Type     models.MessageType `json:"type"`
	ReplyTo  *models.ReplyRef   `json:"reply_to"`
	Mentions []string           `json:"mentions"`
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

type ReactRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

type UnreadResponse struct {
	Total int            `json:"total"`
	Chats map[string]int `json:"chats"`
}

// ListChats returns the caller's chats, most recently active first.
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chats.ListChats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	chat, err := h.chats.CreateChat(c.Request.Context(), models.Chat{
		Type:             req.Type,
		Participants:     req.Participants,
		ParticipantNames: req.ParticipantNames,
		Name:             req.Name,
		Description:      req.Description,
		GroupID:          req.GroupID,
		Moderators:       req.Moderators,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *ChatHandler) DeleteChat(c *gin.Context) {
	res, err := h.chats.DeleteChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RefreshChats forces a chat list reload unless one ran recently.
func (h *ChatHandler) RefreshChats(c *gin.Context) {
	refreshed, err := h.chats.RefreshChats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed})
}

// GetMessages returns the newest page, or with ?before=<unix ms> the page
// strictly older than that instant.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	ctx := c.Request.Context()
	chatID := c.Param("id")

	var (
		msgs []models.Message
		err  error
	)
	if raw := c.Query("before"); raw != "" {
		ms, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			badRequest(c)
			return
		}
		msgs, err = h.chats.LoadOlderMessages(ctx, chatID, models.Message{Timestamp: codec.FromMillis(ms)})
	} else {
		msgs, err = h.chats.Messages(ctx, chatID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// SendMessage answers 202 when the sender's spam window is full and nothing
// was written.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	ack, err := h.chats.Send(c.Request.Context(), models.Message{
		ID:       req.ID,
		ChatID:   c.Param("id"),
		Content:  req.Content,
		Type:     req.Type,
		ReplyTo:  req.ReplyTo,
		Mentions: req.Mentions,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if ack.Throttled {
		c.JSON(http.StatusAccepted, ack)
		return
	}
	c.JSON(http.StatusCreated, ack)
}

func (h *ChatHandler) EditMessage(c *gin.Context) {
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	m, err := h.chats.Edit(c.Request.Context(), c.Param("id"), c.Param("msg"), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	m, err := h.chats.Delete(c.Request.Context(), c.Param("id"), c.Param("msg"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *ChatHandler) React(c *gin.Context) {
	var req ReactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	m, err := h.chats.React(c.Request.Context(), c.Param("id"), c.Param("msg"), req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *ChatHandler) MarkAsRead(c *gin.Context) {
	if err := h.chats.MarkRead(c.Request.Context(), c.Param("id"), c.Param("msg")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ChatHandler) Search(c *gin.Context) {
	msgs, err := h.chats.Search(c.Request.Context(), c.Param("id"), c.Query("q"))
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// GetUnread returns the caller's unread count for every chat and their sum.
func (h *ChatHandler) GetUnread(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := auth.Require(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	chats, err := h.chats.ListChats(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := UnreadResponse{Chats: make(map[string]int, len(chats))}
	for _, chat := range chats {
		n, err := h.unread.UnreadCount(ctx, chat.ID, id.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		resp.Chats[chat.ID] = n
		resp.Total += n
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) MarkChatRead(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := auth.Require(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.unread.MarkChatRead(ctx, c.Param("id"), id.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ChatHandler) MarkAllRead(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := auth.Require(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.unread.MarkAllRead(ctx, id.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartTyping reports sent=false when the call fell inside the throttle
// interval.
func (h *ChatHandler) StartTyping(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := auth.Require(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	sent, err := h.presence.StartTyping(ctx, c.Param("id"), id.ID, id.DisplayName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

func (h *ChatHandler) StopTyping(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := auth.Require(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.presence.StopTyping(ctx, c.Param("id"), id.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UploadImage stores an image attachment and sends it as an image message
// with the optional caption form field.
func (h *ChatHandler) UploadImage(c *gin.Context) {
	ctx := c.Request.Context()
	chatID := c.Param("id")

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.Translate("file is required")})
		return
	}
	if h.maxUploadSize > 0 && file.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": i18n.Translate("file too large")})
		return
	}
	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.Translate("file is required")})
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.Translate("file is required")})
		return
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.Translate("only images can be attached")})
		return
	}

	url, err := h.blobs.Upload(ctx, path.Join("chats", chatID, uuid.NewString()+mt.Extension()), data, mt.String())
	if errors.Is(err, blob.ErrTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": i18n.Translate("file too large")})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.Translate("failed to save file")})
		return
	}

	ack, err := h.chats.Send(ctx, models.Message{
		ChatID:        chatID,
		Type:          models.MessageImage,
		Content:       c.PostForm("caption"),
		AttachmentURL: url,
	})
	if err != nil || ack.Throttled {
		if derr := h.blobs.Delete(ctx, url); derr != nil {
			h.log.Warn("orphan_attachment_cleanup_failed", zap.String("url", url), zap.Error(derr))
		}
	}
	if err != nil {
		respondError(c, err)
		return
	}
	if ack.Throttled {
		c.JSON(http.StatusAccepted, ack)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message_id": ack.MessageID, "url": url})
}

// ServeFiles serves stored attachments with their sniffed content type.
func ServeFiles(fs *blob.FS) gin.HandlerFunc {
	return func(c *gin.Context) {
		full, contentType, err := fs.Open(blob.URLPrefix + strings.TrimPrefix(c.Param("filepath"), "/"))
		if err != nil {
			if !errors.Is(err, blob.ErrNotFound) {
				_ = c.Error(err)
			}
			respondError(c, apperr.NotFound("not found"))
			return
		}
		c.Header("Content-Type", contentType)
		c.Header("Cache-Control", "public, max-age=31536000, immutable")
		c.File(full)
	}
}
