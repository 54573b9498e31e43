// Package ws streams chat lists, open message lists, typing lists and the
// badge total to connected clients and accepts chat commands over the same
// socket.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/badge"
	"github.com/4xmen/goftogoo/internal/chatsync"
	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/presence"
	"github.com/4xmen/goftogoo/internal/unread"
	"github.com/4xmen/goftogoo/pkg/i18n"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

type Options struct {
	Chats    *chatsync.Engine
	Unread   *unread.Tracker
	Presence *presence.Engine
	// Tasks is the second badge source; BadgeSink receives each distinct
	// total. Both are optional.
	Tasks     badge.Source
	BadgeSink badge.Sink
	// AllowedOrigins is the CORS origin setting; "*" or empty allows any.
	AllowedOrigins string
	Log            *zap.Logger
}

type Hub struct {
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
	mu         sync.RWMutex
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		opts:       opts,
		log:        logger.OrNop(opts.Log),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	allowed := h.opts.AllowedOrigins
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// Run owns the client set until ctx ends. On return every connection is
// closed; clients still tearing down close their own send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("ws_client_connected", zap.String("user", client.id.ID), zap.Int("total", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info("ws_client_disconnected", zap.String("user", client.id.ID), zap.Int("total", n))

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.conn.Close()
			}
			h.mu.Unlock()
			return
		}
	}
}

// IsUserOnline reports whether userID has at least one open connection.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.id.ID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades an authenticated request. The identity must have
// been put on the request context by the auth middleware.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	id, ok := auth.FromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.Translate("unauthorized")})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws_upgrade_failed", zap.String("user", id.ID), zap.Error(err))
		return
	}

	// the request context ends when this handler returns
	ctx, cancel := context.WithCancel(auth.WithIdentity(context.Background(), id))
	client := &Client{
		id:     id,
		conn:   conn,
		hub:    h,
		send:   make(chan Event, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	select {
	case h.register <- client:
	case <-h.stopped:
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	client.start()
	go client.readPump()
}
