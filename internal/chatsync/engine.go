// Package chatsync keeps a locally cached, eventually consistent view of chat
// lists and message lists in sync with the ordered store, and performs the
// message mutations (send, edit, delete, react, read).
package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/blob"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/metrics"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/push"
	"github.com/4xmen/goftogoo/internal/ratelimit"
	"github.com/4xmen/goftogoo/internal/spam"
	"github.com/4xmen/goftogoo/internal/stream"
	"github.com/4xmen/goftogoo/internal/timeutil"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/pkg/config"
)

// Gate decides whether a participant may currently post to a chat. A
// non-nil error is returned to the sender unchanged.
type Gate interface {
	CanPost(ctx context.Context, chatID, userID string) error
}

// AdminChecker resolves the persisted global administrator flag.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// ReadListener is notified synchronously, on the goroutine that performed
// the change, so derived counts are consistent when the call returns.
type ReadListener interface {
	OnChatRead(ev models.ReadEvent)
	OnChatsUpdated(userID string, chats []models.Chat)
}

type Options struct {
	Tree    tree.Store
	Blobs   blob.Store
	Push    push.Gateway
	Guard   *spam.Guard
	Gate    Gate
	Admins  AdminChecker
	Clock   timeutil.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Tuning  config.Tuning
}

// Ack is the result of a send. Throttled sends are not errors.
type Ack struct {
	MessageID string `json:"message_id,omitempty"`
	Throttled bool   `json:"throttled,omitempty"`
}

type DeleteChatResult struct {
	AttachmentsDeleted int `json:"attachments_deleted"`
	AttachmentsFailed  int `json:"attachments_failed"`
}

const notifiedCap = 4096

type Engine struct {
	tree    tree.Store
	blobs   blob.Store
	push    push.Gateway
	guard   *spam.Guard
	gate    Gate
	admins  AdminChecker
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	tuning  config.Tuning

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	chatFeeds   map[string]*chatFeed
	msgFeeds    map[string]*messageFeed
	chatCache   map[string]models.Chat
	lastRefresh map[string]time.Time
	listeners   []ReadListener
	notified    map[string]struct{}
	notifyOrder []string
	closed      bool

	reads *stream.Feed[models.ReadEvent]
}

func New(opts Options) *Engine {
	if opts.Tuning == (config.Tuning{}) {
		opts.Tuning = config.DefaultTuning()
	}
	clock := timeutil.OrReal(opts.Clock)
	if opts.Guard == nil {
		opts.Guard = spam.New(opts.Tuning.MaxMessageLength,
			ratelimit.NewSlidingWindow(opts.Tuning.SpamLimit, opts.Tuning.SpamWindow, clock))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		tree:        opts.Tree,
		blobs:       opts.Blobs,
		push:        opts.Push,
		guard:       opts.Guard,
		gate:        opts.Gate,
		admins:      opts.Admins,
		clock:       clock,
		log:         logger.OrNop(opts.Log),
		metrics:     opts.Metrics,
		tuning:      opts.Tuning,
		ctx:         ctx,
		cancel:      cancel,
		chatFeeds:   make(map[string]*chatFeed),
		msgFeeds:    make(map[string]*messageFeed),
		chatCache:   make(map[string]models.Chat),
		lastRefresh: make(map[string]time.Time),
		notified:    make(map[string]struct{}),
		reads:       stream.NewFeed[models.ReadEvent](),
	}
}

// SetGate installs the posting gate after construction, for engines that
// are built from each other.
func (e *Engine) SetGate(g Gate) {
	e.mu.Lock()
	e.gate = g
	e.mu.Unlock()
}

func (e *Engine) AddReadListener(l ReadListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *Engine) readListeners() []ReadListener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ReadListener(nil), e.listeners...)
}

// ReadEvents streams every read receipt recorded through MarkRead.
func (e *Engine) ReadEvents() *stream.Subscription[models.ReadEvent] {
	return e.reads.Subscribe()
}

// Close detaches every store listener and closes every feed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	chats := e.chatFeeds
	msgs := e.msgFeeds
	e.chatFeeds = make(map[string]*chatFeed)
	e.msgFeeds = make(map[string]*messageFeed)
	e.mu.Unlock()

	for _, f := range chats {
		f.stop()
	}
	for _, f := range msgs {
		f.stop()
	}
	e.reads.Close()
	e.cancel()
}

// loadChat fetches and decodes a chat, treating soft-deleted chats as
// missing.
func (e *Engine) loadChat(ctx context.Context, chatID string) (models.Chat, error) {
	raw, err := e.tree.Get(ctx, codec.ChatPath(chatID))
	if errors.Is(err, tree.ErrNotFound) {
		return models.Chat{}, apperr.NotFound("chat not found")
	}
	if err != nil {
		if c, ok := e.cachedChat(chatID); ok {
			e.log.Warn("chat_load_fell_back_to_cache", zap.String("chat", chatID), zap.Error(err))
			return c, nil
		}
		return models.Chat{}, apperr.Remote(err, "load chat")
	}
	c, err := codec.DecodeChat(chatID, raw)
	if err != nil {
		return models.Chat{}, apperr.NotFound("chat not found")
	}
	if c.Deleted {
		return models.Chat{}, apperr.NotFound("chat not found")
	}
	e.mu.Lock()
	e.chatCache[c.ID] = c
	e.mu.Unlock()
	return c, nil
}

func (e *Engine) cachedChat(chatID string) (models.Chat, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.chatCache[chatID]
	return c, ok
}

// canAccess reports whether id may read and post in c.
func canAccess(c models.Chat, id auth.Identity) bool {
	if c.HasParticipant(id.ID) {
		return true
	}
	return c.Type != models.ChatDirect && c.GroupID != "" && c.GroupID == id.GroupID
}

func (e *Engine) isAdmin(ctx context.Context, id auth.Identity) bool {
	if id.Admin {
		return true
	}
	if e.admins == nil {
		return false
	}
	ok, err := e.admins.IsAdmin(ctx, id.ID)
	if err != nil {
		e.log.Warn("admin_lookup_failed", zap.String("user", id.ID), zap.Error(err))
		return false
	}
	return ok
}

// markNotified records msgID and reports whether it was new.
func (e *Engine) markNotified(msgID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.notified[msgID]; ok {
		return false
	}
	e.notified[msgID] = struct{}{}
	e.notifyOrder = append(e.notifyOrder, msgID)
	if len(e.notifyOrder) > notifiedCap {
		delete(e.notified, e.notifyOrder[0])
		e.notifyOrder = e.notifyOrder[1:]
	}
	return true
}
