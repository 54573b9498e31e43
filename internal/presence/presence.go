// Package presence broadcasts typing indicators through the ordered store.
// Typing records expire after a short age; whichever subscriber sees a stale
// record removes it.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/metrics"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/ratelimit"
	"github.com/4xmen/goftogoo/internal/stream"
	"github.com/4xmen/goftogoo/internal/timeutil"
	"github.com/4xmen/goftogoo/internal/tree"
)

var ErrClosed = errors.New("presence: engine closed")

// Access rejects callers that may not see a chat. The caller's identity
// travels in ctx.
type Access interface {
	CheckAccess(ctx context.Context, chatID string) error
}

type Options struct {
	Tree       tree.Store
	Access     Access
	Clock      timeutil.Clock
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	Throttle   time.Duration
	StaleAfter time.Duration
}

type viewKey struct {
	chatID string
	viewer string
}

type watcher struct {
	key  viewKey
	feed *stream.Feed[[]string]

	mu      sync.Mutex
	cancel  func()
	stopped bool
	states  []models.TypingState
}

func (w *watcher) attach(cancel func()) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		cancel()
		return
	}
	w.cancel = cancel
	w.mu.Unlock()
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	c := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if c != nil {
		c()
	}
	w.feed.Close()
}

type Engine struct {
	tree       tree.Store
	access     Access
	clock      timeutil.Clock
	log        *zap.Logger
	metrics    *metrics.Metrics
	throttle   *ratelimit.Throttle
	staleAfter time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watchers map[viewKey]*watcher
	closed   bool
}

func New(opts Options) *Engine {
	clock := timeutil.OrReal(opts.Clock)
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		tree:       opts.Tree,
		access:     opts.Access,
		clock:      clock,
		log:        logger.OrNop(opts.Log),
		metrics:    opts.Metrics,
		throttle:   ratelimit.NewThrottle(opts.Throttle, clock),
		staleAfter: opts.StaleAfter,
		ctx:        ctx,
		cancel:     cancel,
		watchers:   make(map[viewKey]*watcher),
	}
}

func (e *Engine) checkAccess(ctx context.Context, chatID string) error {
	if e.access == nil {
		return nil
	}
	return e.access.CheckAccess(ctx, chatID)
}

// StartTyping writes the user's typing record. Calls closer together than
// the throttle interval are dropped and reported as false.
func (e *Engine) StartTyping(ctx context.Context, chatID, userID, displayName string) (bool, error) {
	if err := e.checkAccess(ctx, chatID); err != nil {
		return false, err
	}
	if !e.throttle.Allow(userID) {
		return false, nil
	}
	raw, err := codec.EncodeTyping(models.TypingState{
		ChatID:      chatID,
		UserID:      userID,
		DisplayName: displayName,
		Timestamp:   e.clock.Now(),
	})
	if err != nil {
		return false, err
	}
	if err := e.tree.Set(ctx, codec.TypingRecordPath(chatID, userID), raw); err != nil {
		return false, apperr.Remote(err, "write typing record")
	}
	return true, nil
}

func (e *Engine) StopTyping(ctx context.Context, chatID, userID string) error {
	if err := e.checkAccess(ctx, chatID); err != nil {
		return err
	}
	if err := e.tree.Remove(ctx, codec.TypingRecordPath(chatID, userID)); err != nil {
		return apperr.Remote(err, "remove typing record")
	}
	return nil
}

// SubscribeTyping streams the display names currently typing in chatID,
// excluding viewerID. A second subscription for the same chat and viewer
// closes the first.
func (e *Engine) SubscribeTyping(ctx context.Context, chatID, viewerID string) (*stream.Subscription[[]string], error) {
	if err := e.checkAccess(ctx, chatID); err != nil {
		return nil, err
	}
	key := viewKey{chatID: chatID, viewer: viewerID}
	w := &watcher{key: key, feed: stream.NewFeed[[]string]()}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	prev := e.watchers[key]
	e.watchers[key] = w
	e.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	sub := w.feed.Subscribe()
	sub.OnClose(func() { e.release(w) })
	stopCtx := context.AfterFunc(ctx, sub.Close)
	sub.OnClose(func() { stopCtx() })

	cancel, err := e.tree.Subscribe(e.ctx, codec.TypingPath(chatID), tree.Query{OrderBy: codec.TimestampField}, func(children []tree.Child) {
		e.onTyping(w, children)
	})
	if err != nil {
		sub.Close()
		return nil, apperr.Remote(err, "subscribe typing")
	}
	w.attach(cancel)
	return sub, nil
}

func (e *Engine) release(w *watcher) {
	e.mu.Lock()
	if e.watchers[w.key] == w {
		delete(e.watchers, w.key)
	}
	e.mu.Unlock()
	w.stop()
}

func (e *Engine) onTyping(w *watcher, children []tree.Child) {
	states := make([]models.TypingState, 0, len(children))
	for _, c := range children {
		s, err := codec.DecodeTyping(w.key.chatID, c.Key, c.Value)
		if err != nil {
			continue
		}
		states = append(states, s)
	}
	w.mu.Lock()
	w.states = states
	stale := e.publishLocked(w)
	w.mu.Unlock()
	e.cleanup(stale)
}

// evaluate publishes the live names of w and removes stale records from
// the store.
func (e *Engine) evaluate(w *watcher) {
	w.mu.Lock()
	stale := e.publishLocked(w)
	w.mu.Unlock()
	e.cleanup(stale)
}

// publishLocked drops stale states from w, publishes the remaining names
// and returns the stale states. Publishing under w.mu keeps the feed in
// the order the states were read.
func (e *Engine) publishLocked(w *watcher) []models.TypingState {
	now := e.clock.Now()
	var names []string
	var stale []models.TypingState
	live := w.states[:0:0]
	for _, s := range w.states {
		if now.Sub(s.Timestamp) > e.staleAfter {
			stale = append(stale, s)
			continue
		}
		live = append(live, s)
		if s.UserID == w.key.viewer {
			continue
		}
		name := s.DisplayName
		if name == "" {
			name = s.UserID
		}
		names = append(names, name)
	}
	w.states = live
	w.feed.Publish(names)
	return stale
}

func (e *Engine) cleanup(stale []models.TypingState) {
	for _, s := range stale {
		err := e.tree.Remove(e.ctx, codec.TypingRecordPath(s.ChatID, s.UserID))
		if err != nil {
			e.log.Debug("typing_cleanup_failed", zap.String("chat", s.ChatID), zap.String("user", s.UserID), zap.Error(err))
			continue
		}
		e.metrics.TypingCleanup()
	}
}

// Sweep re-evaluates every subscription against the clock so names expire
// without store traffic. It returns the number of live subscriptions.
func (e *Engine) Sweep() int {
	e.throttle.Sweep()
	e.mu.Lock()
	ws := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		ws = append(ws, w)
	}
	e.mu.Unlock()
	for _, w := range ws {
		e.evaluate(w)
	}
	return len(ws)
}

func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	ws := e.watchers
	e.watchers = make(map[viewKey]*watcher)
	e.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
	e.cancel()
}
