// Package unread computes per-chat unread counts from locally persisted
// read watermarks and keeps a short-lived cache of the results.
package unread

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/kv"
	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/metrics"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/stream"
	"github.com/4xmen/goftogoo/internal/timeutil"
	"github.com/4xmen/goftogoo/internal/tree"
)

// ChatSource lists the chats a user participates in.
type ChatSource interface {
	ChatsFor(ctx context.Context, userID string) ([]models.Chat, error)
}

type Options struct {
	Tree     tree.Store
	KV       kv.Store
	Chats    ChatSource
	Clock    timeutil.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	TTL      time.Duration
	Lookback time.Duration
}

type cacheKey struct {
	chatID string
	userID string
}

type entry struct {
	count int
	at    time.Time
}

type Tracker struct {
	tree     tree.Store
	kv       kv.Store
	chats    ChatSource
	clock    timeutil.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	ttl      time.Duration
	lookback time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cache  map[cacheKey]entry
	totals map[string]*stream.Feed[int]
	closed bool

	recomputes atomic.Int64
}

func New(opts Options) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		tree:     opts.Tree,
		kv:       opts.KV,
		chats:    opts.Chats,
		clock:    timeutil.OrReal(opts.Clock),
		log:      logger.OrNop(opts.Log),
		metrics:  opts.Metrics,
		ttl:      opts.TTL,
		lookback: opts.Lookback,
		ctx:      ctx,
		cancel:   cancel,
		cache:    make(map[cacheKey]entry),
		totals:   make(map[string]*stream.Feed[int]),
	}
}

func watermarkKey(userID, chatID string) string {
	return "watermark/" + userID + "/" + chatID
}

// Watermark returns the instant from which messages in chatID count as
// unread for userID. A chat never read defaults to the lookback window.
func (t *Tracker) Watermark(userID, chatID string) (time.Time, error) {
	raw, err := t.kv.Get(watermarkKey(userID, chatID))
	if errors.Is(err, kv.ErrNotFound) {
		return t.clock.Now().Add(-t.lookback), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "corrupt watermark for %s/%s", userID, chatID)
	}
	return codec.FromMillis(ms), nil
}

func (t *Tracker) setWatermark(userID, chatID string, at time.Time) error {
	return t.kv.Set(watermarkKey(userID, chatID), []byte(strconv.FormatInt(codec.Millis(at), 10)))
}

// UnreadCount returns the cached count when it is younger than the TTL and
// recomputes it from the store otherwise. When the store is unreachable the
// last known count is returned.
func (t *Tracker) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	k := cacheKey{chatID: chatID, userID: userID}
	now := t.clock.Now()
	t.mu.Lock()
	e, cached := t.cache[k]
	t.mu.Unlock()
	if cached && now.Sub(e.at) <= t.ttl {
		return e.count, nil
	}

	n, err := t.compute(ctx, chatID, userID, now)
	if err != nil {
		if cached {
			t.log.Warn("unread_count_stale", zap.String("chat", chatID), zap.String("user", userID), zap.Error(err))
			return e.count, nil
		}
		return 0, err
	}
	t.mu.Lock()
	t.cache[k] = entry{count: n, at: now}
	t.mu.Unlock()
	return n, nil
}

func (t *Tracker) compute(ctx context.Context, chatID, userID string, now time.Time) (int, error) {
	start := time.Now()
	t.recomputes.Add(1)
	wm, err := t.Watermark(userID, chatID)
	if err != nil {
		return 0, err
	}
	q := tree.Query{OrderBy: codec.TimestampField, Start: tree.Float(float64(codec.Millis(wm)))}
	children, err := t.tree.QueryRange(ctx, codec.MessagesPath(chatID), q)
	if err != nil {
		return 0, apperr.Remote(err, "count unread messages")
	}
	msgs, _ := codec.DecodeMessages(chatID, children)
	n := 0
	for _, m := range msgs {
		if m.Deleted || m.Moderated || m.SenderID == userID || m.IsReadBy(userID) {
			continue
		}
		n++
	}
	t.metrics.UnreadRecompute(time.Since(start))
	return n, nil
}

// Recomputes reports how many counts were computed against the store.
func (t *Tracker) Recomputes() int64 {
	return t.recomputes.Load()
}

// MarkChatRead moves the watermark of one chat to now.
func (t *Tracker) MarkChatRead(ctx context.Context, chatID, userID string) error {
	now := t.clock.Now()
	if err := t.setWatermark(userID, chatID, now); err != nil {
		return err
	}
	t.mu.Lock()
	t.cache[cacheKey{chatID: chatID, userID: userID}] = entry{count: 0, at: now}
	t.mu.Unlock()
	_, err := t.RefreshTotal(ctx, userID)
	return err
}

// MarkAllRead moves the watermark of every chat the user participates in to
// now and publishes a zero total before returning.
func (t *Tracker) MarkAllRead(ctx context.Context, userID string) error {
	chats, err := t.chats.ChatsFor(ctx, userID)
	if err != nil {
		return err
	}
	now := t.clock.Now()
	for _, c := range chats {
		if err := t.setWatermark(userID, c.ID, now); err != nil {
			return err
		}
	}
	t.mu.Lock()
	for _, c := range chats {
		t.cache[cacheKey{chatID: c.ID, userID: userID}] = entry{count: 0, at: now}
	}
	t.mu.Unlock()
	t.feed(userID).Publish(0)
	t.log.Debug("unread_marked_all_read", zap.String("user", userID), zap.Int("chats", len(chats)))
	return nil
}

// RefreshTotal sums the unread counts of the user's chats and publishes the
// total on the user's count stream.
func (t *Tracker) RefreshTotal(ctx context.Context, userID string) (int, error) {
	chats, err := t.chats.ChatsFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range chats {
		n, err := t.UnreadCount(ctx, c.ID, userID)
		if err != nil {
			t.log.Warn("unread_count_failed", zap.String("chat", c.ID), zap.String("user", userID), zap.Error(err))
			continue
		}
		total += n
	}
	t.feed(userID).Publish(total)
	return total, nil
}

func (t *Tracker) feed(userID string) *stream.Feed[int] {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.totals[userID]
	if !ok {
		f = stream.NewFeed[int]()
		if t.closed {
			f.Close()
		}
		t.totals[userID] = f
	}
	return f
}

// Counts streams the user's unread total.
func (t *Tracker) Counts(userID string) *stream.Subscription[int] {
	return t.feed(userID).Subscribe()
}

func (t *Tracker) invalidate(chatID, userID string) {
	t.mu.Lock()
	delete(t.cache, cacheKey{chatID: chatID, userID: userID})
	t.mu.Unlock()
}

func (t *Tracker) refreshAsync(userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		if _, err := t.RefreshTotal(t.ctx, userID); err != nil && t.ctx.Err() == nil {
			t.log.Warn("unread_total_refresh_failed", zap.String("user", userID), zap.Error(err))
		}
	}()
}

// OnChatRead drops the reader's cached count for the chat and recomputes
// their total in the background.
func (t *Tracker) OnChatRead(ev models.ReadEvent) {
	t.invalidate(ev.ChatID, ev.UserID)
	t.refreshAsync(ev.UserID)
}

// OnChatsUpdated drops cached counts computed before a chat's latest
// message.
func (t *Tracker) OnChatsUpdated(userID string, chats []models.Chat) {
	stale := false
	t.mu.Lock()
	for _, c := range chats {
		k := cacheKey{chatID: c.ID, userID: userID}
		if e, ok := t.cache[k]; ok && c.LastActivity().After(e.at) {
			delete(t.cache, k)
			stale = true
		}
	}
	t.mu.Unlock()
	if stale {
		t.refreshAsync(userID)
	}
}

// Sweep drops expired cache entries and returns how many remain.
func (t *Tracker) Sweep() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.cache {
		if now.Sub(e.at) > t.ttl {
			delete(t.cache, k)
		}
	}
	return len(t.cache)
}

// Wait blocks until background recomputes have finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	feeds := t.totals
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
	for _, f := range feeds {
		f.Close()
	}
}
