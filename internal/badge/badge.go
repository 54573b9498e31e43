// Package badge merges unread counts from independent sources into a single
// per-user total and mirrors it to a badge sink.
package badge

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/metrics"
	"github.com/4xmen/goftogoo/internal/push"
	"github.com/4xmen/goftogoo/internal/stream"
)

// Source streams one count per user. unread.Tracker is the chat source.
type Source interface {
	Counts(userID string) *stream.Subscription[int]
}

// Refresher is implemented by sources that compute their first value on
// demand.
type Refresher interface {
	RefreshTotal(ctx context.Context, userID string) (int, error)
}

type Sink interface {
	SetBadge(ctx context.Context, userID string, total int) error
}

type FuncSink func(ctx context.Context, userID string, total int) error

func (f FuncSink) SetBadge(ctx context.Context, userID string, total int) error {
	return f(ctx, userID, total)
}

// PushSink delivers the badge as a silent push with no title or body.
type PushSink struct {
	Gateway push.Gateway
}

func (s PushSink) SetBadge(ctx context.Context, userID string, total int) error {
	if s.Gateway == nil {
		return nil
	}
	return s.Gateway.Send(ctx, []string{userID}, "", "", map[string]string{
		"badge":  strconv.Itoa(total),
		"silent": "true",
	})
}

// ManualSource is a count source fed by the host application, such as the
// number of open tasks. Every user starts at zero.
type ManualSource struct {
	mu    sync.Mutex
	feeds map[string]*stream.Feed[int]
}

func NewManualSource() *ManualSource {
	return &ManualSource{feeds: make(map[string]*stream.Feed[int])}
}

func (s *ManualSource) feed(userID string) *stream.Feed[int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[userID]
	if !ok {
		f = stream.NewFeed[int]()
		f.Publish(0)
		s.feeds[userID] = f
	}
	return f
}

func (s *ManualSource) Set(userID string, n int) {
	s.feed(userID).Publish(n)
}

func (s *ManualSource) Counts(userID string) *stream.Subscription[int] {
	return s.feed(userID).Subscribe()
}

type Options struct {
	Chats   Source
	Tasks   Source
	Sink    Sink
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type monitor struct {
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Aggregator monitors one user at a time.
type Aggregator struct {
	chats   Source
	tasks   Source
	sink    Sink
	log     *zap.Logger
	metrics *metrics.Metrics

	totals *stream.Feed[int]

	mu  sync.Mutex
	cur *monitor
}

func New(opts Options) *Aggregator {
	if opts.Tasks == nil {
		opts.Tasks = NewManualSource()
	}
	return &Aggregator{
		chats:   opts.Chats,
		tasks:   opts.Tasks,
		sink:    opts.Sink,
		log:     logger.OrNop(opts.Log),
		metrics: opts.Metrics,
		totals:  stream.NewFeed[int](),
	}
}

// StartMonitoring follows userID's counts until StopMonitoring or until ctx
// ends. Calling it again for the same user is a no-op; a different user
// replaces the current one after its subscriptions are torn down.
func (a *Aggregator) StartMonitoring(ctx context.Context, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil {
		select {
		case <-a.cur.done:
			a.cur = nil
		default:
			if a.cur.userID == userID {
				return
			}
			a.stopLocked()
		}
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &monitor{userID: userID, cancel: cancel, done: make(chan struct{})}
	a.cur = m
	chats := a.chats.Counts(userID)
	tasks := a.tasks.Counts(userID)
	go a.run(mctx, m, chats, tasks)

	if r, ok := a.chats.(Refresher); ok {
		go func() {
			if _, err := r.RefreshTotal(mctx, userID); err != nil && mctx.Err() == nil {
				a.log.Warn("badge_initial_refresh_failed", zap.String("user", userID), zap.Error(err))
			}
		}()
	}
}

func (a *Aggregator) StopMonitoring() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *Aggregator) stopLocked() {
	if a.cur == nil {
		return
	}
	a.cur.cancel()
	<-a.cur.done
	a.cur = nil
}

// Monitoring returns the monitored user, if any.
func (a *Aggregator) Monitoring() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return "", false
	}
	select {
	case <-a.cur.done:
		return "", false
	default:
		return a.cur.userID, true
	}
}

// Totals streams every distinct total written to the sink.
func (a *Aggregator) Totals() *stream.Subscription[int] {
	return a.totals.Subscribe()
}

// run combines the latest value of both sources. Nothing is emitted until
// each source has produced a value, and a total equal to the last one
// written is not written again.
func (a *Aggregator) run(ctx context.Context, m *monitor, chats, tasks *stream.Subscription[int]) {
	defer close(m.done)
	defer chats.Close()
	defer tasks.Close()

	var chatN, taskN int
	var haveChats, haveTasks, written bool
	var last int
	chatC, taskC := chats.C(), tasks.C()
	for chatC != nil || taskC != nil {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-chatC:
			if !ok {
				chatC = nil
				continue
			}
			chatN, haveChats = n, true
		case n, ok := <-taskC:
			if !ok {
				taskC = nil
				continue
			}
			taskN, haveTasks = n, true
		}
		if !haveChats || !haveTasks {
			continue
		}
		total := chatN + taskN
		if written && total == last {
			continue
		}
		if a.sink != nil {
			if err := a.sink.SetBadge(ctx, m.userID, total); err != nil {
				a.log.Warn("badge_write_failed", zap.String("user", m.userID), zap.Int("total", total), zap.Error(err))
				continue
			}
		}
		last, written = total, true
		a.metrics.BadgeTotal(total)
		a.totals.Publish(total)
	}
}

func (a *Aggregator) Close() {
	a.StopMonitoring()
	a.totals.Close()
}
