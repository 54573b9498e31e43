// Package ratelimit holds the per-user limiters used for spam suppression
// and presence throttling.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/4xmen/goftogoo/internal/timeutil"
)

// SlidingWindow admits at most Limit events per key within any Window.
// Only timestamps still inside the window are retained.
type SlidingWindow struct {
	limit  int
	window time.Duration
	clock  timeutil.Clock

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewSlidingWindow(limit int, window time.Duration, clock timeutil.Clock) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		clock:  timeutil.OrReal(clock),
		hits:   make(map[string][]time.Time),
	}
}

// prune must be called with w.mu held.
func (w *SlidingWindow) prune(key string, now time.Time) []time.Time {
	kept := w.hits[key][:0]
	for _, t := range w.hits[key] {
		if now.Sub(t) < w.window {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(w.hits, key)
		return nil
	}
	w.hits[key] = kept
	return kept
}

// Allow records an event for key and returns true, or returns false without
// recording when the window is full.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	kept := w.prune(key, now)
	if len(kept) >= w.limit {
		return false
	}
	w.hits[key] = append(kept, now)
	return true
}

// Count returns the number of events for key inside the current window.
func (w *SlidingWindow) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prune(key, w.clock.Now()))
}

func (w *SlidingWindow) Reset(key string) {
	w.mu.Lock()
	delete(w.hits, key)
	w.mu.Unlock()
}

// Sweep drops keys with no events left in the window and returns how many
// keys remain tracked.
func (w *SlidingWindow) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	for key := range w.hits {
		w.prune(key, now)
	}
	return len(w.hits)
}

// Throttle admits one event per key every interval. It keeps a token-bucket
// limiter per key, evaluated against the injected clock.
type Throttle struct {
	interval time.Duration
	clock    timeutil.Clock

	mu sync.Mutex
	m  map[string]*throttleEntry
}

type throttleEntry struct {
	lim  *rate.Limiter
	last time.Time
}

func NewThrottle(interval time.Duration, clock timeutil.Clock) *Throttle {
	return &Throttle{
		interval: interval,
		clock:    timeutil.OrReal(clock),
		m:        make(map[string]*throttleEntry),
	}
}

func (t *Throttle) Allow(key string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[key]
	if !ok {
		e = &throttleEntry{lim: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.m[key] = e
	}
	if !e.lim.AllowN(now, 1) {
		return false
	}
	e.last = now
	return true
}

// Sweep forgets keys idle for at least one interval and returns how many
// remain.
func (t *Throttle) Sweep() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.m {
		if now.Sub(e.last) >= t.interval {
			delete(t.m, key)
		}
	}
	return len(t.m)
}
