package ratelimit

import (
	"testing"
	"time"

	"github.com/4xmen/goftogoo/internal/timeutil"
)

func TestSlidingWindowBoundary(t *testing.T) {
	clock := timeutil.NewFake(time.Unix(1000, 0))
	w := NewSlidingWindow(10, time.Minute, clock)

	for i := 0; i < 10; i++ {
		if !w.Allow("u1") {
			t.Fatalf("send %d rejected", i+1)
		}
		clock.Advance(time.Second)
	}
	if w.Allow("u1") {
		t.Fatal("11th send inside the window should be rejected")
	}
	if w.Count("u1") != 10 {
		t.Fatalf("Count = %d, want 10", w.Count("u1"))
	}
	if !w.Allow("u2") {
		t.Fatal("other users are independent")
	}

	// 61s after the first send the oldest entry has left the window.
	clock.Set(time.Unix(1061, 0))
	if !w.Allow("u1") {
		t.Fatal("send after the window slid should succeed")
	}
}

func TestSlidingWindowRejectedSendsAreNotRecorded(t *testing.T) {
	clock := timeutil.NewFake(time.Unix(0, 0))
	w := NewSlidingWindow(2, time.Minute, clock)
	w.Allow("u")
	w.Allow("u")
	for i := 0; i < 5; i++ {
		w.Allow("u")
	}
	if got := w.Count("u"); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
}

func TestSlidingWindowSweep(t *testing.T) {
	clock := timeutil.NewFake(time.Unix(0, 0))
	w := NewSlidingWindow(10, time.Minute, clock)
	w.Allow("a")
	clock.Advance(30 * time.Second)
	w.Allow("b")
	clock.Advance(45 * time.Second)
	if got := w.Sweep(); got != 1 {
		t.Fatalf("Sweep kept %d keys, want 1", got)
	}
}

func TestThrottleOncePerInterval(t *testing.T) {
	clock := timeutil.NewFake(time.Unix(0, 0))
	th := NewThrottle(2*time.Second, clock)

	if !th.Allow("u1") {
		t.Fatal("first call should pass")
	}
	clock.Advance(time.Second)
	if th.Allow("u1") {
		t.Fatal("call within 2s should be throttled")
	}
	if !th.Allow("u2") {
		t.Fatal("throttle is per key")
	}
	clock.Advance(time.Second)
	if !th.Allow("u1") {
		t.Fatal("call after 2s should pass")
	}
	clock.Advance(5 * time.Second)
	if got := th.Sweep(); got != 0 {
		t.Fatalf("Sweep kept %d keys", got)
	}
}
