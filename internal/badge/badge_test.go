package badge

import (
	"context"
	"testing"
	"time"

	"github.com/4xmen/goftogoo/internal/stream"
)

type recorder struct {
	writes chan write
}

type write struct {
	user  string
	total int
}

func newRecorder() *recorder {
	return &recorder{writes: make(chan write, 32)}
}

func (r *recorder) sink() Sink {
	return FuncSink(func(_ context.Context, userID string, total int) error {
		r.writes <- write{userID, total}
		return nil
	})
}

func (r *recorder) expect(t *testing.T, user string, total int) {
	t.Helper()
	select {
	case w := <-r.writes:
		if w.user != user || w.total != total {
			t.Fatalf("badge write = %+v, want %s=%d", w, user, total)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no badge write, want %s=%d", user, total)
	}
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case w := <-r.writes:
		t.Fatalf("unexpected badge write %+v", w)
	case <-time.After(50 * time.Millisecond):
	}
}

// feedSource has no value until the test publishes one.
type feedSource struct {
	feed      *stream.Feed[int]
	refreshed chan string
}

func (s *feedSource) Counts(string) *stream.Subscription[int] {
	return s.feed.Subscribe()
}

func (s *feedSource) RefreshTotal(_ context.Context, userID string) (int, error) {
	s.refreshed <- userID
	return 0, nil
}

func TestTotalCombinesLatestAndDeduplicates(t *testing.T) {
	chats, tasks := NewManualSource(), NewManualSource()
	rec := newRecorder()
	a := New(Options{Chats: chats, Tasks: tasks, Sink: rec.sink()})
	defer a.Close()

	a.StartMonitoring(context.Background(), "u1")
	rec.expect(t, "u1", 0)

	chats.Set("u1", 2)
	rec.expect(t, "u1", 2)
	tasks.Set("u1", 3)
	rec.expect(t, "u1", 5)

	chats.Set("u1", 2)
	tasks.Set("u1", 4)
	rec.expect(t, "u1", 6)
	rec.expectNone(t)
}

func TestNothingWrittenUntilBothSourcesReport(t *testing.T) {
	chats := &feedSource{feed: stream.NewFeed[int](), refreshed: make(chan string, 1)}
	rec := newRecorder()
	a := New(Options{Chats: chats, Sink: rec.sink()})
	defer a.Close()

	a.StartMonitoring(context.Background(), "u1")
	select {
	case u := <-chats.refreshed:
		if u != "u1" {
			t.Fatalf("refreshed %q", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chat source was not refreshed")
	}
	rec.expectNone(t)

	chats.feed.Publish(3)
	rec.expect(t, "u1", 3)
}

func TestStartMonitoringIsIdempotentAndSwitchesUsers(t *testing.T) {
	chats, tasks := NewManualSource(), NewManualSource()
	rec := newRecorder()
	a := New(Options{Chats: chats, Tasks: tasks, Sink: rec.sink()})
	defer a.Close()

	ctx := context.Background()
	a.StartMonitoring(ctx, "u1")
	a.StartMonitoring(ctx, "u1")
	rec.expect(t, "u1", 0)
	if n := chats.feed("u1").Len(); n != 1 {
		t.Fatalf("u1 subscriptions = %d, want 1", n)
	}

	chats.Set("u2", 4)
	a.StartMonitoring(ctx, "u2")
	if n := chats.feed("u1").Len() + tasks.feed("u1").Len(); n != 0 {
		t.Fatalf("u1 subscriptions after switch = %d", n)
	}
	rec.expect(t, "u2", 4)
	if u, ok := a.Monitoring(); !ok || u != "u2" {
		t.Fatalf("Monitoring = %q, %v", u, ok)
	}

	chats.Set("u1", 9)
	rec.expectNone(t)
}

func TestStopMonitoring(t *testing.T) {
	chats := NewManualSource()
	rec := newRecorder()
	a := New(Options{Chats: chats, Sink: rec.sink()})
	defer a.Close()

	a.StartMonitoring(context.Background(), "u1")
	rec.expect(t, "u1", 0)
	a.StopMonitoring()
	if _, ok := a.Monitoring(); ok {
		t.Fatal("still monitoring")
	}
	chats.Set("u1", 5)
	rec.expectNone(t)
}

func TestContextEndsMonitoring(t *testing.T) {
	chats := NewManualSource()
	rec := newRecorder()
	a := New(Options{Chats: chats, Sink: rec.sink()})
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	a.StartMonitoring(ctx, "u1")
	rec.expect(t, "u1", 0)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := a.Monitoring(); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor outlived its context")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// a fresh start for the same user works after the old one ended
	a.StartMonitoring(context.Background(), "u1")
	rec.expect(t, "u1", 0)
}

func TestTotalsStream(t *testing.T) {
	chats := NewManualSource()
	a := New(Options{Chats: chats})
	defer a.Close()
	sub := a.Totals()
	defer sub.Close()

	a.StartMonitoring(context.Background(), "u1")
	chats.Set("u1", 7)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-sub.C():
			if n == 7 {
				return
			}
		case <-deadline:
			t.Fatal("total 7 never published")
		}
	}
}

type fakeGateway struct {
	recipients []string
	payload    map[string]string
}

func (g *fakeGateway) Send(_ context.Context, recipients []string, _, _ string, payload map[string]string) error {
	g.recipients = recipients
	g.payload = payload
	return nil
}

func TestPushSink(t *testing.T) {
	g := &fakeGateway{}
	if err := (PushSink{Gateway: g}).SetBadge(context.Background(), "u1", 7); err != nil {
		t.Fatal(err)
	}
	if len(g.recipients) != 1 || g.recipients[0] != "u1" || g.payload["badge"] != "7" || g.payload["silent"] != "true" {
		t.Fatalf("sent %v %v", g.recipients, g.payload)
	}
	if err := (PushSink{}).SetBadge(context.Background(), "u1", 1); err != nil {
		t.Fatalf("nil gateway: %v", err)
	}
}
