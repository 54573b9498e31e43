package unread

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/chatsync"
	"github.com/4xmen/goftogoo/internal/kv"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/timeutil"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/pkg/config"
)

type flakyStore struct {
	tree.Store
	down atomic.Bool
}

func (s *flakyStore) QueryRange(ctx context.Context, path string, q tree.Query) ([]tree.Child, error) {
	if s.down.Load() {
		return nil, errors.New("store unreachable")
	}
	return s.Store.QueryRange(ctx, path, q)
}

type fixture struct {
	store   *flakyStore
	clock   *timeutil.Fake
	engine  *chatsync.Engine
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := tree.NewMemory()
	store := &flakyStore{Store: mem}
	state, err := kv.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	clock := timeutil.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	tuning := config.DefaultTuning()
	eng := chatsync.New(chatsync.Options{Tree: store, Clock: clock, Tuning: tuning})
	tr := New(Options{
		Tree:     store,
		KV:       state,
		Chats:    eng,
		Clock:    clock,
		TTL:      tuning.UnreadCacheTTL,
		Lookback: tuning.UnreadLookback,
	})
	eng.AddReadListener(tr)
	t.Cleanup(func() {
		tr.Close()
		eng.Close()
		state.Close()
		mem.Close()
	})
	return &fixture{store: store, clock: clock, engine: eng, tracker: tr}
}

func as(userID string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{ID: userID, DisplayName: userID, GroupID: "g1"})
}

func (f *fixture) chat(t *testing.T) models.Chat {
	t.Helper()
	c, err := f.engine.CreateChat(as("alice"), models.Chat{Type: models.ChatGroup, Participants: []string{"bob"}})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return c
}

func (f *fixture) send(t *testing.T, user, chatID, content string) string {
	t.Helper()
	f.clock.Advance(time.Second)
	ack, err := f.engine.Send(as(user), models.Message{ChatID: chatID, Content: content})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return ack.MessageID
}

func TestSendAndReadScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.chat(t)

	id := f.send(t, "alice", c.ID, "hello")

	n, err := f.tracker.UnreadCount(ctx, c.ID, "bob")
	if err != nil || n != 1 {
		t.Fatalf("bob unread = %d, %v; want 1", n, err)
	}
	if n, _ := f.tracker.UnreadCount(ctx, c.ID, "alice"); n != 0 {
		t.Fatalf("sender counts own message: %d", n)
	}

	if err := f.engine.MarkRead(as("bob"), c.ID, id); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	f.tracker.Wait()

	n, err = f.tracker.UnreadCount(ctx, c.ID, "bob")
	if err != nil || n != 0 {
		t.Fatalf("bob unread after read = %d, %v; want 0", n, err)
	}
}

func TestCacheTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.chat(t)
	f.send(t, "alice", c.ID, "one")

	if _, err := f.tracker.UnreadCount(ctx, c.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	base := f.tracker.Recomputes()

	// new messages are invisible while the entry is fresh
	f.send(t, "alice", c.ID, "two")
	f.clock.Advance(29 * time.Second)
	for i := 0; i < 3; i++ {
		if n, _ := f.tracker.UnreadCount(ctx, c.ID, "bob"); n != 1 {
			t.Fatalf("cached count = %d, want 1", n)
		}
	}
	if got := f.tracker.Recomputes(); got != base {
		t.Fatalf("recomputes inside TTL = %d, want %d", got, base)
	}

	f.clock.Advance(2 * time.Second)
	n, _ := f.tracker.UnreadCount(ctx, c.ID, "bob")
	if n != 2 {
		t.Fatalf("count after TTL = %d, want 2", n)
	}
	if got := f.tracker.Recomputes(); got != base+1 {
		t.Fatalf("recomputes after TTL = %d, want %d", got, base+1)
	}
}

func TestDeletedAndModeratedMessagesDoNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.chat(t)
	f.send(t, "alice", c.ID, "kept")
	gone := f.send(t, "alice", c.ID, "oops")
	if _, err := f.engine.Delete(as("alice"), c.ID, gone); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.tracker.UnreadCount(ctx, c.ID, "bob"); n != 1 {
		t.Fatalf("unread = %d, want 1", n)
	}
}

func TestStaleCountServedWhenStoreDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.chat(t)
	f.send(t, "alice", c.ID, "hello")
	if n, _ := f.tracker.UnreadCount(ctx, c.ID, "bob"); n != 1 {
		t.Fatalf("unread = %d", n)
	}

	f.store.down.Store(true)
	f.clock.Advance(time.Minute)
	n, err := f.tracker.UnreadCount(ctx, c.ID, "bob")
	if err != nil || n != 1 {
		t.Fatalf("stale fallback = %d, %v", n, err)
	}
	if _, err := f.tracker.UnreadCount(ctx, "never-seen", "bob"); err == nil {
		t.Fatal("expected an error with no cached value")
	}
}

func TestMarkAllReadPublishesZeroAndMovesWatermarks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.chat(t)
	f.send(t, "alice", c.ID, "hello")

	if total, err := f.tracker.RefreshTotal(ctx, "bob"); err != nil || total != 1 {
		t.Fatalf("total = %d, %v", total, err)
	}
	sub := f.tracker.Counts("bob")
	defer sub.Close()
	<-sub.C()

	f.clock.Advance(time.Second)
	if err := f.tracker.MarkAllRead(ctx, "bob"); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	select {
	case total := <-sub.C():
		if total != 0 {
			t.Fatalf("published total = %d", total)
		}
	default:
		t.Fatal("zero total was not published synchronously")
	}

	wm, err := f.tracker.Watermark("bob", c.ID)
	if err != nil || !wm.Equal(f.clock.Now().Truncate(time.Millisecond)) {
		t.Fatalf("watermark = %v, %v", wm, err)
	}

	// survives cache expiry: older messages stay read
	f.clock.Advance(time.Minute)
	if n, _ := f.tracker.UnreadCount(ctx, c.ID, "bob"); n != 0 {
		t.Fatalf("unread after mark all read = %d", n)
	}
	f.send(t, "alice", c.ID, "again")
	f.clock.Advance(time.Minute)
	if n, _ := f.tracker.UnreadCount(ctx, c.ID, "bob"); n != 1 {
		t.Fatalf("unread after new message = %d", n)
	}
}

func TestDefaultWatermarkIsLookback(t *testing.T) {
	f := newFixture(t)
	wm, err := f.tracker.Watermark("bob", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if want := f.clock.Now().Add(-7 * 24 * time.Hour); !wm.Equal(want) {
		t.Fatalf("watermark = %v, want %v", wm, want)
	}
}

func TestOnChatsUpdatedInvalidatesOlderEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.chat(t)
	f.send(t, "alice", c.ID, "one")
	_, _ = f.tracker.UnreadCount(ctx, c.ID, "bob")
	base := f.tracker.Recomputes()

	id := f.send(t, "alice", c.ID, "two")
	chats, _ := f.engine.ChatsFor(ctx, "bob")
	f.tracker.OnChatsUpdated("bob", chats)
	f.tracker.Wait()

	if got := f.tracker.Recomputes(); got <= base {
		t.Fatalf("no recompute after newer message %s", id)
	}
	if n, _ := f.tracker.UnreadCount(ctx, c.ID, "bob"); n != 2 {
		t.Fatalf("unread = %d, want 2", n)
	}
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.chat(t)
	_, _ = f.tracker.UnreadCount(ctx, c.ID, "bob")
	if n := f.tracker.Sweep(); n != 1 {
		t.Fatalf("entries = %d", n)
	}
	f.clock.Advance(31 * time.Second)
	if n := f.tracker.Sweep(); n != 0 {
		t.Fatalf("entries after expiry = %d", n)
	}
}
