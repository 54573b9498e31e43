package chatsync

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/blob"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/stream"
	"github.com/4xmen/goftogoo/internal/timeutil"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/pkg/config"
)

type pushCall struct {
	recipients []string
	title      string
	body       string
}

type fakePush struct {
	mu    sync.Mutex
	calls []pushCall
}

func (p *fakePush) Send(_ context.Context, recipients []string, title, body string, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{recipients: recipients, title: title, body: body})
	return nil
}

func (p *fakePush) Calls() []pushCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushCall(nil), p.calls...)
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]bool
}

func (b *fakeBlobs) Upload(_ context.Context, path string, _ []byte, _ string) (string, error) {
	return blob.URLPrefix + path, nil
}

func (b *fakeBlobs) Delete(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail[url] {
		return errors.New("object store unavailable")
	}
	b.deleted = append(b.deleted, url)
	return nil
}

type fixture struct {
	store *tree.Memory
	clock *timeutil.Fake
	push  *fakePush
	blobs *fakeBlobs
	eng   *Engine
}

func newFixture(t *testing.T, tune func(*config.Tuning)) *fixture {
	t.Helper()
	f := &fixture{
		store: tree.NewMemory(),
		clock: timeutil.NewFake(time.UnixMilli(1_000_000).UTC()),
		push:  &fakePush{},
		blobs: &fakeBlobs{fail: map[string]bool{}},
	}
	tuning := config.DefaultTuning()
	if tune != nil {
		tune(&tuning)
	}
	f.eng = New(Options{Tree: f.store, Blobs: f.blobs, Push: f.push, Clock: f.clock, Tuning: tuning})
	t.Cleanup(func() {
		f.eng.Close()
		f.store.Close()
	})
	return f
}

func as(userID string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{
		ID:          userID,
		Username:    userID,
		DisplayName: strings.ToUpper(userID),
		GroupID:     "g1",
	})
}

func (f *fixture) groupChat(t *testing.T, creator string, others ...string) models.Chat {
	t.Helper()
	c, err := f.eng.CreateChat(as(creator), models.Chat{Type: models.ChatGroup, Name: "team", Participants: others})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return c
}

func (f *fixture) send(t *testing.T, user, chatID, content string) string {
	t.Helper()
	f.clock.Advance(time.Second)
	ack, err := f.eng.Send(as(user), models.Message{ChatID: chatID, Content: content})
	if err != nil {
		t.Fatalf("Send(%q): %v", content, err)
	}
	if ack.Throttled {
		t.Fatalf("Send(%q) throttled", content)
	}
	return ack.MessageID
}

// next waits for a snapshot satisfying ok.
func next[T any](t *testing.T, sub *stream.Subscription[T], ok func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, open := <-sub.C():
			if !open {
				t.Fatal("subscription closed")
			}
			if ok(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSendSameIDTwiceYieldsOneMessage(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	sub, err := f.eng.SubscribeMessages(as("alice"), c.ID)
	if err != nil {
		t.Fatalf("SubscribeMessages: %v", err)
	}
	defer sub.Close()

	msg := models.Message{ID: "m1", ChatID: c.ID, Content: "hello"}
	for i := 0; i < 2; i++ {
		if _, err := f.eng.Send(as("alice"), msg); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	f.send(t, "bob", c.ID, "after")

	got := next(t, sub, func(msgs []models.Message) bool { return len(msgs) >= 2 })
	if len(got) != 2 || got[0].ID != "m1" {
		t.Fatalf("snapshot = %v, want m1 once followed by bob's message", ids(got))
	}
	if calls := f.push.Calls(); len(calls) != 2 {
		t.Fatalf("push calls = %d, want one per distinct message", len(calls))
	}
}

func TestMessageSnapshotsAreSortedByTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	ctx := context.Background()
	for _, ts := range []int64{3000, 1000, 5000, 2000, 4000} {
		m := models.Message{
			ID:        "m" + string(rune('0'+ts/1000)),
			SenderID:  "bob",
			Content:   "x",
			Type:      models.MessageText,
			Timestamp: codec.FromMillis(ts),
		}
		raw, _ := codec.EncodeMessage(m)
		if err := f.store.Set(ctx, codec.MessagePath(c.ID, m.ID), raw); err != nil {
			t.Fatal(err)
		}
	}
	// undecodable records are dropped without breaking the stream
	_ = f.store.Set(ctx, codec.MessagePath(c.ID, "broken"), []byte(`{"content":"no sender","timestamp":1500}`))

	sub, err := f.eng.SubscribeMessages(as("alice"), c.ID)
	if err != nil {
		t.Fatalf("SubscribeMessages: %v", err)
	}
	defer sub.Close()

	got := next(t, sub, func(msgs []models.Message) bool { return len(msgs) == 5 })
	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for i, id := range ids(got) {
		if id != want[i] {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
}

func TestResubscribeKeepsSingleStoreListener(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")

	first, err := f.eng.SubscribeMessages(as("alice"), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := f.eng.SubscribeMessages(as("alice"), c.ID)
	if err != nil {
		t.Fatal(err)
	}

	if n := f.store.Subscribers(codec.MessagesPath(c.ID)); n != 1 {
		t.Fatalf("store listeners = %d, want 1", n)
	}

	id := f.send(t, "bob", c.ID, "ping")
	for _, sub := range []*stream.Subscription[[]models.Message]{first, second} {
		next(t, sub, func(msgs []models.Message) bool { return len(msgs) == 1 && msgs[0].ID == id })
	}

	second.Close()
	first.Close()
	if n := f.store.Subscribers(codec.MessagesPath(c.ID)); n != 0 {
		t.Fatalf("store listeners after close = %d, want 0", n)
	}
}

type flakySubscribe struct {
	tree.Store
	fail *atomic.Bool
}

func (s flakySubscribe) Subscribe(ctx context.Context, path string, q tree.Query, fn tree.Listener) (func(), error) {
	if s.fail.Load() {
		return nil, errors.New("store unavailable")
	}
	return s.Store.Subscribe(ctx, path, q, fn)
}

func TestFailedResubscribeKeepsExistingListener(t *testing.T) {
	mem := tree.NewMemory()
	defer mem.Close()
	fail := &atomic.Bool{}
	eng := New(Options{Tree: flakySubscribe{Store: mem, fail: fail}})
	defer eng.Close()

	c, err := eng.CreateChat(as("alice"), models.Chat{Type: models.ChatGroup, Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	first, err := eng.SubscribeMessages(as("alice"), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	fail.Store(true)
	if _, err := eng.SubscribeMessages(as("bob"), c.ID); !errors.Is(err, apperr.ErrRemote) {
		t.Fatalf("resubscribe err = %v, want remote error", err)
	}
	fail.Store(false)
	if n := mem.Subscribers(codec.MessagesPath(c.ID)); n != 1 {
		t.Fatalf("store listeners = %d, want 1", n)
	}

	// written straight to the store so only the listener can deliver it
	raw, err := codec.EncodeMessage(models.Message{ID: "m-1", ChatID: c.ID, SenderID: "bob", Content: "still here", Type: models.MessageText, Timestamp: time.UnixMilli(5000)})
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.Set(context.Background(), codec.MessagePath(c.ID, "m-1"), raw); err != nil {
		t.Fatal(err)
	}
	next(t, first, func(msgs []models.Message) bool { return len(msgs) == 1 && msgs[0].ID == "m-1" })
}

func TestSendUpdatesChatSummaryAndNotifiesOthers(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob", "carol")

	id := f.send(t, "alice", c.ID, "hello")

	got, err := f.eng.loadChat(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessage == nil || got.LastMessage.MessageID != id || got.LastMessage.Content != "hello" {
		t.Fatalf("last message = %+v", got.LastMessage)
	}
	if !got.UpdatedAt.Equal(f.clock.Now()) {
		t.Fatalf("updated = %v, want %v", got.UpdatedAt, f.clock.Now())
	}

	calls := f.push.Calls()
	if len(calls) != 1 {
		t.Fatalf("push calls = %d", len(calls))
	}
	if strings.Join(calls[0].recipients, ",") != "bob,carol" {
		t.Fatalf("recipients = %v, sender must be excluded", calls[0].recipients)
	}
}

func TestImageNotificationUsesPlaceholder(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	_, err := f.eng.Send(as("alice"), models.Message{
		ChatID:        c.ID,
		Type:          models.MessageImage,
		AttachmentURL: blob.URLPrefix + "chat/a.png",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	calls := f.push.Calls()
	if len(calls) != 1 || calls[0].body == blob.URLPrefix+"chat/a.png" {
		t.Fatalf("image body leaked: %+v", calls)
	}
}

type failingStore struct {
	tree.Store
	prefix string
}

func (s failingStore) Set(ctx context.Context, path string, v []byte) error {
	if strings.HasPrefix(path, s.prefix) {
		return errors.New("store unavailable")
	}
	return s.Store.Set(ctx, path, v)
}

func TestFailedMessageWriteLeavesSummaryUntouched(t *testing.T) {
	mem := tree.NewMemory()
	defer mem.Close()
	p := &fakePush{}
	eng := New(Options{Tree: failingStore{Store: mem, prefix: codec.MessagesRoot + "/"}, Push: p})
	defer eng.Close()

	c, err := eng.CreateChat(as("alice"), models.Chat{Type: models.ChatGroup, Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.Send(as("alice"), models.Message{ChatID: c.ID, Content: "lost"})
	if !errors.Is(err, apperr.ErrRemote) {
		t.Fatalf("err = %v, want remote error", err)
	}
	got, err := eng.loadChat(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessage != nil {
		t.Fatalf("summary updated after failed write: %+v", got.LastMessage)
	}
	if len(p.Calls()) != 0 {
		t.Fatal("notification sent for failed write")
	}
}

type failingTransact struct {
	tree.Store
}

func (s failingTransact) Transact(ctx context.Context, path string, fn tree.TxFunc) error {
	if strings.HasPrefix(path, codec.ChatsRoot+"/") {
		return errors.New("store unavailable")
	}
	return s.Store.Transact(ctx, path, fn)
}

func TestFailedSummaryUpdateStillAcksStoredMessage(t *testing.T) {
	mem := tree.NewMemory()
	defer mem.Close()
	p := &fakePush{}
	eng := New(Options{Tree: failingTransact{Store: mem}, Push: p})
	defer eng.Close()

	c, err := eng.CreateChat(as("alice"), models.Chat{Type: models.ChatGroup, Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	ack, err := eng.Send(as("alice"), models.Message{ID: "m-1", ChatID: c.ID, Content: "kept"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack.MessageID != "m-1" {
		t.Fatalf("ack = %+v", ack)
	}
	if _, err := mem.Get(context.Background(), codec.MessagePath(c.ID, "m-1")); err != nil {
		t.Fatalf("message not stored: %v", err)
	}
	if len(p.Calls()) != 1 {
		t.Fatalf("push calls = %d, want 1", len(p.Calls()))
	}

	// the client retries with the same id and still ends up with one message
	if _, err := eng.Send(as("alice"), models.Message{ID: "m-1", ChatID: c.ID, Content: "kept"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	msgs, err := eng.Messages(as("bob"), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages after retry = %v", ids(msgs))
	}
}

func TestSendThrottledIsNotAnError(t *testing.T) {
	f := newFixture(t, func(tu *config.Tuning) { tu.SpamLimit = 2 })
	c := f.groupChat(t, "alice", "bob")

	f.send(t, "alice", c.ID, "one")
	f.send(t, "alice", c.ID, "two")
	ack, err := f.eng.Send(as("alice"), models.Message{ChatID: c.ID, Content: "three"})
	if err != nil {
		t.Fatalf("throttled send returned error: %v", err)
	}
	if !ack.Throttled || ack.MessageID != "" {
		t.Fatalf("ack = %+v, want throttled", ack)
	}

	children, _ := f.store.QueryRange(context.Background(), codec.MessagesPath(c.ID), tree.Query{})
	if len(children) != 2 {
		t.Fatalf("stored messages = %d, want 2", len(children))
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")

	tests := []struct {
		name string
		ctx  context.Context
		msg  models.Message
		kind error
	}{
		{"anonymous", context.Background(), models.Message{ChatID: c.ID, Content: "hi"}, apperr.ErrNotAuthenticated},
		{"blank", as("alice"), models.Message{ChatID: c.ID, Content: "   "}, apperr.ErrValidation},
		{"too long", as("alice"), models.Message{ChatID: c.ID, Content: strings.Repeat("a", 501)}, apperr.ErrValidation},
		{"system", as("alice"), models.Message{ChatID: c.ID, Content: "x", Type: models.MessageSystem}, apperr.ErrValidation},
		{"missing chat", as("alice"), models.Message{ChatID: "nope", Content: "hi"}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.Send(tt.ctx, tt.msg)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("err = %v, want %v", err, tt.kind)
			}
		})
	}
}

func TestSendRejectsOutsiders(t *testing.T) {
	f := newFixture(t, nil)
	c, err := f.eng.CreateChat(as("alice"), models.Chat{Type: models.ChatDirect, Participants: []string{"bob"}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.eng.Send(as("mallory"), models.Message{ChatID: c.ID, Content: "hi"})
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
}

type denyGate struct{ user string }

func (g denyGate) CanPost(_ context.Context, _, userID string) error {
	if userID == g.user {
		return apperr.PermissionDenied("you are banned from this chat")
	}
	return nil
}

func TestGateBlocksSend(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	f.eng.SetGate(denyGate{user: "bob"})

	if _, err := f.eng.Send(as("bob"), models.Message{ChatID: c.ID, Content: "hi"}); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	f.send(t, "alice", c.ID, "still fine")
}

func TestEditPreservesOriginalContent(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	id := f.send(t, "alice", c.ID, "foo")

	m, err := f.eng.Edit(as("alice"), c.ID, id, "bar")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if m.OriginalContent != "foo" || m.Content != "bar" || !m.Edited || m.EditedAt == nil {
		t.Fatalf("after first edit: %+v", m)
	}
	m, err = f.eng.Edit(as("alice"), c.ID, id, "baz")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if m.OriginalContent != "foo" || m.Content != "baz" {
		t.Fatalf("after second edit: original=%q content=%q", m.OriginalContent, m.Content)
	}

	chat, _ := f.eng.loadChat(context.Background(), c.ID)
	if chat.LastMessage.Content != "baz" {
		t.Fatalf("summary content = %q", chat.LastMessage.Content)
	}

	if _, err := f.eng.Edit(as("bob"), c.ID, id, "hijack"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("edit by other user: %v", err)
	}
}

func TestDeleteIsSoftAndRemovesAttachment(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	url := blob.URLPrefix + "chat/pic.png"
	ack, err := f.eng.Send(as("alice"), models.Message{ChatID: c.ID, Type: models.MessageImage, AttachmentURL: url, Content: "look"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.eng.Delete(as("bob"), c.ID, ack.MessageID); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("delete by other user: %v", err)
	}

	m, err := f.eng.Delete(as("alice"), c.ID, ack.MessageID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !m.Deleted || m.DeletedAt == nil || m.Content == "look" || m.AttachmentURL != "" {
		t.Fatalf("deleted message = %+v", m)
	}
	if len(f.blobs.deleted) != 1 || f.blobs.deleted[0] != url {
		t.Fatalf("blob deletes = %v", f.blobs.deleted)
	}
}

func TestDeleteSurvivesBlobFailure(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	url := blob.URLPrefix + "chat/pic.png"
	f.blobs.fail[url] = true
	ack, _ := f.eng.Send(as("alice"), models.Message{ChatID: c.ID, Type: models.MessageImage, AttachmentURL: url})

	if _, err := f.eng.Delete(as("alice"), c.ID, ack.MessageID); err != nil {
		t.Fatalf("Delete with failing blob store: %v", err)
	}
}

func TestReactTogglesAndDropsEmptySets(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	id := f.send(t, "alice", c.ID, "hi")

	m, err := f.eng.React(as("bob"), c.ID, id, "👍")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Reactions["👍"]; len(got) != 1 || got[0] != "bob" {
		t.Fatalf("reactions = %v", m.Reactions)
	}
	m, err = f.eng.React(as("bob"), c.ID, id, "👍")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Reactions["👍"]; ok {
		t.Fatalf("emptied reaction set kept: %v", m.Reactions)
	}

	raw, _ := f.store.Get(context.Background(), codec.MessagePath(c.ID, id))
	if strings.Contains(string(raw), "👍") {
		t.Fatalf("stored record still has the reaction: %s", raw)
	}
}

type readSpy struct {
	mu     sync.Mutex
	events []models.ReadEvent
}

func (s *readSpy) OnChatRead(ev models.ReadEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *readSpy) OnChatsUpdated(string, []models.Chat) {}

func TestMarkReadRecordsReceiptAndNotifiesSynchronously(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	id := f.send(t, "alice", c.ID, "hi")
	spy := &readSpy{}
	f.eng.AddReadListener(spy)
	reads := f.eng.ReadEvents()
	defer reads.Close()

	if err := f.eng.MarkRead(as("bob"), c.ID, id); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(spy.events) != 1 || spy.events[0].UserID != "bob" || spy.events[0].ChatID != c.ID {
		t.Fatalf("listener events = %+v", spy.events)
	}
	select {
	case ev := <-reads.C():
		if ev.MessageID != id {
			t.Fatalf("read event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no read event published")
	}

	raw, _ := f.store.Get(context.Background(), codec.MessagePath(c.ID, id))
	m, _ := codec.DecodeMessage(c.ID, id, raw)
	if !m.IsReadBy("bob") {
		t.Fatal("read receipt not stored")
	}
}

func TestSearchIsCaseInsensitiveNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "alice", "bob")
	first := f.send(t, "alice", c.ID, "Deploy tonight")
	f.send(t, "bob", c.ID, "unrelated")
	second := f.send(t, "bob", c.ID, "deploy done")
	gone := f.send(t, "alice", c.ID, "deploy secret")
	if _, err := f.eng.Delete(as("alice"), c.ID, gone); err != nil {
		t.Fatal(err)
	}

	got, err := f.eng.Search(as("alice"), c.ID, "DEPLOY")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].ID != second || got[1].ID != first {
		t.Fatalf("results = %v", ids(got))
	}
}

func TestLoadOlderMessagesIsStrictlyBefore(t *testing.T) {
	f := newFixture(t, func(tu *config.Tuning) { tu.OlderPageSize = 2 })
	c := f.groupChat(t, "alice", "bob")
	var sent []string
	for _, s := range []string{"a", "b", "c", "d"} {
		sent = append(sent, f.send(t, "alice", c.ID, s))
	}
	raw, _ := f.store.Get(context.Background(), codec.MessagePath(c.ID, sent[3]))
	ref, _ := codec.DecodeMessage(c.ID, sent[3], raw)

	got, err := f.eng.LoadOlderMessages(as("bob"), c.ID, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != sent[1] || got[1].ID != sent[2] {
		t.Fatalf("older page = %v, want [%s %s]", ids(got), sent[1], sent[2])
	}
}
