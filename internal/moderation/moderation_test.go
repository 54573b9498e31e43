package moderation

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/chatsync"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/docstore"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/timeutil"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/pkg/config"
	"github.com/4xmen/goftogoo/pkg/i18n"
)

type fakeAdmins map[string]bool

func (a fakeAdmins) IsAdmin(_ context.Context, userID string) (bool, error) {
	return a[userID], nil
}

type fixture struct {
	store  *tree.Memory
	docs   *docstore.SQLite
	clock  *timeutil.Fake
	chats  *chatsync.Engine
	mod    *Engine
	tuning config.Tuning
}

func newFixture(t *testing.T, tune func(*config.Tuning)) *fixture {
	t.Helper()
	store := tree.NewMemory()
	docs, err := docstore.Open(filepath.Join(t.TempDir(), "moderation.db"))
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	clock := timeutil.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	tuning := config.DefaultTuning()
	if tune != nil {
		tune(&tuning)
	}
	admins := fakeAdmins{"root": true}
	chats := chatsync.New(chatsync.Options{Tree: store, Admins: admins, Clock: clock, Tuning: tuning})
	f := &fixture{store: store, docs: docs, clock: clock, chats: chats, tuning: tuning}
	f.mod = f.engine(admins)
	t.Cleanup(func() {
		f.mod.Close()
		chats.Close()
		docs.Close()
		store.Close()
	})
	return f
}

func (f *fixture) engine(admins AdminChecker) *Engine {
	m := New(Options{
		Tree:   f.store,
		Docs:   f.docs,
		Poster: f.chats,
		Admins: admins,
		Clock:  f.clock,
		Tuning: f.tuning,
	})
	f.chats.SetGate(m)
	return m
}

func as(userID string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{ID: userID, DisplayName: strings.ToUpper(userID[:1]) + userID[1:], GroupID: "g1"})
}

func asAdmin(userID string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{ID: userID, GroupID: "g1", Admin: true})
}

func (f *fixture) groupChat(t *testing.T, moderators ...string) models.Chat {
	t.Helper()
	c, err := f.chats.CreateChat(as("alice"), models.Chat{
		Type:             models.ChatGroup,
		Participants:     []string{"bob", "carol"},
		ParticipantNames: map[string]string{"bob": "Bob", "carol": "Carol"},
		Moderators:       moderators,
	})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return c
}

func (f *fixture) send(t *testing.T, user, chatID, content string) (string, error) {
	t.Helper()
	f.clock.Advance(time.Second)
	ack, err := f.chats.Send(as(user), models.Message{ChatID: chatID, Content: content})
	return ack.MessageID, err
}

func (f *fixture) chat(t *testing.T, chatID string) models.Chat {
	t.Helper()
	raw, err := f.store.Get(context.Background(), codec.ChatPath(chatID))
	if err != nil {
		t.Fatalf("load chat: %v", err)
	}
	c, err := codec.DecodeChat(chatID, raw)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) message(t *testing.T, chatID, msgID string) models.Message {
	t.Helper()
	raw, err := f.store.Get(context.Background(), codec.MessagePath(chatID, msgID))
	if err != nil {
		t.Fatalf("load message: %v", err)
	}
	m, err := codec.DecodeMessage(chatID, msgID, raw)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (f *fixture) systemMessages(t *testing.T, chatID string) []string {
	t.Helper()
	msgs, err := f.chats.Messages(as("alice"), chatID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	var out []string
	for _, m := range msgs {
		if m.Type == models.MessageSystem {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestWarningsEscalateToTemporaryBan(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	ctx := as("alice")

	for i := 1; i <= 3; i++ {
		res, err := f.mod.Warn(ctx, "bob", c.ID, "spam")
		if err != nil {
			t.Fatalf("Warn %d: %v", i, err)
		}
		if res.Count != i || res.Banned != (i == 3) {
			t.Fatalf("Warn %d = %+v", i, res)
		}
	}
	if n, _ := f.mod.Warnings(ctx, c.ID, "bob"); n != 3 {
		t.Fatalf("warnings = %d, want 3", n)
	}
	if ch := f.chat(t, c.ID); ch.HasParticipant("bob") {
		t.Fatal("banned user still a participant")
	}
	if _, err := f.send(t, "bob", c.ID, "let me in"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("send while banned: %v", err)
	}

	sys := f.systemMessages(t, c.ID)
	joined := strings.Join(sys, "\n")
	if len(sys) != 4 || !strings.Contains(joined, "(3/3)") || !strings.Contains(joined, "24h") {
		t.Fatalf("system messages = %q", sys)
	}
}

func TestTemporaryBanLiftsItself(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	ctx := as("alice")
	if _, err := f.mod.Warn(ctx, "bob", c.ID, "rude"); err != nil {
		t.Fatal(err)
	}
	if err := f.mod.BanUserFromChat(ctx, "bob", c.ID, "rude", true, 0); err != nil {
		t.Fatalf("BanUserFromChat: %v", err)
	}
	if f.mod.Scheduled() != 1 {
		t.Fatalf("scheduled = %d", f.mod.Scheduled())
	}

	f.clock.Advance(24*time.Hour - time.Second)
	if err := f.mod.CanPost(context.Background(), c.ID, "bob"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("CanPost before expiry: %v", err)
	}

	f.clock.Advance(2 * time.Second)
	if err := f.mod.CanPost(context.Background(), c.ID, "bob"); err != nil {
		t.Fatalf("CanPost after expiry: %v", err)
	}
	if ch := f.chat(t, c.ID); !ch.HasParticipant("bob") {
		t.Fatal("participant not restored")
	}
	if n, _ := f.mod.Warnings(ctx, c.ID, "bob"); n != 0 {
		t.Fatalf("warnings after unban = %d", n)
	}
	if f.mod.Scheduled() != 0 {
		t.Fatalf("timers left = %d", f.mod.Scheduled())
	}
	if _, err := f.send(t, "bob", c.ID, "back"); err != nil {
		t.Fatalf("send after unban: %v", err)
	}

	history, err := f.mod.GetModerationHistory(ctx, c.ID, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if history[0].Kind != models.ActionUnban || history[0].ActorID != SystemActorID {
		t.Fatalf("latest action = %+v", history[0])
	}
}

func TestConcurrentExpiryLiftsOnce(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	ctx := as("alice")
	if _, err := f.mod.Warn(ctx, "bob", c.ID, "rude"); err != nil {
		t.Fatal(err)
	}
	if err := f.mod.BanUserFromChat(ctx, "bob", c.ID, "rude", true, time.Hour); err != nil {
		t.Fatal(err)
	}
	f.clock.Set(f.clock.Now().Add(2 * time.Hour))

	var wg sync.WaitGroup
	var lifted atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			if err := f.mod.CanPost(context.Background(), c.ID, "bob"); err != nil {
				t.Errorf("CanPost: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			n, err := f.mod.ExpireBans(context.Background())
			if err != nil {
				t.Errorf("ExpireBans: %v", err)
			}
			lifted.Add(int32(n))
		}()
		go func() {
			defer wg.Done()
			f.clock.Advance(0)
		}()
	}
	wg.Wait()

	if n := lifted.Load(); n > 1 {
		t.Fatalf("ExpireBans reported %d lifts", n)
	}
	history, err := f.mod.GetModerationHistory(ctx, c.ID, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	unbans := 0
	for _, a := range history {
		if a.Kind == models.ActionUnban {
			unbans++
		}
	}
	if unbans != 1 {
		t.Fatalf("unban actions = %d, want 1", unbans)
	}
	want := i18n.Sprintf("%s was unbanned: %s", displayName(f.chat(t, c.ID), "bob"), "expired")
	announced := 0
	for _, m := range f.systemMessages(t, c.ID) {
		if m == want {
			announced++
		}
	}
	if announced != 1 {
		t.Fatalf("unban announcements = %d, want 1", announced)
	}
	if err := f.mod.UnbanUserFromChat(ctx, "bob", c.ID, "again"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second unban: %v", err)
	}
}

func TestUnbanRequiresRecord(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	err := f.mod.UnbanUserFromChat(as("alice"), "bob", c.ID, "")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unban without ban: %v", err)
	}
}

func TestPermanentBanNeedsManualUnban(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	ctx := as("alice")
	if err := f.mod.BanUserFromChat(ctx, "carol", c.ID, "abuse", false, 0); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(365 * 24 * time.Hour)
	if n, _ := f.mod.ExpireBans(context.Background()); n != 0 {
		t.Fatalf("expired permanent bans = %d", n)
	}
	if err := f.mod.CanPost(context.Background(), c.ID, "carol"); err == nil {
		t.Fatal("permanent ban expired")
	}
	if err := f.mod.UnbanUserFromChat(ctx, "carol", c.ID, "appeal"); err != nil {
		t.Fatalf("UnbanUserFromChat: %v", err)
	}
	if ch := f.chat(t, c.ID); !ch.HasParticipant("carol") {
		t.Fatal("participant not restored")
	}
}

func TestDuplicateReportIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	id, err := f.send(t, "bob", c.ID, "buy now")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.mod.Report(as("carol"), c.ID, id, "spam", "ads"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	err = f.mod.Report(as("carol"), c.ID, id, "spam", "again")
	if !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("second report: %v", err)
	}

	if got := f.message(t, c.ID, id).ReportedBy; len(got) != 1 || got[0] != "carol" {
		t.Fatalf("ReportedBy = %v", got)
	}
	history, err := f.mod.GetModerationHistory(as("alice"), c.ID, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Kind != models.ActionReport || history[0].TargetUserID != "bob" {
		t.Fatalf("history = %+v", history)
	}
}

func TestIsModerator(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t, "mia")
	if err := f.mod.GrantGlobalModerator(asAdmin("root"), "gus"); err != nil {
		t.Fatalf("GrantGlobalModerator: %v", err)
	}
	if err := f.mod.GrantGlobalModerator(as("alice"), "bob"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("grant by non-admin: %v", err)
	}

	tests := []struct {
		user string
		want bool
	}{
		{"root", true},
		{"mia", true},
		{"alice", true},
		{"gus", true},
		{"bob", false},
	}
	for _, tt := range tests {
		got, err := f.mod.IsModerator(context.Background(), c.ID, tt.user)
		if err != nil {
			t.Fatalf("IsModerator(%s): %v", tt.user, err)
		}
		if got != tt.want {
			t.Fatalf("IsModerator(%s) = %v, want %v", tt.user, got, tt.want)
		}
	}

	if _, err := f.mod.Warn(as("bob"), "carol", c.ID, "x"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("warn by participant: %v", err)
	}
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t, func(tu *config.Tuning) {
		tu.WarningThreshold = 100
		tu.HistoryPageSize = 3
	})
	c := f.groupChat(t)
	ctx := as("alice")
	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		if _, err := f.mod.Warn(ctx, "bob", c.ID, "noise"); err != nil {
			t.Fatal(err)
		}
	}

	page, err := f.mod.GetModerationHistory(ctx, c.ID, 10, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if got := descriptions(page); got != "5/100,4/100,3/100" {
		t.Fatalf("first page = %s", got)
	}
	page, err = f.mod.GetModerationHistory(ctx, c.ID, 10, page[len(page)-1].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if got := descriptions(page); got != "2/100,1/100" {
		t.Fatalf("second page = %s", got)
	}

	if _, err := f.mod.GetModerationHistory(as("bob"), c.ID, 0, time.Time{}); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("history as participant: %v", err)
	}
}

func descriptions(actions []models.ModerationAction) string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Description
	}
	return strings.Join(out, ",")
}

func TestClearModerationHistory(t *testing.T) {
	f := newFixture(t, func(tu *config.Tuning) { tu.WarningThreshold = 100 })
	c := f.groupChat(t, "mia")
	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Second)
		if _, err := f.mod.Warn(as("mia"), "bob", c.ID, "noise"); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := f.mod.ClearModerationHistory(as("mia"), c.ID); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("clear by moderator: %v", err)
	}
	n, err := f.mod.ClearModerationHistory(as("alice"), c.ID)
	if err != nil || n != 4 {
		t.Fatalf("ClearModerationHistory = %d, %v", n, err)
	}
	history, err := f.mod.GetModerationHistory(as("alice"), c.ID, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Kind != models.ActionHistoryCleared {
		t.Fatalf("history after clear = %+v", history)
	}
}

func TestMuteSuppressesSendsUntilExpiry(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	if err := f.mod.MuteUser(as("alice"), "bob", c.ID, 30*time.Minute, "cool off"); err != nil {
		t.Fatalf("MuteUser: %v", err)
	}
	if ch := f.chat(t, c.ID); !ch.HasParticipant("bob") {
		t.Fatal("mute removed the participant")
	}
	_, err := f.send(t, "bob", c.ID, "hello?")
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("send while muted: %v", err)
	}
	if _, err := f.send(t, "carol", c.ID, "hi"); err != nil {
		t.Fatalf("others can still post: %v", err)
	}

	f.clock.Advance(30 * time.Minute)
	if _, err := f.send(t, "bob", c.ID, "hello again"); err != nil {
		t.Fatalf("send after mute: %v", err)
	}
	if sys := f.systemMessages(t, c.ID); len(sys) != 1 || !strings.Contains(sys[0], "30m") {
		t.Fatalf("system messages = %q", sys)
	}
}

func TestGlobalBanIsAdminOnly(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	if err := f.mod.BanUserFromChat(as("alice"), "bob", "", "everywhere", false, 0); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("global ban by creator: %v", err)
	}
	if err := f.mod.BanUserFromChat(asAdmin("root"), "bob", "", "everywhere", false, 0); err != nil {
		t.Fatalf("global ban: %v", err)
	}
	if err := f.mod.CanPost(context.Background(), c.ID, "bob"); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("CanPost under global ban: %v", err)
	}
	if ch := f.chat(t, c.ID); !ch.HasParticipant("bob") {
		t.Fatal("global ban changed chat participants")
	}
	if err := f.mod.UnbanUserFromChat(asAdmin("root"), "bob", "", "ok"); err != nil {
		t.Fatalf("global unban: %v", err)
	}
	if err := f.mod.CanPost(context.Background(), c.ID, "bob"); err != nil {
		t.Fatalf("CanPost after global unban: %v", err)
	}
}

func TestRestoreReschedulesAndExpires(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	ctx := as("alice")
	if err := f.mod.BanUserFromChat(ctx, "bob", c.ID, "a", true, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := f.mod.BanUserFromChat(ctx, "carol", c.ID, "b", true, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	f.mod.Close()

	f.clock.Advance(30 * time.Minute)
	f.mod = f.engine(fakeAdmins{"root": true})
	n, err := f.mod.Restore(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if err := f.mod.CanPost(context.Background(), c.ID, "carol"); err != nil {
		t.Fatalf("expired ban not lifted on restore: %v", err)
	}
	if ch := f.chat(t, c.ID); !ch.HasParticipant("carol") {
		t.Fatal("carol not restored")
	}
	if err := f.mod.CanPost(context.Background(), c.ID, "bob"); err == nil {
		t.Fatal("bob unbanned early")
	}

	f.clock.Advance(31 * time.Minute)
	if err := f.mod.CanPost(context.Background(), c.ID, "bob"); err != nil {
		t.Fatalf("bob after rescheduled expiry: %v", err)
	}
	if _, err := f.docs.Get(context.Background(), BansCollection, banID(c.ID, "bob", models.BanKindBan)); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("ban record left behind: %v", err)
	}
}

func TestModeratorDeleteHidesMessageAndPreview(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	id, err := f.send(t, "bob", c.ID, "rude words")
	if err != nil {
		t.Fatal(err)
	}

	m, err := f.mod.ModeratorDeleteMessage(as("alice"), c.ID, id, "language")
	if err != nil {
		t.Fatalf("ModeratorDeleteMessage: %v", err)
	}
	if !m.Moderated || !m.Deleted || m.OriginalContent != "rude words" || m.ModeratorID != "alice" {
		t.Fatalf("moderated message = %+v", m)
	}
	if got := f.chat(t, c.ID).LastMessage.Content; got != i18n.Translate("This message was removed by a moderator") {
		t.Fatalf("preview = %q", got)
	}
	if _, err := f.mod.ToggleMessageVisibility(as("alice"), c.ID, id, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("toggle on deleted message: %v", err)
	}
	if _, err := f.mod.ModeratorDeleteMessage(as("bob"), c.ID, id, ""); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("delete by participant: %v", err)
	}
}

func TestToggleMessageVisibility(t *testing.T) {
	f := newFixture(t, nil)
	c := f.groupChat(t)
	id, err := f.send(t, "bob", c.ID, "borderline")
	if err != nil {
		t.Fatal(err)
	}
	ctx := as("alice")

	m, err := f.mod.ToggleMessageVisibility(ctx, c.ID, id, "check")
	if err != nil || !m.Moderated || m.Content != "borderline" {
		t.Fatalf("hide = %+v, %v", m, err)
	}
	msgs, _ := f.chats.Messages(ctx, c.ID)
	for _, got := range msgs {
		if got.ID == id {
			t.Fatal("hidden message listed")
		}
	}

	f.clock.Advance(time.Second)
	m, err = f.mod.ToggleMessageVisibility(ctx, c.ID, id, "fine")
	if err != nil || m.Moderated || m.ModeratorID != "" {
		t.Fatalf("unhide = %+v, %v", m, err)
	}
	history, _ := f.mod.GetModerationHistory(ctx, c.ID, 0, time.Time{})
	if len(history) != 2 || history[0].Kind != models.ActionUnhideMessage || history[1].Kind != models.ActionHideMessage {
		t.Fatalf("history = %+v", history)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{24 * time.Hour, "24h"},
		{30 * time.Minute, "30m"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Fatalf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
