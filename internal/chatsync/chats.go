package chatsync

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/blob"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/stream"
	"github.com/4xmen/goftogoo/internal/tree"
)

var ErrClosed = errors.New("chatsync: engine closed")

// upstream owns one ordered-store listener. attach after detach cancels the
// late listener immediately.
type upstream struct {
	mu      sync.Mutex
	cancel  func()
	stopped bool
}

func (u *upstream) attach(cancel func()) {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		cancel()
		return
	}
	u.cancel = cancel
	u.mu.Unlock()
}

func (u *upstream) detach() {
	u.mu.Lock()
	u.stopped = true
	c := u.cancel
	u.cancel = nil
	u.mu.Unlock()
	if c != nil {
		c()
	}
}

type chatFeed struct {
	user auth.Identity
	feed *stream.Feed[[]models.Chat]
	up   upstream
}

func (f *chatFeed) stop() {
	f.up.detach()
	f.feed.Close()
}

// closeWith runs release once sub is closed and closes sub when ctx ends.
// The release is installed before the context hook so a context that is
// already done still releases.
func closeWith[T any](ctx context.Context, sub *stream.Subscription[T], release func()) {
	sub.OnClose(release)
	stop := context.AfterFunc(ctx, sub.Close)
	sub.OnClose(func() { stop() })
}

// SubscribeChats streams the caller's chat list. Subscribers for the same
// user share one store listener, released when the last one closes.
func (e *Engine) SubscribeChats(ctx context.Context) (*stream.Subscription[[]models.Chat], error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	f, ok := e.chatFeeds[id.ID]
	if !ok {
		f = &chatFeed{user: id, feed: stream.NewFeed[[]models.Chat]()}
		e.chatFeeds[id.ID] = f
	}
	sub := f.feed.Subscribe()
	e.mu.Unlock()

	closeWith(ctx, sub, func() { e.releaseChatFeed(id.ID, f) })

	if !ok {
		cancel, err := e.tree.Subscribe(e.ctx, codec.ChatsRoot, tree.Query{}, func(children []tree.Child) {
			e.onChats(f, children)
		})
		if err != nil {
			e.mu.Lock()
			if e.chatFeeds[id.ID] == f {
				delete(e.chatFeeds, id.ID)
			}
			e.mu.Unlock()
			f.stop()
			return nil, apperr.Remote(err, "subscribe chats")
		}
		f.up.attach(cancel)
	}
	return sub, nil
}

func (e *Engine) releaseChatFeed(userID string, f *chatFeed) {
	e.mu.Lock()
	idle := e.chatFeeds[userID] == f && f.feed.Len() == 0
	if idle {
		delete(e.chatFeeds, userID)
	}
	e.mu.Unlock()
	if idle {
		f.stop()
	}
}

func (e *Engine) onChats(f *chatFeed, children []tree.Child) {
	chats, dropped := codec.DecodeChats(children)
	if dropped > 0 {
		e.metrics.Dropped("chat", dropped)
		e.log.Debug("chat_records_dropped", zap.Int("count", dropped))
	}
	visible := visibleChats(chats, f.user)

	e.mu.Lock()
	for _, c := range chats {
		e.chatCache[c.ID] = c
	}
	f.feed.Publish(visible)
	e.mu.Unlock()

	for _, l := range e.readListeners() {
		l.OnChatsUpdated(f.user.ID, visible)
	}
}

// visibleChats filters chats to those id can see and sorts them by last
// activity, newest first. Chats without a last message sort last.
func visibleChats(chats []models.Chat, id auth.Identity) []models.Chat {
	out := make([]models.Chat, 0, len(chats))
	for _, c := range chats {
		if c.Deleted || !c.Active || !canAccess(c, id) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastActivity(), out[j].LastActivity()
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListChats is a one-shot read of the caller's chat list. When the store is
// unreachable the last cached chats are returned instead.
func (e *Engine) ListChats(ctx context.Context) ([]models.Chat, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	chats, err := e.allChats(ctx)
	if err != nil {
		return nil, err
	}
	return visibleChats(chats, id), nil
}

// ChatsFor returns the live chats userID participates in.
func (e *Engine) ChatsFor(ctx context.Context, userID string) ([]models.Chat, error) {
	chats, err := e.allChats(ctx)
	if err != nil {
		return nil, err
	}
	out := chats[:0]
	for _, c := range chats {
		if !c.Deleted && c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (e *Engine) allChats(ctx context.Context) ([]models.Chat, error) {
	children, err := e.tree.QueryRange(ctx, codec.ChatsRoot, tree.Query{})
	if err != nil {
		e.mu.Lock()
		cached := make([]models.Chat, 0, len(e.chatCache))
		for _, c := range e.chatCache {
			cached = append(cached, c)
		}
		e.mu.Unlock()
		if len(cached) == 0 {
			return nil, apperr.Remote(err, "list chats")
		}
		e.log.Warn("chat_list_fell_back_to_cache", zap.Int("cached", len(cached)), zap.Error(err))
		return cached, nil
	}
	chats, dropped := codec.DecodeChats(children)
	e.metrics.Dropped("chat", dropped)
	e.mu.Lock()
	for _, c := range chats {
		e.chatCache[c.ID] = c
	}
	e.mu.Unlock()
	return chats, nil
}

// RefreshChats forces a one-shot reload of the caller's chat list into its
// feed. Reloads closer together than the debounce interval are skipped and
// reported as false.
func (e *Engine) RefreshChats(ctx context.Context) (bool, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return false, err
	}
	now := e.clock.Now()
	e.mu.Lock()
	last, seen := e.lastRefresh[id.ID]
	if seen && now.Sub(last) < e.tuning.ChatRefreshDebounce {
		e.mu.Unlock()
		return false, nil
	}
	e.lastRefresh[id.ID] = now
	f := e.chatFeeds[id.ID]
	e.mu.Unlock()

	children, err := e.tree.QueryRange(ctx, codec.ChatsRoot, tree.Query{})
	if err != nil {
		return false, apperr.Remote(err, "refresh chats")
	}
	if f != nil {
		e.onChats(f, children)
	}
	return true, nil
}

// CreateChat stores a new chat created by the caller. A direct chat between
// two users that already have one returns the existing chat.
func (e *Engine) CreateChat(ctx context.Context, c models.Chat) (models.Chat, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return models.Chat{}, err
	}
	if !c.Type.Valid() {
		return models.Chat{}, apperr.Validation("unknown chat type %q", c.Type)
	}

	var participants []string
	for _, p := range c.Participants {
		if p != "" && !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}
	if len(participants) > 0 || !c.Type.AllowsEmptyParticipants() {
		if !slices.Contains(participants, id.ID) {
			participants = append(participants, id.ID)
		}
	}
	slices.Sort(participants)
	if c.Type == models.ChatDirect && len(participants) != 2 {
		return models.Chat{}, apperr.Validation("direct chats need exactly two participants")
	}
	if len(participants) == 0 && !c.Type.AllowsEmptyParticipants() {
		return models.Chat{}, apperr.Validation("chat needs participants")
	}

	if c.Type == models.ChatDirect {
		existing, err := e.allChats(ctx)
		if err != nil {
			return models.Chat{}, err
		}
		for _, ex := range existing {
			if ex.Type == models.ChatDirect && !ex.Deleted && sameMembers(ex.Participants, participants) {
				return ex, nil
			}
		}
	}

	now := e.clock.Now().UTC()
	c.ID = uuid.NewString()
	c.Participants = participants
	c.CreatorID = id.ID
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Active = true
	c.Deleted = false
	c.LastMessage = nil
	if c.Type != models.ChatDirect && c.GroupID == "" {
		c.GroupID = id.GroupID
	}
	if c.ParticipantNames == nil {
		c.ParticipantNames = make(map[string]string)
	}
	if _, ok := c.ParticipantNames[id.ID]; !ok && id.DisplayName != "" {
		c.ParticipantNames[id.ID] = id.DisplayName
	}

	raw, err := codec.EncodeChat(c)
	if err != nil {
		return models.Chat{}, err
	}
	if err := e.tree.Set(ctx, codec.ChatPath(c.ID), raw); err != nil {
		return models.Chat{}, apperr.Remote(err, "create chat")
	}
	e.mu.Lock()
	e.chatCache[c.ID] = c
	e.mu.Unlock()
	e.log.Info("chat_created", zap.String("chat", c.ID), zap.String("type", string(c.Type)), zap.String("creator", id.ID))
	return c, nil
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := slices.Clone(a)
	slices.Sort(x)
	return slices.Equal(x, b)
}

// DeleteChat removes a chat, its messages and their attachments. Only the
// creator or a global administrator may delete. Attachment deletion is
// best-effort and reported in the result.
func (e *Engine) DeleteChat(ctx context.Context, chatID string) (DeleteChatResult, error) {
	var res DeleteChatResult
	id, err := auth.Require(ctx)
	if err != nil {
		return res, err
	}
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return res, err
	}
	if c.CreatorID != id.ID && !e.isAdmin(ctx, id) {
		return res, apperr.PermissionDenied("only the creator or an administrator can delete a chat")
	}

	children, err := e.tree.QueryRange(ctx, codec.MessagesPath(chatID), tree.Query{})
	if err != nil {
		return res, apperr.Remote(err, "list chat messages")
	}
	msgs, _ := codec.DecodeMessages(chatID, children)
	for _, m := range msgs {
		if m.AttachmentURL == "" || e.blobs == nil {
			continue
		}
		if err := e.blobs.Delete(ctx, m.AttachmentURL); err != nil && !errors.Is(err, blob.ErrNotFound) {
			res.AttachmentsFailed++
			e.log.Warn("attachment_delete_failed", zap.String("chat", chatID), zap.String("url", m.AttachmentURL), zap.Error(err))
			continue
		}
		res.AttachmentsDeleted++
	}

	if err := e.tree.Remove(ctx, codec.MessagesPath(chatID)); err != nil {
		return res, apperr.Remote(err, "delete chat messages")
	}
	if err := e.tree.Remove(ctx, codec.ChatPath(chatID)); err != nil {
		return res, apperr.Remote(err, "delete chat")
	}

	e.mu.Lock()
	delete(e.chatCache, chatID)
	f := e.msgFeeds[chatID]
	delete(e.msgFeeds, chatID)
	e.mu.Unlock()
	if f != nil {
		f.stop()
	}

	e.log.Info("chat_deleted",
		zap.String("chat", chatID),
		zap.String("actor", id.ID),
		zap.Int("attachments_deleted", res.AttachmentsDeleted),
		zap.Int("attachments_failed", res.AttachmentsFailed),
	)
	return res, nil
}
