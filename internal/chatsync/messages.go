package chatsync

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/blob"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/spam"
	"github.com/4xmen/goftogoo/internal/stream"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/pkg/i18n"
)

// SystemSenderID is the sender of messages posted by the engine itself.
const SystemSenderID = "system"

// messageFeed is the single live view of one chat's recent messages. up,
// remote and pending are guarded by Engine.mu.
type messageFeed struct {
	chatID  string
	feed    *stream.Feed[[]models.Message]
	up      *upstream
	remote  []models.Message
	pending map[string]models.Message
}

func (f *messageFeed) stop() {
	if f.up != nil {
		f.up.detach()
	}
	f.feed.Close()
}

// snapshot merges the remote window with optimistic sends, dropping
// duplicates by id and moderated messages.
func (f *messageFeed) snapshot() []models.Message {
	out := make([]models.Message, 0, len(f.remote)+len(f.pending))
	seen := make(map[string]struct{}, len(f.remote))
	for _, m := range f.remote {
		seen[m.ID] = struct{}{}
		if !m.Moderated {
			out = append(out, m)
		}
	}
	for id, m := range f.pending {
		if _, ok := seen[id]; !ok {
			out = append(out, m)
		}
	}
	sortAscending(out)
	return out
}

func sortAscending(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// SubscribeMessages streams the most recent messages of a chat, oldest
// first. A chat has one store listener at a time: subscribing again replaces
// the listener while existing subscribers keep receiving from the new one.
func (e *Engine) SubscribeMessages(ctx context.Context, chatID string) (*stream.Subscription[[]models.Message], error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !canAccess(c, id) {
		return nil, apperr.PermissionDenied("not a participant")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	f, ok := e.msgFeeds[chatID]
	if !ok {
		f = &messageFeed{
			chatID:  chatID,
			feed:    stream.NewFeed[[]models.Message](),
			pending: make(map[string]models.Message),
		}
		e.msgFeeds[chatID] = f
	}
	sub := f.feed.Subscribe()
	e.mu.Unlock()
	closeWith(ctx, sub, func() { e.releaseMessageFeed(chatID, f) })

	// The new listener is attached before the previous one is dropped, so a
	// failed subscribe leaves the current listener serving the feed.
	q := tree.Query{OrderBy: codec.TimestampField, Limit: e.tuning.MessagePageSize, LimitToLast: true}
	cancel, err := e.tree.Subscribe(e.ctx, codec.MessagesPath(chatID), q, func(children []tree.Child) {
		e.onMessages(f, children)
	})
	if err != nil {
		sub.Close()
		return nil, apperr.Remote(err, "subscribe messages")
	}
	up := &upstream{}
	up.attach(cancel)

	e.mu.Lock()
	if e.closed || e.msgFeeds[chatID] != f {
		// released while subscribing
		e.mu.Unlock()
		up.detach()
		return sub, nil
	}
	prev := f.up
	f.up = up
	e.mu.Unlock()
	if prev != nil {
		prev.detach()
	}
	return sub, nil
}

func (e *Engine) releaseMessageFeed(chatID string, f *messageFeed) {
	e.mu.Lock()
	idle := e.msgFeeds[chatID] == f && f.feed.Len() == 0
	if idle {
		delete(e.msgFeeds, chatID)
	}
	e.mu.Unlock()
	if idle {
		f.stop()
	}
}

func (e *Engine) onMessages(f *messageFeed, children []tree.Child) {
	msgs, dropped := codec.DecodeMessages(f.chatID, children)
	if dropped > 0 {
		e.metrics.Dropped("message", dropped)
		e.log.Debug("message_records_dropped", zap.String("chat", f.chatID), zap.Int("count", dropped))
	}
	e.mu.Lock()
	f.remote = msgs
	for _, m := range msgs {
		delete(f.pending, m.ID)
	}
	f.feed.Publish(f.snapshot())
	e.mu.Unlock()
}

// addPending shows m in the chat's live view before the store echoes it.
func (e *Engine) addPending(m models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.msgFeeds[m.ChatID]
	if !ok {
		return
	}
	for _, r := range f.remote {
		if r.ID == m.ID {
			return
		}
	}
	f.pending[m.ID] = m
	f.feed.Publish(f.snapshot())
}

func (e *Engine) dropPending(chatID, msgID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.msgFeeds[chatID]
	if !ok {
		return
	}
	if _, ok := f.pending[msgID]; ok {
		delete(f.pending, msgID)
		f.feed.Publish(f.snapshot())
	}
}

// LoadOlderMessages returns up to a page of messages strictly older than
// before, oldest first.
func (e *Engine) LoadOlderMessages(ctx context.Context, chatID string, before models.Message) ([]models.Message, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !canAccess(c, id) {
		return nil, apperr.PermissionDenied("not a participant")
	}
	q := tree.Query{
		OrderBy:     codec.TimestampField,
		End:         tree.Float(float64(codec.Millis(before.Timestamp) - 1)),
		Limit:       e.tuning.OlderPageSize,
		LimitToLast: true,
	}
	children, err := e.tree.QueryRange(ctx, codec.MessagesPath(chatID), q)
	if err != nil {
		return nil, apperr.Remote(err, "load older messages")
	}
	msgs, dropped := codec.DecodeMessages(chatID, children)
	e.metrics.Dropped("message", dropped)
	out := msgs[:0]
	for _, m := range msgs {
		if !m.Moderated {
			out = append(out, m)
		}
	}
	sortAscending(out)
	return out, nil
}

func (e *Engine) currentGate() Gate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gate
}

// Send validates and writes m as the caller, then points the chat summary at
// it and notifies the other participants. A full spam window is reported as
// Ack.Throttled with a nil error and nothing is written.
func (e *Engine) Send(ctx context.Context, m models.Message) (Ack, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return Ack{}, err
	}
	if m.Type == "" {
		m.Type = models.MessageText
	}
	if m.Type == models.MessageSystem {
		return Ack{}, apperr.Validation("system messages cannot be sent by users")
	}
	if m.Type == models.MessageImage {
		if m.AttachmentURL == "" {
			return Ack{}, apperr.Validation("image messages need an attachment")
		}
		if strings.TrimSpace(m.Content) == "" {
			m.Content = m.AttachmentURL
		}
	}
	if err := e.guard.Validate(m.Content); err != nil {
		return Ack{}, err
	}

	c, err := e.loadChat(ctx, m.ChatID)
	if err != nil {
		return Ack{}, err
	}
	if !canAccess(c, id) {
		return Ack{}, apperr.PermissionDenied("not a participant")
	}
	if g := e.currentGate(); g != nil {
		if err := g.CanPost(ctx, c.ID, id.ID); err != nil {
			return Ack{}, err
		}
	}

	verdict, err := e.guard.Check(id.ID, m.Content)
	if err != nil {
		return Ack{}, err
	}
	if verdict == spam.Throttled {
		e.metrics.SendThrottled()
		e.log.Debug("message_send_throttled", zap.String("chat", c.ID), zap.String("user", id.ID))
		return Ack{Throttled: true}, nil
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = e.clock.Now().UTC()
	}
	m.SenderID = id.ID
	if m.SenderName == "" {
		m.SenderName = id.DisplayName
	}
	m.Edited, m.EditedAt, m.OriginalContent = false, nil, ""
	m.Deleted, m.DeletedAt = false, nil
	m.Moderated, m.ModeratorID, m.ModeratedAt, m.ModerationReason = false, "", nil, ""
	m.ReportedBy = nil

	e.addPending(m)
	if err := e.write(ctx, c, m); err != nil {
		e.dropPending(c.ID, m.ID)
		return Ack{}, err
	}
	e.metrics.MessageSent()
	e.notify(ctx, c, m)
	return Ack{MessageID: m.ID}, nil
}

// PostSystemMessage writes an engine-authored message into a chat. It skips
// the spam guard, the posting gate and push notification.
func (e *Engine) PostSystemMessage(ctx context.Context, chatID, content string) (string, error) {
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	m := models.Message{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		SenderID:   SystemSenderID,
		SenderName: SystemSenderID,
		Content:    content,
		Type:       models.MessageSystem,
		Timestamp:  e.clock.Now().UTC(),
	}
	e.addPending(m)
	if err := e.write(ctx, c, m); err != nil {
		e.dropPending(chatID, m.ID)
		return "", err
	}
	return m.ID, nil
}

// write stores m and then advances the chat summary. The summary is left
// untouched when the message write fails, and never moves backwards. Once
// the message is stored the summary is best effort: a failure there is
// logged and m still counts as sent.
func (e *Engine) write(ctx context.Context, c models.Chat, m models.Message) error {
	raw, err := codec.EncodeMessage(m)
	if err != nil {
		return err
	}
	if err := e.tree.Set(ctx, codec.MessagePath(c.ID, m.ID), raw); err != nil {
		e.log.Warn("message_write_failed", zap.String("chat", c.ID), zap.String("message", m.ID), zap.Error(err))
		return apperr.Remote(err, "write message")
	}
	if err := e.advanceSummary(ctx, c.ID, m); err != nil {
		e.log.Warn("chat_summary_update_failed", zap.String("chat", c.ID), zap.String("message", m.ID), zap.Error(err))
	}
	return nil
}

func (e *Engine) advanceSummary(ctx context.Context, chatID string, m models.Message) error {
	content := previewContent(m)
	err := e.tree.Transact(ctx, codec.ChatPath(chatID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, apperr.NotFound("chat not found")
		}
		c, err := codec.DecodeChat(chatID, current)
		if err != nil {
			return nil, err
		}
		if c.LastMessage != nil && c.LastMessage.Timestamp.After(m.Timestamp) {
			return current, nil
		}
		s := m.Summary()
		s.Content = content
		c.LastMessage = s
		if m.Timestamp.After(c.UpdatedAt) {
			c.UpdatedAt = m.Timestamp
		}
		return codec.EncodeChat(c)
	})
	if err != nil {
		return apperr.Remote(err, "update chat summary")
	}
	return nil
}

// previewContent is the text shown for m in chat lists and notifications.
func previewContent(m models.Message) string {
	switch {
	case m.Moderated:
		return i18n.Translate("This message was removed by a moderator")
	case m.Deleted:
		return i18n.Translate("This message was deleted")
	case m.Type == models.MessageImage:
		return i18n.Translate("[Image]")
	}
	return m.Content
}

// notify pushes m to every participant except its sender, once per message.
func (e *Engine) notify(ctx context.Context, c models.Chat, m models.Message) {
	if e.push == nil {
		return
	}
	var recipients []string
	for _, p := range c.Participants {
		if p != m.SenderID {
			recipients = append(recipients, p)
		}
	}
	if len(recipients) == 0 || !e.markNotified(m.ID) {
		return
	}
	title := i18n.Translate("New message")
	if m.SenderName != "" {
		title = i18n.Sprintf("New message from %s", m.SenderName)
	}
	payload := map[string]string{
		"chat_id":    c.ID,
		"message_id": m.ID,
		"url":        "/chats/" + c.ID,
	}
	if err := e.push.Send(ctx, recipients, title, previewContent(m), payload); err != nil {
		e.log.Warn("push_notification_failed", zap.String("chat", c.ID), zap.String("message", m.ID), zap.Error(err))
	}
}

// mutate applies fn to a stored message atomically and returns the result.
func (e *Engine) mutate(ctx context.Context, chatID, msgID string, fn func(m *models.Message) error) (models.Message, error) {
	var out models.Message
	err := e.tree.Transact(ctx, codec.MessagePath(chatID, msgID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, apperr.NotFound("message not found")
		}
		m, err := codec.DecodeMessage(chatID, msgID, current)
		if err != nil {
			return nil, apperr.NotFound("message not found")
		}
		if err := fn(&m); err != nil {
			return nil, err
		}
		out = m
		return codec.EncodeMessage(m)
	})
	if err != nil {
		if apperr.Kind(err) != nil {
			return models.Message{}, err
		}
		return models.Message{}, apperr.Remote(err, "update message")
	}
	return out, nil
}

// RefreshSummary rewrites the chat's last-message preview when m is the
// message it points at.
func (e *Engine) RefreshSummary(ctx context.Context, m models.Message) {
	c, err := e.loadChat(ctx, m.ChatID)
	if err != nil || c.LastMessage == nil || c.LastMessage.MessageID != m.ID {
		return
	}
	fields := map[string]any{"last_message/content": previewContent(m)}
	if err := e.tree.Update(ctx, codec.ChatPath(m.ChatID), fields); err != nil {
		e.log.Warn("chat_summary_refresh_failed", zap.String("chat", m.ChatID), zap.String("message", m.ID), zap.Error(err))
	}
}

// Edit replaces the content of the caller's own message. The first edit
// keeps the previous content in OriginalContent.
func (e *Engine) Edit(ctx context.Context, chatID, msgID, content string) (models.Message, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return models.Message{}, err
	}
	if err := e.guard.Validate(content); err != nil {
		return models.Message{}, err
	}
	now := e.clock.Now().UTC()
	m, err := e.mutate(ctx, chatID, msgID, func(m *models.Message) error {
		if m.SenderID != id.ID {
			return apperr.PermissionDenied("only the sender can edit")
		}
		if m.Deleted {
			return apperr.NotFound("message not found")
		}
		if !m.Edited {
			m.OriginalContent = m.Content
		}
		m.Content = content
		m.Edited = true
		m.EditedAt = &now
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	e.RefreshSummary(ctx, m)
	return m, nil
}

// Delete soft-deletes the caller's own message and removes its attachment
// from the object store on a best-effort basis.
func (e *Engine) Delete(ctx context.Context, chatID, msgID string) (models.Message, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return models.Message{}, err
	}
	now := e.clock.Now().UTC()
	var attachment string
	m, err := e.mutate(ctx, chatID, msgID, func(m *models.Message) error {
		if m.SenderID != id.ID {
			return apperr.PermissionDenied("only the sender can delete")
		}
		attachment = m.AttachmentURL
		m.Content = i18n.Translate("This message was deleted")
		m.Deleted = true
		m.DeletedAt = &now
		m.AttachmentURL = ""
		m.AttachmentWidth, m.AttachmentHeight = 0, 0
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	if attachment != "" && e.blobs != nil {
		if err := e.blobs.Delete(ctx, attachment); err != nil && !errors.Is(err, blob.ErrNotFound) {
			e.log.Warn("attachment_delete_failed", zap.String("chat", chatID), zap.String("url", attachment), zap.Error(err))
		}
	}
	e.RefreshSummary(ctx, m)
	return m, nil
}

// React toggles the caller's emoji reaction on a message.
func (e *Engine) React(ctx context.Context, chatID, msgID, emoji string) (models.Message, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(emoji) == "" {
		return models.Message{}, apperr.Validation("emoji is required")
	}
	if err := e.requireAccess(ctx, chatID, id); err != nil {
		return models.Message{}, err
	}
	return e.mutate(ctx, chatID, msgID, func(m *models.Message) error {
		m.ToggleReaction(emoji, id.ID)
		return nil
	})
}

// MarkRead records the caller's read receipt on a message. Read listeners run
// before MarkRead returns.
func (e *Engine) MarkRead(ctx context.Context, chatID, msgID string) error {
	id, err := auth.Require(ctx)
	if err != nil {
		return err
	}
	if err := e.requireAccess(ctx, chatID, id); err != nil {
		return err
	}
	now := e.clock.Now().UTC()
	if _, err := e.mutate(ctx, chatID, msgID, func(m *models.Message) error {
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]time.Time)
		}
		m.ReadBy[id.ID] = now
		return nil
	}); err != nil {
		return err
	}

	ev := models.ReadEvent{ChatID: chatID, MessageID: msgID, UserID: id.ID, At: now}
	for _, l := range e.readListeners() {
		l.OnChatRead(ev)
	}
	e.reads.Publish(ev)
	return nil
}

// CheckAccess fails with NotFound for a missing chat and PermissionDenied
// when the caller may not read it.
func (e *Engine) CheckAccess(ctx context.Context, chatID string) error {
	id, err := auth.Require(ctx)
	if err != nil {
		return err
	}
	return e.requireAccess(ctx, chatID, id)
}

func (e *Engine) requireAccess(ctx context.Context, chatID string, id auth.Identity) error {
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !canAccess(c, id) {
		return apperr.PermissionDenied("not a participant")
	}
	return nil
}

// Search returns the chat's messages whose content contains query, ignoring
// case, newest first. Deleted and moderated messages never match.
func (e *Engine) Search(ctx context.Context, chatID, query string) ([]models.Message, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("search query is empty")
	}
	if err := e.requireAccess(ctx, chatID, id); err != nil {
		return nil, err
	}
	children, err := e.tree.QueryRange(ctx, codec.MessagesPath(chatID), tree.Query{OrderBy: codec.TimestampField})
	if err != nil {
		return nil, apperr.Remote(err, "search messages")
	}
	msgs, _ := codec.DecodeMessages(chatID, children)
	needle := strings.ToLower(query)
	var out []models.Message
	for _, m := range msgs {
		if m.Deleted || m.Moderated {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), needle) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Messages is a one-shot read of the newest page of a chat, oldest first,
// without moderated messages.
func (e *Engine) Messages(ctx context.Context, chatID string) ([]models.Message, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.requireAccess(ctx, chatID, id); err != nil {
		return nil, err
	}
	q := tree.Query{OrderBy: codec.TimestampField, Limit: e.tuning.MessagePageSize, LimitToLast: true}
	children, err := e.tree.QueryRange(ctx, codec.MessagesPath(chatID), q)
	if err != nil {
		return nil, apperr.Remote(err, "list messages")
	}
	msgs, dropped := codec.DecodeMessages(chatID, children)
	e.metrics.Dropped("message", dropped)
	out := msgs[:0]
	for _, m := range msgs {
		if !m.Moderated {
			out = append(out, m)
		}
	}
	return out, nil
}
