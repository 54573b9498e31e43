package moderation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/pkg/i18n"
)

type WarnResult struct {
	Count  int  `json:"count"`
	Banned bool `json:"banned"`
}

// mutate applies fn to a stored message atomically.
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

// Report flags a message for moderators. Each user may report a message
// once; a repeat report changes nothing and fails with a duplicate error.
func (e *Engine) Report(ctx context.Context, chatID, msgID, reason, description string) error {
	id, err := auth.Require(ctx)
	if err != nil {
		return err
	}
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !c.HasParticipant(id.ID) && (c.GroupID == "" || c.GroupID != id.GroupID) {
		return apperr.PermissionDenied("not a participant of this chat")
	}
	m, err := e.mutate(ctx, chatID, msgID, func(m *models.Message) error {
		if slices.Contains(m.ReportedBy, id.ID) {
			return apperr.Duplicate("message already reported")
		}
		m.ReportedBy = append(m.ReportedBy, id.ID)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = e.commit(ctx, models.ModerationAction{
		Kind:         models.ActionReport,
		ActorID:      id.ID,
		TargetUserID: m.SenderID,
		TargetName:   m.SenderName,
		ChatID:       chatID,
		MessageID:    msgID,
		Reason:       reason,
		Description:  description,
	})
	return err
}

// Warn increments the user's warning count in the chat. Reaching the
// configured threshold bans the user temporarily.
func (e *Engine) Warn(ctx context.Context, userID, chatID, reason string) (WarnResult, error) {
	actor, c, err := e.requireModerator(ctx, chatID)
	if err != nil {
		return WarnResult{}, err
	}
	now := codec.Millis(e.clock.Now())
	count := 0
	err = e.tree.Transact(ctx, codec.WarningPath(chatID, userID), func(current []byte) ([]byte, error) {
		r, err := codec.DecodeWarning(current)
		if err != nil {
			return nil, err
		}
		r.Count++
		r.Updated = now
		count = r.Count
		return codec.EncodeWarning(r)
	})
	if err != nil {
		return WarnResult{}, apperr.Remote(err, "increment warnings")
	}

	threshold := e.tuning.WarningThreshold
	name := displayName(c, userID)
	if _, err := e.commit(ctx, models.ModerationAction{
		Kind:         models.ActionWarn,
		ActorID:      actor.ID,
		TargetUserID: userID,
		TargetName:   name,
		ChatID:       chatID,
		Reason:       reason,
		Description:  fmt.Sprintf("%d/%d", count, threshold),
	}); err != nil {
		return WarnResult{Count: count}, err
	}
	e.announce(ctx, chatID, i18n.Sprintf("%s received a warning (%d/%d): %s", name, count, threshold, reason))

	res := WarnResult{Count: count}
	if count >= threshold {
		if err := e.ban(ctx, actor.ID, c, userID, reason, true, e.tuning.TempBanDuration); err != nil {
			return res, err
		}
		res.Banned = true
	}
	return res, nil
}

// Warnings returns the user's current warning count in the chat.
func (e *Engine) Warnings(ctx context.Context, chatID, userID string) (int, error) {
	raw, err := e.tree.Get(ctx, codec.WarningPath(chatID, userID))
	if err != nil {
		if errors.Is(err, tree.ErrNotFound) {
			return 0, nil
		}
		return 0, apperr.Remote(err, "load warnings")
	}
	r, err := codec.DecodeWarning(raw)
	if err != nil {
		return 0, err
	}
	return r.Count, nil
}

// ModeratorDeleteMessage removes a message on behalf of a moderator. The
// content is replaced with a placeholder and the original is kept.
func (e *Engine) ModeratorDeleteMessage(ctx context.Context, chatID, msgID, reason string) (models.Message, error) {
	actor, _, err := e.requireModerator(ctx, chatID)
	if err != nil {
		return models.Message{}, err
	}
	now := e.clock.Now().UTC()
	m, err := e.mutate(ctx, chatID, msgID, func(m *models.Message) error {
		if m.OriginalContent == "" {
			m.OriginalContent = m.Content
		}
		m.Content = i18n.Translate("This message was removed by a moderator")
		m.Deleted = true
		m.DeletedAt = &now
		m.AttachmentURL = ""
		moderate(m, actor.ID, reason, now)
		return nil
	})
	if err != nil {
		return m, err
	}
	if _, err := e.commit(ctx, models.ModerationAction{
		Kind:         models.ActionDeleteMessage,
		ActorID:      actor.ID,
		TargetUserID: m.SenderID,
		TargetName:   m.SenderName,
		ChatID:       chatID,
		MessageID:    msgID,
		Reason:       reason,
	}); err != nil {
		return m, err
	}
	e.refresh(ctx, m)
	return m, nil
}

// ToggleMessageVisibility hides a visible message or unhides a hidden one.
// Messages deleted by a moderator stay deleted.
func (e *Engine) ToggleMessageVisibility(ctx context.Context, chatID, msgID, reason string) (models.Message, error) {
	actor, _, err := e.requireModerator(ctx, chatID)
	if err != nil {
		return models.Message{}, err
	}
	now := e.clock.Now().UTC()
	m, err := e.mutate(ctx, chatID, msgID, func(m *models.Message) error {
		if m.Deleted {
			return apperr.Validation("message was deleted")
		}
		if m.Moderated {
			m.Moderated = false
			m.ModeratorID = ""
			m.ModeratedAt = nil
			m.ModerationReason = ""
			return nil
		}
		moderate(m, actor.ID, reason, now)
		return nil
	})
	if err != nil {
		return m, err
	}
	kind := models.ActionUnhideMessage
	if m.Moderated {
		kind = models.ActionHideMessage
	}
	if _, err := e.commit(ctx, models.ModerationAction{
		Kind:         kind,
		ActorID:      actor.ID,
		TargetUserID: m.SenderID,
		TargetName:   m.SenderName,
		ChatID:       chatID,
		MessageID:    msgID,
		Reason:       reason,
	}); err != nil {
		return m, err
	}
	e.refresh(ctx, m)
	return m, nil
}

func moderate(m *models.Message, actorID, reason string, at time.Time) {
	m.Moderated = true
	m.ModeratorID = actorID
	m.ModeratedAt = &at
	m.ModerationReason = reason
}

func (e *Engine) refresh(ctx context.Context, m models.Message) {
	if e.poster != nil {
		e.poster.RefreshSummary(ctx, m)
	}
}
