package moderation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/docstore"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/pkg/i18n"
)

func banID(chatID, userID string, kind models.BanKind) string {
	return chatID + ":" + userID + ":" + string(kind)
}

func keyOf(r models.BanRecord) banKey {
	return banKey{chatID: r.ChatID, userID: r.UserID, kind: r.Kind}
}

// formatDuration renders whole hours and minutes compactly ("24h", "30m").
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return d.String()
}

func (e *Engine) record(ctx context.Context, chatID, userID string, kind models.BanKind) (models.BanRecord, bool, error) {
	var r models.BanRecord
	raw, err := e.docs.Get(ctx, BansCollection, banID(chatID, userID, kind))
	if errors.Is(err, docstore.ErrNotFound) {
		return r, false, nil
	}
	if err != nil {
		return r, false, apperr.Remote(err, "load ban record")
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, false, errors.Wrapf(err, "corrupt ban record %s", banID(chatID, userID, kind))
	}
	return r, true, nil
}

// actorFor authorizes a ban-family action. Chat-scoped actions need a
// moderator; global ones (chatID "") need an administrator.
func (e *Engine) actorFor(ctx context.Context, chatID string) (auth.Identity, models.Chat, error) {
	if chatID == "" {
		id, err := e.requireAdmin(ctx)
		return id, models.Chat{}, err
	}
	return e.requireModerator(ctx, chatID)
}

// BanUserFromChat removes userID from the chat and stops them posting
// until unbanned. A temporary ban lifts itself after duration, or the
// configured temporary ban length when duration is zero. An empty chatID
// bans the user from every chat.
func (e *Engine) BanUserFromChat(ctx context.Context, userID, chatID, reason string, temporary bool, duration time.Duration) error {
	actor, c, err := e.actorFor(ctx, chatID)
	if err != nil {
		return err
	}
	return e.ban(ctx, actor.ID, c, userID, reason, temporary, duration)
}

func (e *Engine) ban(ctx context.Context, actorID string, c models.Chat, userID, reason string, temporary bool, duration time.Duration) error {
	if temporary && duration <= 0 {
		duration = e.tuning.TempBanDuration
	}
	prev, hadPrev, err := e.record(ctx, c.ID, userID, models.BanKindBan)
	if err != nil {
		return err
	}

	removed := false
	if c.ID != "" {
		removed, err = e.setParticipant(ctx, c.ID, userID, false)
		if err != nil {
			return err
		}
	}

	now := e.clock.Now().UTC()
	r := models.BanRecord{
		UserID:             userID,
		ChatID:             c.ID,
		Kind:               models.BanKindBan,
		Permanent:          !temporary,
		Reason:             reason,
		ActorID:            actorID,
		RestoreParticipant: removed || (hadPrev && prev.RestoreParticipant),
		CreatedAt:          now,
	}
	if temporary {
		at := now.Add(duration)
		r.ExpiresAt = &at
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	name := displayName(c, userID)
	e.banMu.Lock()
	_, err = e.commit(ctx, models.ModerationAction{
		Kind:         models.ActionBan,
		ActorID:      actorID,
		TargetUserID: userID,
		TargetName:   name,
		ChatID:       c.ID,
		Reason:       reason,
		Description:  banDescription(temporary, duration),
	}, docstore.SetOp(BansCollection, banID(c.ID, userID, models.BanKindBan), body))
	e.banMu.Unlock()
	if err != nil {
		return err
	}

	if temporary {
		e.announce(ctx, c.ID, i18n.Sprintf("%s was banned for %s: %s", name, formatDuration(duration), reason))
		e.schedule(keyOf(r), *r.ExpiresAt)
	} else {
		e.announce(ctx, c.ID, i18n.Sprintf("%s was banned from this chat: %s", name, reason))
		e.unschedule(keyOf(r))
	}
	return nil
}

func banDescription(temporary bool, d time.Duration) string {
	if !temporary {
		return "permanent"
	}
	return "temporary " + formatDuration(d)
}

// setParticipant adds or removes userID from the chat's participants and
// reports whether the list changed.
func (e *Engine) setParticipant(ctx context.Context, chatID, userID string, present bool) (bool, error) {
	changed := false
	err := e.tree.Transact(ctx, codec.ChatPath(chatID), func(current []byte) ([]byte, error) {
		changed = false
		if current == nil {
			return nil, apperr.NotFound("chat not found")
		}
		c, err := codec.DecodeChat(chatID, current)
		if err != nil {
			return nil, err
		}
		i := slices.Index(c.Participants, userID)
		switch {
		case present && i < 0:
			c.Participants = append(c.Participants, userID)
			slices.Sort(c.Participants)
		case !present && i >= 0:
			c.Participants = slices.Delete(c.Participants, i, i+1)
		default:
			return current, nil
		}
		changed = true
		return codec.EncodeChat(c)
	})
	if err != nil {
		if apperr.Kind(err) != nil {
			return false, err
		}
		return false, apperr.Remote(err, "update participants")
	}
	return changed, nil
}

// UnbanUserFromChat lifts a ban, resets the user's warnings and restores
// them as a participant when the ban removed them.
func (e *Engine) UnbanUserFromChat(ctx context.Context, userID, chatID, reason string) error {
	actor, _, err := e.actorFor(ctx, chatID)
	if err != nil {
		return err
	}
	r, ok, err := e.record(ctx, chatID, userID, models.BanKindBan)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("ban not found")
	}
	lifted, err := e.lift(ctx, actor.ID, r, reason)
	if err == nil && !lifted {
		return apperr.NotFound("ban not found")
	}
	return err
}

// MuteUser stops userID posting to chatID for duration without removing
// them from the chat.
func (e *Engine) MuteUser(ctx context.Context, userID, chatID string, duration time.Duration, reason string) error {
	actor, c, err := e.requireModerator(ctx, chatID)
	if err != nil {
		return err
	}
	if duration <= 0 {
		duration = e.tuning.MuteDuration
	}
	now := e.clock.Now().UTC()
	at := now.Add(duration)
	r := models.BanRecord{
		UserID:    userID,
		ChatID:    chatID,
		Kind:      models.BanKindMute,
		ExpiresAt: &at,
		Reason:    reason,
		ActorID:   actor.ID,
		CreatedAt: now,
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	name := displayName(c, userID)
	e.banMu.Lock()
	_, err = e.commit(ctx, models.ModerationAction{
		Kind:         models.ActionMute,
		ActorID:      actor.ID,
		TargetUserID: userID,
		TargetName:   name,
		ChatID:       chatID,
		Reason:       reason,
		Description:  formatDuration(duration),
	}, docstore.SetOp(BansCollection, banID(chatID, userID, models.BanKindMute), body))
	e.banMu.Unlock()
	if err != nil {
		return err
	}
	e.announce(ctx, chatID, i18n.Sprintf("%s was muted for %s: %s", name, formatDuration(duration), reason))
	e.schedule(keyOf(r), at)
	return nil
}

func (e *Engine) UnmuteUser(ctx context.Context, userID, chatID, reason string) error {
	actor, _, err := e.requireModerator(ctx, chatID)
	if err != nil {
		return err
	}
	r, ok, err := e.record(ctx, chatID, userID, models.BanKindMute)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("mute not found")
	}
	lifted, err := e.lift(ctx, actor.ID, r, reason)
	if err == nil && !lifted {
		return apperr.NotFound("mute not found")
	}
	return err
}

// lift deletes a ban or mute record and undoes its effects. It reports
// false when r was already lifted or replaced, so concurrent callers
// holding the same record log and announce the lift once.
func (e *Engine) lift(ctx context.Context, actorID string, r models.BanRecord, reason string) (bool, error) {
	kind := models.ActionUnban
	if r.Kind == models.BanKindMute {
		kind = models.ActionUnmute
	}
	var c models.Chat
	if r.ChatID != "" {
		var err error
		c, err = e.loadChat(ctx, r.ChatID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return false, err
		}
	}
	name := displayName(c, r.UserID)

	e.banMu.Lock()
	cur, ok, err := e.record(ctx, r.ChatID, r.UserID, r.Kind)
	if err == nil && ok && cur.CreatedAt.Equal(r.CreatedAt) {
		_, err = e.commit(ctx, models.ModerationAction{
			Kind:         kind,
			ActorID:      actorID,
			TargetUserID: r.UserID,
			TargetName:   name,
			ChatID:       r.ChatID,
			Reason:       reason,
		}, docstore.DeleteOp(BansCollection, banID(r.ChatID, r.UserID, r.Kind)))
	} else {
		ok = false
	}
	e.banMu.Unlock()
	if err != nil || !ok {
		return false, err
	}
	e.unschedule(keyOf(r))

	if r.Kind == models.BanKindMute || r.ChatID == "" || c.ID == "" {
		return true, nil
	}
	if err := e.resetWarnings(ctx, r.ChatID, r.UserID); err != nil {
		e.log.Warn("warning_reset_failed", zap.String("chat", r.ChatID), zap.String("user", r.UserID), zap.Error(err))
	}
	if r.RestoreParticipant {
		if _, err := e.setParticipant(ctx, r.ChatID, r.UserID, true); err != nil {
			e.log.Warn("participant_restore_failed", zap.String("chat", r.ChatID), zap.String("user", r.UserID), zap.Error(err))
		}
	}
	e.announce(ctx, r.ChatID, i18n.Sprintf("%s was unbanned: %s", name, reason))
	return true, nil
}

func (e *Engine) resetWarnings(ctx context.Context, chatID, userID string) error {
	raw, err := codec.EncodeWarning(codec.WarningRecord{Updated: codec.Millis(e.clock.Now())})
	if err != nil {
		return err
	}
	if err := e.tree.Set(ctx, codec.WarningPath(chatID, userID), raw); err != nil {
		return apperr.Remote(err, "reset warnings")
	}
	return nil
}

func (e *Engine) schedule(k banKey, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.timers[k]; ok {
		t.Stop()
	}
	e.timers[k] = e.clock.AfterFunc(at.Sub(e.clock.Now()), func() { e.expire(k) })
}

func (e *Engine) unschedule(k banKey) {
	e.mu.Lock()
	t, ok := e.timers[k]
	delete(e.timers, k)
	e.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// Scheduled reports how many expiry timers are pending.
func (e *Engine) Scheduled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// expire runs when a timer fires. The record is re-read so a ban replaced
// or lifted in the meantime is left alone.
func (e *Engine) expire(k banKey) {
	r, ok, err := e.record(e.ctx, k.chatID, k.userID, k.kind)
	if err != nil {
		e.log.Warn("ban_expiry_failed", zap.String("chat", k.chatID), zap.String("user", k.userID), zap.Error(err))
		return
	}
	if !ok || !r.Expired(e.clock.Now()) {
		return
	}
	if _, err := e.lift(e.ctx, SystemActorID, r, "expired"); err != nil && e.ctx.Err() == nil {
		e.log.Warn("ban_expiry_failed", zap.String("chat", k.chatID), zap.String("user", k.userID), zap.Error(err))
	}
}

// CanPost reports whether userID may post to chatID. Expired records found
// here are lifted on the spot.
func (e *Engine) CanPost(ctx context.Context, chatID, userID string) error {
	checks := []struct {
		chatID string
		kind   models.BanKind
		denied string
	}{
		{chatID, models.BanKindBan, "you are banned from this chat"},
		{chatID, models.BanKindMute, "you are muted in this chat"},
		{"", models.BanKindBan, "you are banned from this chat"},
	}
	now := e.clock.Now()
	for _, c := range checks {
		r, ok, err := e.record(ctx, c.chatID, userID, c.kind)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if r.Expired(now) {
			if _, err := e.lift(ctx, SystemActorID, r, "expired"); err != nil {
				e.log.Warn("ban_expiry_failed", zap.String("chat", r.ChatID), zap.String("user", userID), zap.Error(err))
			}
			continue
		}
		return apperr.PermissionDenied(c.denied)
	}
	return nil
}

func (e *Engine) records(ctx context.Context) ([]models.BanRecord, error) {
	var out []models.BanRecord
	for _, kind := range []models.BanKind{models.BanKindBan, models.BanKindMute} {
		docs, err := e.docs.Query(ctx, BansCollection, "kind", string(kind))
		if err != nil {
			return nil, apperr.Remote(err, "load ban records")
		}
		for _, d := range docs {
			var r models.BanRecord
			if err := json.Unmarshal(d.Body, &r); err != nil {
				e.log.Debug("ban_record_dropped", zap.String("id", d.ID), zap.Error(err))
				continue
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// ExpireBans lifts every ban and mute whose expiry has passed and returns
// how many were lifted.
func (e *Engine) ExpireBans(ctx context.Context) (int, error) {
	rs, err := e.records(ctx)
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	n := 0
	for _, r := range rs {
		if !r.Expired(now) {
			continue
		}
		lifted, err := e.lift(ctx, SystemActorID, r, "expired")
		if err != nil {
			e.log.Warn("ban_expiry_failed", zap.String("chat", r.ChatID), zap.String("user", r.UserID), zap.Error(err))
			continue
		}
		if lifted {
			n++
		}
	}
	return n, nil
}

// Restore schedules expiry timers for persisted temporary bans and mutes,
// lifting those that expired while the process was down. It returns the
// number of timers scheduled.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if _, err := e.ExpireBans(ctx); err != nil {
		return 0, err
	}
	rs, err := e.records(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		if r.Permanent || r.ExpiresAt == nil {
			continue
		}
		e.schedule(keyOf(r), *r.ExpiresAt)
		n++
	}
	e.log.Info("moderation_timers_restored", zap.Int("count", n))
	return n, nil
}
