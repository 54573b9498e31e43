// Package moderation implements reporting, warnings, bans, mutes and
// message visibility for chats, with an append-only audit log in the
// document store.
package moderation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/docstore"
	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/metrics"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/timeutil"
	"github.com/4xmen/goftogoo/internal/tree"
	"github.com/4xmen/goftogoo/pkg/config"
	"github.com/4xmen/goftogoo/pkg/i18n"
)

const (
	ActionsCollection = "moderation_actions"
	BansCollection    = "bans"
	GrantsCollection  = "moderator_grants"

	// SystemActorID acts for timer-driven expiry.
	SystemActorID = "system"
)

// SystemPoster writes engine-authored messages into chats and refreshes the
// chat preview after a message changes.
type SystemPoster interface {
	PostSystemMessage(ctx context.Context, chatID, content string) (string, error)
	RefreshSummary(ctx context.Context, m models.Message)
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

type Options struct {
	Tree    tree.Store
	Docs    docstore.Store
	Poster  SystemPoster
	Admins  AdminChecker
	Clock   timeutil.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Tuning  config.Tuning
}

type banKey struct {
	chatID string
	userID string
	kind   models.BanKind
}

type Engine struct {
	tree    tree.Store
	docs    docstore.Store
	poster  SystemPoster
	admins  AdminChecker
	clock   timeutil.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	tuning  config.Tuning

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	timers map[banKey]timeutil.Timer
	closed bool

	// banMu serializes writes to ban and mute records.
	banMu sync.Mutex
}

func New(opts Options) *Engine {
	if opts.Tuning == (config.Tuning{}) {
		opts.Tuning = config.DefaultTuning()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		tree:    opts.Tree,
		docs:    opts.Docs,
		poster:  opts.Poster,
		admins:  opts.Admins,
		clock:   timeutil.OrReal(opts.Clock),
		log:     logger.OrNop(opts.Log),
		metrics: opts.Metrics,
		tuning:  opts.Tuning,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[banKey]timeutil.Timer),
	}
}

// Close stops every pending expiry timer. Persisted bans are picked up
// again by Restore.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	timers := e.timers
	e.timers = make(map[banKey]timeutil.Timer)
	e.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
	e.cancel()
}

func (e *Engine) loadChat(ctx context.Context, chatID string) (models.Chat, error) {
	raw, err := e.tree.Get(ctx, codec.ChatPath(chatID))
	if errors.Is(err, tree.ErrNotFound) {
		return models.Chat{}, apperr.NotFound("chat not found")
	}
	if err != nil {
		return models.Chat{}, apperr.Remote(err, "load chat")
	}
	c, err := codec.DecodeChat(chatID, raw)
	if err != nil || c.Deleted {
		return models.Chat{}, apperr.NotFound("chat not found")
	}
	return c, nil
}

func (e *Engine) isAdmin(ctx context.Context, userID string) (bool, error) {
	if id, ok := auth.FromContext(ctx); ok && id.ID == userID && id.Admin {
		return true, nil
	}
	if e.admins == nil {
		return false, nil
	}
	ok, err := e.admins.IsAdmin(ctx, userID)
	if err != nil {
		return false, apperr.Remote(err, "check admin")
	}
	return ok, nil
}

// IsModerator reports whether userID may moderate chatID: a global
// administrator, a listed moderator or the creator of the chat, and failing
// those a holder of a global moderator grant.
func (e *Engine) IsModerator(ctx context.Context, chatID, userID string) (bool, error) {
	admin, err := e.isAdmin(ctx, userID)
	if err != nil || admin {
		return admin, err
	}
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if c.HasModerator(userID) || c.CreatorID == userID {
		return true, nil
	}
	return e.hasGrant(ctx, userID)
}

func (e *Engine) hasGrant(ctx context.Context, userID string) (bool, error) {
	_, err := e.docs.Get(ctx, GrantsCollection, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Remote(err, "load moderator grant")
	}
	return true, nil
}

type grant struct {
	UserID    string    `json:"user_id"`
	GrantedBy string    `json:"granted_by"`
	CreatedAt time.Time `json:"created_at"`
}

// GrantGlobalModerator lets userID moderate every chat. Administrators only.
func (e *Engine) GrantGlobalModerator(ctx context.Context, userID string) error {
	return e.setGrant(ctx, userID, true)
}

func (e *Engine) RevokeGlobalModerator(ctx context.Context, userID string) error {
	return e.setGrant(ctx, userID, false)
}

func (e *Engine) setGrant(ctx context.Context, userID string, on bool) error {
	actor, err := e.requireAdmin(ctx)
	if err != nil {
		return err
	}
	if !on {
		if err := e.docs.Delete(ctx, GrantsCollection, userID); err != nil {
			return apperr.Remote(err, "revoke moderator grant")
		}
		return nil
	}
	body, err := json.Marshal(grant{UserID: userID, GrantedBy: actor.ID, CreatedAt: e.clock.Now().UTC()})
	if err != nil {
		return err
	}
	if err := e.docs.Set(ctx, GrantsCollection, userID, body); err != nil {
		return apperr.Remote(err, "grant moderator")
	}
	return nil
}

func (e *Engine) requireAdmin(ctx context.Context) (auth.Identity, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return id, err
	}
	ok, err := e.isAdmin(ctx, id.ID)
	if err != nil {
		return id, err
	}
	if !ok {
		return id, apperr.PermissionDenied("administrator permission required")
	}
	return id, nil
}

// requireModerator resolves the caller and the chat they want to moderate.
func (e *Engine) requireModerator(ctx context.Context, chatID string) (auth.Identity, models.Chat, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return id, models.Chat{}, err
	}
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return id, c, err
	}
	ok, err := e.IsModerator(ctx, chatID, id.ID)
	if err != nil {
		return id, c, err
	}
	if !ok {
		return id, c, apperr.PermissionDenied("moderator permission required")
	}
	return id, c, nil
}

func displayName(c models.Chat, userID string) string {
	if n := c.ParticipantNames[userID]; n != "" {
		return n
	}
	return userID
}

// newAction stamps an audit entry and returns the batch op that stores it.
func (e *Engine) newAction(a models.ModerationAction) (models.ModerationAction, docstore.Op, error) {
	a.ID = uuid.NewString()
	a.Timestamp = e.clock.Now().UTC()
	body, err := json.Marshal(a)
	if err != nil {
		return a, docstore.Op{}, err
	}
	return a, docstore.SetOp(ActionsCollection, a.ID, body), nil
}

// commit writes ops and the audit entry in one batch.
func (e *Engine) commit(ctx context.Context, a models.ModerationAction, ops ...docstore.Op) (models.ModerationAction, error) {
	a, op, err := e.newAction(a)
	if err != nil {
		return a, err
	}
	if err := e.docs.Batch(ctx, append(ops, op)); err != nil {
		return a, apperr.Remote(err, "write moderation log")
	}
	e.metrics.ModerationAction(string(a.Kind))
	e.log.Info("moderation_action",
		zap.String("kind", string(a.Kind)),
		zap.String("chat", a.ChatID),
		zap.String("actor", a.ActorID),
		zap.String("target", a.TargetUserID),
		zap.String("message", a.MessageID),
	)
	return a, nil
}

// announce posts a system message. Failures are logged and never undo the
// moderation change that triggered them.
func (e *Engine) announce(ctx context.Context, chatID, content string) {
	if e.poster == nil || chatID == "" {
		return
	}
	if _, err := e.poster.PostSystemMessage(ctx, chatID, content); err != nil {
		e.log.Warn("system_message_failed", zap.String("chat", chatID), zap.Error(err))
	}
}

// GetModerationHistory returns the chat's audit log, newest first, at most one page of
// entries older than before. A zero before starts at the newest entry.
func (e *Engine) GetModerationHistory(ctx context.Context, chatID string, limit int, before time.Time) ([]models.ModerationAction, error) {
	if _, _, err := e.requireModerator(ctx, chatID); err != nil {
		return nil, err
	}
	return e.history(ctx, chatID, limit, before)
}

func (e *Engine) history(ctx context.Context, chatID string, limit int, before time.Time) ([]models.ModerationAction, error) {
	if limit <= 0 || limit > e.tuning.HistoryPageSize {
		limit = e.tuning.HistoryPageSize
	}
	all, err := e.actions(ctx, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ModerationAction, 0, limit)
	for _, a := range all {
		if !before.IsZero() && !a.Timestamp.Before(before) {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// actions loads every audit entry of a chat, newest first.
func (e *Engine) actions(ctx context.Context, chatID string) ([]models.ModerationAction, error) {
	docs, err := e.docs.Query(ctx, ActionsCollection, "chat_id", chatID)
	if err != nil {
		return nil, apperr.Remote(err, "load moderation log")
	}
	out := make([]models.ModerationAction, 0, len(docs))
	for _, d := range docs {
		var a models.ModerationAction
		if err := json.Unmarshal(d.Body, &a); err != nil {
			e.log.Debug("moderation_action_dropped", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// AuditLog reads a chat's history without an authenticated caller. It
// backs the offline audit command.
func (e *Engine) AuditLog(ctx context.Context, chatID string, limit int) ([]models.ModerationAction, error) {
	return e.history(ctx, chatID, limit, time.Time{})
}

// ClearModerationHistory deletes a chat's audit log and then records a single
// history_cleared entry. Only administrators and the chat creator may clear.
func (e *Engine) ClearModerationHistory(ctx context.Context, chatID string) (int, error) {
	id, err := auth.Require(ctx)
	if err != nil {
		return 0, err
	}
	c, err := e.loadChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if c.CreatorID != id.ID {
		admin, err := e.isAdmin(ctx, id.ID)
		if err != nil {
			return 0, err
		}
		if !admin {
			return 0, apperr.PermissionDenied("only the creator or an administrator can clear moderation history")
		}
	}

	all, err := e.actions(ctx, chatID)
	if err != nil {
		return 0, err
	}
	ops := make([]docstore.Op, 0, len(all))
	for _, a := range all {
		ops = append(ops, docstore.DeleteOp(ActionsCollection, a.ID))
	}
	if len(ops) > 0 {
		if err := e.docs.Batch(ctx, ops); err != nil {
			return 0, apperr.Remote(err, "clear moderation log")
		}
	}
	if _, err := e.commit(ctx, models.ModerationAction{
		Kind:    models.ActionHistoryCleared,
		ActorID: id.ID,
		ChatID:  chatID,
	}); err != nil {
		return len(ops), err
	}
	e.announce(ctx, chatID, i18n.Translate("Moderation history was cleared"))
	return len(ops), nil
}
