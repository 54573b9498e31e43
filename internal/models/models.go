package models

import (
	"slices"
	"time"
)

type ChatType string

const (
	ChatDirect    ChatType = "direct"
	ChatGroup     ChatType = "group"
	ChatBroadcast ChatType = "broadcast"
	ChatThemed    ChatType = "themed"
	ChatMixed     ChatType = "mixed"
)

// Valid reports whether t is one of the known chat types.
func (t ChatType) Valid() bool {
	switch t {
	case ChatDirect, ChatGroup, ChatBroadcast, ChatThemed, ChatMixed:
		return true
	}
	return false
}

// AllowsEmptyParticipants is true for chat types reached through group
// membership rather than an explicit participant list.
func (t ChatType) AllowsEmptyParticipants() bool {
	return t == ChatBroadcast || t == ChatThemed
}

type MessageType string

const (
	MessageText         MessageType = "text"
	MessageImage        MessageType = "image"
	MessageSystem       MessageType = "system"
	MessageAnnouncement MessageType = "announcement"
)

type MessageSummary struct {
	MessageID  string      `json:"message_id"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
}

type Chat struct {
	ID               string            `json:"id"`
	Type             ChatType          `json:"type"`
	Participants     []string          `json:"participants"`
	ParticipantNames map[string]string `json:"participant_names,omitempty"`
	CreatorID        string            `json:"creator_id"`
	GroupID          string            `json:"group_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	LastMessage      *MessageSummary   `json:"last_message,omitempty"`
	Deleted          bool              `json:"deleted,omitempty"`
	Moderators       []string          `json:"moderators,omitempty"`
	Active           bool              `json:"active"`
}

func (c *Chat) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

func (c *Chat) HasModerator(userID string) bool {
	return slices.Contains(c.Moderators, userID)
}

// LastActivity is the sort key for chat lists. Chats without a last message
// sort as the zero time.
func (c *Chat) LastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.Timestamp
}

type ReplyRef struct {
	MessageID  string `json:"message_id"`
	Preview    string `json:"preview,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
}

type Message struct {
	ID               string               `json:"id"`
	ChatID           string               `json:"chat_id"`
	SenderID         string               `json:"sender_id"`
	SenderName       string               `json:"sender_name,omitempty"`
	Content          string               `json:"content"`
	OriginalContent  string               `json:"original_content,omitempty"`
	Timestamp        time.Time            `json:"timestamp"`
	Type             MessageType          `json:"type"`
	Edited           bool                 `json:"edited,omitempty"`
	EditedAt         *time.Time           `json:"edited_at,omitempty"`
	Deleted          bool                 `json:"deleted,omitempty"`
	DeletedAt        *time.Time           `json:"deleted_at,omitempty"`
	ReplyTo          *ReplyRef            `json:"reply_to,omitempty"`
	AttachmentURL    string               `json:"attachment_url,omitempty"`
	AttachmentWidth  int                  `json:"attachment_width,omitempty"`
	AttachmentHeight int                  `json:"attachment_height,omitempty"`
	Reactions        map[string][]string  `json:"reactions,omitempty"`
	ReadBy           map[string]time.Time `json:"read_by,omitempty"`
	DeliveredTo      map[string]time.Time `json:"delivered_to,omitempty"`
	Mentions         []string             `json:"mentions,omitempty"`
	ReportedBy       []string             `json:"reported_by,omitempty"`
	Moderated        bool                 `json:"moderated,omitempty"`
	ModeratorID      string               `json:"moderator_id,omitempty"`
	ModeratedAt      *time.Time           `json:"moderated_at,omitempty"`
	ModerationReason string               `json:"moderation_reason,omitempty"`
}

// Summary builds the chat list preview for m.
func (m *Message) Summary() *MessageSummary {
	return &MessageSummary{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Type:       m.Type,
		Timestamp:  m.Timestamp,
	}
}

// IsReadBy reports whether userID has a read receipt on m.
func (m *Message) IsReadBy(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// ToggleReaction adds userID to the emoji's set, or removes it when already
// present. An emptied set is dropped from the map. Returns true when the
// reaction was added.
func (m *Message) ToggleReaction(emoji, userID string) bool {
	users := m.Reactions[emoji]
	if i := slices.Index(users, userID); i >= 0 {
		users = slices.Delete(slices.Clone(users), i, i+1)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
		return false
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users = append(slices.Clone(users), userID)
	slices.Sort(users)
	m.Reactions[emoji] = users
	return true
}

type ActionKind string

const (
	ActionReport         ActionKind = "report"
	ActionWarn           ActionKind = "warn"
	ActionBan            ActionKind = "ban"
	ActionUnban          ActionKind = "unban"
	ActionMute           ActionKind = "mute"
	ActionUnmute         ActionKind = "unmute"
	ActionDeleteMessage  ActionKind = "delete_message"
	ActionHideMessage    ActionKind = "hide_message"
	ActionUnhideMessage  ActionKind = "unhide_message"
	ActionHistoryCleared ActionKind = "history_cleared"
)

// ModerationAction is an append-only audit log entry.
type ModerationAction struct {
	ID           string     `json:"id"`
	Kind         ActionKind `json:"kind"`
	ActorID      string     `json:"actor_id"`
	TargetUserID string     `json:"target_user_id,omitempty"`
	TargetName   string     `json:"target_name,omitempty"`
	ChatID       string     `json:"chat_id"`
	MessageID    string     `json:"message_id,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Description  string     `json:"description,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

type BanKind string

const (
	BanKindBan  BanKind = "ban"
	BanKindMute BanKind = "mute"
)

// BanRecord describes an active ban or mute. ChatID is empty for global bans.
type BanRecord struct {
	UserID             string     `json:"user_id"`
	ChatID             string     `json:"chat_id"`
	Kind               BanKind    `json:"kind"`
	Permanent          bool       `json:"permanent"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	ActorID            string     `json:"actor_id,omitempty"`
	RestoreParticipant bool       `json:"restore_participant,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Expired reports whether a temporary record has passed its expiry at now.
func (b *BanRecord) Expired(now time.Time) bool {
	if b.Permanent || b.ExpiresAt == nil {
		return false
	}
	return !now.Before(*b.ExpiresAt)
}

type TypingState struct {
	ChatID      string    `json:"chat_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReadEvent is emitted when a user marks a message in a chat as read.
type ReadEvent struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id"`
	At        time.Time `json:"at"`
}
