// Package codec converts ordered-store records to and from the chat
// entities. Decoding is tolerant: optional fields default, and a record
// missing a required field is reported so list decoders can drop it
// without failing the batch.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/tree"
)

var ErrMissingField = errors.New("codec: required field missing")

const (
	ChatsRoot    = "chats"
	MessagesRoot = "messages"
	TypingRoot   = "typing"
	WarningsRoot = "warnings"

	// TimestampField is the order-by field of message and typing records.
	TimestampField = "timestamp"
)

func ChatPath(chatID string) string           { return tree.Join(ChatsRoot, chatID) }
func MessagesPath(chatID string) string       { return tree.Join(MessagesRoot, chatID) }
func MessagePath(chatID, msgID string) string { return tree.Join(MessagesRoot, chatID, msgID) }
func TypingPath(chatID string) string         { return tree.Join(TypingRoot, chatID) }
func TypingRecordPath(chatID, userID string) string {
	return tree.Join(TypingRoot, chatID, userID)
}
func WarningPath(chatID, userID string) string { return tree.Join(WarningsRoot, chatID, userID) }

// Millis converts t to the millisecond epoch used on the wire. The zero time
// encodes as 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func optTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := FromMillis(ms)
	return &t
}

func optMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return Millis(*t)
}

type replyRecord struct {
	MessageID  string `json:"message_id"`
	Preview    string `json:"preview,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
}

type MessageRecord struct {
	ID               string              `json:"id,omitempty"`
	ChatID           string              `json:"chat_id,omitempty"`
	SenderID         string              `json:"sender_id"`
	SenderName       string              `json:"sender_name,omitempty"`
	Content          string              `json:"content"`
	OriginalContent  string              `json:"original_content,omitempty"`
	Timestamp        int64               `json:"timestamp"`
	Type             string              `json:"type,omitempty"`
	Edited           bool                `json:"edited,omitempty"`
	EditedAt         int64               `json:"edited_at,omitempty"`
	Deleted          bool                `json:"deleted,omitempty"`
	DeletedAt        int64               `json:"deleted_at,omitempty"`
	ReplyTo          *replyRecord        `json:"reply_to,omitempty"`
	AttachmentURL    string              `json:"attachment_url,omitempty"`
	AttachmentWidth  int                 `json:"attachment_width,omitempty"`
	AttachmentHeight int                 `json:"attachment_height,omitempty"`
	Reactions        map[string][]string `json:"reactions,omitempty"`
	ReadBy           map[string]int64    `json:"read_by,omitempty"`
	DeliveredTo      map[string]int64    `json:"delivered_to,omitempty"`
	Mentions         []string            `json:"mentions,omitempty"`
	ReportedBy       []string            `json:"reported_by,omitempty"`
	Moderated        bool                `json:"moderated,omitempty"`
	ModeratorID      string              `json:"moderator_id,omitempty"`
	ModeratedAt      int64               `json:"moderated_at,omitempty"`
	ModerationReason string              `json:"moderation_reason,omitempty"`
}

func timesFromMillis(in map[string]int64) map[string]time.Time {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = FromMillis(v)
	}
	return out
}

func timesToMillis(in map[string]time.Time) map[string]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = Millis(v)
	}
	return out
}

func cleanReactions(in map[string][]string) map[string][]string {
	var out map[string][]string
	for emoji, users := range in {
		if len(users) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[emoji] = users
	}
	return out
}

// DecodeMessage decodes the record stored under key in chatID's collection.
// A missing id defaults to the key and a missing type defaults to text.
func DecodeMessage(chatID, key string, raw []byte) (models.Message, error) {
	var r MessageRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.Message{}, fmt.Errorf("codec: decode message %s: %w", key, err)
	}
	if r.SenderID == "" {
		return models.Message{}, fmt.Errorf("message %s sender_id: %w", key, ErrMissingField)
	}
	if r.Timestamp == 0 {
		return models.Message{}, fmt.Errorf("message %s timestamp: %w", key, ErrMissingField)
	}
	if r.ID == "" {
		r.ID = key
	}
	if r.ChatID == "" {
		r.ChatID = chatID
	}
	typ := models.MessageType(r.Type)
	if typ == "" {
		typ = models.MessageText
	}
	m := models.Message{
		ID:               r.ID,
		ChatID:           r.ChatID,
		SenderID:         r.SenderID,
		SenderName:       r.SenderName,
		Content:          r.Content,
		OriginalContent:  r.OriginalContent,
		Timestamp:        FromMillis(r.Timestamp),
		Type:             typ,
		Edited:           r.Edited,
		EditedAt:         optTime(r.EditedAt),
		Deleted:          r.Deleted,
		DeletedAt:        optTime(r.DeletedAt),
		AttachmentURL:    r.AttachmentURL,
		AttachmentWidth:  r.AttachmentWidth,
		AttachmentHeight: r.AttachmentHeight,
		Reactions:        cleanReactions(r.Reactions),
		ReadBy:           timesFromMillis(r.ReadBy),
		DeliveredTo:      timesFromMillis(r.DeliveredTo),
		Mentions:         r.Mentions,
		ReportedBy:       r.ReportedBy,
		Moderated:        r.Moderated,
		ModeratorID:      r.ModeratorID,
		ModeratedAt:      optTime(r.ModeratedAt),
		ModerationReason: r.ModerationReason,
	}
	if r.ReplyTo != nil && r.ReplyTo.MessageID != "" {
		m.ReplyTo = &models.ReplyRef{
			MessageID:  r.ReplyTo.MessageID,
			Preview:    r.ReplyTo.Preview,
			SenderName: r.ReplyTo.SenderName,
		}
	}
	return m, nil
}

func EncodeMessage(m models.Message) ([]byte, error) {
	r := MessageRecord{
		ID:               m.ID,
		ChatID:           m.ChatID,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		Content:          m.Content,
		OriginalContent:  m.OriginalContent,
		Timestamp:        Millis(m.Timestamp),
		Type:             string(m.Type),
		Edited:           m.Edited,
		EditedAt:         optMillis(m.EditedAt),
		Deleted:          m.Deleted,
		DeletedAt:        optMillis(m.DeletedAt),
		AttachmentURL:    m.AttachmentURL,
		AttachmentWidth:  m.AttachmentWidth,
		AttachmentHeight: m.AttachmentHeight,
		Reactions:        cleanReactions(m.Reactions),
		ReadBy:           timesToMillis(m.ReadBy),
		DeliveredTo:      timesToMillis(m.DeliveredTo),
		Mentions:         m.Mentions,
		ReportedBy:       m.ReportedBy,
		Moderated:        m.Moderated,
		ModeratorID:      m.ModeratorID,
		ModeratedAt:      optMillis(m.ModeratedAt),
		ModerationReason: m.ModerationReason,
	}
	if m.ReplyTo != nil {
		r.ReplyTo = &replyRecord{
			MessageID:  m.ReplyTo.MessageID,
			Preview:    m.ReplyTo.Preview,
			SenderName: m.ReplyTo.SenderName,
		}
	}
	return json.Marshal(r)
}

// DecodeMessages decodes an ordered child list, dropping records that fail
// to decode. Order is preserved. The second result is the number dropped.
func DecodeMessages(chatID string, children []tree.Child) ([]models.Message, int) {
	out := make([]models.Message, 0, len(children))
	dropped := 0
	for _, c := range children {
		m, err := DecodeMessage(chatID, c.Key, c.Value)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, m)
	}
	return out, dropped
}

type summaryRecord struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Content    string `json:"content"`
	Type       string `json:"type,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

type ChatRecord struct {
	ID               string            `json:"id,omitempty"`
	Type             string            `json:"type"`
	Participants     []string          `json:"participants,omitempty"`
	ParticipantNames map[string]string `json:"participant_names,omitempty"`
	CreatorID        string            `json:"creator_id,omitempty"`
	GroupID          string            `json:"group_id,omitempty"`
	CreatedAt        int64             `json:"created_at,omitempty"`
	UpdatedAt        int64             `json:"updated,omitempty"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	LastMessage      *summaryRecord    `json:"last_message,omitempty"`
	Deleted          bool              `json:"deleted,omitempty"`
	Moderators       []string          `json:"moderators,omitempty"`
	Active           *bool             `json:"active,omitempty"`
}

// DecodeChat requires a known type and, except for group-reached chat
// types, at least one participant. Active defaults to true.
func DecodeChat(key string, raw []byte) (models.Chat, error) {
	var r ChatRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.Chat{}, fmt.Errorf("codec: decode chat %s: %w", key, err)
	}
	typ := models.ChatType(r.Type)
	if !typ.Valid() {
		return models.Chat{}, fmt.Errorf("chat %s type %q: %w", key, r.Type, ErrMissingField)
	}
	if len(r.Participants) == 0 && !typ.AllowsEmptyParticipants() {
		return models.Chat{}, fmt.Errorf("chat %s participants: %w", key, ErrMissingField)
	}
	if r.ID == "" {
		r.ID = key
	}
	c := models.Chat{
		ID:               r.ID,
		Type:             typ,
		Participants:     r.Participants,
		ParticipantNames: r.ParticipantNames,
		CreatorID:        r.CreatorID,
		GroupID:          r.GroupID,
		CreatedAt:        FromMillis(r.CreatedAt),
		UpdatedAt:        FromMillis(r.UpdatedAt),
		Name:             r.Name,
		Description:      r.Description,
		Deleted:          r.Deleted,
		Moderators:       r.Moderators,
		Active:           r.Active == nil || *r.Active,
	}
	if s := r.LastMessage; s != nil && s.MessageID != "" {
		typ := models.MessageType(s.Type)
		if typ == "" {
			typ = models.MessageText
		}
		c.LastMessage = &models.MessageSummary{
			MessageID:  s.MessageID,
			SenderID:   s.SenderID,
			SenderName: s.SenderName,
			Content:    s.Content,
			Type:       typ,
			Timestamp:  FromMillis(s.Timestamp),
		}
	}
	return c, nil
}

func EncodeChat(c models.Chat) ([]byte, error) {
	active := c.Active
	r := ChatRecord{
		ID:               c.ID,
		Type:             string(c.Type),
		Participants:     c.Participants,
		ParticipantNames: c.ParticipantNames,
		CreatorID:        c.CreatorID,
		GroupID:          c.GroupID,
		CreatedAt:        Millis(c.CreatedAt),
		UpdatedAt:        Millis(c.UpdatedAt),
		Name:             c.Name,
		Description:      c.Description,
		Deleted:          c.Deleted,
		Moderators:       c.Moderators,
		Active:           &active,
	}
	if s := c.LastMessage; s != nil {
		r.LastMessage = &summaryRecord{
			MessageID:  s.MessageID,
			SenderID:   s.SenderID,
			SenderName: s.SenderName,
			Content:    s.Content,
			Type:       string(s.Type),
			Timestamp:  Millis(s.Timestamp),
		}
	}
	return json.Marshal(r)
}

func DecodeChats(children []tree.Child) ([]models.Chat, int) {
	out := make([]models.Chat, 0, len(children))
	dropped := 0
	for _, c := range children {
		chat, err := DecodeChat(c.Key, c.Value)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, chat)
	}
	return out, dropped
}

type TypingRecord struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Timestamp   int64  `json:"timestamp"`
}

func EncodeTyping(s models.TypingState) ([]byte, error) {
	return json.Marshal(TypingRecord{
		UserID:      s.UserID,
		DisplayName: s.DisplayName,
		Timestamp:   Millis(s.Timestamp),
	})
}

func DecodeTyping(chatID, key string, raw []byte) (models.TypingState, error) {
	var r TypingRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.TypingState{}, fmt.Errorf("codec: decode typing %s: %w", key, err)
	}
	if r.Timestamp == 0 {
		return models.TypingState{}, fmt.Errorf("typing %s timestamp: %w", key, ErrMissingField)
	}
	if r.UserID == "" {
		r.UserID = key
	}
	return models.TypingState{
		ChatID:      chatID,
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		Timestamp:   FromMillis(r.Timestamp),
	}, nil
}

type WarningRecord struct {
	Count   int   `json:"count"`
	Updated int64 `json:"updated"`
}

// DecodeWarning reads a warning counter. An absent node is a zero count.
func DecodeWarning(raw []byte) (WarningRecord, error) {
	var r WarningRecord
	if raw == nil {
		return r, nil
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("codec: decode warning: %w", err)
	}
	return r, nil
}

func EncodeWarning(r WarningRecord) ([]byte, error) {
	return json.Marshal(r)
}
