package ws

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/apperr"
	"github.com/4xmen/goftogoo/internal/auth"
	"github.com/4xmen/goftogoo/internal/badge"
	"github.com/4xmen/goftogoo/internal/chatsync"
	"github.com/4xmen/goftogoo/internal/codec"
	"github.com/4xmen/goftogoo/internal/models"
	"github.com/4xmen/goftogoo/internal/stream"
	"github.com/4xmen/goftogoo/pkg/i18n"
)

// Event is every frame the server writes.
type Event struct {
	Type            string           `json:"type"` // chats, messages, older, typing, badge, ack, error
	ChatID          string           `json:"chat_id,omitempty"`
	Chats           []models.Chat    `json:"chats,omitempty"`
	Messages        []models.Message `json:"messages,omitempty"`
	Typing          []string         `json:"typing,omitempty"`
	Badge           *int             `json:"badge,omitempty"`
	Ack             *chatsync.Ack    `json:"ack,omitempty"`
	ClientMessageID string           `json:"client_message_id,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Command is every frame a client may send.
type Command struct {
	Type            string `json:"type"` // open_chat, close_chat, load_older, send, mark_read, typing, stop_typing
	ChatID          string `json:"chat_id"`
	MessageID       string `json:"message_id"`
	ClientMessageID string `json:"client_message_id"`
	Content         string `json:"content"`
	// Before is the unix millisecond timestamp of the oldest loaded message.
	Before int64 `json:"before"`
}

type Client struct {
	id     auth.Identity
	conn   *websocket.Conn
	hub    *Hub
	send   chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	badge  *badge.Aggregator

	mu         sync.Mutex
	chatID     string
	chatCancel context.CancelFunc
}

// forward copies snapshots from sub to the client until the subscription or
// ctx ends.
func forward[T any](c *Client, ctx context.Context, sub *stream.Subscription[T], toEvent func(T) Event) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-sub.C():
				if !ok {
					return
				}
				c.push(toEvent(v))
			}
		}
	}()
}

// push never blocks; a client too slow to drain its buffer misses frames.
func (c *Client) push(ev Event) {
	select {
	case c.send <- ev:
	default:
		c.hub.log.Warn("ws_send_buffer_full", zap.String("user", c.id.ID), zap.String("event", ev.Type))
	}
}

func (c *Client) pushError(chatID string, err error) {
	c.push(Event{Type: "error", ChatID: chatID, Error: i18n.Translate(apperr.Message(err))})
}

// start subscribes the chat list and the badge total.
func (c *Client) start() {
	opts := c.hub.opts
	if opts.Chats != nil {
		sub, err := opts.Chats.SubscribeChats(c.ctx)
		if err != nil {
			c.pushError("", err)
		} else {
			forward(c, c.ctx, sub, func(chats []models.Chat) Event {
				return Event{Type: "chats", Chats: chats}
			})
		}
	}
	if opts.Unread != nil {
		c.badge = badge.New(badge.Options{
			Chats: opts.Unread,
			Tasks: opts.Tasks,
			Sink:  opts.BadgeSink,
			Log:   c.hub.log,
		})
		forward(c, c.ctx, c.badge.Totals(), func(n int) Event {
			return Event{Type: "badge", Badge: &n}
		})
		c.badge.StartMonitoring(c.ctx, c.id.ID)
	}
}

// openChat replaces the open chat's message and typing subscriptions.
func (c *Client) openChat(chatID string) {
	c.closeChat()
	opts := c.hub.opts
	ctx, cancel := context.WithCancel(c.ctx)

	msgs, err := opts.Chats.SubscribeMessages(ctx, chatID)
	if err != nil {
		cancel()
		c.pushError(chatID, err)
		return
	}
	forward(c, ctx, msgs, func(m []models.Message) Event {
		return Event{Type: "messages", ChatID: chatID, Messages: m}
	})
	if opts.Presence != nil {
		typing, err := opts.Presence.SubscribeTyping(ctx, chatID, c.id.ID)
		if err != nil {
			c.hub.log.Warn("ws_typing_subscribe_failed", zap.String("chat", chatID), zap.Error(err))
		} else {
			forward(c, ctx, typing, func(names []string) Event {
				return Event{Type: "typing", ChatID: chatID, Typing: names}
			})
		}
	}

	c.mu.Lock()
	c.chatID, c.chatCancel = chatID, cancel
	c.mu.Unlock()
}

func (c *Client) closeChat() {
	c.mu.Lock()
	cancel := c.chatCancel
	c.chatID, c.chatCancel = "", nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) handle(cmd Command) {
	ctx := c.ctx
	opts := c.hub.opts
	switch cmd.Type {
	case "open_chat":
		c.openChat(cmd.ChatID)
	case "close_chat":
		c.closeChat()
	case "load_older":
		msgs, err := opts.Chats.LoadOlderMessages(ctx, cmd.ChatID, models.Message{Timestamp: codec.FromMillis(cmd.Before)})
		if err != nil {
			c.pushError(cmd.ChatID, err)
			return
		}
		c.push(Event{Type: "older", ChatID: cmd.ChatID, Messages: msgs})
	case "send":
		ack, err := opts.Chats.Send(ctx, models.Message{ID: cmd.ClientMessageID, ChatID: cmd.ChatID, Content: cmd.Content})
		if err != nil {
			c.pushError(cmd.ChatID, err)
			return
		}
		c.push(Event{Type: "ack", ChatID: cmd.ChatID, Ack: &ack, ClientMessageID: cmd.ClientMessageID})
		if opts.Presence != nil {
			if err := opts.Presence.StopTyping(ctx, cmd.ChatID, c.id.ID); err != nil {
				c.hub.log.Debug("ws_stop_typing_failed", zap.String("chat", cmd.ChatID), zap.Error(err))
			}
		}
	case "mark_read":
		if err := opts.Chats.MarkRead(ctx, cmd.ChatID, cmd.MessageID); err != nil {
			c.pushError(cmd.ChatID, err)
		}
	case "typing":
		if opts.Presence != nil {
			if _, err := opts.Presence.StartTyping(ctx, cmd.ChatID, c.id.ID, c.id.DisplayName); err != nil {
				c.pushError(cmd.ChatID, err)
			}
		}
	case "stop_typing":
		if opts.Presence != nil {
			if err := opts.Presence.StopTyping(ctx, cmd.ChatID, c.id.ID); err != nil {
				c.pushError(cmd.ChatID, err)
			}
		}
	}
}

// teardown stops every subscription before the hub closes the send channel,
// so no forwarder can write to a closed channel.
func (c *Client) teardown() {
	c.cancel()
	if c.badge != nil {
		c.badge.Close()
	}
	c.wg.Wait()
	select {
	case c.hub.unregister <- c:
	case <-c.hub.stopped:
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.teardown()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws_read_failed", zap.String("user", c.id.ID), zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			continue
		}
		c.handle(cmd)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.hub.log.Error("ws_encode_failed", zap.String("event", ev.Type), zap.Error(err))
				w.Close()
				continue
			}
			w.Write(data)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
