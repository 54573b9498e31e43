package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/docstore"
	"github.com/4xmen/goftogoo/internal/logger"
)

const Collection = "push_subscriptions"

// Gateway delivers notifications to users.
type Gateway interface {
	Send(ctx context.Context, recipients []string, title, body string, payload map[string]string) error
}

// Subscription represents a stored Web Push subscription.
type Subscription struct {
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	KeyP256dh string    `json:"p256dh"`
	KeyAuth   string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// WebPush sends Web Push notifications to subscribed users. A nil *WebPush
// is a valid Gateway that drops everything.
type WebPush struct {
	docs            docstore.Store
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	log             *zap.Logger
	send            sendFunc
	wg              sync.WaitGroup
}

// NewWebPush returns nil if VAPID keys are empty.
func NewWebPush(docs docstore.Store, vapidPublicKey, vapidPrivateKey, subscriber string, log *zap.Logger) *WebPush {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	if subscriber == "" {
		subscriber = "mailto:push@goftogoo.local"
	}
	return &WebPush{
		docs:            docs,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
		log:             logger.OrNop(log),
		send:            webpush.SendNotification,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *WebPush) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// Register stores a subscription for userID, replacing any previous owner of
// the endpoint.
func (n *WebPush) Register(ctx context.Context, sub Subscription) error {
	if n == nil {
		return nil
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return n.docs.Set(ctx, Collection, sub.Endpoint, body)
}

func (n *WebPush) Unregister(ctx context.Context, endpoint string) error {
	if n == nil {
		return nil
	}
	return n.docs.Delete(ctx, Collection, endpoint)
}

func (n *WebPush) subscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	docs, err := n.docs.Query(ctx, Collection, "user_id", userID)
	if err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(docs))
	for _, d := range docs {
		var s Subscription
		if err := json.Unmarshal(d.Body, &s); err != nil {
			continue
		}
		subs = append(subs, s)
	}
	return subs, nil
}

type notification struct {
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	URL   string            `json:"url"`
	Data  map[string]string `json:"data,omitempty"`
}

// Send fans the notification out to every subscription of every recipient.
// Delivery is asynchronous; only the subscription lookup can fail.
func (n *WebPush) Send(ctx context.Context, recipients []string, title, body string, payload map[string]string) error {
	if n == nil {
		return nil
	}
	url := payload["url"]
	if url == "" {
		url = "/"
	}
	data, err := json.Marshal(notification{Title: title, Body: body, URL: url, Data: payload})
	if err != nil {
		return err
	}

	for _, userID := range recipients {
		subs, err := n.subscriptions(ctx, userID)
		if err != nil {
			n.log.Error("push_subscription_query_failed", zap.String("user", userID), zap.Error(err))
			return err
		}
		if len(subs) == 0 {
			n.log.Debug("push_no_subscriptions", zap.String("user", userID))
			continue
		}
		n.log.Debug("push_sending", zap.String("user", userID), zap.Int("subscriptions", len(subs)))
		for _, sub := range subs {
			n.wg.Add(1)
			go func(sub Subscription) {
				defer n.wg.Done()
				n.sendToSubscription(sub, data)
			}(sub)
		}
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (n *WebPush) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

func (n *WebPush) sendToSubscription(sub Subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := n.send(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             86400,
	})
	if err != nil {
		n.log.Warn("push_send_failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if err := n.docs.Delete(context.Background(), Collection, sub.Endpoint); err != nil {
			n.log.Warn("push_subscription_cleanup_failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
			return
		}
		n.log.Info("push_subscription_removed", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
	}
}
