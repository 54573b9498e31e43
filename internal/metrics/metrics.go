// Package metrics holds the prometheus collectors shared by the engines.
// Every method is safe on a nil *Metrics so engines can run unobserved.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	messagesSent      prometheus.Counter
	sendsThrottled    prometheus.Counter
	recordsDropped    *prometheus.CounterVec
	moderationActions *prometheus.CounterVec
	typingCleanups    prometheus.Counter
	unreadRecompute   prometheus.Histogram
	badgeTotal        prometheus.Gauge
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goftogoo_messages_sent_total",
			Help: "Messages accepted and written to the ordered store.",
		}),
		sendsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goftogoo_sends_throttled_total",
			Help: "Sends rejected by the spam window.",
		}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goftogoo_records_dropped_total",
			Help: "Store records dropped from snapshots because they failed to decode.",
		}, []string{"kind"}),
		moderationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goftogoo_moderation_actions_total",
			Help: "Moderation log entries written, by action kind.",
		}, []string{"kind"}),
		typingCleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goftogoo_typing_stale_removed_total",
			Help: "Stale typing records removed by subscribers.",
		}),
		unreadRecompute: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "goftogoo_unread_recompute_seconds",
			Help:    "Latency of unread count recomputation against the ordered store.",
			Buckets: prometheus.DefBuckets,
		}),
		badgeTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goftogoo_badge_total",
			Help: "Last badge total pushed to a sink.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesSent, m.sendsThrottled, m.recordsDropped, m.moderationActions,
			m.typingCleanups, m.unreadRecompute, m.badgeTotal,
		)
	}
	return m
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) SendThrottled() {
	if m != nil {
		m.sendsThrottled.Inc()
	}
}

func (m *Metrics) Dropped(kind string, n int) {
	if m != nil && n > 0 {
		m.recordsDropped.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) ModerationAction(kind string) {
	if m != nil {
		m.moderationActions.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) TypingCleanup() {
	if m != nil {
		m.typingCleanups.Inc()
	}
}

func (m *Metrics) UnreadRecompute(d time.Duration) {
	if m != nil {
		m.unreadRecompute.Observe(d.Seconds())
	}
}

func (m *Metrics) BadgeTotal(n int) {
	if m != nil {
		m.badgeTotal.Set(float64(n))
	}
}
