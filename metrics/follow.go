package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// UnpinReason is the reason a block was unpinned.
type UnpinReason string

const (
	// UnpinReasonReleased means the last reference to a finalized or pruned block was released.
	UnpinReasonReleased UnpinReason = "released"
	// UnpinReasonAge means the block exceeded the configured maximum block life.
	UnpinReasonAge UnpinReason = "age"
)

// FollowMetrics instruments the follow subscription: events received,
// pinned blocks, unpin calls and subscription restarts.
type FollowMetrics struct {
	events        *prometheus.CounterVec
	pinnedBlocks  prometheus.Gauge
	unpins        *prometheus.CounterVec
	unpinFailures prometheus.Counter
	subscriptions prometheus.Counter
	subscribers   prometheus.Gauge
}

// NewDefaultFollowMetrics creates Prometheus metric instrumentation for the
// follow subscription.
func NewDefaultFollowMetrics() *FollowMetrics {
	m := &FollowMetrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhead_follow_events",
				Help: "How many follow events were received, partitioned by event kind.",
			},
			[]string{"event"}, // Labels.
		),
		pinnedBlocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhead_pinned_blocks",
				Help: "Number of blocks currently pinned on the node.",
			},
		),
		unpins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhead_unpins",
				Help: "How many blocks were unpinned, partitioned by reason (released, age).",
			},
			[]string{"reason"}, // Labels.
		),
		unpinFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainhead_unpin_failures",
				Help: "How many unpin calls failed.",
			},
		),
		subscriptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainhead_follow_subscriptions",
				Help: "How many follow subscriptions were opened, including restarts.",
			},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainhead_follow_subscribers",
				Help: "Number of live consumers of the follow event fan-out.",
			},
		),
	}
	m.events = registerOnce(m.events)
	m.pinnedBlocks = registerOnce(m.pinnedBlocks)
	m.unpins = registerOnce(m.unpins)
	m.unpinFailures = registerOnce(m.unpinFailures)
	m.subscriptions = registerOnce(m.subscriptions)
	m.subscribers = registerOnce(m.subscribers)
	return m
}

// Event counts one follow event of the given kind.
func (m *FollowMetrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// PinnedBlocks sets the number of currently pinned blocks.
func (m *FollowMetrics) PinnedBlocks(n int) {
	if m == nil {
		return
	}
	m.pinnedBlocks.Set(float64(n))
}

// Unpinned counts one unpinned block.
func (m *FollowMetrics) Unpinned(reason UnpinReason) {
	if m == nil {
		return
	}
	m.unpins.WithLabelValues(string(reason)).Inc()
}

// UnpinFailed counts one failed unpin call.
func (m *FollowMetrics) UnpinFailed() {
	if m == nil {
		return
	}
	m.unpinFailures.Inc()
}

// Subscribed counts one newly opened follow subscription.
func (m *FollowMetrics) Subscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

// SubscriberAdded and SubscriberRemoved track the number of fan-out consumers.
func (m *FollowMetrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *FollowMetrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
