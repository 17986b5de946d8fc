// Package metrics provides Prometheus instrumentation for the avatar chat
// bridge. It exposes gauges for presenters and conversations, counters for
// ingested and sent messages, and histograms for merge latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PresenterConnections tracks the current number of presenter WebSocket
	// connections.
	PresenterConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_presenter_connections",
		Help: "Current number of presenter WebSocket connections",
	})

	// ActiveConversations tracks conversations with a live session context.
	ActiveConversations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_active_conversations",
		Help: "Current number of conversation session contexts",
	})

	// IngestedTotal counts inbound messages by source ("typed", "subtitle")
	// and outcome ("accepted", "duplicate", "replayed", "dropped", "typing").
	IngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_ingested_messages_total",
		Help: "Inbound messages processed by source and outcome",
	}, []string{"source", "outcome"})

	// CommandsTotal counts extracted avatar commands.
	CommandsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "avatar_commands_total",
		Help: "Avatar commands extracted from agent text",
	})

	// SendsTotal counts user sends by result ("ok", "failed", "invalid",
	// "rate_limited").
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_sends_total",
		Help: "User sends by result",
	}, []string{"result"})

	// MergeLatency records timeline merge time in seconds.
	MergeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_merge_latency_seconds",
		Help:    "Timeline merge latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// TimelineSize records the number of messages in each published timeline.
	TimelineSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_timeline_size",
		Help:    "Messages per published timeline",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// PreservedEntries counts subtitle entries moved into preserved history.
	PreservedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "avatar_preserved_entries_total",
		Help: "Subtitle utterances copied into preserved history",
	})

	// MergeSkipped counts messages excluded from a merge because they failed
	// validation.
	MergeSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "avatar_merge_skipped_total",
		Help: "Messages excluded from a merge cycle",
	})
)

func init() {
	prometheus.MustRegister(
		PresenterConnections,
		ActiveConversations,
		IngestedTotal,
		CommandsTotal,
		SendsTotal,
		MergeLatency,
		TimelineSize,
		PreservedEntries,
		MergeSkipped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
