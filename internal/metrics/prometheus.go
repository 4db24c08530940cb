// Package metrics holds the Prometheus collectors of the completion relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts completion requests by outcome: streamed, invalid, unauthorized, upstream_error.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herochat_chat_requests_total",
			Help: "Total number of completion requests handled by the proxy",
		},
		[]string{"outcome"},
	)

	// ChunksTotal counts text chunks relayed to clients.
	ChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herochat_stream_chunks_total",
			Help: "Total number of text chunks written to client streams",
		},
	)

	// UpstreamErrors counts upstream failures by stage: before the first chunk or mid-stream.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herochat_upstream_errors_total",
			Help: "Total number of upstream completion failures",
		},
		[]string{"stage"},
	)

	// FirstChunkLatency observes the time from request to first relayed chunk.
	FirstChunkLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herochat_first_chunk_seconds",
			Help:    "Time until the first chunk of a completion is relayed",
			Buckets: prometheus.DefBuckets,
		},
	)

	// StreamDuration observes the full duration of relayed streams.
	StreamDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herochat_stream_duration_seconds",
			Help:    "Duration of completion streams from request to last chunk",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	// PrunedSessions counts expired sign-in sessions removed from the store.
	PrunedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herochat_pruned_sessions_total",
			Help: "Total number of expired sign-in sessions removed from the store",
		},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Calling it more than once is a no-op.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestsTotal)
		prometheus.MustRegister(ChunksTotal)
		prometheus.MustRegister(UpstreamErrors)
		prometheus.MustRegister(FirstChunkLatency)
		prometheus.MustRegister(StreamDuration)
		prometheus.MustRegister(PrunedSessions)
	})
}
