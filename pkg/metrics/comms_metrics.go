package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-side metrics for monitoring the call and message lifecycle.
var (
	// Call session lifecycle
	CallTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_call_transitions_total",
		Help: "Total number of call state transitions",
	}, []string{"from", "to"})

	CallSignalRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_call_signal_retries_total",
		Help: "Total number of signal send retries",
	})

	CallTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_call_timeouts_total",
		Help: "Total number of calls ended by dial/ring timeout",
	})

	// Message reconciliation
	MessagesMergedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_messages_merged_total",
		Help: "Total number of messages merged into a timeline",
	}, []string{"source"}) // "history", "socket", "local"

	MessagesDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_messages_deduped_total",
		Help: "Total number of duplicate messages discarded at merge",
	})

	PageFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_page_fetches_total",
		Help: "Total number of history page fetches",
	}, []string{"status"})

	// Socket transport
	SocketFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_socket_frames_total",
		Help: "Total number of frames moved over the realtime socket",
	}, []string{"direction"}) // "inbound", "outbound"

	SocketErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_socket_errors_total",
		Help: "Total number of socket read/write/decode errors",
	}, []string{"kind"})

	SocketConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comms_socket_connected",
		Help: "Whether the realtime socket is currently connected (0 or 1)",
	})

	// Typing indicator
	TypingEntriesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comms_typing_entries_expired_total",
		Help: "Total number of typing entries removed by expiry rather than an explicit stop",
	})
)
