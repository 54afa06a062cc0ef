package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Room sync
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_received_total",
			Help: "Messages received from the backend stream",
		},
		[]string{"result"}, // "stored" or "dropped"
	)

	HistoryLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_history_loads_total",
			Help: "Message history loads",
		},
		[]string{"kind"}, // "initial" or "more"
	)

	UnreadMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_unread_messages",
			Help: "Unread messages in the active room",
		},
	)

	// Hooks
	CommandsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_commands_dispatched_total",
			Help: "Parent page commands executed",
		},
		[]string{"fn"},
	)

	FramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_frames_rejected_total",
			Help: "Parent page frames dropped before dispatch",
		},
		[]string{"reason"}, // "malformed", "untrusted" or "unknown_fn"
	)

	// Bridge
	BridgeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_bridge_connections",
			Help: "Open parent page bridge connections",
		},
	)

	// Backend
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_backend_request_duration_seconds",
			Help:    "Backend REST request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"endpoint"},
	)
)
