package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medfinder_chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medfinder_chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Relay metrics
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medfinder_chat_connections_open",
			Help: "Live chat connections",
		},
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medfinder_chat_messages_persisted_total",
			Help: "Total messages stored",
		},
	)

	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medfinder_chat_messages_relayed_total",
			Help: "Total stored messages by push outcome",
		},
		[]string{"result"}, // "delivered" or "offline"
	)

	FramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medfinder_chat_frames_rejected_total",
			Help: "Total inbound frames answered with an error frame",
		},
		[]string{"kind"},
	)

	// Directory metrics
	ConversationsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medfinder_chat_conversations_requested_total",
			Help: "Total conversation requests by outcome",
		},
		[]string{"status"}, // "created", "existing" or "rejected"
	)
)
