package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billscan_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	documentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_document_uploads_total",
			Help: "Total number of document uploads",
		},
		[]string{"status"}, // status: success, error
	)

	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billscan_upload_size_bytes",
			Help:    "Size of uploaded files in bytes",
			Buckets: []float64{1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024, 50 * 1024 * 1024},
		},
	)

	reviewActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_review_actions_total",
			Help: "Total number of review actions",
		},
		[]string{"action"},
	)

	receivingPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_receiving_posts_total",
			Help: "Total number of receiving posts",
		},
		[]string{"policy"},
	)

	// Rate limiting metrics
	rateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"window"},
	)

	// WebSocket metrics
	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billscan_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	websocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billscan_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: sent, received
	)
)
