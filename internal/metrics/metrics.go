package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Detection service metrics for production monitoring
var (
	// Detection metrics
	ObservationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_observations_processed_total",
			Help: "Total number of observations classified",
		},
		[]string{"stream"},
	)

	AnomaliesFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_anomalies_flagged_total",
			Help: "Total number of observations flagged anomalous",
		},
		[]string{"stream"},
	)

	ExtremeThreshold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftline_threshold",
			Help: "Current long-run extreme threshold per stream",
		},
		[]string{"stream"},
	)

	AnomalyThreshold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftline_anomaly_threshold",
			Help: "Current moving local anomaly threshold per stream",
		},
		[]string{"stream"},
	)

	// Calibration metrics
	CalibrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_calibrations_total",
			Help: "Total number of calibration attempts",
		},
		[]string{"stream", "status"}, // status: ok/failed
	)

	// Preprocessing metrics
	ObservationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_observations_dropped_total",
			Help: "Total number of raw observations dropped by preprocessing",
		},
		[]string{"stream", "reason"}, // reason: invalid/duplicate
	)

	GapsFilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_gaps_filled_total",
			Help: "Total number of synthetic points inserted for gaps",
		},
		[]string{"stream"},
	)

	// Scrape metrics
	ScrapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_scrapes_total",
			Help: "Total number of Prometheus scrape attempts",
		},
		[]string{"stream", "status"}, // status: ok/failed
	)

	ScrapeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftline_scrape_duration_seconds",
			Help:    "Prometheus scrape duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"stream"},
	)

	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_evaluations_total",
			Help: "Total number of evaluation runs",
		},
		[]string{"stream"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftline_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftline_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)
)
