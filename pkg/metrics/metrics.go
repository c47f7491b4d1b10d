// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OAuthFlowsTotal tracks authorization starts and callbacks by outcome
	OAuthFlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "oauth",
			Name:      "flows_total",
			Help:      "Total number of OAuth flow steps by provider, stage and outcome",
		},
		[]string{"provider", "stage", "outcome"},
	)

	// TokenRefreshesTotal tracks access token refreshes
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "oauth",
			Name:      "token_refreshes_total",
			Help:      "Total number of access token refresh operations",
		},
		[]string{"provider", "status"},
	)

	// SchemaSyncTotal tracks upserted remote apps and fields
	SchemaSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "schema_sync",
			Name:      "items_total",
			Help:      "Total number of remote schema items upserted",
		},
		[]string{"kind"},
	)

	// RecordSyncTotal tracks synced records by outcome
	RecordSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "record_sync",
			Name:      "records_total",
			Help:      "Total number of records processed by target type and outcome",
		},
		[]string{"target", "outcome"},
	)

	// RecordSyncDuration tracks the duration of a connector sync
	RecordSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "record_sync",
			Name:      "duration_seconds",
			Help:      "Duration of a full connector record sync in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		},
	)

	// SchedulerRunsTotal tracks scheduled sync runs
	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total number of scheduled sync runs by status",
		},
		[]string{"status"},
	)

	// SchedulerConnectorsTotal tracks connectors processed by scheduled runs
	SchedulerConnectorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "scheduler",
			Name:      "connectors_total",
			Help:      "Total number of connectors synced by scheduled runs by status",
		},
		[]string{"status"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordOAuthFlow records one start or callback
func RecordOAuthFlow(provider, stage, outcome string) {
	OAuthFlowsTotal.WithLabelValues(provider, stage, outcome).Inc()
}

// RecordTokenRefresh records a refresh attempt
func RecordTokenRefresh(provider, status string) {
	TokenRefreshesTotal.WithLabelValues(provider, status).Inc()
}

// RecordSchemaSync records upserted apps or fields
func RecordSchemaSync(kind string, count int) {
	SchemaSyncTotal.WithLabelValues(kind).Add(float64(count))
}

// RecordRecordSync records processed records of one target
func RecordRecordSync(target, outcome string, count int) {
	if count <= 0 {
		return
	}
	RecordSyncTotal.WithLabelValues(target, outcome).Add(float64(count))
}

// RecordSchedulerRun records a run and its per-connector results
func RecordSchedulerRun(status string, succeeded, failed int) {
	SchedulerRunsTotal.WithLabelValues(status).Inc()
	SchedulerConnectorsTotal.WithLabelValues("success").Add(float64(succeeded))
	SchedulerConnectorsTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
