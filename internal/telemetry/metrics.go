// Package telemetry provides application-level observability for the backend.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<PAM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Activity log write path: entries written, write failures, rotations, evictions
//   - Activity log read path: scan latency, corrupt segments skipped
//   - Retention sweep: segments deleted
//   - Audit forwarding failures
//
// # Label Cardinality
//
// No metric carries a user id label. Per-user series would grow without bound
// in a multi-tenant deployment.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/activity-logs/:modelType/:modelId),
// NOT the raw URL.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Activity log write path.
//
// ActivityLogEntriesWrittenTotal is a CounterVec with label {action}. Actions are
// a small closed vocabulary (created, updated, deleted, viewed, export, ...).
//
// ActivityLogWriteErrorsTotal counts Log calls that failed with a storage error.
// The write interceptor swallows these, so this counter is the only signal that
// entries are being dropped.
//
// Example PromQL queries:
//   - Writes per second by action:  sum by (action) (rate(activity_log_entries_written_total[5m]))
//   - Alert on dropped entries:     increase(activity_log_write_errors_total[15m]) > 0
//   - p95 write latency:            histogram_quantile(0.95, rate(activity_log_write_duration_seconds_bucket[5m]))
var (
	ActivityLogEntriesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_log_entries_written_total",
			Help: "Total number of activity log entries persisted, by action.",
		},
		[]string{"action"},
	)

	ActivityLogWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_log_write_errors_total",
			Help: "Total number of activity log writes that failed with a storage error.",
		},
	)

	ActivityLogWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "activity_log_write_duration_seconds",
			Help:    "Duration of a single activity log append, including rotation and eviction.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActivityLogRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_log_rotations_total",
			Help: "Total number of current segments rotated to an archive name.",
		},
	)

	ActivityLogEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_log_evictions_total",
			Help: "Total number of segments deleted because a user exceeded the per-user segment cap.",
		},
	)
)

// Activity log read path.
//
// ActivityLogScanDuration is a HistogramVec with label {op}: user, all, recent,
// stats, filter_options, export.
//
// ActivityLogCorruptSegmentsTotal counts segments that failed to parse and were
// treated as empty. Any increase means data was unreadable and will be lost on
// the next write to that segment.
//
// Example PromQL queries:
//   - p99 stats latency:  histogram_quantile(0.99, rate(activity_log_scan_duration_seconds_bucket{op="stats"}[5m]))
//   - Alert:              increase(activity_log_corrupt_segments_total[1h]) > 0
var (
	ActivityLogScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "activity_log_scan_duration_seconds",
			Help:    "Duration of activity log read operations, by operation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	ActivityLogCorruptSegmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activity_log_corrupt_segments_total",
			Help: "Total number of activity log segments that could not be parsed and were treated as empty.",
		},
	)
)

// ActivityLogRetentionDeletedTotal counts segments removed by the retention
// sweep (CLI clean command or the background job).
//
// Example PromQL queries:
//   - Segments deleted per day:  increase(activity_log_retention_deleted_total[24h])
var ActivityLogRetentionDeletedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "activity_log_retention_deleted_total",
		Help: "Total number of activity log segments deleted by the retention sweep.",
	},
)

// AuditShipErrorsTotal is a CounterVec with label {shipper} incremented when an
// external audit sink rejects an entry.
var AuditShipErrorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_ship_errors_total",
		Help: "Total number of entries an audit shipper failed to deliver, by shipper type.",
	},
	[]string{"shipper"},
)
