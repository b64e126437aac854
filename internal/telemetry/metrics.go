// Package telemetry provides OpenTelemetry instrumentation for the
// sync server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/classtrack/sync-server/sync"

	// QueueMetricsMeterName is the name used for the queue metrics meter
	QueueMetricsMeterName = "github.com/classtrack/sync-server/queue"
)

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	operationDuration metric.Float64Histogram
	recordsProcessed  metric.Int64Counter
	recordsFailed     metric.Int64Counter
	conflictsResolved metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	operationDuration, err := meter.Float64Histogram(
		"ctsync_operation_duration_seconds",
		metric.WithDescription("Duration of sync operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	recordsProcessed, err := meter.Int64Counter(
		"ctsync_records_processed_total",
		metric.WithDescription("Records processed by sync operations"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	recordsFailed, err := meter.Int64Counter(
		"ctsync_records_failed_total",
		metric.WithDescription("Records that permanently failed processing"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsResolved, err := meter.Int64Counter(
		"ctsync_conflicts_resolved_total",
		metric.WithDescription("Conflicts detected and resolved"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		operationDuration: operationDuration,
		recordsProcessed:  recordsProcessed,
		recordsFailed:     recordsFailed,
		conflictsResolved: conflictsResolved,
	}, nil
}

// RecordOperationDuration records the duration of a finished operation
func (m *SyncMetrics) RecordOperationDuration(
	ctx context.Context, source, status string, duration time.Duration,
) {
	if m == nil || m.operationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("status", status),
	}

	m.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// AddRecordsProcessed counts processed records for a source
func (m *SyncMetrics) AddRecordsProcessed(ctx context.Context, source string, count int64) {
	if m == nil || m.recordsProcessed == nil {
		return
	}

	m.recordsProcessed.Add(ctx, count,
		metric.WithAttributes(attribute.String("source", source)))
}

// AddRecordsFailed counts permanently failed records for a source
func (m *SyncMetrics) AddRecordsFailed(ctx context.Context, source string, count int64) {
	if m == nil || m.recordsFailed == nil {
		return
	}

	m.recordsFailed.Add(ctx, count,
		metric.WithAttributes(attribute.String("source", source)))
}

// AddConflictsResolved counts resolved conflicts by type
func (m *SyncMetrics) AddConflictsResolved(ctx context.Context, conflictType string, count int64) {
	if m == nil || m.conflictsResolved == nil {
		return
	}

	m.conflictsResolved.Add(ctx, count,
		metric.WithAttributes(attribute.String("type", conflictType)))
}

// QueueMetrics holds the OpenTelemetry instruments for queue and
// breaker state metrics
type QueueMetrics struct {
	deadLetterDepth metric.Int64Gauge
	breakerState    metric.Int64Gauge
}

// NewQueueMetrics creates a new QueueMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewQueueMetrics(provider metric.MeterProvider) (*QueueMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueueMetricsMeterName)

	deadLetterDepth, err := meter.Int64Gauge(
		"ctsync_dead_letter_depth",
		metric.WithDescription("Number of entries in the dead letter queue"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	breakerState, err := meter.Int64Gauge(
		"ctsync_circuit_breaker_state",
		metric.WithDescription("Circuit breaker state per source (0 closed, 1 half-open, 2 open)"),
	)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		deadLetterDepth: deadLetterDepth,
		breakerState:    breakerState,
	}, nil
}

// RecordDeadLetterDepth records the current dead letter queue depth
func (m *QueueMetrics) RecordDeadLetterDepth(ctx context.Context, depth int64) {
	if m == nil || m.deadLetterDepth == nil {
		return
	}

	m.deadLetterDepth.Record(ctx, depth)
}

// RecordBreakerState records the breaker state for a source
func (m *QueueMetrics) RecordBreakerState(ctx context.Context, source string, state int64) {
	if m == nil || m.breakerState == nil {
		return
	}

	m.breakerState.Record(ctx, state,
		metric.WithAttributes(attribute.String("source", source)))
}
