package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewMeterProviderDisabled(t *testing.T) {
	t.Parallel()

	provider, err := NewMeterProvider(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, provider)

	provider, err = NewMeterProvider(context.Background(),
		WithMetricsConfig(&MetricsConfig{Enabled: false}))
	require.NoError(t, err)
	assert.NotNil(t, provider)
}

func TestSyncMetricsNilSafety(t *testing.T) {
	t.Parallel()

	var m *SyncMetrics
	ctx := context.Background()

	// Nil metrics absorb every call.
	m.RecordOperationDuration(ctx, "powerschool", "COMPLETED", time.Second)
	m.AddRecordsProcessed(ctx, "powerschool", 300)
	m.AddRecordsFailed(ctx, "powerschool", 0)
	m.AddConflictsResolved(ctx, "STALE_UPDATE", 5)

	m, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSyncMetricsWithProvider(t *testing.T) {
	t.Parallel()

	m, err := NewSyncMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RecordOperationDuration(ctx, "powerschool", "COMPLETED", 42*time.Second)
	m.AddRecordsProcessed(ctx, "powerschool", 300)
	m.AddConflictsResolved(ctx, "DUPLICATE", 1)
}

func TestQueueMetrics(t *testing.T) {
	t.Parallel()

	var nilMetrics *QueueMetrics
	nilMetrics.RecordDeadLetterDepth(context.Background(), 10)
	nilMetrics.RecordBreakerState(context.Background(), "powerschool", 2)

	m, err := NewQueueMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordDeadLetterDepth(context.Background(), 10)
	m.RecordBreakerState(context.Background(), "powerschool", 0)
}
