package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classtrack/sync-server/internal/events"
)

type alertSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *alertSink) Publish(_ context.Context, event events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *alertSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

func healthy(context.Context) error {
	return nil
}

func failing(context.Context) error {
	return errors.New("connection refused")
}

func TestReportBeforeFirstCheck(t *testing.T) {
	t.Parallel()

	m := NewMonitor()
	m.Register("state", healthy)

	report := m.Report()
	assert.Equal(t, VerdictUnknown, report.Aggregate)
	require.Len(t, report.Components, 1)
	assert.Equal(t, VerdictUnknown, report.Components[0].Verdict)
}

func TestCheckNowHealthy(t *testing.T) {
	t.Parallel()

	m := NewMonitor()
	m.Register("state", healthy)
	m.Register("source:powerschool", healthy)

	report := m.CheckNow(context.Background())
	assert.Equal(t, VerdictHealthy, report.Aggregate)
	for _, c := range report.Components {
		assert.Equal(t, VerdictHealthy, c.Verdict)
		assert.Zero(t, c.ConsecutiveFailures)
	}
}

func TestEscalationAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	m := NewMonitor()
	m.Register("source:powerschool", failing)

	ctx := context.Background()

	// Two failures keep the component DEGRADED.
	for i := 0; i < 2; i++ {
		report := m.CheckNow(ctx)
		assert.Equal(t, VerdictDegraded, report.Aggregate)
	}

	// The third consecutive failure escalates.
	report := m.CheckNow(ctx)
	assert.Equal(t, VerdictUnhealthy, report.Aggregate)
	require.Len(t, report.Components, 1)
	assert.Equal(t, 3, report.Components[0].ConsecutiveFailures)
	assert.Equal(t, "connection refused", report.Components[0].LastError)
}

func TestRecoveryResetsFailureCount(t *testing.T) {
	t.Parallel()

	fail := true
	m := NewMonitor()
	m.Register("state", func(context.Context) error {
		if fail {
			return errors.New("timeout")
		}
		return nil
	})

	ctx := context.Background()
	m.CheckNow(ctx)
	m.CheckNow(ctx)

	fail = false
	report := m.CheckNow(ctx)
	assert.Equal(t, VerdictHealthy, report.Aggregate)
	assert.Zero(t, report.Components[0].ConsecutiveFailures)
	assert.Empty(t, report.Components[0].LastError)

	// Failures after recovery count from zero again.
	fail = true
	report = m.CheckNow(ctx)
	assert.Equal(t, VerdictDegraded, report.Aggregate)
	assert.Equal(t, 1, report.Components[0].ConsecutiveFailures)
}

func TestAggregateIsWorstComponent(t *testing.T) {
	t.Parallel()

	m := NewMonitor()
	m.Register("state", healthy)
	m.Register("deadletter", healthy)
	m.Register("source:nwea-map", failing)

	report := m.CheckNow(context.Background())
	assert.Equal(t, VerdictDegraded, report.Aggregate)
}

func TestEscalationTriggersAlertOnce(t *testing.T) {
	t.Parallel()

	sink := &alertSink{}
	publisher := events.NewPublisher(sink, 16)
	publisher.Start(context.Background())

	m := NewMonitor(WithPublisher(publisher))
	m.Register("source:powerschool", failing)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.CheckNow(ctx)
	}
	publisher.Close()

	// One alert at the DEGRADED to UNHEALTHY transition, not one per
	// subsequent failure.
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, events.TypeAlertTriggered, alerts[0].Type)
	assert.Equal(t, uuid.Nil, alerts[0].OperationID)
	assert.Equal(t, "source:powerschool", alerts[0].Fields["component"])
}

func TestCheckTimeoutBoundsCheckers(t *testing.T) {
	t.Parallel()

	m := NewMonitor(WithCheckTimeout(20 * time.Millisecond))
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	report := m.CheckNow(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, VerdictDegraded, report.Aggregate)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	m := NewMonitor(WithInterval(10 * time.Millisecond))
	m.Register("state", healthy)

	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	report := m.Report()
	assert.Equal(t, VerdictHealthy, report.Aggregate)
}
