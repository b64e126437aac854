package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/sources"
)

func TestScheduleFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sourceType string
		want       operation.Type
	}{
		{sources.TypeSIS, operation.TypeStudentRoster},
		{sources.TypeAssessment, operation.TypeAssessmentResults},
		{sources.TypeIntervention, operation.TypeInterventionRecords},
	}

	for _, tc := range tests {
		schedule, err := ScheduleFor("src", tc.sourceType, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, tc.want, schedule.Type)
		assert.Equal(t, time.Hour, schedule.Interval)
	}

	_, err := ScheduleFor("src", "gradebook", time.Hour)
	assert.Error(t, err)
}

func TestTickSubmitsWindowedOperation(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "powerschool"}
	env := newTestEnv(t, adapter)
	ctx := context.Background()

	options := operation.DefaultOptions()
	options.BatchSize = 250
	schedule := Schedule{
		Source:   "powerschool",
		Type:     operation.TypeStudentRoster,
		Interval: 24 * time.Hour,
		Priority: 3,
		Options:  &options,
	}

	s := NewScheduler(env.orch, []Schedule{schedule}, nil)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	s.tick(ctx, schedule, from, to)

	ops, err := env.stateSvc.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := ops[0]
	assert.Equal(t, operation.StatusQueued, op.Status)
	assert.Equal(t, "powerschool", op.Source)
	assert.Equal(t, "scheduler", op.CreatedBy)
	assert.Equal(t, 3, op.Priority)
	assert.Equal(t, from, op.DateRange.Start)
	assert.Equal(t, to, op.DateRange.End)
	assert.Equal(t, 250, op.Options.BatchSize)
}

func TestTickSkipsActiveSource(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "powerschool"}
	env := newTestEnv(t, adapter)
	ctx := context.Background()

	// The dispatcher is not running, so the first submission stays
	// queued and keeps the source active.
	op := newTestOperation(t, "powerschool")
	_, err := env.orch.Submit(ctx, op)
	require.NoError(t, err)

	schedule := Schedule{
		Source:   "powerschool",
		Type:     operation.TypeStudentRoster,
		Interval: time.Hour,
	}
	s := NewScheduler(env.orch, []Schedule{schedule}, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.tick(ctx, schedule, now.Add(-time.Hour), now)

	ops, err := env.stateSvc.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}
