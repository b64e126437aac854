package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classtrack/sync-server/internal/syncerr"
)

func step(name string, trace *[]string, execErr, compErr error) Step {
	return Step{
		Name: name,
		Execute: func(context.Context) error {
			*trace = append(*trace, "exec:"+name)
			return execErr
		},
		Compensate: func(context.Context) error {
			*trace = append(*trace, "comp:"+name)
			return compErr
		},
	}
}

func TestExecuteAllStepsComplete(t *testing.T) {
	t.Parallel()

	var trace []string
	s := New(uuid.New(), []Step{
		step("students", &trace, nil, nil),
		step("assessments", &trace, nil, nil),
	})

	require.NoError(t, s.Execute(context.Background()))
	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, []string{"exec:students", "exec:assessments"}, trace)
	assert.Equal(t, []StepState{StepCompleted, StepCompleted}, s.StepStates())
}

func TestExecuteCompensatesInReverseOrder(t *testing.T) {
	t.Parallel()

	var trace []string
	boom := errors.New("write rejected")
	s := New(uuid.New(), []Step{
		step("students", &trace, nil, nil),
		step("assessments", &trace, nil, nil),
		step("interventions", &trace, boom, nil),
	})

	err := s.Execute(context.Background())
	require.ErrorIs(t, err, boom)

	assert.Equal(t, StatusCompensated, s.Status())
	assert.Equal(t, []string{
		"exec:students",
		"exec:assessments",
		"exec:interventions",
		"comp:assessments",
		"comp:students",
	}, trace)
	assert.Equal(t, []StepState{
		StepCompensated,
		StepCompensated,
		StepFailed,
	}, s.StepStates())
	assert.Empty(t, s.CompensationErrors())
}

func TestExecuteFailedCompensationIsCritical(t *testing.T) {
	t.Parallel()

	var trace []string
	opID := uuid.New()
	s := New(opID, []Step{
		step("students", &trace, nil, errors.New("undo failed")),
		step("assessments", &trace, nil, nil),
		step("interventions", &trace, errors.New("write rejected"), nil),
	})

	require.Error(t, s.Execute(context.Background()))

	// One compensation failed, so the saga is FAILED even though the
	// other compensation succeeded.
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, []StepState{
		StepCompensationFailed,
		StepCompensated,
		StepFailed,
	}, s.StepStates())

	compErrs := s.CompensationErrors()
	require.Len(t, compErrs, 1)
	assert.Equal(t, syncerr.SeverityCritical, compErrs[0].Severity)
	assert.Equal(t, opID, compErrs[0].OperationID)
}

func TestExecuteNilCompensateIsSkipped(t *testing.T) {
	t.Parallel()

	var trace []string
	s := New(uuid.New(), []Step{
		{
			Name: "aggregate-refresh",
			Execute: func(context.Context) error {
				trace = append(trace, "exec:aggregate-refresh")
				return nil
			},
		},
		step("interventions", &trace, errors.New("write rejected"), nil),
	})

	require.Error(t, s.Execute(context.Background()))
	assert.Equal(t, StatusCompensated, s.Status())
	assert.Equal(t, []StepState{StepCompensated, StepFailed}, s.StepStates())
	assert.NotContains(t, trace, "comp:aggregate-refresh")
}

func TestExecuteCancelledContextCompensates(t *testing.T) {
	t.Parallel()

	var trace []string
	ctx, cancel := context.WithCancel(context.Background())

	s := New(uuid.New(), []Step{
		step("students", &trace, nil, nil),
		{
			Name: "assessments",
			Execute: func(context.Context) error {
				trace = append(trace, "exec:assessments")
				cancel()
				return nil
			},
			Compensate: func(context.Context) error {
				trace = append(trace, "comp:assessments")
				return nil
			},
		},
		step("interventions", &trace, nil, nil),
	})

	err := s.Execute(ctx)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindTimeout, syncerr.KindOf(err))

	// The third step never ran; the first two were undone in reverse.
	assert.Equal(t, []string{
		"exec:students",
		"exec:assessments",
		"comp:assessments",
		"comp:students",
	}, trace)
	assert.Equal(t, StatusCompensated, s.Status())
}

func TestExecuteRejectsReuse(t *testing.T) {
	t.Parallel()

	var trace []string
	s := New(uuid.New(), []Step{step("students", &trace, nil, nil)})

	require.NoError(t, s.Execute(context.Background()))
	require.Error(t, s.Execute(context.Background()))
	assert.Equal(t, []string{"exec:students"}, trace)
}
