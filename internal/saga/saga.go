// Package saga executes batches whose effects span more than one
// target system, with compensating actions providing eventual
// consistency in place of a shared transaction.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/syncerr"
)

// Status is the saga lifecycle state.
type Status string

const (
	// StatusPending means Execute has not run.
	StatusPending Status = "PENDING"

	// StatusRunning means steps are executing.
	StatusRunning Status = "RUNNING"

	// StatusCompleted means every step completed.
	StatusCompleted Status = "COMPLETED"

	// StatusCompensated means a step failed and every compensation
	// for the completed steps succeeded.
	StatusCompensated Status = "COMPENSATED"

	// StatusFailed means a step failed and at least one compensation
	// also failed, leaving cross-system state inconsistent.
	StatusFailed Status = "FAILED"
)

// StepState tracks one step's progress.
type StepState string

const (
	// StepPending means the step has not executed.
	StepPending StepState = "PENDING"

	// StepCompleted means the forward action succeeded.
	StepCompleted StepState = "COMPLETED"

	// StepFailed means the forward action failed.
	StepFailed StepState = "FAILED"

	// StepCompensated means the compensating action succeeded.
	StepCompensated StepState = "COMPENSATED"

	// StepCompensationFailed means the compensating action failed.
	StepCompensationFailed StepState = "COMPENSATION_FAILED"
)

// Step pairs a forward action with its named compensating action.
type Step struct {
	// Name identifies the step in logs and error reports.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. Invoked only if this step completed.
	// Must be idempotent. May be nil when nothing needs undoing.
	Compensate func(ctx context.Context) error
}

// Saga is an explicit state machine over an ordered step list. Steps
// and compensations are data, not nested handlers: on step failure the
// compensations of all completed steps run in strict reverse order.
type Saga struct {
	id          uuid.UUID
	operationID uuid.UUID
	steps       []Step
	states      []StepState
	status      Status
	current     int

	compensationTimeout time.Duration
	compensationErrors  []*syncerr.Error
	logger              *slog.Logger
}

// Option configures a Saga.
type Option func(*Saga)

// WithCompensationTimeout bounds each compensating action.
func WithCompensationTimeout(d time.Duration) Option {
	return func(s *Saga) {
		s.compensationTimeout = d
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Saga) {
		s.logger = logger
	}
}

// New creates a saga for the given operation with the ordered steps.
func New(operationID uuid.UUID, steps []Step, opts ...Option) *Saga {
	s := &Saga{
		id:                  uuid.New(),
		operationID:         operationID,
		steps:               steps,
		states:              make([]StepState, len(steps)),
		status:              StatusPending,
		compensationTimeout: 30 * time.Second,
		logger:              slog.Default(),
	}
	for i := range s.states {
		s.states[i] = StepPending
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the saga identifier.
func (s *Saga) ID() uuid.UUID {
	return s.id
}

// Status returns the saga status.
func (s *Saga) Status() Status {
	return s.status
}

// StepStates returns a copy of the per-step states in order.
func (s *Saga) StepStates() []StepState {
	states := make([]StepState, len(s.states))
	copy(states, s.states)
	return states
}

// CompensationErrors returns the CRITICAL errors raised by failed
// compensations, in the order they occurred.
func (s *Saga) CompensationErrors() []*syncerr.Error {
	return s.compensationErrors
}

// Execute runs the steps in order. On step failure it compensates the
// completed steps in reverse order and returns the step error. The
// saga ends COMPENSATED if every compensation succeeded, FAILED
// otherwise; compensation failures are recorded as CRITICAL errors and
// never silently swallowed.
func (s *Saga) Execute(ctx context.Context) error {
	if s.status != StatusPending {
		return fmt.Errorf("saga %s already executed (status %s)", s.id, s.status)
	}
	s.status = StatusRunning

	for i, step := range s.steps {
		s.current = i

		if err := ctx.Err(); err != nil {
			stepErr := syncerr.Wrap(syncerr.KindTimeout, err,
				fmt.Sprintf("saga cancelled before step %q", step.Name))
			s.compensate()
			return stepErr
		}

		s.logger.Debug("Executing saga step", "saga_id", s.id, "step", step.Name)
		if err := step.Execute(ctx); err != nil {
			s.states[i] = StepFailed
			s.logger.Error("Saga step failed",
				"saga_id", s.id,
				"step", step.Name,
				"error", err)
			s.compensate()
			return fmt.Errorf("saga step %q failed: %w", step.Name, err)
		}
		s.states[i] = StepCompleted
	}

	s.status = StatusCompleted
	return nil
}

// compensate runs compensations for completed steps in strict reverse
// order. It uses a context detached from the caller so cancellation of
// the operation does not abandon cleanup.
func (s *Saga) compensate() {
	allSucceeded := true

	for i := s.current - 1; i >= 0; i-- {
		if s.states[i] != StepCompleted {
			continue
		}
		step := s.steps[i]
		if step.Compensate == nil {
			s.states[i] = StepCompensated
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.compensationTimeout)
		err := step.Compensate(ctx)
		cancel()

		if err != nil {
			allSucceeded = false
			s.states[i] = StepCompensationFailed
			compErr := syncerr.Wrap(syncerr.KindDatabase, err,
				fmt.Sprintf("compensation for step %q failed", step.Name)).
				WithSeverity(syncerr.SeverityCritical)
			compErr.OperationID = s.operationID
			s.compensationErrors = append(s.compensationErrors, compErr)
			s.logger.Error("Saga compensation failed",
				"saga_id", s.id,
				"step", step.Name,
				"error", err)
			continue
		}

		s.states[i] = StepCompensated
		s.logger.Info("Compensated saga step", "saga_id", s.id, "step", step.Name)
	}

	if allSucceeded {
		s.status = StatusCompensated
	} else {
		s.status = StatusFailed
	}
}
