package orchestrator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/sources"
)

// Schedule describes one recurring sync.
type Schedule struct {
	// Source is the adapter name the operation pulls from.
	Source string

	// Type is the operation type submitted on each tick.
	Type operation.Type

	// Target names the target store; empty means primary only.
	Target string

	// Interval is the time between submissions. Real-time sources use
	// short intervals, batch sources daily or weekly ones.
	Interval time.Duration

	// Priority is carried onto the submitted operations.
	Priority int

	// Options overrides the default execution options for submitted
	// operations. Nil keeps the defaults.
	Options *operation.Options
}

// ScheduleFor builds a schedule from a configured source.
func ScheduleFor(source string, sourceType string, interval time.Duration) (Schedule, error) {
	opType, err := operation.TypeForSource(sourceType)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{
		Source:   source,
		Type:     opType,
		Interval: interval,
	}, nil
}

// Scheduler submits recurring operations per configured source. A tick
// is skipped while the source already has an operation queued or
// running, so a slow sync never stacks up behind itself.
type Scheduler struct {
	orch      *Orchestrator
	schedules []Schedule
	logger    *slog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewScheduler creates a Scheduler over the given schedules.
func NewScheduler(orch *Orchestrator, schedules []Schedule, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		orch:      orch,
		schedules: schedules,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start launches one loop per schedule. Each loop starts after a
// random fraction of its interval so sources do not tick in lockstep.
func (s *Scheduler) Start(ctx context.Context) {
	for _, schedule := range s.schedules {
		if schedule.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.run(ctx, schedule)
	}
}

// Stop halts all schedule loops and waits for them.
func (s *Scheduler) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, schedule Schedule) {
	defer s.wg.Done()

	jitter := time.Duration(rand.Int64N(int64(schedule.Interval)))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	// lastRun anchors the next date range; the first run covers one
	// full interval back so nothing is missed across restarts.
	lastRun := time.Now().Add(-schedule.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-timer.C:
		}

		now := time.Now()
		s.tick(ctx, schedule, lastRun, now)
		lastRun = now
		timer.Reset(schedule.Interval)
	}
}

// tick submits one operation covering the window since the last run.
// Upserts are idempotent, so the window overlap on skipped ticks is
// harmless.
func (s *Scheduler) tick(ctx context.Context, schedule Schedule, from, to time.Time) {
	if s.orch.HasActive(schedule.Source) {
		s.logger.Info("Skipping scheduled sync, source already active",
			"source", schedule.Source)
		return
	}

	op, err := operation.New(schedule.Type, schedule.Source, schedule.Target,
		sources.DateRange{Start: from, End: to}, "scheduler")
	if err != nil {
		s.logger.Error("Failed to build scheduled operation",
			"source", schedule.Source,
			"error", err)
		return
	}
	op.Priority = schedule.Priority
	if schedule.Options != nil {
		op.Options = *schedule.Options
	}

	if _, err := s.orch.Submit(ctx, op); err != nil {
		s.logger.Error("Failed to submit scheduled operation",
			"source", schedule.Source,
			"error", err)
		return
	}
	s.logger.Info("Scheduled sync submitted",
		"operation_id", op.ID,
		"source", schedule.Source,
		"window_start", from,
		"window_end", to)
}
