// Package health periodically checks the sync pipeline's dependencies
// and reports per-component and aggregate verdicts.
package health

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/events"
)

// Verdict grades one component or the aggregate.
type Verdict string

const (
	// VerdictHealthy means the latest check passed.
	VerdictHealthy Verdict = "HEALTHY"

	// VerdictDegraded means recent checks failed but below the
	// escalation threshold.
	VerdictDegraded Verdict = "DEGRADED"

	// VerdictUnhealthy means consecutive failures crossed the
	// escalation threshold.
	VerdictUnhealthy Verdict = "UNHEALTHY"

	// VerdictUnknown means the component has not been checked yet.
	VerdictUnknown Verdict = "UNKNOWN"
)

// escalateAfter is the number of consecutive failures that escalate a
// component from DEGRADED to UNHEALTHY.
const escalateAfter = 3

// Checker probes one component.
type Checker func(ctx context.Context) error

// ComponentStatus is the latest verdict for one component.
type ComponentStatus struct {
	Name                string    `json:"name"`
	Verdict             Verdict   `json:"verdict"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastCheckedAt       time.Time `json:"lastCheckedAt"`
}

// Report is the aggregate view across all components.
type Report struct {
	Aggregate  Verdict           `json:"aggregate"`
	Components []ComponentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

type component struct {
	name  string
	check Checker

	verdict  Verdict
	failures int
	lastErr  string
	checked  time.Time
}

// Monitor polls registered checkers on a fixed interval.
type Monitor struct {
	interval     time.Duration
	checkTimeout time.Duration
	publisher    *events.Publisher
	logger       *slog.Logger

	mu         sync.Mutex
	components []*component

	stop chan struct{}
	done chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the poll interval.
func WithInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithCheckTimeout bounds each individual check.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(m *Monitor) {
		if timeout > 0 {
			m.checkTimeout = timeout
		}
	}
}

// WithPublisher installs the event publisher used for alerts.
func WithPublisher(publisher *events.Publisher) Option {
	return func(m *Monitor) {
		m.publisher = publisher
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a Monitor with a 30 second default interval.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		interval:     30 * time.Second,
		checkTimeout: 10 * time.Second,
		logger:       slog.Default(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a named component checker. Components start UNKNOWN
// until their first check completes.
func (m *Monitor) Register(name string, check Checker) {
	m.mu.Lock()
	m.components = append(m.components, &component{
		name:    name,
		check:   check,
		verdict: VerdictUnknown,
	})
	m.mu.Unlock()
}

// Start launches the poll loop. The first poll runs after a small
// random fraction of the interval so multiple instances do not check
// in lockstep.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the poll loop and waits for it to finish.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	jitter := time.Duration(rand.Int64N(int64(m.interval) / 4))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.C:
			m.CheckNow(ctx)
			timer.Reset(m.interval)
		}
	}
}

// CheckNow runs every registered check once and updates verdicts.
func (m *Monitor) CheckNow(ctx context.Context) Report {
	m.mu.Lock()
	components := make([]*component, len(m.components))
	copy(components, m.components)
	m.mu.Unlock()

	for _, c := range components {
		checkCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
		err := c.check(checkCtx)
		cancel()
		m.record(c, err)
	}
	return m.Report()
}

// record updates one component's verdict after a check.
func (m *Monitor) record(c *component, err error) {
	m.mu.Lock()
	c.checked = time.Now()

	if err == nil {
		c.verdict = VerdictHealthy
		c.failures = 0
		c.lastErr = ""
		m.mu.Unlock()
		return
	}

	c.failures++
	c.lastErr = err.Error()
	previous := c.verdict
	if c.failures >= escalateAfter {
		c.verdict = VerdictUnhealthy
	} else {
		c.verdict = VerdictDegraded
	}
	escalated := c.verdict == VerdictUnhealthy && previous != VerdictUnhealthy
	m.mu.Unlock()

	m.logger.Warn("Health check failed",
		"component", c.name,
		"consecutive_failures", c.failures,
		"error", err)

	if escalated && m.publisher != nil {
		m.publisher.Publish(events.New(events.TypeAlertTriggered, uuid.Nil, map[string]any{
			"component": c.name,
			"verdict":   string(VerdictUnhealthy),
			"error":     err.Error(),
		}))
	}
}

// Report returns the current verdicts without running checks. The
// aggregate is the worst component verdict; UNKNOWN components leave
// the aggregate UNKNOWN only when nothing has been checked yet.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{
		Aggregate: VerdictUnknown,
		CheckedAt: time.Now(),
	}

	for _, c := range m.components {
		report.Components = append(report.Components, ComponentStatus{
			Name:                c.name,
			Verdict:             c.verdict,
			ConsecutiveFailures: c.failures,
			LastError:           c.lastErr,
			LastCheckedAt:       c.checked,
		})
		report.Aggregate = worse(report.Aggregate, c.verdict)
	}
	return report
}

// worse combines verdicts, preferring the more severe one. HEALTHY
// outranks UNKNOWN so one checked component is enough to report an
// aggregate.
func worse(a, b Verdict) Verdict {
	rank := map[Verdict]int{
		VerdictUnknown:   0,
		VerdictHealthy:   1,
		VerdictDegraded:  2,
		VerdictUnhealthy: 3,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
