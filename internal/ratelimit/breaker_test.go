package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, coolDown time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker("sis", BreakerSettings{
		FailureThreshold: threshold,
		CoolDown:         coolDown,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpensAfterCoolDown(t *testing.T) {
	t.Parallel()

	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	*now = now.Add(31 * time.Second)

	// Exactly one probe is admitted.
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerProbeOutcomes(t *testing.T) {
	t.Parallel()

	t.Run("successful probe closes", func(t *testing.T) {
		t.Parallel()

		b, now := newTestBreaker(1, 30*time.Second)
		b.RecordFailure()
		*now = now.Add(time.Minute)

		require.True(t, b.Allow())
		b.RecordSuccess()
		assert.Equal(t, StateClosed, b.State())
		assert.True(t, b.Allow())
	})

	t.Run("failed probe re-opens", func(t *testing.T) {
		t.Parallel()

		b, now := newTestBreaker(1, 30*time.Second)
		b.RecordFailure()
		*now = now.Add(time.Minute)

		require.True(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateOpen, b.State())
		assert.False(t, b.Allow())
	})

	t.Run("cancelled probe frees the slot", func(t *testing.T) {
		t.Parallel()

		b, now := newTestBreaker(1, 30*time.Second)
		b.RecordFailure()
		*now = now.Add(time.Minute)

		require.True(t, b.Allow())
		b.CancelProbe()
		// The slot is free again without an outcome being recorded.
		assert.True(t, b.Allow())
		assert.Equal(t, StateHalfOpen, b.State())
	})
}

func TestBreakerNotifiesStateChanges(t *testing.T) {
	t.Parallel()

	var transitions []State
	b := NewCircuitBreaker("sis", BreakerSettings{
		FailureThreshold: 1,
		CoolDown:         time.Millisecond,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure()
	now = now.Add(time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}
