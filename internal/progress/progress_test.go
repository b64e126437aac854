package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock steps time forward deterministically for throughput math.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestTracker(opts ...Option) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	return NewTracker(nil, opts...), clock
}

func TestGetProgressUntracked(t *testing.T) {
	t.Parallel()

	tracker, _ := newTestTracker()
	_, err := tracker.GetProgress(uuid.New())
	assert.ErrorIs(t, err, ErrNotTracked)

	assert.ErrorIs(t, tracker.UpdateProgress(uuid.New(), 10, "write"), ErrNotTracked)
	assert.ErrorIs(t, tracker.CompleteTracking(uuid.New()), ErrNotTracked)
}

func TestThroughputAndETA(t *testing.T) {
	t.Parallel()

	tracker, clock := newTestTracker()
	opID := uuid.New()
	tracker.StartTracking(opID, 300)

	// 100 records per second for two seconds.
	clock.Advance(time.Second)
	require.NoError(t, tracker.UpdateProgress(opID, 100, "write"))
	clock.Advance(time.Second)
	require.NoError(t, tracker.UpdateProgress(opID, 100, "write"))

	snapshot, err := tracker.GetProgress(opID)
	require.NoError(t, err)

	assert.EqualValues(t, 200, snapshot.Processed)
	assert.InDelta(t, 66.7, snapshot.Percentage, 0.1)
	assert.InDelta(t, 100, snapshot.Throughput, 0.01)
	require.NotNil(t, snapshot.ETA)
	// 100 records remain at 100/s.
	assert.InDelta(t, float64(time.Second), float64(*snapshot.ETA), float64(10*time.Millisecond))
	assert.Equal(t, "write", snapshot.Step)
}

func TestETANilWhenTotalUnknown(t *testing.T) {
	t.Parallel()

	tracker, clock := newTestTracker()
	opID := uuid.New()
	tracker.StartTracking(opID, 0)

	clock.Advance(time.Second)
	require.NoError(t, tracker.UpdateProgress(opID, 50, "fetch"))

	snapshot, err := tracker.GetProgress(opID)
	require.NoError(t, err)
	assert.Zero(t, snapshot.Percentage)
	assert.Nil(t, snapshot.ETA)

	// SetTotal makes both computable.
	tracker.SetTotal(opID, 100)
	snapshot, err = tracker.GetProgress(opID)
	require.NoError(t, err)
	assert.InDelta(t, 50, snapshot.Percentage, 0.01)
	assert.NotNil(t, snapshot.ETA)
}

func TestETANilBeforeAnyUpdate(t *testing.T) {
	t.Parallel()

	tracker, _ := newTestTracker()
	opID := uuid.New()
	tracker.StartTracking(opID, 300)

	snapshot, err := tracker.GetProgress(opID)
	require.NoError(t, err)
	assert.Zero(t, snapshot.Throughput)
	assert.Nil(t, snapshot.ETA)
}

func TestThroughputUsesTrailingWindow(t *testing.T) {
	t.Parallel()

	tracker, clock := newTestTracker(WithWindowSize(3))
	opID := uuid.New()
	tracker.StartTracking(opID, 1000)

	// A slow first minute falls out of the three-sample window.
	clock.Advance(time.Minute)
	require.NoError(t, tracker.UpdateProgress(opID, 10, "write"))
	clock.Advance(time.Second)
	require.NoError(t, tracker.UpdateProgress(opID, 100, "write"))
	clock.Advance(time.Second)
	require.NoError(t, tracker.UpdateProgress(opID, 100, "write"))

	snapshot, err := tracker.GetProgress(opID)
	require.NoError(t, err)
	assert.InDelta(t, 100, snapshot.Throughput, 0.01)
}

func TestCompleteAndForget(t *testing.T) {
	t.Parallel()

	tracker, clock := newTestTracker()
	opID := uuid.New()
	tracker.StartTracking(opID, 100)

	clock.Advance(time.Second)
	require.NoError(t, tracker.UpdateProgress(opID, 100, "write"))
	require.NoError(t, tracker.CompleteTracking(opID))

	// The snapshot survives completion until forgotten.
	snapshot, err := tracker.GetProgress(opID)
	require.NoError(t, err)
	require.NotNil(t, snapshot.EndedAt)
	assert.Equal(t, clock.Now(), *snapshot.EndedAt)

	tracker.Forget(opID)
	_, err = tracker.GetProgress(opID)
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestPercentageCapsAtHundred(t *testing.T) {
	t.Parallel()

	tracker, clock := newTestTracker()
	opID := uuid.New()
	tracker.StartTracking(opID, 50)

	clock.Advance(time.Second)
	require.NoError(t, tracker.UpdateProgress(opID, 75, "write"))

	snapshot, err := tracker.GetProgress(opID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, snapshot.Percentage)
	assert.Nil(t, snapshot.ETA)
}
