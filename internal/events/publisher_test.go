package events

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Publish(_ context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestDroppable(t *testing.T) {
	t.Parallel()

	assert.True(t, Event{Type: TypeProgressUpdate}.Droppable())
	assert.True(t, Event{Type: TypeBatchProcessed}.Droppable())
	assert.False(t, Event{Type: TypeSyncFailed}.Droppable())
	assert.False(t, Event{Type: TypeAlertTriggered}.Droppable())
	assert.False(t, Event{Type: TypeDeadLetterAdded}.Droppable())
}

func TestPublisherDeliversInOrder(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(sink, 16)
	p.Start(context.Background())

	opID := uuid.New()
	p.Publish(New(TypeSyncStarted, opID, nil))
	p.Publish(New(TypeBatchProcessed, opID, map[string]any{"batch": 0}))
	p.Publish(New(TypeSyncCompleted, opID, nil))
	p.Close()

	got := sink.all()
	require.Len(t, got, 3)
	assert.Equal(t, TypeSyncStarted, got[0].Type)
	assert.Equal(t, TypeBatchProcessed, got[1].Type)
	assert.Equal(t, TypeSyncCompleted, got[2].Type)
}

func TestPublisherShedsOldestDroppableUnderBackPressure(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(sink, 3)
	// Not started: events pile up in the queue.

	opID := uuid.New()
	p.Publish(New(TypeProgressUpdate, opID, map[string]any{"seq": 1}))
	p.Publish(New(TypeSyncStarted, opID, nil))
	p.Publish(New(TypeProgressUpdate, opID, map[string]any{"seq": 2}))
	require.Equal(t, 3, p.Depth())

	// The queue is full; the oldest PROGRESS_UPDATE makes room.
	p.Publish(New(TypeConflictDetected, opID, nil))
	assert.Equal(t, 3, p.Depth())

	p.Start(context.Background())
	p.Close()

	got := sink.all()
	require.Len(t, got, 3)
	assert.Equal(t, TypeSyncStarted, got[0].Type)
	assert.Equal(t, TypeProgressUpdate, got[1].Type)
	assert.Equal(t, 2, got[1].Fields["seq"])
	assert.Equal(t, TypeConflictDetected, got[2].Type)
}

func TestPublisherNeverDropsAlerts(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(sink, 2)

	opID := uuid.New()
	p.Publish(New(TypeSyncFailed, opID, nil))
	p.Publish(New(TypeAlertTriggered, opID, nil))
	require.Equal(t, 2, p.Depth())

	// No droppable event is queued, yet the alert must still land.
	p.Publish(New(TypeAlertTriggered, opID, map[string]any{"checker": "state"}))
	assert.Equal(t, 3, p.Depth())

	// A droppable event arriving at a full queue with nothing to shed
	// is discarded itself.
	p.Publish(New(TypeProgressUpdate, opID, nil))
	assert.Equal(t, 3, p.Depth())
}

func TestPublisherCloseIsIdempotentAndDrains(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	p := NewPublisher(sink, 8)
	p.Start(context.Background())

	for i := 0; i < 5; i++ {
		p.Publish(New(TypeConflictDetected, uuid.New(), nil))
	}
	p.Close()
	p.Close()

	assert.Len(t, sink.all(), 5)

	// Publishing after Close is a no-op.
	p.Publish(New(TypeSyncFailed, uuid.New(), nil))
	assert.Len(t, sink.all(), 5)
}
