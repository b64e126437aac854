package events

import (
	"context"
	"log/slog"
	"sync"
)

// Sink receives sync events. Delivery is fire-and-forget: sink
// failures must never fail the sync operation that produced the event.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// LogSink is the default sink; it writes events to slog.
type LogSink struct{}

// Publish logs the event.
func (LogSink) Publish(_ context.Context, event Event) {
	slog.Info("Sync event",
		"type", event.Type,
		"operation_id", event.OperationID,
		"fields", event.Fields)
}

// Publisher buffers events on a bounded queue consumed by a single
// goroutine that forwards to the sink. When the queue is full, the
// oldest droppable event is shed to make room; error and alert events
// are always enqueued.
type Publisher struct {
	sink Sink
	size int

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool

	done chan struct{}
}

// NewPublisher creates a Publisher with the given buffer size. A
// non-positive size falls back to 256.
func NewPublisher(sink Sink, size int) *Publisher {
	if size <= 0 {
		size = 256
	}
	return &Publisher{
		sink:   sink,
		size:   size,
		queue:  make([]Event, 0, size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the forwarding loop. It returns immediately; the loop
// stops when ctx is cancelled or Close is called.
func (p *Publisher) Start(ctx context.Context) {
	go p.run(ctx)
}

// Publish enqueues the event without blocking. Under back-pressure the
// oldest droppable event is discarded first; if none exists and the
// incoming event is itself droppable, it is discarded instead.
// Non-droppable events are always accepted.
func (p *Publisher) Publish(event Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	if len(p.queue) >= p.size {
		if dropped := p.dropOldestDroppable(); !dropped && event.Droppable() {
			p.mu.Unlock()
			return
		}
	}
	p.queue = append(p.queue, event)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Close stops the forwarding loop after draining queued events.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	<-p.done
}

// Depth returns the number of queued events.
func (p *Publisher) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// dropOldestDroppable removes the oldest droppable event from the
// queue. Must be called with the mutex held.
func (p *Publisher) dropOldestDroppable() bool {
	for i, queued := range p.queue {
		if queued.Droppable() {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	for {
		for {
			event, ok := p.dequeue()
			if !ok {
				break
			}
			p.sink.Publish(ctx, event)
		}

		p.mu.Lock()
		closed := p.closed
		remaining := len(p.queue)
		p.mu.Unlock()
		if closed && remaining == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}
	}
}

func (p *Publisher) dequeue() (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Event{}, false
	}
	event := p.queue[0]
	p.queue = p.queue[1:]
	return event, true
}
