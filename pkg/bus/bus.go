package bus

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the number of raw events buffered before publishers
// block.
const DefaultCapacity = 100

var ErrClosed = errors.New("event bus closed")

// EventBus queues raw JSON events from push-style transports until the
// dispatch loop reads them in batches.
type EventBus struct {
	events    chan []byte
	quit      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &EventBus{
		events: make(chan []byte, capacity),
		quit:   make(chan struct{}),
	}
}

// Publish queues raw, blocking while the bus is full.
func (b *EventBus) Publish(ctx context.Context, raw []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.events <- raw:
		return nil
	case <-b.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeBatch waits for at least one event and returns it together with
// whatever else is already queued, up to max events. Once the bus is closed
// the remaining events are still returned; after that it fails with
// ErrClosed.
func (b *EventBus) ConsumeBatch(ctx context.Context, max int) ([][]byte, error) {
	if max <= 0 {
		max = 1
	}

	var batch [][]byte
	select {
	case raw, ok := <-b.events:
		if !ok {
			return nil, ErrClosed
		}
		batch = append(batch, raw)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(batch) < max {
		select {
		case raw, ok := <-b.events:
			if !ok {
				return batch, nil
			}
			batch = append(batch, raw)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Len is the number of queued events.
func (b *EventBus) Len() int {
	return len(b.events)
}

// Close stops publishing. Queued events stay readable.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		close(b.quit)
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		close(b.events)
	})
}
