// Package channels holds the chat platform transports the dispatcher reads
// events from and replies through.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/sjson"

	"github.com/sipeed/picobot/pkg/bus"
	"github.com/sipeed/picobot/pkg/dispatch"
)

// defaultBatchSize bounds how many queued events one ReadEvents call returns.
const defaultBatchSize = 32

// messageEvent is the normalized form push-style transports publish for an
// incoming chat message.
type messageEvent struct {
	Channel string
	Thread  string
	User    string
	Text    string
}

// JSON encodes ev as a Slack style message event.
func (ev messageEvent) JSON() ([]byte, error) {
	fields := [][2]string{
		{"channel", ev.Channel},
		{"user", ev.User},
		{"text", ev.Text},
	}
	if ev.Thread != "" {
		fields = append(fields, [2]string{"thread_ts", ev.Thread})
	}

	raw := []byte(`{"type":"message"}`)
	var err error
	for _, field := range fields {
		raw, err = sjson.SetBytes(raw, field[0], field[1])
		if err != nil {
			return nil, fmt.Errorf("encode event field %s: %w", field[0], err)
		}
	}
	return raw, nil
}

// eventStream turns the callbacks of a push-style client into the batched
// ReadEvents contract. Events queue on a bus until the dispatcher reads them.
type eventStream struct {
	bus   *bus.EventBus
	batch int

	mu  sync.Mutex
	err error
}

func newEventStream() *eventStream {
	return &eventStream{
		bus:   bus.NewEventBus(bus.DefaultCapacity),
		batch: defaultBatchSize,
	}
}

func (s *eventStream) ReadEvents(ctx context.Context) ([]dispatch.RawEvent, error) {
	raws, err := s.bus.ConsumeBatch(ctx, s.batch)
	if err != nil {
		if errors.Is(err, bus.ErrClosed) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err != nil {
				return nil, s.err
			}
			return nil, dispatch.ErrTransportClosed
		}
		return nil, err
	}

	events := make([]dispatch.RawEvent, len(raws))
	for i, raw := range raws {
		events[i] = dispatch.RawEvent(raw)
	}
	return events, nil
}

func (s *eventStream) publishRaw(ctx context.Context, raw []byte) error {
	return s.bus.Publish(ctx, raw)
}

func (s *eventStream) publish(ctx context.Context, ev messageEvent) error {
	raw, err := ev.JSON()
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, raw)
}

// fail ends the stream with err. ReadEvents reports err instead of
// dispatch.ErrTransportClosed once the queue is empty.
func (s *eventStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.bus.Close()
}

// close ends the stream. Events already queued are still delivered.
func (s *eventStream) close() {
	s.bus.Close()
}
