package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_BatchesQueuedEvents(t *testing.T) {
	b := NewEventBus(10)
	ctx := context.Background()

	for _, ev := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, b.Publish(ctx, []byte(ev)))
	}
	assert.Equal(t, 3, b.Len())

	batch, err := b.ConsumeBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`)}, batch)

	batch, err = b.ConsumeBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte(`{"n":3}`)}, batch)
}

func TestEventBus_ConsumeHonoursContext(t *testing.T) {
	b := NewEventBus(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.ConsumeBatch(ctx, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventBus_CloseKeepsQueuedEvents(t *testing.T) {
	b := NewEventBus(4)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, []byte(`{}`)))

	b.Close()
	b.Close()

	assert.ErrorIs(t, b.Publish(ctx, []byte(`{}`)), ErrClosed)

	batch, err := b.ConsumeBatch(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	_, err = b.ConsumeBatch(ctx, 5)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEventBus_CloseReleasesBlockedPublisher(t *testing.T) {
	b := NewEventBus(1)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, []byte(`{}`)))

	errCh := make(chan error, 1)
	go func() { errCh <- b.Publish(ctx, []byte(`{}`)) }()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after Close")
	}
}
