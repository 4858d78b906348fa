package channels

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/dispatch"
)

type scriptedReader struct {
	lines  []string
	closed bool
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func readAllEvents(t *testing.T, tr dispatch.Transport) []dispatch.RawEvent {
	t.Helper()
	var all []dispatch.RawEvent
	for {
		events, err := tr.ReadEvents(context.Background())
		if errors.Is(err, dispatch.ErrTransportClosed) {
			return all
		}
		require.NoError(t, err)
		all = append(all, events...)
	}
}

func TestConsoleTransportReadsLines(t *testing.T) {
	reader := &scriptedReader{lines: []string{"ping", "  ", "<@UOTHER> hi", "exit", "never read"}}
	var out bytes.Buffer
	tr := newConsoleTransport(config.ConsoleConfig{User: "dev", Channel: "tty"}, reader, &out)

	id, err := tr.ResolveIdentity(context.Background(), "picobot")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))

	events := readAllEvents(t, tr)
	require.Len(t, events, 2)

	in, ok := dispatch.ParseEvent(events[0], id)
	require.True(t, ok)
	assert.Equal(t, dispatch.Inbound{Channel: "tty", Command: "ping", Requester: "dev"}, in)

	_, ok = dispatch.ParseEvent(events[1], id)
	assert.False(t, ok)
	assert.Equal(t, []string{"never read"}, reader.lines)

	require.NoError(t, tr.Send(context.Background(), "tty", "", dispatch.Payload{Text: "pong"}))
	assert.Equal(t, "pong\n", out.String())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, reader.closed)
}

func TestConsoleTransportStopsAtEOF(t *testing.T) {
	tr := newConsoleTransport(config.ConsoleConfig{}, &scriptedReader{lines: []string{"help"}}, io.Discard)
	require.NoError(t, tr.Connect(context.Background()))

	events := readAllEvents(t, tr)
	require.Len(t, events, 1)
	in, ok := dispatch.ParseEvent(events[0], ConsoleBotID)
	require.True(t, ok)
	assert.Equal(t, "console", in.Channel)
	assert.Equal(t, "console", in.Requester)
}

func TestAddressLine(t *testing.T) {
	assert.Equal(t, "<@UPICOBOT> ping", addressLine("ping"))
	assert.Equal(t, "<@U1> ping", addressLine("<@U1> ping"))
}
