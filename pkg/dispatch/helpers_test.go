package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sipeed/picobot/pkg/commands"
)

const testBotID = "UBOT"

type readResult struct {
	events []RawEvent
	err    error
}

type sentMessage struct {
	Channel string
	Thread  string
	Payload Payload
}

type fakeTransport struct {
	botID       string
	identityErr error
	connectErr  error
	sendErr     error

	reads chan readResult
	sent  chan sentMessage

	mu        sync.Mutex
	connected bool
	closed    bool
	askedName string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		botID: testBotID,
		reads: make(chan readResult, 16),
		sent:  make(chan sentMessage, 64),
	}
}

func (f *fakeTransport) ResolveIdentity(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	f.askedName = name
	f.mu.Unlock()
	if f.identityErr != nil {
		return "", f.identityErr
	}
	return f.botID, nil
}

func (f *fakeTransport) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ReadEvents(ctx context.Context) ([]RawEvent, error) {
	select {
	case r, ok := <-f.reads:
		if !ok {
			return nil, ErrTransportClosed
		}
		return r.events, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Send(_ context.Context, channel, thread string, p Payload) error {
	f.sent <- sentMessage{Channel: channel, Thread: thread, Payload: p}
	return f.sendErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) push(events ...RawEvent) {
	f.reads <- readResult{events: events}
}

func (f *fakeTransport) fail(err error) {
	f.reads <- readResult{err: err}
}

// drainSent collects everything sent so far without blocking.
func (f *fakeTransport) drainSent() []sentMessage {
	var out []sentMessage
	for {
		select {
		case m := <-f.sent:
			out = append(out, m)
		default:
			return out
		}
	}
}

func message(channel, user, text string) RawEvent {
	return messageInThread(channel, "", user, text)
}

func messageInThread(channel, thread, user, text string) RawEvent {
	ev := map[string]string{"type": "message", "channel": channel, "user": user, "text": text}
	if thread != "" {
		ev["thread_ts"] = thread
	}
	data, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	return data
}

func addressed(channel, user, command string) RawEvent {
	return message(channel, user, MentionToken(testBotID)+" "+command)
}

// gate blocks handlers until released and reports each start.
type gate struct {
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan string, 64), release: make(chan struct{})}
}

func (g *gate) handler(_ context.Context, req commands.Request) (commands.Response, error) {
	g.started <- req.Command
	<-g.release
	return req.Reply("done " + req.Command), nil
}

func (g *gate) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d handlers started", i, n)
		}
	}
}

func (g *gate) assertNoStart(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case cmd := <-g.started:
		t.Fatalf("handler for %q started unexpectedly", cmd)
	case <-time.After(within):
	}
}

func pingRegistry(t *testing.T, extra ...commands.Definition) *commands.Registry {
	t.Helper()
	r := commands.NewRegistry()
	require.NoError(t, r.Register(commands.Definition{
		Name:     "Ping",
		Triggers: []string{"ping", "test"},
		Help:     "*ping*: check liveness",
		Handler: func(_ context.Context, req commands.Request) (commands.Response, error) {
			return req.Reply("pong"), nil
		},
	}))
	for _, def := range extra {
		require.NoError(t, r.Register(def))
	}
	return r
}

func startDispatcher(t *testing.T, d *Dispatcher) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(context.Background()) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
		return errors.New("unreachable")
	}
}

type fakeAudit struct {
	mu      sync.Mutex
	next    int64
	err     error
	records []string
}

func (a *fakeAudit) Record(_ context.Context, requester, command string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	a.next++
	a.records = append(a.records, requester+":"+command)
	return a.next, nil
}
