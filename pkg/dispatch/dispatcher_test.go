package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picobot/pkg/commands"
)

func TestDispatcher_RepliesToAddressedCommands(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, pingRegistry(t), Options{BotName: "picobot"})

	tr.push(
		message("C1", "U1", "ping"),
		messageInThread("C2", "171.1", "U2", "<@UBOT> ping"),
		message("C3", testBotID, "<@UBOT> ping"),
	)
	close(tr.reads)

	require.NoError(t, waitRun(t, startDispatcher(t, d)))

	sent := tr.drainSent()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{Channel: "C2", Thread: "171.1", Payload: Payload{Text: "pong"}}, sent[0])

	assert.Equal(t, StateStopped, d.State())
	assert.True(t, tr.isClosed())
	assert.Equal(t, "picobot", tr.askedName)
	select {
	case <-d.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
}

func TestDispatcher_HelpAndFallbackReplies(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, pingRegistry(t), Options{MaxWorkers: 1})

	tr.push(addressed("C1", "U1", "help"))
	tr.push(addressed("C1", "U1", "frobnicate"))
	tr.push(message("C1", "U1", "<@UBOT>   "))
	tr.push(addressed("C1", "U1", "PING"))
	close(tr.reads)

	require.NoError(t, waitRun(t, startDispatcher(t, d)))

	sent := tr.drainSent()
	require.Len(t, sent, 4)
	texts := make([]string, 0, len(sent))
	for _, m := range sent {
		texts = append(texts, m.Payload.Text)
	}
	assert.Equal(t, []string{
		commands.HelpBanner + "\n\t*ping*: check liveness",
		commands.WrongCommandMessage(),
		commands.WrongCommandMessage(),
		"pong",
	}, texts)
}

func TestDispatcher_FaultIsolation(t *testing.T) {
	tr := newFakeTransport()
	r := pingRegistry(t,
		commands.Definition{
			Name:     "Fail",
			Triggers: []string{"fail"},
			Handler: func(context.Context, commands.Request) (commands.Response, error) {
				return commands.Response{}, errors.New("boom")
			},
		},
		commands.Definition{
			Name:     "Crash",
			Triggers: []string{"crash"},
			Handler: func(context.Context, commands.Request) (commands.Response, error) {
				panic("kaboom")
			},
		},
	)
	d := New(tr, r, Options{MaxWorkers: 1})

	tr.push(messageInThread("C1", "T1", "U1", "<@UBOT> fail hard"))
	tr.push(addressed("C2", "U2", "crash"))
	tr.push(addressed("C3", "U3", "ping"))
	close(tr.reads)

	require.NoError(t, waitRun(t, startDispatcher(t, d)))

	sent := tr.drainSent()
	require.Len(t, sent, 3)

	assert.Equal(t, "C1", sent[0].Channel)
	assert.Equal(t, "T1", sent[0].Thread)
	assert.True(t, strings.HasPrefix(sent[0].Payload.Text, "Oops, some error occurred.\n```boom\n"))
	assert.Contains(t, sent[0].Payload.Text, strings.Repeat("-", 79))
	assert.Contains(t, sent[0].Payload.Text, "handler: Fail")
	assert.Contains(t, sent[0].Payload.Text, "command: fail hard")
	assert.Contains(t, sent[0].Payload.Text, "requester: U1")

	assert.Equal(t, "C2", sent[1].Channel)
	assert.Contains(t, sent[1].Payload.Text, "panic: kaboom")
	assert.Contains(t, sent[1].Payload.Text, "handler: Crash")

	assert.Equal(t, sentMessage{Channel: "C3", Payload: Payload{Text: "pong"}}, sent[2])
}

func TestDispatcher_Backpressure(t *testing.T) {
	tr := newFakeTransport()
	g := newGate()
	r := pingRegistry(t, commands.Definition{Name: "Slow", Triggers: []string{"slow"}, Handler: g.handler})
	d := New(tr, r, Options{MaxWorkers: 2})

	events := make([]RawEvent, 0, 6)
	for i := 0; i < 6; i++ {
		events = append(events, addressed("C1", "U1", "slow"))
	}
	tr.push(events...)
	close(tr.reads)

	errCh := startDispatcher(t, d)

	g.waitStarted(t, 2)
	g.assertNoStart(t, 100*time.Millisecond)
	assert.Equal(t, 2, d.Pool().Running())
	assert.Empty(t, tr.drainSent())

	close(g.release)
	require.NoError(t, waitRun(t, errCh))

	assert.Len(t, tr.drainSent(), 6)
	assert.LessOrEqual(t, d.Pool().Peak(), 2)
}

func TestDispatcher_ShutdownDrainsInFlight(t *testing.T) {
	tr := newFakeTransport()
	g := newGate()
	r := pingRegistry(t, commands.Definition{Name: "Slow", Triggers: []string{"slow"}, Handler: g.handler})
	d := New(tr, r, Options{})

	tr.push(addressed("C1", "U1", "slow 1"), addressed("C1", "U1", "slow 2"), addressed("C1", "U1", "slow 3"))
	errCh := startDispatcher(t, d)
	g.waitStarted(t, 3)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- d.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while handlers were still running")
	case <-time.After(100 * time.Millisecond):
	}

	// Commands arriving after the stop request are withheld.
	tr.push(addressed("C1", "U1", "ping"))

	close(g.release)
	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	require.NoError(t, waitRun(t, errCh))

	sent := tr.drainSent()
	require.Len(t, sent, 3)
	for _, m := range sent {
		assert.True(t, strings.HasPrefix(m.Payload.Text, "done slow"))
	}
	assert.Equal(t, StateStopped, d.State())
}

func TestDispatcher_LoopErrorInvokesCallbackAndDrains(t *testing.T) {
	tr := newFakeTransport()
	g := newGate()
	r := pingRegistry(t, commands.Definition{Name: "Slow", Triggers: []string{"slow"}, Handler: g.handler})

	var (
		mu      sync.Mutex
		reports []error
	)
	d := New(tr, r, Options{OnException: func(_ context.Context, err error) {
		mu.Lock()
		reports = append(reports, err)
		mu.Unlock()
	}})

	readErr := errors.New("socket reset")
	tr.push(addressed("C1", "U1", "slow"))
	tr.fail(readErr)

	errCh := startDispatcher(t, d)
	g.waitStarted(t, 1)

	select {
	case <-errCh:
		t.Fatal("Run returned before the in-flight command finished")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateDraining, d.State())

	close(g.release)
	err := waitRun(t, errCh)
	assert.ErrorIs(t, err, readErr)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0], readErr)
	assert.Len(t, tr.drainSent(), 1)
}

// panickyTransport panics on every read.
type panickyTransport struct {
	*fakeTransport
}

func (panickyTransport) ReadEvents(context.Context) ([]RawEvent, error) {
	panic("decoder exploded")
}

func TestDispatcher_LoopPanicIsLoopError(t *testing.T) {
	tr := panickyTransport{newFakeTransport()}
	var calls atomic.Int32
	d := New(tr, pingRegistry(t), Options{OnException: func(context.Context, error) {
		calls.Add(1)
		panic("callback exploded")
	}})

	err := waitRun(t, startDispatcher(t, d))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch loop panic: decoder exploded")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateStopped, d.State())
	assert.True(t, tr.isClosed())
}

func TestDispatcher_TransportClosedSkipsCallback(t *testing.T) {
	tr := newFakeTransport()
	called := false
	d := New(tr, pingRegistry(t), Options{OnException: func(context.Context, error) { called = true }})
	close(tr.reads)

	require.NoError(t, waitRun(t, startDispatcher(t, d)))
	assert.False(t, called)
}

func TestDispatcher_StartupFailures(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		tr := newFakeTransport()
		tr.identityErr = ErrIdentityNotFound
		d := New(tr, pingRegistry(t), Options{BotName: "ghost"})

		err := d.Run(context.Background())
		assert.ErrorIs(t, err, ErrIdentityNotFound)
		assert.Contains(t, err.Error(), "ghost")
		assert.Equal(t, StateStopped, d.State())
		assert.False(t, tr.connected)
	})

	t.Run("connect", func(t *testing.T) {
		tr := newFakeTransport()
		tr.connectErr = errors.New("handshake refused")
		d := New(tr, pingRegistry(t), Options{})

		err := d.Run(context.Background())
		assert.ErrorContains(t, err, "handshake refused")
		assert.Equal(t, StateStopped, d.State())
	})
}

func TestDispatcher_RunTwice(t *testing.T) {
	tr := newFakeTransport()
	close(tr.reads)
	d := New(tr, pingRegistry(t), Options{})

	require.NoError(t, d.Run(context.Background()))
	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyStarted)
}

func TestDispatcher_FreezesRegistry(t *testing.T) {
	tr := newFakeTransport()
	close(tr.reads)
	r := pingRegistry(t)
	d := New(tr, r, Options{})

	require.NoError(t, d.Run(context.Background()))
	err := r.Register(commands.Definition{
		Name:     "Late",
		Triggers: []string{"late"},
		Handler:  func(context.Context, commands.Request) (commands.Response, error) { return commands.Response{}, nil },
	})
	assert.ErrorIs(t, err, commands.ErrRegistryFrozen)
}

func TestDispatcher_AuditLogIDReachesHandler(t *testing.T) {
	tr := newFakeTransport()
	audit := &fakeAudit{next: 41}
	seen := make(chan commands.Request, 2)
	r := pingRegistry(t, commands.Definition{
		Name:     "Who",
		Triggers: []string{"who"},
		Handler: func(_ context.Context, req commands.Request) (commands.Response, error) {
			seen <- req
			return req.Reply("you"), nil
		},
	})
	d := New(tr, r, Options{Audit: audit})

	tr.push(addressed("C1", "U7", "who am i"))
	close(tr.reads)
	require.NoError(t, waitRun(t, startDispatcher(t, d)))

	req := <-seen
	assert.Equal(t, int64(42), req.LogID)
	assert.NotEmpty(t, req.TaskID)
	assert.Equal(t, []string{"U7:who am i"}, audit.records)
}

func TestDispatcher_AuditFailureStillReplies(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, pingRegistry(t), Options{Audit: &fakeAudit{err: errors.New("disk full")}})

	tr.push(addressed("C1", "U1", "ping"))
	close(tr.reads)
	require.NoError(t, waitRun(t, startDispatcher(t, d)))

	assert.Len(t, tr.drainSent(), 1)
}

func TestDispatcher_BlockReplies(t *testing.T) {
	tr := newFakeTransport()
	block := map[string]any{"type": "section", "text": map[string]any{"type": "mrkdwn", "text": "*hi*"}}
	r := pingRegistry(t, commands.Definition{
		Name:     "Card",
		Triggers: []string{"card"},
		Handler: func(_ context.Context, req commands.Request) (commands.Response, error) {
			return req.ReplyBlocks(block), nil
		},
	})
	d := New(tr, r, Options{})

	tr.push(addressed("C1", "U1", "card"))
	close(tr.reads)
	require.NoError(t, waitRun(t, startDispatcher(t, d)))

	sent := tr.drainSent()
	require.Len(t, sent, 1)
	assert.Equal(t, Payload{Blocks: []any{block}}, sent[0].Payload)
}

func TestDispatcher_PollIntervalInterruptedByShutdown(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, pingRegistry(t), Options{PollInterval: time.Hour})

	tr.push()
	errCh := startDispatcher(t, d)

	require.Eventually(t, func() bool { return len(tr.reads) == 0 && d.State() == StateRunning }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, waitRun(t, errCh))
}

func TestDispatcher_ContextCancelStops(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, pingRegistry(t), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.State() == StateRunning }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errCh))
}
