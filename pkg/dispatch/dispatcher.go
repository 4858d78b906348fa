package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/picobot/pkg/commands"
	"github.com/sipeed/picobot/pkg/logger"
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("dispatcher already started")

type Options struct {
	// BotName is resolved to the platform id that addresses the bot.
	BotName string
	// MaxWorkers bounds concurrent handler executions. Defaults to 5.
	MaxWorkers int
	// PollInterval is the pause after a read that returned no events.
	// Zero polls again immediately.
	PollInterval time.Duration

	Audit       AuditSink
	OnException ExceptionCallback
}

// Dispatcher reads events from a Transport, routes addressed commands
// through a Registry and runs the handlers on a bounded Pool.
type Dispatcher struct {
	transport Transport
	registry  *commands.Registry
	opts      Options
	pool      *Pool

	state atomic.Int32
	botID string

	// inflight is only touched by the goroutine running Run.
	inflight []*Task

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopping atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(transport Transport, registry *commands.Registry, opts Options) *Dispatcher {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = 0
	}
	return &Dispatcher{
		transport: transport,
		registry:  registry,
		opts:      opts,
		pool:      NewPool(opts.MaxWorkers, transport, registry.Fallback()),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// BotID is the resolved identity, empty until Run has connected.
func (d *Dispatcher) BotID() string {
	if d.State() < StateRunning {
		return ""
	}
	return d.botID
}

// Pool exposes the execution pool, mainly for inspection.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	logger.DebugCF("dispatch", "State changed", map[string]any{
		"from": prev.String(),
		"to":   s.String(),
	})
}

// Run connects the transport and dispatches events until the stream ends,
// Shutdown is called, ctx is cancelled or reading fails. In-flight handlers
// are always drained before Run returns. Startup failures are returned
// without entering the running state.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}
	defer close(d.done)

	d.registry.Freeze()
	logger.InfoCF("dispatch", "Connecting", map[string]any{
		"bot_name":    d.opts.BotName,
		"max_workers": d.opts.MaxWorkers,
	})

	botID, err := d.transport.ResolveIdentity(ctx, d.opts.BotName)
	if err != nil {
		d.setState(StateStopped)
		return fmt.Errorf("resolve bot identity %q: %w", d.opts.BotName, err)
	}
	if err := d.transport.Connect(ctx); err != nil {
		d.setState(StateStopped)
		return fmt.Errorf("connect transport: %w", err)
	}
	d.botID = botID

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	if d.stopping.Load() {
		cancel()
	}

	d.setState(StateRunning)
	logger.InfoCF("dispatch", "Bot is running", map[string]any{
		"bot_id":        botID,
		"poll_interval": d.opts.PollInterval.String(),
	})

	loopErr := d.loop(runCtx)

	d.setState(StateDraining)
	logger.InfoCF("dispatch", "Draining in-flight commands", map[string]any{
		"in_flight": len(d.inflight),
	})
	d.drain()

	if err := d.transport.Close(); err != nil {
		logger.WarnCF("dispatch", "Failed to close transport", map[string]any{"error": err.Error()})
	}
	d.setState(StateStopped)
	logger.InfoCF("dispatch", "Bot stopped", map[string]any{
		"peak_workers": d.pool.Peak(),
	})
	return loopErr
}

// Shutdown withholds new submissions, interrupts the pending read and waits
// until no handler is executing. Run notices the request at the next
// iteration boundary, drains and returns.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.stopping.Store(true)
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
		close(d.stopCh)
	})
	return d.pool.Wait(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) error {
	for {
		if d.stopping.Load() || ctx.Err() != nil {
			return nil
		}

		n, err := d.step(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				logger.InfoC("dispatch", "Event stream closed")
				return nil
			}
			if d.stopping.Load() || ctx.Err() != nil {
				return nil
			}
			logger.ErrorCF("dispatch", "Dispatch loop failed", map[string]any{
				"error":     err.Error(),
				"bot_id":    d.botID,
				"in_flight": len(d.inflight),
			})
			d.notifyException(ctx, err)
			return err
		}

		if n == 0 && d.opts.PollInterval > 0 {
			d.pause(ctx)
		}
	}
}

// step runs one read-and-dispatch iteration. Panics are returned as errors.
func (d *Dispatcher) step(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch loop panic: %v\n%s", r, debug.Stack())
		}
	}()

	d.reap(false)

	events, err := d.transport.ReadEvents(ctx)
	if err != nil {
		return 0, err
	}

	for i, raw := range events {
		if d.stopping.Load() {
			logger.WarnCF("dispatch", "Shutting down, remaining events withheld", map[string]any{
				"withheld": len(events) - i,
			})
			break
		}
		in, ok := ParseEvent(raw, d.botID)
		if !ok {
			continue
		}
		d.submit(ctx, in)
	}
	return len(events), nil
}

func (d *Dispatcher) pause(ctx context.Context) {
	timer := time.NewTimer(d.opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-timer.C:
	}
}

func (d *Dispatcher) submit(ctx context.Context, in Inbound) {
	def := d.registry.Resolve(in.Command)

	for len(d.inflight) >= d.opts.MaxWorkers {
		d.reap(true)
	}

	req := commands.Request{
		Channel:   in.Channel,
		Thread:    in.Thread,
		Command:   in.Command,
		Requester: in.Requester,
		LogID:     d.record(ctx, in),
	}

	task, err := d.pool.Submit(ctx, Invocation{Definition: def, Request: req})
	if err != nil {
		logger.WarnCF("dispatch", "Command withheld", map[string]any{
			"handler":   def.Name,
			"channel":   in.Channel,
			"requester": in.Requester,
			"error":     err.Error(),
		})
		return
	}
	d.inflight = append(d.inflight, task)

	logger.InfoCF("dispatch", "Command dispatched", map[string]any{
		"task_id":   task.ID,
		"handler":   def.Name,
		"channel":   in.Channel,
		"thread":    in.Thread,
		"requester": in.Requester,
		"log_id":    req.LogID,
		"in_flight": len(d.inflight),
	})
}

func (d *Dispatcher) record(ctx context.Context, in Inbound) int64 {
	if d.opts.Audit == nil {
		return 0
	}
	id, err := d.opts.Audit.Record(ctx, in.Requester, in.Command)
	if err != nil {
		logger.WarnCF("dispatch", "Failed to record command", map[string]any{
			"requester": in.Requester,
			"error":     err.Error(),
		})
		return 0
	}
	return id
}

// reap removes finished tasks from the in-flight list. With block set it
// waits for at least one completion.
func (d *Dispatcher) reap(block bool) {
	if block {
		d.finish(<-d.pool.Completed())
	}
	for {
		select {
		case t := <-d.pool.Completed():
			d.finish(t)
		default:
			return
		}
	}
}

func (d *Dispatcher) finish(t *Task) {
	for i, cur := range d.inflight {
		if cur == t {
			d.inflight = append(d.inflight[:i], d.inflight[i+1:]...)
			break
		}
	}

	out := t.Outcome()
	logger.DebugCF("dispatch", "Command finished", map[string]any{
		"task_id":     t.ID,
		"handler":     t.Invocation.Definition.Name,
		"outcome":     out.Kind.String(),
		"duration_ms": out.Duration.Milliseconds(),
		"in_flight":   len(d.inflight),
	})
}

func (d *Dispatcher) drain() {
	for len(d.inflight) > 0 {
		d.reap(true)
	}
}

func (d *Dispatcher) notifyException(ctx context.Context, err error) {
	if d.opts.OnException == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("dispatch", "Exception callback panicked", map[string]any{"panic": fmt.Sprint(r)})
		}
	}()
	d.opts.OnException(context.WithoutCancel(ctx), err)
}
