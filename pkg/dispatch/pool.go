package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/sipeed/picobot/pkg/commands"
	"github.com/sipeed/picobot/pkg/logger"
	"github.com/sipeed/picobot/pkg/observability"
)

// DefaultMaxWorkers bounds concurrent handler executions when no limit is
// configured.
const DefaultMaxWorkers = 5

var failureRule = strings.Repeat("-", 79)

// Invocation is one handler call queued on the pool.
type Invocation struct {
	Definition commands.Definition
	Request    commands.Request
}

type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeFailed
	OutcomePanicked
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomePanicked:
		return "panicked"
	}
	return "unknown"
}

// Outcome is the result of a finished task. Response is what was delivered:
// the handler reply for OutcomeOK, the fallback report otherwise.
type Outcome struct {
	Kind     OutcomeKind
	Response commands.Response
	// Err is the handler error or recovered panic.
	Err error
	// SendErr is set when the transport rejected the reply.
	SendErr  error
	Duration time.Duration
}

// Task is a submitted invocation. Outcome may only be read after Done is
// closed.
type Task struct {
	ID         string
	Invocation Invocation
	Submitted  time.Time

	done    chan struct{}
	outcome Outcome
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Outcome() Outcome {
	<-t.done
	return t.outcome
}

// Pool runs invocations on at most size goroutines. Finished tasks are
// published on Completed in completion order.
type Pool struct {
	size      int64
	sem       *semaphore.Weighted
	sender    Sender
	fallback  commands.Definition
	completed chan *Task
	tracer    trace.Tracer

	running atomic.Int64
	peak    atomic.Int64
}

func NewPool(size int, sender Sender, fallback commands.Definition) *Pool {
	if size <= 0 {
		size = DefaultMaxWorkers
	}
	return &Pool{
		size:      int64(size),
		sem:       semaphore.NewWeighted(int64(size)),
		sender:    sender,
		fallback:  fallback,
		completed: make(chan *Task, size),
		tracer:    observability.Tracer("picobot.dispatch"),
	}
}

func (p *Pool) Size() int {
	return int(p.size)
}

// Completed delivers every finished task exactly once. The channel buffers
// Size tasks; callers must not keep more than Size unreaped tasks in flight.
func (p *Pool) Completed() <-chan *Task {
	return p.completed
}

// Running is the number of invocations currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Peak is the highest number of simultaneously executing invocations seen.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

// Submit starts inv once a worker slot is free. It blocks while the pool is
// full and fails only when ctx is done first. The handler itself runs
// detached from ctx cancellation.
func (p *Pool) Submit(ctx context.Context, inv Invocation) (*Task, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	t := &Task{
		ID:         uuid.NewString(),
		Invocation: inv,
		Submitted:  time.Now(),
		done:       make(chan struct{}),
	}
	t.Invocation.Request.TaskID = t.ID

	go p.run(context.WithoutCancel(ctx), t)
	return t, nil
}

// Wait blocks until no invocation is executing or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return err
	}
	p.sem.Release(p.size)
	return nil
}

func (p *Pool) run(ctx context.Context, t *Task) {
	n := p.running.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	def := t.Invocation.Definition
	req := t.Invocation.Request

	ctx, span := p.tracer.Start(ctx, "command "+def.Name, trace.WithAttributes(
		attribute.String("picobot.handler", def.Name),
		attribute.String("picobot.channel", req.Channel),
		attribute.String("picobot.task_id", t.ID),
		attribute.Int64("picobot.log_id", req.LogID),
	))

	out := p.invoke(ctx, t)
	if out.Kind != OutcomeOK {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Kind.String())
		logger.ErrorCF("pool", "Handler failed", failureFields(t, out))
		out.Response = p.report(ctx, req, failureDetail(def, req, out))
	}

	out.SendErr = p.deliver(ctx, req, out.Response)
	if out.SendErr != nil {
		span.RecordError(out.SendErr)
		logger.ErrorCF("pool", "Failed to send reply", map[string]any{
			"task_id": t.ID,
			"handler": def.Name,
			"channel": out.Response.Channel,
			"error":   out.SendErr.Error(),
		})
	}
	out.Duration = time.Since(t.Submitted)
	span.End()

	p.running.Add(-1)
	t.outcome = out
	close(t.done)
	p.completed <- t
	p.sem.Release(1)
}

func (p *Pool) invoke(ctx context.Context, t *Task) (out Outcome) {
	def := t.Invocation.Definition
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{
				Kind: OutcomePanicked,
				Err:  &PanicError{Value: r, Stack: debug.Stack()},
			}
		}
	}()

	resp, err := def.Handler(ctx, t.Invocation.Request)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	return Outcome{Kind: OutcomeOK, Response: resp}
}

// report asks the fallback handler to turn a failure into a reply. A failing
// fallback is unrecoverable and panics.
func (p *Pool) report(ctx context.Context, req commands.Request, detail string) commands.Response {
	req.Failure = detail
	resp, err := p.fallback.Handler(ctx, req)
	if err != nil {
		panic(fmt.Errorf("fallback handler %s failed: %w", p.fallback.Name, err))
	}
	return resp
}

func (p *Pool) deliver(ctx context.Context, req commands.Request, resp commands.Response) error {
	channel, thread := resp.Channel, resp.Thread
	if channel == "" {
		channel, thread = req.Channel, req.Thread
	}

	payload := Payload{Text: resp.Text}
	if resp.HasBlocks() {
		payload = Payload{Blocks: resp.Blocks}
	}
	return p.sender.Send(ctx, channel, thread, payload)
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// failureFields is the log context of a failed invocation. Panics carry the
// recovered goroutine stack.
func failureFields(t *Task, out Outcome) map[string]any {
	req := t.Invocation.Request
	fields := map[string]any{
		"task_id":   t.ID,
		"handler":   t.Invocation.Definition.Name,
		"channel":   req.Channel,
		"thread":    req.Thread,
		"command":   req.Command,
		"requester": req.Requester,
		"log_id":    req.LogID,
		"outcome":   out.Kind.String(),
		"error":     fmt.Sprintf("%+v", out.Err),
	}
	var pe *PanicError
	if errors.As(out.Err, &pe) {
		fields["stack"] = string(pe.Stack)
	}
	return fields
}

func failureDetail(def commands.Definition, req commands.Request, out Outcome) string {
	var b strings.Builder
	b.WriteString(out.Err.Error())
	if pe, ok := out.Err.(*PanicError); ok {
		b.WriteString("\n")
		b.Write(pe.Stack)
	}
	b.WriteString("\n")
	b.WriteString(failureRule)
	fmt.Fprintf(&b, "\nhandler: %s", def.Name)
	fmt.Fprintf(&b, "\nchannel: %s", req.Channel)
	fmt.Fprintf(&b, "\nthread: %s", req.Thread)
	fmt.Fprintf(&b, "\ncommand: %s", req.Command)
	fmt.Fprintf(&b, "\nrequester: %s", req.Requester)
	return b.String()
}
