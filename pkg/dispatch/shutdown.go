package dispatch

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sipeed/picobot/pkg/logger"
)

// Stoppable is what the Controller supervises. *Dispatcher implements it.
type Stoppable interface {
	Shutdown(ctx context.Context) error
	Done() <-chan struct{}
}

// Controller turns SIGINT and SIGTERM into a single graceful shutdown of its
// target. Other signals it receives are logged and ignored.
type Controller struct {
	target   Stoppable
	signals  chan os.Signal
	notify   bool
	draining atomic.Bool
	drained  chan struct{}
}

type ControllerOption func(*Controller)

// WithSignalChannel makes the controller read signals from ch instead of
// subscribing to process signals.
func WithSignalChannel(ch chan os.Signal) ControllerOption {
	return func(c *Controller) {
		c.signals = ch
		c.notify = false
	}
}

func NewController(target Stoppable, opts ...ControllerOption) *Controller {
	c := &Controller{
		target:  target,
		signals: make(chan os.Signal, 4),
		notify:  true,
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Watch handles signals until the target has stopped or ctx is done.
func (c *Controller) Watch(ctx context.Context) error {
	if c.notify {
		signal.Notify(c.signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(c.signals)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.target.Done():
			return nil
		case sig := <-c.signals:
			c.Handle(sig)
		}
	}
}

// Handle reacts to one signal and reports whether it started a drain.
// Only the first stop signal drains; the drain runs in the background so
// later signals are still observed.
func (c *Controller) Handle(sig os.Signal) bool {
	if !isStopSignal(sig) {
		logger.InfoCF("shutdown", "Ignoring signal", map[string]any{"signal": sig.String()})
		return false
	}
	if !c.draining.CompareAndSwap(false, true) {
		logger.InfoCF("shutdown", "Already draining, signal ignored", map[string]any{"signal": sig.String()})
		return false
	}

	logger.InfoCF("shutdown", "Received stop signal, waiting for in-flight commands", map[string]any{
		"signal": sig.String(),
	})
	go func() {
		defer close(c.drained)
		if err := c.target.Shutdown(context.Background()); err != nil {
			logger.ErrorCF("shutdown", "Drain failed", map[string]any{"error": err.Error()})
			return
		}
		logger.InfoC("shutdown", "In-flight commands finished")
	}()
	return true
}

// drainDone is closed once the drain started by the first stop signal is done.
func (c *Controller) drainDone() <-chan struct{} {
	return c.drained
}

func isStopSignal(sig os.Signal) bool {
	return sig == os.Interrupt || sig == syscall.SIGTERM
}
