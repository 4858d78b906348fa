package internal

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/picobot/pkg/audit"
	"github.com/sipeed/picobot/pkg/channels"
	"github.com/sipeed/picobot/pkg/commands"
	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/dispatch"
	"github.com/sipeed/picobot/pkg/handlers"
	"github.com/sipeed/picobot/pkg/logger"
	"github.com/sipeed/picobot/pkg/observability"
)

const tracingShutdownTimeout = 5 * time.Second

// NewRegistry builds the command registry with the bundled handlers. calls
// may be nil, which leaves out the history command.
func NewRegistry(cfg *config.Config, calls handlers.CallLog) (*commands.Registry, error) {
	policy := commands.MatchFold
	if cfg.Bot.CaseSensitive {
		policy = commands.MatchExact
	}
	registry := commands.NewRegistry(commands.WithMatchPolicy(policy))
	if err := handlers.Register(registry, calls, cfg.ArchiveDirPath()); err != nil {
		return nil, err
	}
	return registry, nil
}

// CommandNames lists the registered definitions by name, built-ins included.
func CommandNames(registry *commands.Registry) []string {
	defs := registry.Definitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

// DispatchOptions maps the bot section of cfg onto dispatcher options.
func DispatchOptions(cfg *config.Config) dispatch.Options {
	opts := dispatch.Options{
		BotName:      cfg.Bot.Name,
		MaxWorkers:   cfg.Bot.MaxWorkers,
		PollInterval: cfg.PollInterval(),
	}
	if cfg.Bot.ExceptionWebhook != "" {
		opts.OnException = channels.NewSlackWebhookCallback(cfg.Bot.ExceptionWebhook, cfg.Bot.Name)
	}
	return opts
}

// Serve runs the bot described by cfg until its event stream ends, a stop
// signal has drained it, or ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	shutdownTracing, err := observability.Init(ctx, cfg.Observability)
	if err != nil {
		logger.WarnCF("picobot", "Tracing disabled", map[string]any{"error": err.Error()})
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	opts := DispatchOptions(cfg)
	var calls handlers.CallLog
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.AuditPath())
		if err != nil {
			return fmt.Errorf("open call log: %w", err)
		}
		defer store.Close()
		opts.Audit = store
		calls = store
	}

	registry, err := NewRegistry(cfg, calls)
	if err != nil {
		return err
	}

	transport, err := channels.NewTransport(cfg)
	if err != nil {
		return err
	}

	d := dispatch.New(transport, registry, opts)
	ctrl := dispatch.NewController(d)

	logger.InfoCF("picobot", "Starting bot", map[string]any{
		"version":   FormatVersion(),
		"transport": cfg.Bot.Transport,
		"commands":  CommandNames(registry),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return ctrl.Watch(gctx) })
	return g.Wait()
}
