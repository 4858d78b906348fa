package bot

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/picobot/cmd/picobot/internal"
	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/daemon"
)

// paths holds the daemon file overrides shared by the bot subcommands.
type paths struct {
	pidFile   string
	outputLog string
	errorLog  string
}

func (p *paths) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&p.pidFile, "pid-file-path", "p", "", "PID file of the background bot")
	cmd.PersistentFlags().StringVarP(&p.outputLog, "output-log-path", "l", "", "Output log of the background bot")
	cmd.PersistentFlags().StringVarP(&p.errorLog, "error-log-path", "e", "", "Error log of the background bot")
}

func NewBotCommand() *cobra.Command {
	var (
		debug     bool
		runDaemon bool
		p         paths
	)

	cmd := &cobra.Command{
		Use:     "bot",
		Aliases: []string{"b"},
		Short:   "Run the bot in the foreground or manage the background bot",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runDaemon {
				return runDaemonMode(cmd.Context(), &p, debug)
			}
			return runForeground(cmd.Context(), debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&runDaemon, "run-daemon", false, "Run in daemon mode (internal use)")
	_ = cmd.Flags().MarkHidden("run-daemon")
	p.register(cmd)

	cmd.AddCommand(
		newStartCommand(&p),
		newStopCommand(&p),
		newRestartCommand(&p),
		newStatusCommand(&p),
	)

	return cmd
}

func newStartCommand(p *paths) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bot in the background",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return startDaemon(p, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging in the background bot")
	return cmd
}

func newStopCommand(p *paths) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background bot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return stopDaemon(p)
		},
	}
}

func newRestartCommand(p *paths) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the background bot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return restartDaemon(p, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging in the background bot")
	return cmd
}

func newStatusCommand(p *paths) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the background bot status",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return showStatus(p)
		},
	}
}

// daemonArgs are the arguments the background bot is started with.
func daemonArgs(p *paths, debug bool) []string {
	args := []string{"bot", "--run-daemon", "--config", internal.GetConfigPath()}
	if debug {
		args = append(args, "--debug")
	}
	if p.pidFile != "" {
		args = append(args, "--pid-file-path", p.pidFile)
	}
	return args
}

func newService(cfg *config.Config, p *paths, args []string) (*daemon.Service, error) {
	sc := daemon.ServiceConfig{
		Args:      args,
		PIDFile:   firstNonEmpty(p.pidFile, cfg.PIDFilePath()),
		OutputLog: firstNonEmpty(p.outputLog, cfg.OutputLogPath()),
		ErrorLog:  firstNonEmpty(p.errorLog, cfg.ErrorLogPath()),
		Version:   internal.FormatVersion(),
	}
	if args != nil {
		execPath, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
		sc.BinaryPath = execPath
	}
	return daemon.NewService(sc)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func loadService(p *paths, args []string) (*daemon.Service, error) {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return nil, err
	}
	return newService(cfg, p, args)
}

func runForeground(ctx context.Context, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}
	return internal.Serve(contextOrBackground(ctx), cfg)
}

// runDaemonMode is the entry point of the background bot started by
// "bot start".
func runDaemonMode(ctx context.Context, p *paths, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return err
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}
	svc, err := newService(cfg, p, nil)
	if err != nil {
		return err
	}
	return svc.RunWithAutoRestart(contextOrBackground(ctx), func(ctx context.Context) error {
		return internal.Serve(ctx, cfg)
	})
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func startDaemon(p *paths, debug bool) error {
	svc, err := loadService(p, daemonArgs(p, debug))
	if err != nil {
		return err
	}

	pid, err := svc.Start()
	if err != nil {
		return fmt.Errorf("failed to start bot: %w", err)
	}
	fmt.Printf("%s Bot started in the background (PID %d)\n", internal.Logo, pid)
	return nil
}

func stopDaemon(p *paths) error {
	svc, err := loadService(p, nil)
	if err != nil {
		return err
	}

	if err := svc.Stop(); err != nil {
		return fmt.Errorf("failed to stop bot: %w", err)
	}
	fmt.Println("Bot stopped")
	return nil
}

func restartDaemon(p *paths, debug bool) error {
	svc, err := loadService(p, daemonArgs(p, debug))
	if err != nil {
		return err
	}

	pid, err := svc.Restart()
	if err != nil {
		return fmt.Errorf("failed to restart bot: %w", err)
	}
	fmt.Printf("%s Bot restarted (PID %d)\n", internal.Logo, pid)
	return nil
}

func showStatus(p *paths) error {
	svc, err := loadService(p, nil)
	if err != nil {
		return err
	}

	info, err := svc.Status()
	if err != nil {
		return fmt.Errorf("bot status: %w", err)
	}
	fmt.Print(FormatStatus(info))
	return nil
}
