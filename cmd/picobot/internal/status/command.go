package status

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/picobot/cmd/picobot/internal"
	"github.com/sipeed/picobot/pkg/channels"
	"github.com/sipeed/picobot/pkg/config"
)

func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show picobot status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), internal.GetConfigPath(), cfg)
			return nil
		},
	}

	return cmd
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printStatus(w io.Writer, configPath string, cfg *config.Config) {
	fmt.Fprintf(w, "%s picobot Status\n", internal.Logo)
	fmt.Fprintf(w, "Version: %s\n", internal.FormatVersion())
	if build, _ := internal.FormatBuildInfo(); build != "" {
		fmt.Fprintf(w, "Build: %s\n", build)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Config:", configPath, mark(exists(configPath)))
	fmt.Fprintln(w, "Workspace:", cfg.WorkspacePath(), mark(exists(cfg.WorkspacePath())))
	fmt.Fprintf(w, "Bot: %s (%d workers, %s matching)\n", cfg.Bot.Name, cfg.Bot.MaxWorkers, matchMode(cfg))
	fmt.Fprintf(w, "Transport: %s (available: %v)\n", cfg.Bot.Transport, channels.Names())

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(w, "Settings:", mark(false), err)
	} else {
		fmt.Fprintln(w, "Settings:", mark(true))
	}

	if cfg.Audit.Enabled {
		fmt.Fprintln(w, "Call log:", cfg.AuditPath(), mark(exists(cfg.AuditPath())))
	} else {
		fmt.Fprintln(w, "Call log: disabled")
	}
	fmt.Fprintln(w, "Exception webhook:", mark(cfg.Bot.ExceptionWebhook != ""))
	fmt.Fprintln(w, "Tracing:", mark(cfg.Observability.Enabled && cfg.Observability.OTLPEndpoint != ""))
}

func matchMode(cfg *config.Config) string {
	if cfg.Bot.CaseSensitive {
		return "exact"
	}
	return "case-insensitive"
}
