package console

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sipeed/picobot/cmd/picobot/internal"
	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/logger"
)

func NewConsoleCommand() *cobra.Command {
	var (
		debug bool
		user  string
	)

	cmd := &cobra.Command{
		Use:     "console",
		Aliases: []string{"c"},
		Short:   "Talk to the bot from this terminal",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			useConsole(cfg, user)
			if err := internal.SetupLogging(cfg, debug); err != nil {
				return err
			}
			if !debug && logger.GetLevel() < logger.WARN {
				// Keep INFO lines from interleaving with the prompt.
				logger.SetLevel(logger.WARN)
			}

			fmt.Printf("%s picobot %s console. Type \"help\" for commands, \"exit\" to quit.\n",
				internal.Logo, internal.FormatVersion())

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return internal.Serve(ctx, cfg)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVarP(&user, "user", "u", "", "User id the console speaks as")

	return cmd
}

// useConsole switches cfg to the console transport. Console lines are
// addressed to the console bot id, whatever bot.name says.
func useConsole(cfg *config.Config, user string) {
	cfg.Bot.Transport = config.TransportConsole
	if user != "" {
		cfg.Console.User = user
	}
}
