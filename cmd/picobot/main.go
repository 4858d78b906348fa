// picobot - chat command bot
// License: MIT
//
// Copyright (c) 2026 picobot contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/picobot/cmd/picobot/internal"
	"github.com/sipeed/picobot/cmd/picobot/internal/bot"
	"github.com/sipeed/picobot/cmd/picobot/internal/console"
	"github.com/sipeed/picobot/cmd/picobot/internal/status"
	"github.com/sipeed/picobot/cmd/picobot/internal/version"
)

func NewPicobotCommand() *cobra.Command {
	short := fmt.Sprintf("%s picobot - chat command bot v%s", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "picobot",
		Short:        short,
		Example:      "picobot bot start",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&internal.ConfigOverride, "config", "", "Path to the config file (default $PICOBOT_HOME/config.json)")

	cmd.AddCommand(
		bot.NewBotCommand(),
		console.NewConsoleCommand(),
		status.NewStatusCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	if err := NewPicobotCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
