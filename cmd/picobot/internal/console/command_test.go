package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picobot/pkg/config"
)

func TestNewConsoleCommand(t *testing.T) {
	cmd := NewConsoleCommand()
	require.NotNil(t, cmd)

	assert.Equal(t, "console", cmd.Use)
	assert.True(t, cmd.HasAlias("c"))
	assert.NotNil(t, cmd.RunE)
	assert.False(t, cmd.HasSubCommands())
	assert.NotNil(t, cmd.Flags().Lookup("debug"))
	assert.NotNil(t, cmd.Flags().Lookup("user"))
}

func TestUseConsole(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bot.Transport = config.TransportSlack

	useConsole(cfg, "")
	assert.Equal(t, config.TransportConsole, cfg.Bot.Transport)
	assert.Equal(t, "console", cfg.Console.User)
	require.NoError(t, cfg.Validate())

	useConsole(cfg, "U42")
	assert.Equal(t, "U42", cfg.Console.User)
}
