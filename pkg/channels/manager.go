package channels

import (
	"fmt"

	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/dispatch"
	"github.com/sipeed/picobot/pkg/logger"
)

// Factory builds the transport for one platform.
type Factory func(cfg *config.Config) (dispatch.Transport, error)

var factories = map[string]Factory{
	config.TransportSlack: func(cfg *config.Config) (dispatch.Transport, error) {
		return NewSlackTransport(cfg.Slack)
	},
	config.TransportDiscord: func(cfg *config.Config) (dispatch.Transport, error) {
		return NewDiscordTransport(cfg.Discord)
	},
	config.TransportWebSocket: func(cfg *config.Config) (dispatch.Transport, error) {
		return NewWebSocketTransport(cfg.WebSocket), nil
	},
	config.TransportConsole: func(cfg *config.Config) (dispatch.Transport, error) {
		return NewConsoleTransport(cfg.Console, cfg.ConsoleHistoryPath())
	},
}

// Names lists the supported transports.
func Names() []string {
	return []string{
		config.TransportSlack,
		config.TransportDiscord,
		config.TransportWebSocket,
		config.TransportConsole,
	}
}

// NewTransport builds the transport selected by cfg.Bot.Transport.
func NewTransport(cfg *config.Config) (dispatch.Transport, error) {
	f, ok := factories[cfg.Bot.Transport]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", cfg.Bot.Transport)
	}
	logger.DebugCF("channels", "Initializing transport", map[string]any{
		"transport": cfg.Bot.Transport,
	})
	t, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s transport: %w", cfg.Bot.Transport, err)
	}
	return t, nil
}
