package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picobot/pkg/config"
)

func TestNewTransport(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.Bot.Transport = config.TransportWebSocket
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	assert.IsType(t, &WebSocketTransport{}, tr)

	cfg.Bot.Transport = config.TransportDiscord
	cfg.Discord.Token = "test-token"
	tr, err = NewTransport(cfg)
	require.NoError(t, err)
	assert.IsType(t, &DiscordTransport{}, tr)

	cfg.Bot.Transport = config.TransportSlack
	cfg.Slack = config.SlackConfig{}
	_, err = NewTransport(cfg)
	assert.ErrorContains(t, err, "slack")

	cfg.Bot.Transport = "irc"
	_, err = NewTransport(cfg)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestNamesAreRegistered(t *testing.T) {
	for _, name := range Names() {
		_, ok := factories[name]
		assert.True(t, ok, name)
	}
}
