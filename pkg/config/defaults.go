// picobot - chat command bot
// License: MIT
//
// Copyright (c) 2026 picobot contributors

package config

// DefaultConfig returns the default configuration for picobot.
func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Name:           "picobot",
			Transport:      TransportSlack,
			MaxWorkers:     5,
			PollIntervalMS: 0,
		},
		Slack: SlackConfig{
			SendPerSecond: 1,
		},
		Discord: DiscordConfig{
			SendPerSecond: 5,
		},
		WebSocket: WebSocketConfig{
			Host:  "127.0.0.1",
			Port:  18793,
			Path:  "/ws",
			BotID: "UPICOBOT",
		},
		Console: ConsoleConfig{
			User:        "console",
			Channel:     "console",
			HistoryFile: "console_history",
		},
		Audit: AuditConfig{
			Enabled:    true,
			Path:       "picobot.db",
			ArchiveDir: "archive",
		},
		Daemon: DaemonConfig{
			Workspace: "~/.picobot",
			PIDFile:   "picobot.pid",
			OutputLog: "picobot.out.log",
			ErrorLog:  "picobot.err.log",
		},
		Observability: ObservabilityConfig{
			ServiceName: "picobot",
			SampleRatio: 0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Redact: true,
		},
	}
}
