package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Transport names accepted by bot.transport.
const (
	TransportSlack     = "slack"
	TransportDiscord   = "discord"
	TransportWebSocket = "websocket"
	TransportConsole   = "console"
)

type BotConfig struct {
	Name      string `json:"name" yaml:"name" env:"PICOBOT_BOT_NAME"`
	Transport string `json:"transport" yaml:"transport" env:"PICOBOT_BOT_TRANSPORT"`

	MaxWorkers     int `json:"max_workers" yaml:"max_workers" env:"PICOBOT_BOT_MAX_WORKERS"`
	PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms" env:"PICOBOT_BOT_POLL_INTERVAL_MS"` // 0 = tight poll

	CaseSensitive    bool   `json:"case_sensitive" yaml:"case_sensitive" env:"PICOBOT_BOT_CASE_SENSITIVE"`
	ExceptionWebhook string `json:"exception_webhook" yaml:"exception_webhook" env:"PICOBOT_BOT_EXCEPTION_WEBHOOK"`
}

type SlackConfig struct {
	BotToken      string  `json:"bot_token" yaml:"bot_token" env:"PICOBOT_SLACK_BOT_TOKEN"`
	AppToken      string  `json:"app_token" yaml:"app_token" env:"PICOBOT_SLACK_APP_TOKEN"`
	SendPerSecond float64 `json:"send_per_second" yaml:"send_per_second" env:"PICOBOT_SLACK_SEND_PER_SECOND"`
	Debug         bool    `json:"debug" yaml:"debug" env:"PICOBOT_SLACK_DEBUG"`
}

type DiscordConfig struct {
	Token         string  `json:"token" yaml:"token" env:"PICOBOT_DISCORD_TOKEN"`
	SendPerSecond float64 `json:"send_per_second" yaml:"send_per_second" env:"PICOBOT_DISCORD_SEND_PER_SECOND"`
}

type WebSocketConfig struct {
	Host  string `json:"host" yaml:"host" env:"PICOBOT_WEBSOCKET_HOST"`
	Port  int    `json:"port" yaml:"port" env:"PICOBOT_WEBSOCKET_PORT"`
	Path  string `json:"path" yaml:"path" env:"PICOBOT_WEBSOCKET_PATH"`
	BotID string `json:"bot_id" yaml:"bot_id" env:"PICOBOT_WEBSOCKET_BOT_ID"`
}

type ConsoleConfig struct {
	User        string `json:"user" yaml:"user" env:"PICOBOT_CONSOLE_USER"`
	Channel     string `json:"channel" yaml:"channel" env:"PICOBOT_CONSOLE_CHANNEL"`
	HistoryFile string `json:"history_file" yaml:"history_file" env:"PICOBOT_CONSOLE_HISTORY_FILE"`
}

// AuditConfig locates the call log. ArchiveDir holds files commands
// produce, such as history exports.
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" env:"PICOBOT_AUDIT_ENABLED"`
	Path       string `json:"path" yaml:"path" env:"PICOBOT_AUDIT_PATH"`
	ArchiveDir string `json:"archive_dir" yaml:"archive_dir" env:"PICOBOT_AUDIT_ARCHIVE_DIR"`
}

type DaemonConfig struct {
	Workspace string `json:"workspace" yaml:"workspace" env:"PICOBOT_DAEMON_WORKSPACE"`
	PIDFile   string `json:"pid_file" yaml:"pid_file" env:"PICOBOT_DAEMON_PID_FILE"`
	OutputLog string `json:"output_log" yaml:"output_log" env:"PICOBOT_DAEMON_OUTPUT_LOG"`
	ErrorLog  string `json:"error_log" yaml:"error_log" env:"PICOBOT_DAEMON_ERROR_LOG"`
}

type ObservabilityConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" env:"PICOBOT_OTEL_ENABLED"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint" env:"PICOBOT_OTEL_ENDPOINT"`
	ServiceName  string  `json:"service_name" yaml:"service_name" env:"PICOBOT_OTEL_SERVICE_NAME"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio" env:"PICOBOT_OTEL_SAMPLE_RATIO"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"PICOBOT_LOG_LEVEL"`
	File   string `json:"file" yaml:"file" env:"PICOBOT_LOG_FILE"`
	Redact bool   `json:"redact" yaml:"redact" env:"PICOBOT_LOG_REDACT"`
}

type Config struct {
	Bot           BotConfig           `json:"bot" yaml:"bot"`
	Slack         SlackConfig         `json:"slack" yaml:"slack"`
	Discord       DiscordConfig       `json:"discord" yaml:"discord"`
	WebSocket     WebSocketConfig     `json:"websocket" yaml:"websocket"`
	Console       ConsoleConfig       `json:"console" yaml:"console"`
	Audit         AuditConfig         `json:"audit" yaml:"audit"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	mu            sync.RWMutex
}

// LoadConfig reads path on top of the defaults and then applies PICOBOT_*
// environment overrides. A missing file is not an error. Files ending in
// .yaml or .yml are parsed as YAML, anything else as JSON.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// SaveConfig writes cfg as indented JSON, or YAML when path ends in .yaml/.yml.
func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate reports the first setting that prevents the bot from starting.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Bot.MaxWorkers < 1 {
		return fmt.Errorf("bot.max_workers must be at least 1, got %d", c.Bot.MaxWorkers)
	}
	if c.Bot.PollIntervalMS < 0 {
		return fmt.Errorf("bot.poll_interval_ms must not be negative, got %d", c.Bot.PollIntervalMS)
	}

	switch c.Bot.Transport {
	case TransportSlack:
		if c.Slack.BotToken == "" {
			return errors.New("slack.bot_token is required for the slack transport")
		}
		if c.Slack.AppToken == "" {
			return errors.New("slack.app_token is required for the slack transport")
		}
	case TransportDiscord:
		if c.Discord.Token == "" {
			return errors.New("discord.token is required for the discord transport")
		}
	case TransportWebSocket:
		if c.WebSocket.Port <= 0 {
			return fmt.Errorf("websocket.port must be positive, got %d", c.WebSocket.Port)
		}
	case TransportConsole:
	default:
		return fmt.Errorf("unknown bot.transport %q", c.Bot.Transport)
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Bot.PollIntervalMS) * time.Millisecond
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Daemon.Workspace)
}

// PIDFilePath, OutputLogPath and ErrorLogPath resolve relative daemon paths
// against the workspace.
func (c *Config) PIDFilePath() string {
	return c.workspaceFile(c.Daemon.PIDFile)
}

func (c *Config) OutputLogPath() string {
	return c.workspaceFile(c.Daemon.OutputLog)
}

func (c *Config) ErrorLogPath() string {
	return c.workspaceFile(c.Daemon.ErrorLog)
}

func (c *Config) AuditPath() string {
	return c.workspaceFile(c.Audit.Path)
}

func (c *Config) ArchiveDirPath() string {
	return c.workspaceFile(c.Audit.ArchiveDir)
}

func (c *Config) ConsoleHistoryPath() string {
	return c.workspaceFile(c.Console.HistoryFile)
}

func (c *Config) workspaceFile(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := expandHome(name)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(expandHome(c.Daemon.Workspace), path)
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
