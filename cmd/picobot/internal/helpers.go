package internal

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/logger"
	"github.com/sipeed/picobot/pkg/redaction"
)

const Logo = "🤖"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigOverride is set by the --config flag.
var ConfigOverride string

// GetConfigPath returns the --config value when given, otherwise the path
// found by config.ResolveRuntimePaths.
func GetConfigPath() string {
	if ConfigOverride != "" {
		if abs, err := filepath.Abs(ConfigOverride); err == nil {
			return abs
		}
		return ConfigOverride
	}
	return config.ResolveRuntimePaths().ConfigPath
}

func LoadConfig() (*config.Config, error) {
	path := GetConfigPath()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}

// SetupLogging applies the logging section of cfg. debug forces the DEBUG
// level.
func SetupLogging(cfg *config.Config, debug bool) error {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)

	logger.SetRedactionEnabled(cfg.Logging.Redact)
	if cfg.Logging.Redact {
		redaction.SetGlobalConfig(redaction.DefaultConfig())
	}

	if cfg.Logging.File != "" {
		path := cfg.Logging.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.WorkspacePath(), path)
		}
		if err := logger.EnableFileLogging(path); err != nil {
			return err
		}
	}
	return nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
