package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvPicoBotConfig = "PICOBOT_CONFIG"
	EnvPicoBotHome   = "PICOBOT_HOME"
)

type RuntimePaths struct {
	HomeDir    string
	ConfigPath string
}

// ResolveRuntimePaths locates the config file. PICOBOT_CONFIG wins over
// PICOBOT_HOME, which wins over ~/.picobot. Inside a home directory a
// config.yaml is preferred when it exists, otherwise config.json is used.
func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvPicoBotConfig))); configPath != "" {
		return RuntimePaths{HomeDir: filepath.Dir(configPath), ConfigPath: configPath}
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvPicoBotHome)))
	if homeDir == "" {
		homeDir = defaultPicoBotHome()
	}

	for _, name := range []string{"config.yaml", "config.yml"} {
		candidate := filepath.Join(homeDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return RuntimePaths{HomeDir: homeDir, ConfigPath: candidate}
		}
	}
	return RuntimePaths{HomeDir: homeDir, ConfigPath: filepath.Join(homeDir, "config.json")}
}

func defaultPicoBotHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".picobot"
	}
	return filepath.Join(home, ".picobot")
}
