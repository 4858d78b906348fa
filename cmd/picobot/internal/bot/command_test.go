package bot

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picobot/cmd/picobot/internal"
	"github.com/sipeed/picobot/pkg/config"
	"github.com/sipeed/picobot/pkg/daemon"
)

func TestNewBotCommand(t *testing.T) {
	cmd := NewBotCommand()
	require.NotNil(t, cmd)

	assert.Equal(t, "bot", cmd.Use)
	assert.True(t, cmd.HasAlias("b"))
	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)

	var uses []string
	for _, sub := range cmd.Commands() {
		uses = append(uses, sub.Use)
	}
	assert.ElementsMatch(t, []string{"start", "stop", "restart", "status"}, uses)

	assert.NotNil(t, cmd.Flags().Lookup("debug"))
	assert.NotNil(t, cmd.Flags().Lookup("run-daemon"))
	for _, name := range []string{"pid-file-path", "output-log-path", "error-log-path"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func withConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config.SaveConfig(path, cfg))

	old := internal.ConfigOverride
	internal.ConfigOverride = path
	t.Cleanup(func() { internal.ConfigOverride = old })
	return path
}

func TestDaemonArgs(t *testing.T) {
	cfgPath := withConfig(t, config.DefaultConfig())

	assert.Equal(t,
		[]string{"bot", "--run-daemon", "--config", cfgPath},
		daemonArgs(&paths{}, false))

	assert.Equal(t,
		[]string{"bot", "--run-daemon", "--config", cfgPath, "--debug", "--pid-file-path", "/run/picobot.pid"},
		daemonArgs(&paths{pidFile: "/run/picobot.pid", outputLog: "/var/log/out.log"}, true))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

func TestShowStatusWhenNotRunning(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Daemon.Workspace = t.TempDir()
	withConfig(t, cfg)

	svc, err := loadService(&paths{}, nil)
	require.NoError(t, err)
	info, err := svc.Status()
	require.NoError(t, err)
	assert.False(t, info.IsRunning)

	require.NoError(t, showStatus(&paths{}))

	var notRunning *daemon.NotRunningError
	assert.ErrorAs(t, stopDaemon(&paths{}), &notRunning)
}

func TestNewServiceUsesOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Daemon.Workspace = t.TempDir()
	pidFile := filepath.Join(t.TempDir(), "custom.pid")

	svc, err := newService(cfg, &paths{pidFile: pidFile}, nil)
	require.NoError(t, err)

	// Our own pid counts as running.
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))
	info, err := svc.Status()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.True(t, info.IsRunning)
}

func TestFormatStatus(t *testing.T) {
	out := FormatStatus(daemon.StatusInfo{})
	assert.Contains(t, out, "Not running")

	out = FormatStatus(daemon.StatusInfo{
		IsRunning:    true,
		PID:          42,
		StartTime:    time.Now(),
		Uptime:       90 * time.Minute,
		RestartCount: 2,
		LastError:    "boom",
		Version:      "1.0.0",
	})
	assert.Contains(t, out, "PID:         42")
	assert.Contains(t, out, "Uptime:      1 hours 30 minutes")
	assert.Contains(t, out, "Restarts:    2")
	assert.Contains(t, out, "Last Error:  boom")
	assert.Contains(t, out, "Version:     1.0.0")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5 seconds", formatDuration(5*time.Second))
	assert.Equal(t, "3 minutes", formatDuration(3*time.Minute))
	assert.Equal(t, "2 days 1 hours", formatDuration(49*time.Hour))
}
