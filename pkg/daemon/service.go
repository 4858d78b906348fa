// picobot - chat command bot
// License: MIT
//
// Copyright (c) 2026 picobot contributors

package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sipeed/picobot/pkg/logger"
)

// EnvDaemon is set to "1" in the environment of a daemonized bot process.
const EnvDaemon = "PICOBOT_DAEMON"

const (
	DefaultStopTimeout  = 30 * time.Second
	DefaultStartupGrace = 500 * time.Millisecond

	stopPollInterval = 100 * time.Millisecond
)

// ServiceConfig describes how to launch and track the bot process.
type ServiceConfig struct {
	// BinaryPath and Args launch the bot in the foreground.
	BinaryPath string
	Args       []string

	PIDFile   string
	// StateFile, OutputLog and ErrorLog default to siblings of PIDFile.
	StateFile string
	OutputLog string
	ErrorLog  string

	Version       string
	Log           LogConfig
	RestartPolicy *RestartPolicy

	// StopTimeout is how long Stop waits after SIGTERM before killing.
	StopTimeout time.Duration
	// StartupGrace is how long Start watches the new process for an early
	// exit.
	StartupGrace time.Duration
}

// Service starts, stops and supervises the bot as a background process.
type Service struct {
	config  ServiceConfig
	pidFile *PIDFile
	state   *StateManager

	mu sync.Mutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.PIDFile == "" {
		return nil, fmt.Errorf("PID file path is required")
	}
	base := strings.TrimSuffix(cfg.PIDFile, ".pid")
	if cfg.StateFile == "" {
		cfg.StateFile = base + ".state.json"
	}
	if cfg.OutputLog == "" {
		cfg.OutputLog = base + ".out.log"
	}
	if cfg.ErrorLog == "" {
		cfg.ErrorLog = base + ".err.log"
	}
	if cfg.Log == (LogConfig{}) {
		cfg.Log = DefaultLogConfig()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	if cfg.RestartPolicy == nil {
		cfg.RestartPolicy = DefaultRestartPolicy()
	}

	return &Service{
		config:  cfg,
		pidFile: NewPIDFile(cfg.PIDFile),
		state:   NewStateManager(cfg.StateFile),
	}, nil
}

// IsDaemonProcess reports whether this process was launched by Start.
func IsDaemonProcess() bool {
	return os.Getenv(EnvDaemon) == "1"
}

// Start launches the bot in the background and returns its pid. Output and
// error streams go to the configured log files.
func (s *Service) Start() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Service) startLocked() (int, error) {
	if s.config.BinaryPath == "" {
		return 0, fmt.Errorf("binary path is required")
	}
	if pid := s.pidFile.Read(); isProcessRunning(pid) {
		return 0, &ProcessRunningError{pid: pid, Path: s.pidFile.Path()}
	}

	stdout, err := openLog(s.config.OutputLog, s.config.Log)
	if err != nil {
		return 0, err
	}
	defer stdout.Close()
	stderr, err := openLog(s.config.ErrorLog, s.config.Log)
	if err != nil {
		return 0, err
	}
	defer stderr.Close()

	cmd := exec.Command(s.config.BinaryPath, s.config.Args...)
	cmd.Env = append(os.Environ(), EnvDaemon+"=1")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so terminal signals aimed at the launcher miss it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start bot process: %w", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	if err := s.pidFile.WritePID(pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, fmt.Errorf("failed to write PID file: %w", err)
	}

	select {
	case err := <-exited:
		s.pidFile.Remove()
		if err == nil {
			err = errors.New("exited with status 0")
		}
		return 0, fmt.Errorf("bot process stopped right after start (%v), see %s", err, s.config.ErrorLog)
	case <-time.After(s.config.StartupGrace):
	}

	if err := s.state.Update(func(st *State) {
		*st = State{PID: pid, StartTime: time.Now(), Version: s.config.Version}
	}); err != nil {
		logger.WarnCF("daemon", "Failed to save state", map[string]any{
			"error": err.Error(),
		})
	}

	logger.InfoCF("daemon", "Bot daemon started", map[string]any{
		"pid":     pid,
		"version": s.config.Version,
	})
	return pid, nil
}

// Stop sends SIGTERM to the running bot and waits for it to exit, killing it
// after StopTimeout.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Service) stopLocked() error {
	pid := s.pidFile.Read()
	if !isProcessRunning(pid) {
		s.pidFile.Remove()
		_ = s.state.Clear()
		return &NotRunningError{}
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	logger.InfoCF("daemon", "Stopping bot daemon", map[string]any{
		"pid": pid,
	})
	if err := process.Signal(syscall.SIGTERM); err != nil {
		logger.WarnCF("daemon", "Failed to send SIGTERM, forcing kill", map[string]any{
			"pid":   pid,
			"error": err.Error(),
		})
		_ = process.Kill()
	}

	if !waitForExit(pid, s.config.StopTimeout) {
		logger.WarnCF("daemon", "Shutdown timeout, forcing kill", map[string]any{
			"pid": pid,
		})
		_ = process.Kill()
		waitForExit(pid, s.config.StopTimeout)
	}

	s.pidFile.Remove()
	if err := s.state.Clear(); err != nil {
		return err
	}
	logger.InfoC("daemon", "Bot daemon stopped")
	return nil
}

// waitForExit polls pid until it is gone or timeout passes. The process is
// usually not our child, so it cannot be waited on.
func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isProcessRunning(pid) {
			return true
		}
		time.Sleep(stopPollInterval)
	}
	return !isProcessRunning(pid)
}

// Restart stops the bot if it runs and starts it again.
func (s *Service) Restart() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var notRunning *NotRunningError
	if err := s.stopLocked(); err != nil && !errors.As(err, &notRunning) {
		return 0, fmt.Errorf("failed to stop bot: %w", err)
	}
	return s.startLocked()
}

// StatusInfo describes the bot process.
type StatusInfo struct {
	IsRunning    bool
	PID          int
	StartTime    time.Time
	Uptime       time.Duration
	RestartCount int
	LastError    string
	Version      string
}

func (s *Service) Status() (StatusInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := s.pidFile.Read()
	info := StatusInfo{PID: pid, IsRunning: isProcessRunning(pid)}
	if !info.IsRunning {
		return info, nil
	}

	state, err := s.state.Load()
	if err != nil {
		return info, err
	}
	info.StartTime = state.StartTime
	info.Uptime = state.Uptime()
	info.RestartCount = state.RestartCount
	info.LastError = state.LastError
	info.Version = state.Version
	return info, nil
}

// RunWithAutoRestart runs the bot in this process, restarting run after
// failures as allowed by the restart policy. It returns nil when run returns
// nil or ctx ends, and removes the PID file on the way out.
func (s *Service) RunWithAutoRestart(ctx context.Context, run func(context.Context) error) error {
	if s.pidFile.Read() != os.Getpid() {
		if err := s.pidFile.Write(); err != nil {
			return err
		}
	}
	defer s.pidFile.Remove()

	tracker := NewRestartTracker(s.config.RestartPolicy)
	for {
		err := run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		backoff, limitErr := tracker.RecordAttempt()
		if limitErr != nil {
			logger.ErrorCF("daemon", "Maximum restart attempts exceeded", map[string]any{
				"attempts": tracker.GetAttemptCount(),
				"error":    err.Error(),
			})
			return fmt.Errorf("%w: %w", limitErr, err)
		}
		if serr := s.state.RecordRestart(err); serr != nil {
			logger.WarnCF("daemon", "Failed to record restart", map[string]any{
				"error": serr.Error(),
			})
		}

		logger.WarnCF("daemon", "Bot crashed, will restart", map[string]any{
			"attempt": tracker.GetAttemptCount(),
			"backoff": backoff.String(),
			"error":   err.Error(),
		})

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// NotRunningError is returned by Stop when no bot process is running.
type NotRunningError struct{}

func (e *NotRunningError) Error() string {
	return "bot is not running"
}
