// picobot - chat command bot
// License: MIT
//
// Copyright (c) 2026 picobot contributors

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// PIDFile guards against two bot processes sharing one workspace.
type PIDFile struct {
	path string
	mu   sync.Mutex
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

func (p *PIDFile) Path() string {
	return p.path
}

// Write records the current process.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID atomically records pid. It fails with *ProcessRunningError when
// the file names another live process; a stale file is replaced.
func (p *PIDFile) WritePID(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, err := p.read(); err == nil && existing != pid && isProcessRunning(existing) {
		return &ProcessRunningError{pid: existing, Path: p.path}
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	tempFile := p.path + ".tmp"
	if err := os.WriteFile(tempFile, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("failed to write temp PID file: %w", err)
	}
	if err := os.Rename(tempFile, p.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to atomically create PID file: %w", err)
	}
	return nil
}

// Remove deletes the PID file. Safe to call more than once.
func (p *PIDFile) Remove() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = os.Remove(p.path)
}

// Read returns the recorded pid, 0 when there is none.
func (p *PIDFile) Read() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid, err := p.read()
	if err != nil {
		return 0
	}
	return pid
}

// read must be called with the lock held.
func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// IsProcessRunning reports whether the recorded process is alive.
func (p *PIDFile) IsProcessRunning() bool {
	return isProcessRunning(p.Read())
}

// isProcessRunning checks pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// ProcessRunningError is returned when the PID file names a live process.
type ProcessRunningError struct {
	pid  int
	Path string
}

func (e *ProcessRunningError) Error() string {
	return fmt.Sprintf("process already running with PID %d (PID file: %s)", e.pid, e.Path)
}

// GetPID returns the PID of the running process.
func (e *ProcessRunningError) GetPID() int {
	return e.pid
}
