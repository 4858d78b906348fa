// picobot - chat command bot
// License: MIT
//
// Copyright (c) 2026 picobot contributors

package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is what the daemon records about the running bot process. It is
// shared between the process that starts the bot and the bot itself, so
// every access goes through the file.
type State struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`

	// RestartCount counts crash restarts since the process was started.
	RestartCount    int        `json:"restart_count"`
	LastRestartTime *time.Time `json:"last_restart_time,omitempty"`
	LastError       string     `json:"last_error,omitempty"`

	Version string `json:"version,omitempty"`
}

// Uptime is the time since StartTime, zero when it is unset.
func (s State) Uptime() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return time.Since(s.StartTime)
}

// StateManager reads and atomically rewrites the state file.
type StateManager struct {
	stateFile string
	mu        sync.Mutex
}

func NewStateManager(stateFile string) *StateManager {
	return &StateManager{stateFile: stateFile}
}

// Load returns the stored state. A missing file yields the zero State.
func (sm *StateManager) Load() (State, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.load()
}

// Update applies fn to the stored state and saves the result.
func (sm *StateManager) Update(fn func(*State)) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state, err := sm.load()
	if err != nil {
		return err
	}
	fn(&state)
	return sm.saveAtomic(state)
}

// RecordRestart bumps the restart counter and remembers why.
func (sm *StateManager) RecordRestart(cause error) error {
	return sm.Update(func(s *State) {
		now := time.Now()
		s.RestartCount++
		s.LastRestartTime = &now
		if cause != nil {
			s.LastError = cause.Error()
		}
	})
}

// Clear removes the state file.
func (sm *StateManager) Clear() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := os.Remove(sm.stateFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// load must be called with the lock held.
func (sm *StateManager) load() (State, error) {
	var state State
	data, err := os.ReadFile(sm.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// saveAtomic writes a temp file and renames it over the state file. Must be
// called with the lock held.
func (sm *StateManager) saveAtomic(state State) error {
	if err := os.MkdirAll(filepath.Dir(sm.stateFile), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempFile := sm.stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, sm.stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
