// picobot - chat command bot
// License: MIT
//
// Copyright (c) 2026 picobot contributors

package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultMaxLogSize    = 100 * 1024 * 1024 // 100 MB
	DefaultMaxLogBackups = 3
)

// LogConfig controls rotation of the bot's output and error logs.
type LogConfig struct {
	MaxSize    int64
	MaxBackups int
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		MaxSize:    DefaultMaxLogSize,
		MaxBackups: DefaultMaxLogBackups,
	}
}

// openLog rotates path when it has outgrown cfg.MaxSize and opens it for
// appending.
func openLog(path string, cfg LogConfig) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if _, err := rotateIfLarge(path, cfg); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// rotateIfLarge shifts path to path.1, path.1 to path.2 and so on, keeping
// cfg.MaxBackups files. It reports whether a rotation happened.
func rotateIfLarge(path string, cfg LogConfig) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat log file: %w", err)
	}
	if cfg.MaxSize <= 0 || info.Size() < cfg.MaxSize {
		return false, nil
	}

	backups := max(cfg.MaxBackups, 1)
	_ = os.Remove(backupPath(path, backups))
	for i := backups - 1; i >= 1; i-- {
		_ = os.Rename(backupPath(path, i), backupPath(path, i+1))
	}
	if err := os.Rename(path, backupPath(path, 1)); err != nil {
		return false, fmt.Errorf("failed to rotate log file: %w", err)
	}
	return true, nil
}

func backupPath(path string, num int) string {
	return path + "." + strconv.Itoa(num)
}
