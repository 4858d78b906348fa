// picobot - chat command bot
// License: MIT
//
// Copyright (c) 2026 picobot contributors

package daemon

import (
	"fmt"
	"sync"
	"time"
)

// RestartPolicy bounds crash restarts of the bot process.
type RestartPolicy struct {
	// MaxAttempts is the number of restarts allowed within WindowDuration.
	MaxAttempts int

	// WindowDuration is how long a restart counts toward MaxAttempts.
	WindowDuration time.Duration

	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// DefaultRestartPolicy allows 3 restarts within 5 minutes, backing off from
// 1 second up to 30 seconds.
func DefaultRestartPolicy() *RestartPolicy {
	return &RestartPolicy{
		MaxAttempts:       3,
		WindowDuration:    5 * time.Minute,
		BackoffBase:       1 * time.Second,
		BackoffMultiplier: 2.0,
		BackoffMax:        30 * time.Second,
	}
}

// RestartTracker counts restart attempts inside the policy window.
type RestartTracker struct {
	policy   *RestartPolicy
	attempts []time.Time
	now      func() time.Time
	mu       sync.Mutex
}

func NewRestartTracker(policy *RestartPolicy) *RestartTracker {
	if policy == nil {
		policy = DefaultRestartPolicy()
	}
	return &RestartTracker{
		policy:   policy,
		attempts: make([]time.Time, 0, policy.MaxAttempts),
		now:      time.Now,
	}
}

// RecordAttempt records a restart and returns how long to wait before it.
// It fails with *MaxRestartsExceededError once the window is full.
func (rt *RestartTracker) RecordAttempt() (time.Duration, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	rt.cleanupOldAttempts(now)

	if len(rt.attempts) >= rt.policy.MaxAttempts {
		return 0, &MaxRestartsExceededError{
			attempts:      len(rt.attempts),
			maxAttempts:   rt.policy.MaxAttempts,
			Window:        rt.policy.WindowDuration,
			LastAttemptAt: rt.attempts[len(rt.attempts)-1],
		}
	}

	rt.attempts = append(rt.attempts, now)
	return rt.calculateBackoff(len(rt.attempts)), nil
}

// cleanupOldAttempts must be called with the lock held.
func (rt *RestartTracker) cleanupOldAttempts(now time.Time) {
	cutoff := now.Add(-rt.policy.WindowDuration)
	kept := rt.attempts[:0]
	for _, attempt := range rt.attempts {
		if attempt.After(cutoff) {
			kept = append(kept, attempt)
		}
	}
	rt.attempts = kept
}

// calculateBackoff returns base * multiplier^(attemptNum-1), capped at
// BackoffMax.
func (rt *RestartTracker) calculateBackoff(attemptNum int) time.Duration {
	backoff := rt.policy.BackoffBase
	for i := 1; i < attemptNum; i++ {
		backoff = time.Duration(float64(backoff) * rt.policy.BackoffMultiplier)
		if backoff > rt.policy.BackoffMax {
			return rt.policy.BackoffMax
		}
	}
	return backoff
}

// GetAttemptCount returns the number of attempts within the current window.
func (rt *RestartTracker) GetAttemptCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.cleanupOldAttempts(rt.now())
	return len(rt.attempts)
}

// MaxRestartsExceededError is returned when the restart window is full.
type MaxRestartsExceededError struct {
	attempts      int
	maxAttempts   int
	Window        time.Duration
	LastAttemptAt time.Time
}

func (e *MaxRestartsExceededError) Error() string {
	return fmt.Sprintf("maximum restart attempts exceeded (%d within %s)", e.maxAttempts, e.Window)
}

