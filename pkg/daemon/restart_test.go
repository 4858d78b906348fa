package daemon

import (
	"errors"
	"testing"
	"time"
)

func TestRestartTrackerBackoff(t *testing.T) {
	rt := NewRestartTracker(&RestartPolicy{
		MaxAttempts:       4,
		WindowDuration:    time.Minute,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        3 * time.Second,
	})

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		got, err := rt.RecordAttempt()
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i+1, err)
		}
		if got != w {
			t.Fatalf("attempt %d: backoff = %v, want %v", i+1, got, w)
		}
	}

	_, err := rt.RecordAttempt()
	var exceeded *MaxRestartsExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("RecordAttempt() error = %v, want *MaxRestartsExceededError", err)
	}
	if exceeded.attempts != 4 || exceeded.maxAttempts != 4 {
		t.Fatalf("exceeded = %d/%d, want 4/4", exceeded.attempts, exceeded.maxAttempts)
	}
}

func TestRestartTrackerWindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rt := NewRestartTracker(&RestartPolicy{
		MaxAttempts:       2,
		WindowDuration:    time.Minute,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        time.Second,
	})
	rt.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if _, err := rt.RecordAttempt(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := rt.RecordAttempt(); err == nil {
		t.Fatal("third attempt inside the window should fail")
	}

	now = now.Add(2 * time.Minute)
	if got := rt.GetAttemptCount(); got != 0 {
		t.Fatalf("GetAttemptCount() after window = %d, want 0", got)
	}
	if _, err := rt.RecordAttempt(); err != nil {
		t.Fatalf("attempt after window: %v", err)
	}
}
