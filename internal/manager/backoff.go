package manager

import (
	"sync"
	"time"
)

const (
	DefaultRestartBase = time.Second
	DefaultRestartCap  = 16 * time.Second
	DefaultMaxRestarts = 5
)

// RestartTracker holds restart-attempt state for one instance: attempt
// count plus the time of the last attempt. Delay computation is pure so the
// schedule is testable without a clock.
type RestartTracker struct {
	mu          sync.Mutex
	attempts    int
	lastAttempt time.Time

	base        time.Duration
	cap         time.Duration
	maxAttempts int
}

func NewRestartTracker(base, cap time.Duration, maxAttempts int) *RestartTracker {
	if base <= 0 {
		base = DefaultRestartBase
	}
	if cap <= 0 {
		cap = DefaultRestartCap
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRestarts
	}
	return &RestartTracker{base: base, cap: cap, maxAttempts: maxAttempts}
}

// Delay returns the wait before the next restart attempt and whether that
// attempt is permitted. Attempt n waits base*2^(n-1), capped.
func (t *RestartTracker) Delay() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.attempts + 1
	if next > t.maxAttempts {
		return 0, false
	}
	return restartDelay(t.base, t.cap, next), true
}

// RecordAttempt counts a restart attempt at the given time.
func (t *RestartTracker) RecordAttempt(now time.Time) {
	t.mu.Lock()
	t.attempts++
	t.lastAttempt = now
	t.mu.Unlock()
}

func (t *RestartTracker) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *RestartTracker) LastAttempt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAttempt
}

// Reset clears attempt state after an explicit external reset.
func (t *RestartTracker) Reset() {
	t.mu.Lock()
	t.attempts = 0
	t.lastAttempt = time.Time{}
	t.mu.Unlock()
}

// restartDelay computes the backoff for a 1-based attempt number.
func restartDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
