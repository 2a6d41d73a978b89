package manager

import (
	"sync"
	"time"
)

// ActivityTracker records the last time external traffic touched each
// instance. The health loop consults it for idle reclamation.
type ActivityTracker struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{last: make(map[string]time.Time)}
}

func (t *ActivityTracker) Touch(id string) {
	t.touchAt(id, time.Now())
}

func (t *ActivityTracker) touchAt(id string, now time.Time) {
	t.mu.Lock()
	t.last[id] = now
	t.mu.Unlock()
}

// LastActivity returns the recorded time for id, or zero when unknown.
func (t *ActivityTracker) LastActivity(id string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[id]
}

// IdleFor reports whether id has seen no activity for at least timeout.
// Unknown ids are not considered idle; they are touched on registration.
func (t *ActivityTracker) IdleFor(id string, timeout time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[id]
	if !ok {
		return false
	}
	return now.Sub(last) >= timeout
}

func (t *ActivityTracker) Remove(id string) {
	t.mu.Lock()
	delete(t.last, id)
	t.mu.Unlock()
}
