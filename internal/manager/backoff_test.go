package manager

import (
	"testing"
	"time"
)

func TestRestartDelaySchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second,
		16 * time.Second,
	}
	for i, expected := range want {
		attempt := i + 1
		if got := restartDelay(time.Second, 16*time.Second, attempt); got != expected {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, got, expected)
		}
	}
}

func TestTrackerRejectsSixthAttempt(t *testing.T) {
	tracker := NewRestartTracker(time.Second, 16*time.Second, 5)
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range expected {
		delay, ok := tracker.Delay()
		if !ok {
			t.Fatalf("attempt %d unexpectedly rejected", i+1)
		}
		if delay != want {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, delay, want)
		}
		tracker.RecordAttempt(time.Now())
	}
	if _, ok := tracker.Delay(); ok {
		t.Fatal("6th attempt should be rejected at max 5")
	}
}

func TestTrackerReset(t *testing.T) {
	tracker := NewRestartTracker(time.Second, 16*time.Second, 2)
	tracker.RecordAttempt(time.Now())
	tracker.RecordAttempt(time.Now())
	if _, ok := tracker.Delay(); ok {
		t.Fatal("expected budget exhaustion")
	}
	tracker.Reset()
	delay, ok := tracker.Delay()
	if !ok || delay != time.Second {
		t.Fatalf("after reset: delay = %v ok = %v, want 1s true", delay, ok)
	}
	if tracker.Attempts() != 0 {
		t.Fatalf("attempts = %d after reset", tracker.Attempts())
	}
}

func TestTrackerDefaults(t *testing.T) {
	tracker := NewRestartTracker(0, 0, 0)
	delay, ok := tracker.Delay()
	if !ok || delay != DefaultRestartBase {
		t.Fatalf("delay = %v ok = %v, want %v true", delay, ok, DefaultRestartBase)
	}
}

func TestActivityTracker(t *testing.T) {
	tracker := NewActivityTracker()
	now := time.Now()
	tracker.touchAt("a", now.Add(-time.Minute))

	if !tracker.IdleFor("a", 30*time.Second, now) {
		t.Fatal("a should be idle after a minute of silence")
	}
	if tracker.IdleFor("a", 2*time.Minute, now) {
		t.Fatal("a should not be idle with a 2m timeout")
	}
	if tracker.IdleFor("unknown", time.Nanosecond, now) {
		t.Fatal("unknown ids are never idle")
	}

	tracker.Touch("a")
	if tracker.IdleFor("a", 30*time.Second, time.Now()) {
		t.Fatal("touch should clear idleness")
	}

	tracker.Remove("a")
	if !tracker.LastActivity("a").IsZero() {
		t.Fatal("removed id should have zero activity")
	}
}
