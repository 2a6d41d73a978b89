package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type activityRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *activityRecorder) record(project string) {
	r.mu.Lock()
	r.calls = append(r.calls, project)
	r.mu.Unlock()
}

func (r *activityRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *activityRecorder) waitForCall(t *testing.T, within time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		r.mu.Lock()
		if len(r.calls) > 0 {
			call := r.calls[0]
			r.mu.Unlock()
			return call
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("activity callback never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newTestWatcher(t *testing.T, recorder *activityRecorder) *Watcher {
	t.Helper()
	w, err := New(Options{Debounce: 50 * time.Millisecond, OnActive: recorder.record})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWriteTriggersActivity(t *testing.T) {
	recorder := &activityRecorder{}
	w := newTestWatcher(t, recorder)
	project := t.TempDir()

	if err := w.Watch(project); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(project, "main.go"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	if got := recorder.waitForCall(t, 2*time.Second); got != filepath.Clean(project) {
		t.Fatalf("activity for %q, want %q", got, project)
	}
}

func TestBurstDebouncesToOneCall(t *testing.T) {
	recorder := &activityRecorder{}
	w := newTestWatcher(t, recorder)
	project := t.TempDir()

	if err := w.Watch(project); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	for i := 0; i < 10; i++ {
		path := filepath.Join(project, "file.txt")
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("writing file: %v", err)
		}
	}

	recorder.waitForCall(t, 2*time.Second)
	time.Sleep(150 * time.Millisecond)
	if recorder.count() != 1 {
		t.Fatalf("callback fired %d times for one burst, want 1", recorder.count())
	}
}

func TestUnwatchStopsActivity(t *testing.T) {
	recorder := &activityRecorder{}
	w := newTestWatcher(t, recorder)
	project := t.TempDir()

	if err := w.Watch(project); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Unwatch(project); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(project, "late.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if recorder.count() != 0 {
		t.Fatalf("callback fired %d times after unwatch", recorder.count())
	}

	if err := w.Unwatch(project); !errors.Is(err, ErrNotWatched) {
		t.Fatalf("second Unwatch err = %v, want ErrNotWatched", err)
	}
}

func TestWatchIsIdempotent(t *testing.T) {
	recorder := &activityRecorder{}
	w := newTestWatcher(t, recorder)
	project := t.TempDir()

	if err := w.Watch(project); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Watch(project); err != nil {
		t.Fatalf("second Watch: %v", err)
	}
}

func TestCloseIsSafeTwice(t *testing.T) {
	recorder := &activityRecorder{}
	w, err := New(Options{OnActive: recorder.record})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
