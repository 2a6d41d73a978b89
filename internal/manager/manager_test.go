package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"harbor/internal/instance"
	"harbor/internal/ports"
	"harbor/internal/store"
)

func testPool(t *testing.T, capacity int) *ports.Pool {
	t.Helper()
	pool, err := ports.NewPool(ports.PoolOptions{
		MinPort: 14200,
		MaxPort: 14200 + capacity - 1,
		Probe:   func(int) bool { return true },
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

// fakeSpawner hands out reference-only instances so tests never fork real
// workers. Failures are scripted by setting failuresLeft.
type fakeSpawner struct {
	mu           sync.Mutex
	spawned      int
	failuresLeft int
	delay        time.Duration
}

func (f *fakeSpawner) spawn(ctx context.Context, cfg instance.Config, port int) (*instance.Instance, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failuresLeft > 0 {
		f.failuresLeft--
		err := fmt.Errorf("%w: scripted failure", instance.ErrSpawnFailed)
		failed := instance.External(cfg, port, 0)
		failed.MarkError(err)
		return failed, err
	}
	f.spawned++
	return instance.External(cfg, port, 0), nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned
}

// okTransport answers every request with 200 so the reference-only fakes
// handed out by fakeSpawner pass health probes without a real worker.
type okTransport struct{}

func (okTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       http.NoBody,
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func testManager(t *testing.T, pool *ports.Pool, spawner *fakeSpawner) *Manager {
	t.Helper()
	m, err := New(Options{
		Pool:               pool,
		WorkerCommand:      "worker",
		MaxInstances:       pool.Capacity(),
		IdleTimeout:        time.Hour,
		RestartBackoffBase: time.Millisecond,
		RestartBackoffCap:  4 * time.Millisecond,
		MaxRestarts:        5,
		Spawn:              spawner.spawn,
		HTTPClient:         &http.Client{Transport: okTransport{}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestGetOrCreateSpawnsOnce(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "/srv/projects/alpha")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := m.GetOrCreate(ctx, "/srv/projects/alpha")
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if first != second {
		t.Fatal("expected the same instance for the same path")
	}
	if spawner.count() != 1 {
		t.Fatalf("spawned %d times, want 1", spawner.count())
	}
	if pool.Leased() != 1 {
		t.Fatalf("leased = %d, want 1", pool.Leased())
	}
}

func TestGetOrCreateConcurrentCoalesces(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{delay: 20 * time.Millisecond}
	m := testManager(t, pool, spawner)

	const callers = 16
	var wg sync.WaitGroup
	var failures atomic.Int32
	results := make([]*instance.Instance, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			inst, err := m.GetOrCreate(context.Background(), "/srv/projects/alpha")
			if err != nil {
				failures.Add(1)
				return
			}
			results[slot] = inst
		}(i)
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d callers failed", failures.Load())
	}
	if spawner.count() != 1 {
		t.Fatalf("spawned %d times, want exactly 1", spawner.count())
	}
	if pool.Leased() != 1 {
		t.Fatalf("leased = %d, want exactly 1", pool.Leased())
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("callers received different instances")
		}
	}
}

func TestGetOrCreateEnforcesCapacity(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	m.options.MaxInstances = 2
	ctx := context.Background()

	for _, path := range []string{"/p/a", "/p/b"} {
		if _, err := m.GetOrCreate(ctx, path); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", path, err)
		}
	}
	if _, err := m.GetOrCreate(ctx, "/p/c"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
}

func TestPoolExhaustionSurfaces(t *testing.T) {
	pool := testPool(t, 1)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	m.options.MaxInstances = 5
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, "/p/a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := m.GetOrCreate(ctx, "/p/b"); !errors.Is(err, ports.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestStopReleasesPortExactlyOnce(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	ctx := context.Background()

	inst, err := m.GetOrCreate(ctx, "/p/a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := m.StopInstance(ctx, inst.ID()); err != nil {
		t.Fatalf("StopInstance: %v", err)
	}
	if got := inst.State(); got != instance.StateStopped {
		t.Fatalf("state = %q, want stopped", got)
	}
	if pool.Leased() != 0 {
		t.Fatalf("leased = %d after stop, want 0", pool.Leased())
	}

	// Second stop is a no-op; the lease count must not go negative or
	// release someone else's port.
	if err := m.StopInstance(ctx, inst.ID()); err != nil {
		t.Fatalf("second StopInstance: %v", err)
	}
	if pool.Leased() != 0 {
		t.Fatalf("leased = %d after double stop, want 0", pool.Leased())
	}
}

func TestGetOrCreateRespawnsStopped(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "/p/a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := m.StopInstance(ctx, first.ID()); err != nil {
		t.Fatalf("StopInstance: %v", err)
	}

	second, err := m.GetOrCreate(ctx, "/p/a")
	if err != nil {
		t.Fatalf("respawn GetOrCreate: %v", err)
	}
	if second.State() != instance.StateRunning {
		t.Fatalf("state = %q, want running", second.State())
	}
	if second.ID() != first.ID() {
		t.Fatalf("respawn changed instance id: %s -> %s", first.ID(), second.ID())
	}
	if spawner.count() != 2 {
		t.Fatalf("spawned %d times, want 2", spawner.count())
	}
	if pool.Leased() != 1 {
		t.Fatalf("leased = %d, want 1", pool.Leased())
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{failuresLeft: 100}
	m := testManager(t, pool, spawner)
	ctx := context.Background()

	// The initial spawn fails and registers an errored entry.
	if _, err := m.GetOrCreate(ctx, "/p/a"); !errors.Is(err, instance.ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed", err)
	}

	// Attempts 2..5 burn the rest of the budget.
	var lastErr error
	for i := 0; i < 4; i++ {
		_, lastErr = m.GetOrCreate(ctx, "/p/a")
		if lastErr == nil {
			t.Fatalf("attempt %d unexpectedly succeeded", i+2)
		}
	}
	if _, err := m.GetOrCreate(ctx, "/p/a"); !errors.Is(err, ErrRestartLimitExceeded) {
		t.Fatalf("err = %v, want ErrRestartLimitExceeded", err)
	}

	// Pool must hold no stale leases from the failed attempts.
	if pool.Leased() != 0 {
		t.Fatalf("leased = %d after failures, want 0", pool.Leased())
	}
}

func TestResetRestartsAllowsRespawn(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{failuresLeft: 100}
	m := testManager(t, pool, spawner)
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, "/p/a"); err == nil {
		t.Fatal("expected initial spawn failure")
	}
	for i := 0; i < 5; i++ {
		m.GetOrCreate(ctx, "/p/a")
	}
	if _, err := m.GetOrCreate(ctx, "/p/a"); !errors.Is(err, ErrRestartLimitExceeded) {
		t.Fatalf("err = %v, want ErrRestartLimitExceeded", err)
	}

	failed, err := m.GetByProject("/p/a")
	if err != nil {
		t.Fatalf("GetByProject: %v", err)
	}
	if err := m.ResetRestarts(failed.ID()); err != nil {
		t.Fatalf("ResetRestarts: %v", err)
	}

	spawner.mu.Lock()
	spawner.failuresLeft = 0
	spawner.mu.Unlock()

	inst, err := m.GetOrCreate(ctx, "/p/a")
	if err != nil {
		t.Fatalf("GetOrCreate after reset: %v", err)
	}
	if inst.State() != instance.StateRunning {
		t.Fatalf("state = %q, want running", inst.State())
	}
}

func TestRestartBudgetResetsAfterRecovery(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	ctx := context.Background()

	inst, err := m.GetOrCreate(ctx, "/p/a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// More crash/recover cycles than the restart budget allows in a row.
	// Each healthy respawn must hand the budget back, so none of these
	// cycles may trip the restart limit.
	for i := 0; i < 7; i++ {
		inst.MarkError(fmt.Errorf("worker process exited unexpectedly"))
		next, err := m.GetOrCreate(ctx, "/p/a")
		if err != nil {
			t.Fatalf("cycle %d: GetOrCreate after crash: %v", i+1, err)
		}
		if next.State() != instance.StateRunning {
			t.Fatalf("cycle %d: state = %q, want running", i+1, next.State())
		}
		inst = next
	}
}

func TestSupervisedRestartResetsBudget(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, "/p/a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	ent, id := m.lookupProject("/p/a")
	if ent == nil {
		t.Fatal("entry not registered")
	}

	for i := 0; i < 7; i++ {
		m.handleCrash(ctx, id, ent)
		deadline := time.Now().Add(2 * time.Second)
		for {
			m.mu.Lock()
			state := ent.inst.State()
			busy := ent.restarting
			m.mu.Unlock()
			if state == instance.StateRunning && !busy {
				break
			}
			if state == instance.StateError && !busy {
				t.Fatalf("cycle %d: restart gave up: %v", i+1, ent.inst.Err())
			}
			if time.Now().After(deadline) {
				t.Fatalf("cycle %d: instance never recovered (state %q)", i+1, state)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestGetOrCreateCoalescesWithSupervisedRestart(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	m.options.RestartBackoffBase = 150 * time.Millisecond
	m.options.RestartBackoffCap = 150 * time.Millisecond
	ctx := context.Background()

	if _, err := m.GetOrCreate(ctx, "/p/a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	ent, id := m.lookupProject("/p/a")
	m.handleCrash(ctx, id, ent)

	// The supervised restart is sleeping out its backoff. A caller asking
	// for the same project now must wait for that restart instead of
	// spawning a second worker onto the entry.
	got, err := m.GetOrCreate(ctx, "/p/a")
	if err != nil {
		t.Fatalf("GetOrCreate during restart: %v", err)
	}
	if got.State() != instance.StateRunning {
		t.Fatalf("state = %q, want running", got.State())
	}
	if spawner.count() != 2 {
		t.Fatalf("spawned %d times, want 2 (initial plus one restart)", spawner.count())
	}
	if pool.Leased() != 1 {
		t.Fatalf("leased = %d, want 1", pool.Leased())
	}
}

func TestConcurrentCreateRespectsCapacity(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{delay: 100 * time.Millisecond}
	m := testManager(t, pool, spawner)
	m.options.MaxInstances = 1
	ctx := context.Background()

	paths := []string{"/p/a", "/p/b"}
	errs := make([]error, len(paths))
	var wg sync.WaitGroup
	for i := range paths {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, errs[slot] = m.GetOrCreate(ctx, paths[slot])
		}(i)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrResourceExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || exhausted != 1 {
		t.Fatalf("ok=%d exhausted=%d, want exactly one of each", ok, exhausted)
	}
	if got := len(m.List()); got != 1 {
		t.Fatalf("registered %d instances, want 1", got)
	}
}

func TestIdleReclamation(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	m.options.IdleTimeout = 30 * time.Millisecond
	ctx := context.Background()

	inst, err := m.GetOrCreate(ctx, "/p/a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	m.healthPass(ctx)

	if got := inst.State(); got != instance.StateStopped {
		t.Fatalf("state = %q, want stopped after idle reclamation", got)
	}
	if pool.Leased() != 0 {
		t.Fatalf("leased = %d, want 0 after reclamation", pool.Leased())
	}
}

func TestRecordActivityDefersReclamation(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	m.options.IdleTimeout = 80 * time.Millisecond
	ctx := context.Background()

	inst, err := m.GetOrCreate(ctx, "/p/a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := m.RecordActivity(inst.ID()); err != nil {
			t.Fatalf("RecordActivity: %v", err)
		}
		m.healthPass(ctx)
		if got := inst.State(); got != instance.StateRunning {
			t.Fatalf("state = %q after activity, want running", got)
		}
	}
}

func TestStopAllClosesManager(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	m := testManager(t, pool, spawner)
	ctx := context.Background()

	for _, path := range []string{"/p/a", "/p/b", "/p/c"} {
		if _, err := m.GetOrCreate(ctx, path); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", path, err)
		}
	}
	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if pool.Leased() != 0 {
		t.Fatalf("leased = %d after StopAll, want 0", pool.Leased())
	}
	for _, inst := range m.List() {
		if inst.State() != instance.StateStopped {
			t.Fatalf("instance %s in state %q after StopAll", inst.ID(), inst.State())
		}
	}
	if _, err := m.GetOrCreate(ctx, "/p/d"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("err = %v, want ErrManagerClosed", err)
	}
}

func TestRecoverFromStore(t *testing.T) {
	pool := testPool(t, 4)
	spawner := &fakeSpawner{}
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()

	// One record backed by a live health endpoint and our own pid, one
	// backed by nothing.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	defer server.Close()
	livePort := listener.Addr().(*net.TCPAddr).Port

	ctx := context.Background()
	liveRec := store.Record{ID: "live", ProjectPath: "/p/live", Port: livePort, PID: os.Getpid(), State: "running"}
	deadRec := store.Record{ID: "dead", ProjectPath: "/p/dead", Port: 14201, PID: 999999, State: "running"}
	for _, rec := range []store.Record{liveRec, deadRec} {
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert(%s): %v", rec.ID, err)
		}
	}

	m, err := New(Options{
		Pool:          pool,
		Store:         s,
		WorkerCommand: "worker",
		MaxInstances:  4,
		Spawn:         spawner.spawn,
		HTTPClient:    &http.Client{Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.RecoverFromStore(ctx); err != nil {
		t.Fatalf("RecoverFromStore: %v", err)
	}

	inst, err := m.Get("live")
	if err != nil {
		t.Fatalf("live record not adopted: %v", err)
	}
	if inst.Origin() != instance.OriginDiscovered {
		t.Fatalf("origin = %q, want discovered", inst.Origin())
	}
	if inst.State() != instance.StateRunning {
		t.Fatalf("state = %q, want running", inst.State())
	}

	if _, err := m.Get("dead"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("dead record should not be registered, got %v", err)
	}
	rec, err := s.Get(ctx, "dead")
	if err != nil {
		t.Fatalf("store.Get(dead): %v", err)
	}
	if rec.State != string(instance.StateStopped) {
		t.Fatalf("dead record state = %q, want stopped", rec.State)
	}
}
