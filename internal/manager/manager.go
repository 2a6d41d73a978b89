// Package manager supervises the fleet of worker instances: creation with
// port leasing, crash restarts under an exponential backoff budget, idle
// reclamation, and reconciliation against persisted records.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"harbor/internal/event"
	"harbor/internal/fsutil"
	"harbor/internal/instance"
	"harbor/internal/logging"
	"harbor/internal/metrics"
	"harbor/internal/ports"
	"harbor/internal/store"
)

var (
	ErrResourceExhausted    = errors.New("maximum concurrent instance count reached")
	ErrRestartLimitExceeded = errors.New("restart limit exceeded")
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrManagerClosed        = errors.New("manager is shut down")
)

const (
	DefaultMaxInstances   = 10
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultHealthInterval = 10 * time.Second

	// Consecutive failed probes before a reference-only instance is
	// declared dead. Owned instances use process exit instead.
	referenceFailureLimit = 3
)

// SpawnFunc launches a worker bound to a port. Swappable in tests.
type SpawnFunc func(ctx context.Context, cfg instance.Config, port int) (*instance.Instance, error)

type Options struct {
	Pool    *ports.Pool
	Store   *store.Store // Optional; nil disables persistence.
	Bus     *event.Bus[event.InstanceEvent]
	Logger  *logging.Logger
	Metrics *metrics.Registry

	WorkerCommand string
	WorkerArgs    []string

	MaxInstances    int
	IdleTimeout     time.Duration
	HealthInterval  time.Duration
	StartupTimeout  time.Duration
	StopGracePeriod time.Duration

	RestartBackoffBase time.Duration
	RestartBackoffCap  time.Duration
	MaxRestarts        int

	HTTPClient *http.Client
	Spawn      SpawnFunc // Defaults to instance.Spawn.
}

// entry is the registry slot for one instance. The manager lock guards the
// registry maps; per-entry fields are mutated while holding that same lock
// except the instance itself, which has its own narrow locking.
type entry struct {
	inst          *instance.Instance
	restarts      *RestartTracker
	portReleased  bool
	restarting    bool
	probeFailures int
}

type inflightCall struct {
	done chan struct{}
	inst *instance.Instance
	err  error
}

// Manager is the instance registry and supervisor.
type Manager struct {
	options Options
	logger  *logging.Logger
	spawn   SpawnFunc

	mu        sync.Mutex
	entries   map[string]*entry // instance id -> entry
	byProject map[string]string // project path -> instance id
	inflight  map[string]*inflightCall
	reserving int // slots claimed by spawns not yet registered
	closed    bool

	activity *ActivityTracker

	restartWG sync.WaitGroup
}

func New(options Options) (*Manager, error) {
	if options.Pool == nil {
		return nil, errors.New("manager requires a port pool")
	}
	if options.WorkerCommand == "" {
		return nil, errors.New("manager requires a worker command")
	}
	if options.MaxInstances <= 0 {
		options.MaxInstances = DefaultMaxInstances
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = DefaultIdleTimeout
	}
	if options.HealthInterval <= 0 {
		options.HealthInterval = DefaultHealthInterval
	}
	if options.RestartBackoffBase <= 0 {
		options.RestartBackoffBase = DefaultRestartBase
	}
	if options.RestartBackoffCap <= 0 {
		options.RestartBackoffCap = DefaultRestartCap
	}
	if options.MaxRestarts <= 0 {
		options.MaxRestarts = DefaultMaxRestarts
	}
	if options.Metrics == nil {
		options.Metrics = metrics.Default
	}
	spawn := options.Spawn
	if spawn == nil {
		spawn = instance.Spawn
	}
	return &Manager{
		options:   options,
		logger:    options.Logger,
		spawn:     spawn,
		entries:   make(map[string]*entry),
		byProject: make(map[string]string),
		inflight:  make(map[string]*inflightCall),
		activity:  NewActivityTracker(),
	}, nil
}

// canonicalProject falls back to a plain clean when normalization fails,
// so record comparisons never error out.
func canonicalProject(projectPath string) string {
	normalized, err := fsutil.NormalizeProjectPath(projectPath)
	if err != nil {
		return filepath.Clean(projectPath)
	}
	return normalized
}

// GetOrCreate returns the live instance for projectPath, spawning one if
// needed. Concurrent calls for the same path coalesce into a single spawn.
func (m *Manager) GetOrCreate(ctx context.Context, projectPath string) (*instance.Instance, error) {
	normalized, err := fsutil.NormalizeProjectPath(projectPath)
	if err != nil {
		return nil, err
	}
	projectPath = normalized

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}

		if id, ok := m.byProject[projectPath]; ok {
			ent := m.entries[id]
			if ent.restarting {
				// The health loop is already respawning this entry;
				// wait for it rather than racing a second spawn.
				m.mu.Unlock()
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
				continue
			}
			switch ent.inst.State() {
			case instance.StateRunning, instance.StateStarting:
				m.mu.Unlock()
				m.activity.Touch(id)
				return ent.inst, nil
			case instance.StateStopping:
				// A stop is in flight; treat as absent once it lands.
				m.mu.Unlock()
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
				continue
			default:
				// Stopped or Error: fall through to the respawn path
				// under the same inflight guard as fresh creation.
			}
		}

		if call, ok := m.inflight[projectPath]; ok {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-call.done:
				return call.inst, call.err
			}
		}

		call := &inflightCall{done: make(chan struct{})}
		m.inflight[projectPath] = call
		m.mu.Unlock()

		inst, err := m.create(ctx, projectPath)
		call.inst, call.err = inst, err

		m.mu.Lock()
		delete(m.inflight, projectPath)
		m.mu.Unlock()
		close(call.done)
		return inst, err
	}
}

// create runs outside the inflight guard's critical section but is the only
// goroutine creating for this path.
func (m *Manager) create(ctx context.Context, projectPath string) (*instance.Instance, error) {
	// A dead registry entry respawns under the restart budget.
	if ent, id := m.lookupProject(projectPath); ent != nil {
		return m.respawnExisting(ctx, id, ent)
	}

	// Reconcile against persisted records before creating anew.
	if inst, ok := m.adoptPersisted(ctx, projectPath); ok {
		return inst, nil
	}

	if err := m.reserveCapacity(); err != nil {
		return nil, err
	}
	defer m.releaseCapacity()

	port, err := m.options.Pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("leasing port for %s: %w", projectPath, err)
	}

	id := uuid.NewString()
	inst, err := m.spawnInstance(ctx, id, projectPath, port)
	if err != nil {
		m.options.Pool.Release(port)
		if inst != nil {
			m.register(inst, true)
		}
		return nil, err
	}

	m.register(inst, false)
	m.persist(ctx, inst)
	m.publish(event.NewInstanceEvent(event.TypeInstanceStarted, id, projectPath, port))
	m.options.Metrics.IncInstanceSpawned()
	return inst, nil
}

func (m *Manager) spawnInstance(ctx context.Context, id, projectPath string, port int) (*instance.Instance, error) {
	cfg := instance.Config{
		ID:              id,
		ProjectPath:     projectPath,
		Command:         m.options.WorkerCommand,
		ExtraArgs:       m.options.WorkerArgs,
		StartupTimeout:  m.options.StartupTimeout,
		StopGracePeriod: m.options.StopGracePeriod,
		HTTPClient:      m.options.HTTPClient,
		Logger:          m.logger,
	}
	return m.spawn(ctx, cfg, port)
}

// respawnExisting replaces a Stopped or Error instance with a fresh spawn.
// Error instances consume restart budget; cleanly stopped ones do not.
func (m *Manager) respawnExisting(ctx context.Context, id string, ent *entry) (*instance.Instance, error) {
	// The health loop may have claimed this entry for a supervised restart
	// between our registry lookup and now. Wait the claim out and adopt its
	// result instead of spawning a second worker onto the same entry.
	for {
		m.mu.Lock()
		restarting := ent.restarting
		m.mu.Unlock()
		if !restarting {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	m.mu.Lock()
	previous := ent.inst
	m.mu.Unlock()
	switch previous.State() {
	case instance.StateRunning, instance.StateStarting:
		m.activity.Touch(id)
		return previous, nil
	}
	wasError := previous.State() == instance.StateError

	if wasError {
		delay, ok := ent.restarts.Delay()
		if !ok {
			return nil, fmt.Errorf("%w for %s: %v", ErrRestartLimitExceeded, previous.ProjectPath(), previous.Err())
		}
		ent.restarts.RecordAttempt(time.Now())
		if err := m.waitBackoff(ctx, ent.restarts, delay); err != nil {
			return nil, err
		}
	}

	m.releasePort(ent)

	port, err := m.options.Pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("leasing port for %s: %w", previous.ProjectPath(), err)
	}

	m.publish(event.NewInstanceEvent(event.TypeInstanceRestarting, id, previous.ProjectPath(), port))
	inst, err := m.spawnInstance(ctx, id, previous.ProjectPath(), port)
	if err != nil {
		m.options.Pool.Release(port)
		if inst != nil {
			m.replaceInstance(id, inst, true)
		}
		m.publish(event.NewInstanceEvent(event.TypeInstanceError, id, previous.ProjectPath(), port))
		return nil, err
	}

	m.replaceInstance(id, inst, false)
	m.mu.Lock()
	// A confirmed healthy respawn resets the restart budget.
	ent.restarts.Reset()
	m.mu.Unlock()
	m.persist(ctx, inst)
	m.publish(event.NewInstanceEvent(event.TypeInstanceStarted, id, previous.ProjectPath(), port))
	m.options.Metrics.IncInstanceRestarted()
	return inst, nil
}

// waitBackoff sleeps the remaining backoff delay, accounting for time
// already elapsed since the last attempt.
func (m *Manager) waitBackoff(ctx context.Context, tracker *RestartTracker, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// adoptPersisted checks persisted records for a live prior instance at the
// path. Records whose process is dead or unhealthy are treated as absent.
func (m *Manager) adoptPersisted(ctx context.Context, projectPath string) (*instance.Instance, bool) {
	if m.options.Store == nil {
		return nil, false
	}
	records, err := m.options.Store.LoadAll(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("loading persisted instance records failed", map[string]string{"error": err.Error()})
		}
		return nil, false
	}
	for _, rec := range records {
		if canonicalProject(rec.ProjectPath) != projectPath {
			continue
		}
		inst, ok := m.adoptRecord(ctx, rec)
		if ok {
			return inst, true
		}
		// Dead record: treat as absent.
		if err := m.options.Store.UpdateState(ctx, rec.ID, string(instance.StateStopped)); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			if m.logger != nil {
				m.logger.Warn("marking stale record stopped failed", map[string]string{"instance_id": rec.ID, "error": err.Error()})
			}
		}
	}
	return nil, false
}

// adoptRecord turns a persisted record into a registered reference-only
// instance when the recorded process is still alive and healthy.
func (m *Manager) adoptRecord(ctx context.Context, rec store.Record) (*instance.Instance, bool) {
	if rec.PID <= 0 || rec.State == string(instance.StateStopped) {
		return nil, false
	}
	cfg := instance.Config{
		ID:              rec.ID,
		ProjectPath:     canonicalProject(rec.ProjectPath),
		StopGracePeriod: m.options.StopGracePeriod,
		HTTPClient:      m.options.HTTPClient,
		Logger:          m.logger,
	}
	inst := instance.Discovered(cfg, rec.Port, rec.PID)
	if !inst.HealthCheck(ctx) {
		return nil, false
	}
	if err := m.reserveCapacity(); err != nil {
		return nil, false
	}
	inst.SetSessionID(rec.SessionID)
	m.options.Pool.Reserve(rec.Port)
	m.register(inst, false)
	m.releaseCapacity()
	if m.logger != nil {
		m.logger.Info("adopted running instance from persisted record", map[string]string{
			"instance_id": rec.ID,
			"project":     rec.ProjectPath,
		})
	}
	return inst, true
}

// reserveCapacity claims an instance slot ahead of a spawn. In-flight
// reservations count against MaxInstances so concurrent creates for
// different projects cannot overshoot the cap while spawning. The caller
// must pair a successful reservation with releaseCapacity.
func (m *Manager) reserveCapacity() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.reserving
	for _, ent := range m.entries {
		switch ent.inst.State() {
		case instance.StateStarting, instance.StateRunning, instance.StateStopping:
			active++
		}
	}
	if active >= m.options.MaxInstances {
		return fmt.Errorf("%w (%d active)", ErrResourceExhausted, active)
	}
	m.reserving++
	return nil
}

func (m *Manager) releaseCapacity() {
	m.mu.Lock()
	m.reserving--
	m.mu.Unlock()
}

func (m *Manager) register(inst *instance.Instance, failed bool) {
	m.mu.Lock()
	ent := &entry{
		inst:     inst,
		restarts: NewRestartTracker(m.options.RestartBackoffBase, m.options.RestartBackoffCap, m.options.MaxRestarts),
	}
	if failed {
		ent.portReleased = true
		ent.restarts.RecordAttempt(time.Now())
	}
	m.entries[inst.ID()] = ent
	m.byProject[inst.ProjectPath()] = inst.ID()
	m.mu.Unlock()
	m.activity.Touch(inst.ID())
	m.reportInstanceCount()
}

// replaceInstance swaps the instance object inside an existing entry,
// keeping its restart tracker.
func (m *Manager) replaceInstance(id string, inst *instance.Instance, failed bool) {
	m.mu.Lock()
	ent, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		m.register(inst, failed)
		return
	}
	ent.inst = inst
	ent.portReleased = failed
	ent.probeFailures = 0
	m.mu.Unlock()
	m.activity.Touch(id)
}

func (m *Manager) lookupProject(projectPath string) (*entry, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byProject[projectPath]
	if !ok {
		return nil, ""
	}
	return m.entries[id], id
}

// Get returns the registered instance for id.
func (m *Manager) Get(id string) (*instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entries[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return ent.inst, nil
}

// GetByProject returns the registered instance for a project path.
func (m *Manager) GetByProject(projectPath string) (*instance.Instance, error) {
	ent, _ := m.lookupProject(canonicalProject(projectPath))
	if ent == nil {
		return nil, ErrInstanceNotFound
	}
	return ent.inst, nil
}

// List returns a snapshot of all registered instances.
func (m *Manager) List() []*instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	instances := make([]*instance.Instance, 0, len(m.entries))
	for _, ent := range m.entries {
		instances = append(instances, ent.inst)
	}
	return instances
}

// RecordActivity refreshes the activity timestamp for an instance. Called
// whenever external traffic is routed to it.
func (m *Manager) RecordActivity(id string) error {
	m.mu.Lock()
	_, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ErrInstanceNotFound
	}
	m.activity.Touch(id)
	return nil
}

// RecordProjectActivity refreshes activity for whichever instance serves
// the project path. Unknown paths are ignored.
func (m *Manager) RecordProjectActivity(projectPath string) {
	ent, id := m.lookupProject(canonicalProject(projectPath))
	if ent == nil {
		return
	}
	m.activity.Touch(id)
}

// ResetRestarts clears the restart budget for an instance after an explicit
// external reset, allowing a permanently errored instance to respawn.
func (m *Manager) ResetRestarts(id string) error {
	m.mu.Lock()
	ent, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ErrInstanceNotFound
	}
	ent.restarts.Reset()
	ent.inst.ResetFailure()
	if m.logger != nil {
		m.logger.Info("restart budget reset", map[string]string{"instance_id": id})
	}
	return nil
}

// StopInstance gracefully stops an instance and releases its port. The
// registry entry is retained in Stopped state so a later GetOrCreate can
// respawn it.
func (m *Manager) StopInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	ent, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ErrInstanceNotFound
	}
	return m.stopEntry(ctx, id, ent, event.TypeInstanceStopped)
}

func (m *Manager) stopEntry(ctx context.Context, id string, ent *entry, eventType string) error {
	inst := ent.inst
	err := inst.Stop(ctx)
	m.releasePort(ent)
	if m.options.Store != nil {
		if updateErr := m.options.Store.UpdateState(ctx, id, string(inst.State())); updateErr != nil && !errors.Is(updateErr, store.ErrRecordNotFound) {
			if m.logger != nil {
				m.logger.Warn("persisting stop failed", map[string]string{"instance_id": id, "error": updateErr.Error()})
			}
		}
	}
	m.publish(event.NewInstanceEvent(eventType, id, inst.ProjectPath(), inst.Port()))
	m.options.Metrics.IncInstanceStopped()
	m.reportInstanceCount()
	return err
}

// releasePort returns the entry's port to the pool exactly once.
func (m *Manager) releasePort(ent *entry) {
	m.mu.Lock()
	released := ent.portReleased
	ent.portReleased = true
	port := ent.inst.Port()
	m.mu.Unlock()
	if !released {
		m.options.Pool.Release(port)
	}
}

// Remove stops an instance and deletes it from the registry and the
// persisted records.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	ent, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ErrInstanceNotFound
	}
	err := m.stopEntry(ctx, id, ent, event.TypeInstanceStopped)

	m.mu.Lock()
	delete(m.entries, id)
	if m.byProject[ent.inst.ProjectPath()] == id {
		delete(m.byProject, ent.inst.ProjectPath())
	}
	m.mu.Unlock()
	m.activity.Remove(id)

	if m.options.Store != nil {
		if deleteErr := m.options.Store.Delete(ctx, id); deleteErr != nil && err == nil {
			err = deleteErr
		}
	}
	m.reportInstanceCount()
	return err
}

// StopAll gracefully stops every registered instance. Used during orderly
// shutdown; restart supervision is disabled first.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	snapshot := make(map[string]*entry, len(m.entries))
	for id, ent := range m.entries {
		snapshot[id] = ent
	}
	m.mu.Unlock()

	m.restartWG.Wait()

	var errs []error
	for id, ent := range snapshot {
		if ent.inst.State() == instance.StateStopped {
			continue
		}
		if err := m.stopEntry(ctx, id, ent, event.TypeInstanceStopped); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) persist(ctx context.Context, inst *instance.Instance) {
	if m.options.Store == nil {
		return
	}
	rec := store.Record{
		ID:          inst.ID(),
		ProjectPath: inst.ProjectPath(),
		Port:        inst.Port(),
		PID:         inst.PID(),
		State:       string(inst.State()),
		SessionID:   inst.SessionID(),
	}
	if err := m.options.Store.Upsert(ctx, rec); err != nil && m.logger != nil {
		m.logger.Warn("persisting instance record failed", map[string]string{
			"instance_id": inst.ID(),
			"error":       err.Error(),
		})
	}
}

func (m *Manager) publish(ev event.InstanceEvent) {
	if m.options.Bus != nil {
		m.options.Bus.Publish(ev)
	}
}

func (m *Manager) reportInstanceCount() {
	m.mu.Lock()
	count := len(m.entries)
	m.mu.Unlock()
	m.options.Metrics.SetInstanceCount(count)
}
