// Package instance owns the lifecycle of one worker process: spawn with
// readiness polling, health probes, crash detection, and the graceful-stop
// ladder. Instances either own their process (spawned here) or hold a bare
// pid reference to one started elsewhere.
package instance

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"harbor/internal/logging"
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

type Origin string

const (
	OriginManaged    Origin = "managed"
	OriginDiscovered Origin = "discovered"
	OriginExternal   Origin = "external"
)

var ErrStartupTimeout = errors.New("worker did not become ready before startup timeout")
var ErrSpawnFailed = errors.New("worker process failed to start")

const (
	DefaultStartupTimeout  = 30 * time.Second
	DefaultStopGracePeriod = 5 * time.Second
	defaultHealthPoll      = 250 * time.Millisecond
)

// Config describes how to launch and probe a worker.
type Config struct {
	ID          string
	ProjectPath string
	Command     string   // Worker binary, launched in serve mode.
	ExtraArgs   []string // Appended after the generated serve arguments.

	StartupTimeout     time.Duration
	StopGracePeriod    time.Duration
	HealthPollInterval time.Duration

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// handle is the liveness reference for an instance: an owned process for
// managed instances, a bare pid for discovered/external ones. Crash
// detection is only possible for owned handles.
type handle struct {
	owned   bool
	proc    *workerProcess
	barePID int
}

// Instance is one supervised worker. State mutation is a narrow critical
// section; probes and process I/O never run under the lock.
type Instance struct {
	mu        sync.Mutex
	id        string
	project   string
	port      int
	origin    Origin
	state     State
	changedAt time.Time
	sessionID string
	lastErr   error
	live      handle

	stopGrace  time.Duration
	httpClient *http.Client
	logger     *logging.Logger
}

func (inst *Instance) ID() string {
	return inst.id
}

func (inst *Instance) ProjectPath() string {
	return inst.project
}

func (inst *Instance) Port() int {
	return inst.port
}

func (inst *Instance) Origin() Origin {
	return inst.origin
}

func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// LastTransition returns the time of the most recent state change.
func (inst *Instance) LastTransition() time.Time {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.changedAt
}

func (inst *Instance) Err() error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.lastErr
}

func (inst *Instance) SessionID() string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.sessionID
}

func (inst *Instance) SetSessionID(sessionID string) {
	inst.mu.Lock()
	inst.sessionID = strings.TrimSpace(sessionID)
	inst.mu.Unlock()
}

// PID returns the pid of the live process, or 0 when none is known.
func (inst *Instance) PID() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.live.owned {
		if inst.live.proc == nil {
			return 0
		}
		return inst.live.proc.pid
	}
	return inst.live.barePID
}

// BaseURL is the worker's local HTTP endpoint.
func (inst *Instance) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", inst.port)
}

// setState applies a transition and records its timestamp. The err argument
// is retained only for StateError.
func (inst *Instance) setState(next State, err error) {
	inst.mu.Lock()
	previous := inst.state
	inst.state = next
	inst.changedAt = time.Now().UTC()
	if next == StateError {
		inst.lastErr = err
	}
	inst.mu.Unlock()

	if inst.logger != nil && previous != next {
		fields := map[string]string{
			"instance_id": inst.id,
			"from":        string(previous),
			"to":          string(next),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		inst.logger.Info("instance state changed", fields)
	}
}

func (inst *Instance) inState(states ...State) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	for _, state := range states {
		if inst.state == state {
			return true
		}
	}
	return false
}

// snapshotHandle copies the liveness reference out of the critical section
// so callers can do process I/O without holding the lock.
func (inst *Instance) snapshotHandle() handle {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.live
}

// ResetFailure clears a terminal error and returns the instance to Stopped
// so the supervisor may spawn a replacement. A no-op outside StateError.
func (inst *Instance) ResetFailure() {
	inst.mu.Lock()
	if inst.state != StateError {
		inst.mu.Unlock()
		return
	}
	inst.lastErr = nil
	inst.state = StateStopped
	inst.changedAt = time.Now().UTC()
	inst.mu.Unlock()
}

// External constructs a reference-only instance for a process this
// supervisor did not spawn. It starts in Running; liveness is tracked via
// health probes only.
func External(cfg Config, port, pid int) *Instance {
	return referenceInstance(cfg, port, pid, OriginExternal)
}

// Discovered constructs a reference-only instance for a process found via
// persisted records or OS enumeration.
func Discovered(cfg Config, port, pid int) *Instance {
	return referenceInstance(cfg, port, pid, OriginDiscovered)
}

func referenceInstance(cfg Config, port, pid int, origin Origin) *Instance {
	inst := &Instance{
		id:         cfg.ID,
		project:    cfg.ProjectPath,
		port:       port,
		origin:     origin,
		state:      StateRunning,
		changedAt:  time.Now().UTC(),
		live:       handle{owned: false, barePID: pid},
		stopGrace:  cfg.StopGracePeriod,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if inst.stopGrace <= 0 {
		inst.stopGrace = DefaultStopGracePeriod
	}
	return inst
}
