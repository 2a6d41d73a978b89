package manager

import (
	"context"
	"fmt"
	"time"

	"harbor/internal/event"
	"harbor/internal/instance"
)

// RunHealthLoop drives crash detection, restart supervision, and idle
// reclamation until ctx is cancelled. One shared loop covers all instances.
func (m *Manager) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.options.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthPass(ctx)
		}
	}
}

func (m *Manager) healthPass(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	snapshot := make(map[string]*entry, len(m.entries))
	for id, ent := range m.entries {
		snapshot[id] = ent
	}
	m.mu.Unlock()

	now := time.Now()
	for id, ent := range snapshot {
		m.checkEntry(ctx, id, ent, now)
	}
}

func (m *Manager) checkEntry(ctx context.Context, id string, ent *entry, now time.Time) {
	m.mu.Lock()
	restarting := ent.restarting
	m.mu.Unlock()
	if restarting {
		return
	}

	inst := ent.inst
	state := inst.State()

	// Idle reclamation applies regardless of health.
	if state == instance.StateRunning && m.activity.IdleFor(id, m.options.IdleTimeout, now) {
		m.reclaimIdle(ctx, id, ent)
		return
	}

	switch {
	case inst.CheckForCrash():
		m.handleCrash(ctx, id, ent)
	case state == instance.StateRunning && inst.Origin() != instance.OriginManaged:
		m.probeReference(ctx, id, ent)
	}
}

func (m *Manager) reclaimIdle(ctx context.Context, id string, ent *entry) {
	if m.logger != nil {
		m.logger.Info("reclaiming idle instance", map[string]string{
			"instance_id": id,
			"project":     ent.inst.ProjectPath(),
		})
	}
	if err := m.stopEntry(ctx, id, ent, event.TypeIdleReclaimed); err != nil && m.logger != nil {
		m.logger.Warn("idle stop failed", map[string]string{"instance_id": id, "error": err.Error()})
	}
	m.options.Metrics.IncIdleReclaimed()
}

// probeReference health-checks a reference-only instance. Crash detection
// is unavailable without an owned process handle, so consecutive probe
// failures stand in for an exit notification.
func (m *Manager) probeReference(ctx context.Context, id string, ent *entry) {
	if ent.inst.HealthCheck(ctx) {
		m.mu.Lock()
		ent.probeFailures = 0
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	ent.probeFailures++
	failures := ent.probeFailures
	m.mu.Unlock()
	if failures < referenceFailureLimit {
		return
	}
	if m.logger != nil {
		m.logger.Warn("reference instance unreachable, marking stopped", map[string]string{
			"instance_id": id,
			"failures":    fmt.Sprintf("%d", failures),
		})
	}
	ent.inst.MarkError(fmt.Errorf("health probe failed %d consecutive times", failures))
	m.releasePort(ent)
	m.publish(event.NewInstanceEvent(event.TypeInstanceError, id, ent.inst.ProjectPath(), ent.inst.Port()))
}

// handleCrash marks the crash and hands the entry to a restart supervisor
// goroutine, which walks the backoff schedule until the worker comes back
// or the budget is exhausted.
func (m *Manager) handleCrash(ctx context.Context, id string, ent *entry) {
	inst := ent.inst
	if m.logger != nil {
		m.logger.Warn("instance crashed", map[string]string{
			"instance_id": id,
			"project":     inst.ProjectPath(),
		})
	}

	// Claim the restart before the state flips to Error, so a concurrent
	// GetOrCreate sees the claim and waits instead of respawning itself.
	m.mu.Lock()
	if ent.restarting || m.closed {
		m.mu.Unlock()
		return
	}
	ent.restarting = true
	m.mu.Unlock()

	inst.MarkError(fmt.Errorf("worker process exited unexpectedly"))
	m.options.Metrics.IncInstanceCrashed()
	m.publish(event.NewInstanceEvent(event.TypeInstanceCrashed, id, inst.ProjectPath(), inst.Port()))

	m.restartWG.Add(1)
	go m.superviseRestart(ctx, id, ent)
}

func (m *Manager) superviseRestart(ctx context.Context, id string, ent *entry) {
	defer m.restartWG.Done()
	defer func() {
		m.mu.Lock()
		ent.restarting = false
		m.mu.Unlock()
	}()

	projectPath := ent.inst.ProjectPath()
	for {
		delay, ok := ent.restarts.Delay()
		if !ok {
			err := fmt.Errorf("%w for %s after %d attempts", ErrRestartLimitExceeded, projectPath, ent.restarts.Attempts())
			ent.inst.MarkError(err)
			m.publish(event.NewInstanceEvent(event.TypeInstanceError, id, projectPath, ent.inst.Port()))
			if m.logger != nil {
				m.logger.Error("restart limit exceeded", map[string]string{
					"instance_id": id,
					"project":     projectPath,
				})
			}
			return
		}
		ent.restarts.RecordAttempt(time.Now())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if m.restartOnce(ctx, id, ent, projectPath) {
			return
		}
	}
}

// restartOnce performs a single respawn attempt on the entry's existing
// port lease. Reports whether the instance is running again.
func (m *Manager) restartOnce(ctx context.Context, id string, ent *entry, projectPath string) bool {
	port := ent.inst.Port()

	m.mu.Lock()
	released := ent.portReleased
	m.mu.Unlock()
	if released {
		var err error
		port, err = m.options.Pool.Allocate()
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("restart port lease failed", map[string]string{"instance_id": id, "error": err.Error()})
			}
			return false
		}
		m.mu.Lock()
		ent.portReleased = false
		m.mu.Unlock()
	}

	m.publish(event.NewInstanceEvent(event.TypeInstanceRestarting, id, projectPath, port))
	inst, err := m.spawnInstance(ctx, id, projectPath, port)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("restart attempt failed", map[string]string{
				"instance_id": id,
				"attempt":     fmt.Sprintf("%d", ent.restarts.Attempts()),
				"error":       err.Error(),
			})
		}
		return false
	}

	m.mu.Lock()
	ent.inst = inst
	ent.probeFailures = 0
	// A confirmed healthy respawn resets the restart budget.
	ent.restarts.Reset()
	m.mu.Unlock()
	m.activity.Touch(id)
	m.persist(ctx, inst)
	m.publish(event.NewInstanceEvent(event.TypeInstanceStarted, id, projectPath, port))
	m.options.Metrics.IncInstanceRestarted()
	return true
}
