package manager

import (
	"context"
	"errors"
	"fmt"

	"harbor/internal/instance"
	"harbor/internal/ports"
	"harbor/internal/store"
)

// RecoverFromStore reconciles persisted records against live reality at
// startup. A record whose process still answers its health endpoint is
// adopted as a reference-only instance with its port reserved; anything
// else is marked stopped rather than assumed running.
func (m *Manager) RecoverFromStore(ctx context.Context) error {
	if m.options.Store == nil {
		return nil
	}
	records, err := m.options.Store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted records: %w", err)
	}

	var recovered, stale int
	for _, rec := range records {
		if rec.State == string(instance.StateStopped) {
			continue
		}
		if ent, _ := m.lookupProject(canonicalProject(rec.ProjectPath)); ent != nil {
			continue
		}
		if _, ok := m.adoptRecord(ctx, rec); ok {
			recovered++
			continue
		}
		stale++
		// The recorded pid is gone, but a detached child may still hold
		// the port. Evict it so the range stays leasable.
		if rec.Port > 0 && m.options.Pool != nil {
			if err := m.options.Pool.CleanupOrphan(rec.Port); err != nil && !errors.Is(err, ports.ErrNoProcessFound) {
				if m.logger != nil {
					m.logger.Warn("orphan cleanup failed", map[string]string{
						"port":  fmt.Sprintf("%d", rec.Port),
						"error": err.Error(),
					})
				}
			}
		}
		if err := m.options.Store.UpdateState(ctx, rec.ID, string(instance.StateStopped)); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			if m.logger != nil {
				m.logger.Warn("marking dead record stopped failed", map[string]string{
					"instance_id": rec.ID,
					"error":       err.Error(),
				})
			}
		}
	}

	if m.logger != nil && (recovered > 0 || stale > 0) {
		m.logger.Info("recovery reconciled persisted records", map[string]string{
			"recovered": fmt.Sprintf("%d", recovered),
			"stale":     fmt.Sprintf("%d", stale),
		})
	}
	return nil
}
