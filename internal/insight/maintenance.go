package insight

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startMaintenance launches a background goroutine that periodically:
// 1. Deletes raw usage points past the retention window.
// 2. Sweeps expired entries from the series cache.
func (m *Module) startMaintenance() {
	if m.cfg.MaintenanceInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.runMaintenance()
			}
		}
	}()
}

// runMaintenance executes a single maintenance cycle.
func (m *Module) runMaintenance() {
	if swept := m.engine.SweepCache(); swept > 0 {
		m.logger.Debug("swept expired cache entries", zap.Int("count", swept))
	}

	if m.store == nil || m.cfg.UsageRetention <= 0 {
		return
	}
	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-m.cfg.UsageRetention)
	deleted, err := m.store.DeleteOldUsage(ctx, cutoff)
	if err != nil {
		m.logger.Warn("failed to delete old usage", zap.Error(err))
		return
	}
	if deleted > 0 {
		m.logger.Info("purged old usage points", zap.Int64("count", deleted), zap.Time("before", cutoff))
	}
}
