package configsync

import (
	"context"
	"fmt"
	"time"

	"github.com/micro-ha/ser-gateway/internal/model"
)

// ApplyFunc installs a new configuration. A failed apply is retried on the
// next refresh.
type ApplyFunc func(ctx context.Context, file model.File) error

// Watcher refreshes the manager periodically and on demand, calling onChange
// with the new configuration whenever it differs from the previous one.
type Watcher struct {
	manager   *Manager
	interval  time.Duration
	refreshCh chan struct{}
}

func NewWatcher(manager *Manager, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Watcher{manager: manager, interval: interval, refreshCh: make(chan struct{}, 1)}
}

// TriggerRefresh asks for an immediate re-read.
func (w *Watcher) TriggerRefresh() {
	select {
	case w.refreshCh <- struct{}{}:
	default:
	}
}

func (w *Watcher) Run(ctx context.Context, onChange ApplyFunc) {
	for {
		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
		w.RefreshNow(ctx, onChange)
	}
}

// RefreshNow re-reads the configuration once and reports whether it changed.
func (w *Watcher) RefreshNow(ctx context.Context, onChange ApplyFunc) bool {
	changed, err := w.Reload(ctx, onChange)
	if err != nil {
		w.manager.logger.Warnw("config refresh failed; will retry", "err", err)
		return false
	}
	return changed
}

// Reload is RefreshNow with the read or apply error returned to the caller.
func (w *Watcher) Reload(ctx context.Context, onChange ApplyFunc) (bool, error) {
	changed, err := w.manager.Refresh(ctx)
	if err != nil || !changed {
		return false, err
	}
	file, _ := w.manager.Get()
	w.manager.logger.Infow("configuration changed", "devices", len(file.Devices), "datasources", len(file.Datasources))
	if err := onChange(ctx, file); err != nil {
		w.manager.Invalidate()
		return false, fmt.Errorf("apply configuration: %w", err)
	}
	return true, nil
}
