package configsync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/model"
)

type Source interface {
	FetchConfig(ctx context.Context) (FetchResult, error)
}

// Manager caches the last good configuration and detects changes by content hash.
type Manager struct {
	source Source
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	configured bool
	hash       uint64
	file       model.File
	// stale forces the next Refresh to report a change.
	stale bool
}

func NewManager(source Source, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{source: source, logger: logger.Named("configsync")}
}

// Refresh re-reads the source. On error the previous configuration stays active.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	res, err := m.source.FetchConfig(ctx)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := m.stale
	m.stale = false
	if !res.Configured {
		if m.configured {
			changed = true
		}
		m.configured = false
		m.hash = 0
		m.file = model.File{}
		return changed, nil
	}

	if !m.configured || res.Hash != m.hash {
		changed = true
	}
	m.configured = true
	m.hash = res.Hash
	m.file = res.File
	return changed, nil
}

// Invalidate marks the cached configuration as not applied so the next Refresh
// reports it as changed even when the content is the same.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.stale = true
	m.mu.Unlock()
}

// Get returns the current configuration; an unconfigured manager returns an empty file.
func (m *Manager) Get() (model.File, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file, m.configured
}
