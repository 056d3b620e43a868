// Package manager keeps the set of running device sessions in line with the
// configured devices.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/model"
	"github.com/micro-ha/ser-gateway/internal/session"
)

// DatasourceUpdater receives datasource definitions before sessions are reconciled.
type DatasourceUpdater interface {
	Update(configs []model.DatasourceConfig)
}

type Manager struct {
	deps        session.Deps
	datasources DatasourceUpdater
	logger      *zap.SugaredLogger

	// applyMu serializes Apply and StopAll.
	applyMu sync.Mutex

	mu        sync.RWMutex
	sessions  map[string]*session.Session
	dsConfigs map[string]model.DatasourceConfig
}

// New builds an empty manager. datasources may be nil when deps.Datasources is static.
func New(deps session.Deps, datasources DatasourceUpdater) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		deps:        deps,
		datasources: datasources,
		logger:      logger.Named("manager"),
		sessions:    map[string]*session.Session{},
		dsConfigs:   map[string]model.DatasourceConfig{},
	}
}

// Apply installs file: datasources first, then devices. Sessions whose device
// config or datasource definition changed are restarted.
func (m *Manager) Apply(ctx context.Context, file model.File) error {
	if err := file.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	next := make(map[string]model.DatasourceConfig, len(file.Datasources))
	for _, ds := range file.Datasources {
		next[ds.Name] = ds
	}
	changedDS := map[string]bool{}
	for name, cfg := range next {
		if prev, ok := m.dsConfigs[name]; !ok || prev != cfg {
			changedDS[name] = true
		}
	}
	for name := range m.dsConfigs {
		if _, ok := next[name]; !ok {
			changedDS[name] = true
		}
	}

	var errs []error
	// sessions bound to a changed datasource must let go of it before it is closed
	m.mu.RLock()
	var affected []*session.Session
	for _, s := range m.sessions {
		if ds := s.Config().Datasource; ds != "" && changedDS[ds] {
			affected = append(affected, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range affected {
		if err := m.stop(ctx, s.Name(), false); err != nil {
			errs = append(errs, err)
		}
	}

	if m.datasources != nil {
		m.datasources.Update(file.Datasources)
	}
	m.mu.Lock()
	m.dsConfigs = next
	m.mu.Unlock()

	if err := m.reconcile(ctx, file.Devices); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reconcile starts, restarts and stops sessions so exactly the given devices run.
func (m *Manager) Reconcile(ctx context.Context, devices []model.DeviceConfig) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	return m.reconcile(ctx, devices)
}

func (m *Manager) reconcile(ctx context.Context, devices []model.DeviceConfig) error {
	desired := make(map[string]model.DeviceConfig, len(devices))
	for _, cfg := range devices {
		cfg = cfg.Normalize()
		desired[cfg.Name] = cfg
	}

	var errs []error
	m.mu.RLock()
	var stale []string
	for name, s := range m.sessions {
		cfg, ok := desired[name]
		if !ok || cfg != s.Config() {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range stale {
		_, keep := desired[name]
		if err := m.stop(ctx, name, !keep); err != nil {
			errs = append(errs, err)
		}
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.mu.RLock()
		_, running := m.sessions[name]
		m.mu.RUnlock()
		if running {
			continue
		}
		s := session.New(desired[name], m.deps)
		if err := s.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", name, err))
			continue
		}
		m.mu.Lock()
		m.sessions[name] = s
		m.mu.Unlock()
		m.logger.Infow("device added", "device", name, "enabled", desired[name].Enabled)
	}
	return errors.Join(errs...)
}

// stop removes a session. forget also drops its published tags and metrics.
func (m *Manager) stop(ctx context.Context, name string, forget bool) error {
	m.mu.Lock()
	s, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.Stop(ctx)
	if forget {
		if m.deps.Tags != nil {
			m.deps.Tags.Delete(name)
		}
		m.deps.Metrics.Forget(name)
		m.logger.Infow("device removed", "device", name)
	}
	if err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

func (m *Manager) Get(name string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// List returns the state of every session ordered by name.
func (m *Manager) List() []session.Info {
	m.mu.RLock()
	out := make([]session.Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StopAll stops every session; failures are joined and do not stop the others.
func (m *Manager) StopAll(ctx context.Context) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.RLock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var errs []error
	for _, name := range names {
		if err := m.stop(ctx, name, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
