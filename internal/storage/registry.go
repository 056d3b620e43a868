package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/model"
)

type opener func(ctx context.Context, cfg model.DatasourceConfig, logger *zap.SugaredLogger) (*DB, error)

// Registry owns the named datasources and opens them on first use.
type Registry struct {
	mu      sync.Mutex
	configs map[string]model.DatasourceConfig
	open    map[string]*DB
	opener  opener
	logger  *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		configs: map[string]model.DatasourceConfig{},
		open:    map[string]*DB{},
		opener:  Open,
		logger:  logger.Named("storage"),
	}
}

// Update replaces the datasource definitions. Connections whose definition
// changed or disappeared are closed.
func (r *Registry) Update(configs []model.DatasourceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]model.DatasourceConfig, len(configs))
	for _, cfg := range configs {
		next[cfg.Name] = cfg
	}
	for name, db := range r.open {
		if cfg, ok := next[name]; ok && cfg == r.configs[name] {
			continue
		}
		if err := db.Close(); err != nil {
			r.logger.Warnw("close datasource failed", "datasource", name, "err", err)
		}
		delete(r.open, name)
	}
	r.configs = next
}

// Get returns the open datasource called name, connecting if needed.
func (r *Registry) Get(ctx context.Context, name string) (*DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasourceNotFound, name)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDatasourceDisabled, name)
	}
	if db, ok := r.open[name]; ok {
		return db, nil
	}
	db, err := r.opener(ctx, cfg, r.logger)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, err
	}
	r.open[name] = db
	r.logger.Infow("datasource opened", "datasource", name, "driver", db.Driver())
	return db, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, db := range r.open {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(r.open, name)
	}
	return errors.Join(errs...)
}
