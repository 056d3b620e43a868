package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/model"
)

func TestRegistryResolvesDatasources(t *testing.T) {
	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.Close() })
	dir := t.TempDir()
	reg.Update([]model.DatasourceConfig{
		{Name: "local", Driver: DriverSQLite, DSN: filepath.Join(dir, "a.db"), Enabled: true},
		{Name: "off", Driver: DriverSQLite, DSN: filepath.Join(dir, "b.db"), Enabled: false},
	})
	ctx := context.Background()

	db, err := reg.Get(ctx, "local")
	require.NoError(t, err)
	again, err := reg.Get(ctx, "local")
	require.NoError(t, err)
	assert.Same(t, db, again)

	_, err = reg.Get(ctx, "off")
	assert.ErrorIs(t, err, ErrDatasourceDisabled)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = reg.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrDatasourceNotFound)
}

func TestRegistryReopensChangedDatasource(t *testing.T) {
	reg := NewRegistry(nil)
	t.Cleanup(func() { _ = reg.Close() })
	dir := t.TempDir()
	ctx := context.Background()

	reg.Update([]model.DatasourceConfig{{Name: "local", Driver: DriverSQLite, DSN: filepath.Join(dir, "a.db"), Enabled: true}})
	first, err := reg.Get(ctx, "local")
	require.NoError(t, err)

	reg.Update([]model.DatasourceConfig{{Name: "local", Driver: DriverSQLite, DSN: filepath.Join(dir, "b.db"), Enabled: true}})
	second, err := reg.Get(ctx, "local")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestRegistryWrapsOpenFailures(t *testing.T) {
	reg := NewRegistry(nil)
	reg.opener = func(context.Context, model.DatasourceConfig, *zap.SugaredLogger) (*DB, error) {
		return nil, errors.New("connection refused")
	}
	reg.Update([]model.DatasourceConfig{{Name: "pg", Driver: DriverPostgres, Enabled: true}})

	_, err := reg.Get(context.Background(), "pg")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
