package configsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micro-ha/ser-gateway/internal/model"
)

const devicesYAML = `
datasources:
  - name: local
    dsn: /data/ser.db
devices:
  - name: relay1
    hostname: 10.0.0.5
    username: admin
    password: secret
    datasource: local
    event_poll_rate: 2s
    schema:
      table: RELAY_EVENTS
  - name: relay2
    hostname: https://10.0.0.6:8443/
    enabled: false
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write devices file: %v", err)
	}
}

func TestFetchConfigFromDevicesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeFile(t, path, devicesYAML)

	got, err := NewFileSource(path).FetchConfig(context.Background())
	if err != nil {
		t.Fatalf("FetchConfig() error: %v", err)
	}
	if !got.Configured {
		t.Fatalf("FetchConfig() configured = false, want true")
	}
	if len(got.File.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(got.File.Devices))
	}
	relay1 := got.File.Devices[0]
	if relay1.EventPollRate != 2*time.Second {
		t.Fatalf("EventPollRate = %s, want 2s", relay1.EventPollRate)
	}
	if relay1.ChannelPollRate != model.DefaultChannelPollRate {
		t.Fatalf("ChannelPollRate = %s, want default", relay1.ChannelPollRate)
	}
	if relay1.Schema.Table != "RELAY_EVENTS" || relay1.Schema.SequenceNumberColumn != "SEQUENCE_NUMBER" {
		t.Fatalf("Schema = %+v, want custom table with default columns", relay1.Schema)
	}
	if got.File.Devices[1].Enabled {
		t.Fatalf("relay2 enabled = true, want false")
	}
	if ds := got.File.Datasources[0]; ds.Driver != "sqlite" || !ds.Enabled {
		t.Fatalf("datasource = %+v, want enabled sqlite", ds)
	}
}

func TestFetchConfigMissingFile(t *testing.T) {
	got, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml")).FetchConfig(context.Background())
	if err != nil {
		t.Fatalf("FetchConfig() error: %v", err)
	}
	if got.Configured {
		t.Fatalf("configured = true, want false")
	}
}

func TestFetchConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeFile(t, path, "devices:\n  - name: relay1\n")
	if _, err := NewFileSource(path).FetchConfig(context.Background()); err == nil {
		t.Fatalf("FetchConfig() error = nil, want missing hostname error")
	}
}

func TestManagerDetectsChangesByContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeFile(t, path, devicesYAML)
	mgr := NewManager(NewFileSource(path), nil)
	ctx := context.Background()

	if changed, err := mgr.Refresh(ctx); err != nil || !changed {
		t.Fatalf("first Refresh() = %v, %v; want true, nil", changed, err)
	}
	if changed, err := mgr.Refresh(ctx); err != nil || changed {
		t.Fatalf("second Refresh() = %v, %v; want false, nil", changed, err)
	}

	writeFile(t, path, devicesYAML+"  - name: relay3\n    hostname: 10.0.0.7\n")
	if changed, err := mgr.Refresh(ctx); err != nil || !changed {
		t.Fatalf("Refresh() after edit = %v, %v; want true, nil", changed, err)
	}
	file, ok := mgr.Get()
	if !ok || len(file.Devices) != 3 {
		t.Fatalf("Get() = %d devices, %v; want 3, true", len(file.Devices), ok)
	}

	writeFile(t, path, "devices: [")
	if _, err := mgr.Refresh(ctx); err == nil {
		t.Fatalf("Refresh() on broken file error = nil")
	}
	if file, _ := mgr.Get(); len(file.Devices) != 3 {
		t.Fatalf("broken file replaced configuration")
	}
}

func TestWatcherCallsOnChangeOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeFile(t, path, devicesYAML)
	w := NewWatcher(NewManager(NewFileSource(path), nil), time.Hour)

	var calls atomic.Int32
	onChange := func(context.Context, model.File) error {
		calls.Add(1)
		return nil
	}
	if !w.RefreshNow(context.Background(), onChange) {
		t.Fatalf("RefreshNow() = false on first read")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, onChange)
	w.TriggerRefresh()
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Fatalf("onChange calls = %d, want 1", got)
	}
}

func TestWatcherReloadReturnsReadErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeFile(t, path, "devices: [")
	w := NewWatcher(NewManager(NewFileSource(path), nil), time.Hour)

	onChange := func(context.Context, model.File) error {
		t.Fatalf("onChange called for broken file")
		return nil
	}
	if changed, err := w.Reload(context.Background(), onChange); err == nil || changed {
		t.Fatalf("Reload() = %v, %v; want false, error", changed, err)
	}
}

func TestWatcherRetriesFailedApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeFile(t, path, devicesYAML)
	w := NewWatcher(NewManager(NewFileSource(path), nil), time.Hour)

	var calls atomic.Int32
	onChange := func(context.Context, model.File) error {
		if calls.Add(1) == 1 {
			return errors.New("datasource unreachable")
		}
		return nil
	}
	changed, err := w.Reload(context.Background(), onChange)
	if err == nil || changed {
		t.Fatalf("Reload() = %v, %v; want false, error", changed, err)
	}

	// same file content, but the previous apply never took effect
	if !w.RefreshNow(context.Background(), onChange) {
		t.Fatalf("RefreshNow() = false after failed apply")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("onChange calls = %d, want 2", got)
	}
	if w.RefreshNow(context.Background(), onChange) {
		t.Fatalf("RefreshNow() = true for unchanged, applied file")
	}
}
