package handlers

import (
	"context"
	"net/http"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/session"
	"github.com/micro-ha/ser-gateway/internal/telemetry"
)

// Devices exposes the running device sessions.
type Devices interface {
	List() []session.Info
	Get(name string) (*session.Session, bool)
}

// Tags is the live telemetry table.
type Tags interface {
	Snapshot(prefix string) []telemetry.Tag
	Subscribe(buffer int) (<-chan telemetry.Tag, func())
}

// ReloadFunc re-reads the devices file and reports whether anything changed.
type ReloadFunc func(ctx context.Context) (bool, error)

// API groups HTTP handlers and dependencies.
type API struct {
	devices Devices
	tags    Tags
	metrics http.Handler
	reload  ReloadFunc
	logger  *zap.SugaredLogger
}

// New creates HTTP handlers with explicit dependencies. metrics and reload may be nil.
func New(devices Devices, tags Tags, metrics http.Handler, reload ReloadFunc, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &API{
		devices: devices,
		tags:    tags,
		metrics: metrics,
		reload:  reload,
		logger:  logger.Named("http"),
	}
}

// Logger returns request logger used by HTTP middleware.
func (a *API) Logger() *zap.SugaredLogger {
	return a.logger
}

// Health reports liveness and the number of configured devices.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "devices": len(a.devices.List())})
}

// Metrics serves the Prometheus exposition.
func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics_disabled", "Metrics not available")
		return
	}
	a.metrics.ServeHTTP(w, r)
}

// Reload re-reads the devices file.
func (a *API) Reload(w http.ResponseWriter, r *http.Request) {
	if a.reload == nil {
		writeError(w, http.StatusNotImplemented, "reload_unavailable", "Reload not configured")
		return
	}
	changed, err := a.reload(r.Context())
	if err != nil {
		a.logger.Warnw("config reload failed", "err", err)
		writeError(w, http.StatusUnprocessableEntity, "reload_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
