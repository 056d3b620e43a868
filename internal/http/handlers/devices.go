package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/micro-ha/ser-gateway/internal/channels"
	"github.com/micro-ha/ser-gateway/internal/session"
	"github.com/micro-ha/ser-gateway/internal/storage"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

type deviceDetail struct {
	session.Info
	Channels []channels.Config `json:"channels"`
}

// ListDevices returns every configured device.
func (a *API) ListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.devices.List()})
}

// GetDevice returns one device with its channel metadata.
func (a *API) GetDevice(w http.ResponseWriter, _ *http.Request, name string) {
	s, ok := a.devices.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, deviceDetail{Info: s.Info(), Channels: s.Channels()})
}

// DeviceTags returns the current telemetry of a device.
func (a *API) DeviceTags(w http.ResponseWriter, _ *http.Request, name string) {
	if _, ok := a.devices.Get(name); !ok {
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.tags.Snapshot(name)})
}

// DeviceEvents returns the newest stored events of a device.
func (a *API) DeviceEvents(w http.ResponseWriter, r *http.Request, name string) {
	s, ok := a.devices.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
		return
	}
	limit := defaultEventLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(value, maxEventLimit)
	}

	items, err := s.Recent(r.Context(), limit)
	if errors.Is(err, storage.ErrStoreUnavailable) || errors.Is(err, storage.ErrSchemaVerification) {
		writeError(w, http.StatusServiceUnavailable, "datastore_unavailable", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "events_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// PollDevice schedules an immediate channel and event poll.
func (a *API) PollDevice(w http.ResponseWriter, _ *http.Request, name string) {
	s, ok := a.devices.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
		return
	}
	if !s.TriggerPoll() {
		writeError(w, http.StatusConflict, "not_running", "Device session is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
