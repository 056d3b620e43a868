package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micro-ha/ser-gateway/internal/harvest"
	"github.com/micro-ha/ser-gateway/internal/metrics"
	"github.com/micro-ha/ser-gateway/internal/model"
	"github.com/micro-ha/ser-gateway/internal/reconcile"
	"github.com/micro-ha/ser-gateway/internal/serclient"
	"github.com/micro-ha/ser-gateway/internal/storage"
	"github.com/micro-ha/ser-gateway/internal/telemetry"
)

// pollChannels refreshes diagnostics, channel names and live channel state.
func (s *Session) pollChannels(ctx context.Context) error {
	started := s.deps.Now()
	s.tags.Update(telemetry.PathChannelLastExecution, started.UTC())

	err := s.readChannels(ctx)
	took := s.deps.Now().Sub(started)
	s.deps.Metrics.ObservePoll(s.cfg.Name, metrics.TaskChannel, took, err)
	s.markOutcome(ctx, err)
	if err != nil {
		s.logPollError("channel poll failed", err)
		return err
	}

	s.tags.Update(telemetry.PathChannelLastDuration, took.Milliseconds())
	s.tags.Update(telemetry.PathChannelNextExecution, s.deps.Now().Add(s.cfg.ChannelPollRate).UTC())
	return nil
}

func (s *Session) readChannels(ctx context.Context) error {
	diag, err := s.client.Diagnostics(ctx)
	if err != nil {
		return fmt.Errorf("read diagnostics: %w", err)
	}
	s.publishDiagnostics(diag)

	names, err := s.client.ChannelNames(ctx)
	if err != nil {
		return fmt.Errorf("read channel names: %w", err)
	}
	s.registry.Update(names)
	for _, cfg := range names {
		s.tags.Update(telemetry.ChannelPath(cfg.Channel, "Channel"), cfg.Channel)
		s.tags.Update(telemetry.ChannelPath(cfg.Channel, "Name"), cfg.Name)
	}

	mask, err := s.client.ChannelStatus(ctx)
	if err != nil {
		return fmt.Errorf("read channel status: %w", err)
	}
	readings, err := s.client.ChannelData(ctx)
	if err != nil {
		return fmt.Errorf("read channel data: %w", err)
	}
	for i, reading := range readings {
		cfg := s.registry.ForChannel(i + 1)
		on := mask&(1<<uint(i)) != 0
		s.tags.Update(telemetry.ChannelPath(cfg.Channel, "SecondsUTC"), reading.SecondsUTC)
		s.tags.Update(telemetry.ChannelPath(cfg.Channel, "DSTActive"), reading.DSTActive != 0)
		s.tags.Update(telemetry.ChannelPath(cfg.Channel, "Value"), on)
		s.tags.Update(telemetry.ChannelPath(cfg.Channel, "Counter"), reading.Value)
		s.tags.Update(telemetry.ChannelPath(cfg.Channel, "Status"), cfg.StatusText(on))
	}
	return nil
}

func (s *Session) publishDiagnostics(d serclient.Diagnostics) {
	values := []struct {
		field string
		value any
	}{
		{"Mac1", d.Mac1},
		{"Mac2", d.Mac2},
		{"Eport", d.Eport},
		{"Model", d.Model},
		{"DeviceName", d.DeviceName},
		{"DeviceId", d.DeviceID},
		{"CatalogNumber", d.CatalogNumber},
		{"DOM", d.DOM},
		{"SerialNumber", d.SerialNumber},
		{"HardwareVersion", d.HardwareVersion},
		{"FirmwareVersion", d.FirmwareVersion},
		{"Build", d.Build},
		{"CFM0Version", d.CFM0Version},
		{"CFM1Version", d.CFM1Version},
		{"UFMVersion", d.UFMVersion},
		{"PCMVersion", d.PCMVersion},
		{"StorageTotal", d.StorageTotal},
		{"StorageFree", d.StorageFree},
		{"StorageScale", d.StorageScale},
		{"SecondsUTC", d.SecondsUTC},
		{"DSTActive", d.DSTActive != 0},
		{"TimeZoneOffset", d.TimeZoneOffset},
		{"AltDateFormat", d.AltDateFormat},
		{"AltTimeFormat", d.AltTimeFormat},
		{"TimeSourceSetup", d.TimeSourceSetup},
		{"Slot1", d.Slot1},
		{"Slot2", d.Slot2},
	}
	for _, v := range values {
		s.tags.Update(telemetry.DiagnosticsPath(v.field), v.value)
	}
}

// pollEvents harvests new events when a sink is ready to take them.
func (s *Session) pollEvents(ctx context.Context) error {
	started := s.deps.Now()
	s.tags.Update(telemetry.PathEventLastExecution, started.UTC())

	err := s.harvestOnce(ctx)
	took := s.deps.Now().Sub(started)
	s.deps.Metrics.ObservePoll(s.cfg.Name, metrics.TaskEvent, took, err)
	s.markOutcome(ctx, err)
	if err != nil {
		s.logPollError("event poll failed", err)
		return err
	}

	s.tags.Update(telemetry.PathEventLastDuration, took.Milliseconds())
	s.tags.Update(telemetry.PathEventNextExecution, s.deps.Now().Add(s.cfg.EventPollRate).UTC())
	return nil
}

func (s *Session) harvestOnce(ctx context.Context) error {
	var (
		sinks harvest.Sinks
		table *storage.EventTable
	)
	if s.cfg.Datasource != "" {
		table = s.ensureDatastore(ctx)
		if table == nil {
			// events stay in the device buffer until the store is back
			return nil
		}
		sinks = append(sinks, table)
	}
	if s.deps.Forwarder != nil {
		sinks = append(sinks, s.deps.Forwarder)
	}
	if len(sinks) == 0 {
		return nil
	}
	if !s.seeded {
		if err := s.seedBaseline(ctx, table); err != nil {
			s.noteStoreFailure(err)
			return err
		}
	}

	res, err := s.harvester.Harvest(ctx, sinks)
	s.deps.Metrics.ObserveHarvest(s.cfg.Name, res.Events, len(res.Malformed))
	if err != nil {
		s.noteStoreFailure(err)
		return err
	}
	if res.Events > 0 {
		s.logger.Infow("events harvested",
			"harvest_id", res.ID,
			"events", res.Events,
			"windows", len(res.Plan.Windows),
			"last_sequence_number", res.Baseline.String())
	}
	return nil
}

// seedBaseline restores the baseline of a fresh session so a restart or config
// change does not hand already harvested events to the sinks again. The last
// published event sequence wins; the newest stored row covers a cold start.
func (s *Session) seedBaseline(ctx context.Context, table *storage.EventTable) error {
	if s.harvester.Baseline().Known {
		s.seeded = true
		return nil
	}
	if tag, ok := s.deps.Tags.Get(s.cfg.Name + "/" + telemetry.PathLastEventSequence); ok {
		if seq, ok := sequenceValue(tag.Value); ok {
			s.harvester.SetBaseline(reconcile.At(seq))
			s.seeded = true
			s.logger.Infow("baseline restored from telemetry", "last_sequence_number", seq)
			return nil
		}
	}
	if table != nil {
		latest, err := table.Recent(ctx, s.cfg.Name, 1)
		if err != nil {
			return fmt.Errorf("read newest stored event: %w", err)
		}
		if len(latest) == 1 {
			seq := latest[0].SequenceNumber
			s.harvester.SetBaseline(reconcile.At(seq))
			s.logger.Infow("baseline restored from datastore", "last_sequence_number", seq)
		}
	}
	s.seeded = true
	return nil
}

func sequenceValue(v any) (uint32, bool) {
	var n int64
	switch value := v.(type) {
	case uint32:
		return value, true
	case int:
		n = int64(value)
	case int64:
		n = value
	case uint64:
		if value >= reconcile.SequenceModulus {
			return 0, false
		}
		n = int64(value)
	case float64:
		n = int64(value)
		if float64(n) != value {
			return 0, false
		}
	default:
		return 0, false
	}
	if n < 0 || n >= reconcile.SequenceModulus {
		return 0, false
	}
	return uint32(n), true
}

func (s *Session) logPollError(msg string, err error) {
	var deviceErr *serclient.Error
	if errors.As(err, &deviceErr) && deviceErr.Unauthorized() {
		s.logger.Errorw("device rejected credentials", "username", s.cfg.Username, "path", deviceErr.Path, "err", err)
		return
	}
	s.logger.Errorw(msg, "err", err)
}

// ensureDatastore returns the events table once it is verified. Initialization is
// attempted at most once per DatastoreRetryInterval.
func (s *Session) ensureDatastore(ctx context.Context) *storage.EventTable {
	s.dsMu.Lock()
	if s.table != nil {
		table := s.table
		s.dsMu.Unlock()
		return table
	}
	now := s.deps.Now()
	if !s.lastDSInit.IsZero() && now.Sub(s.lastDSInit) < DatastoreRetryInterval {
		s.dsMu.Unlock()
		return nil
	}
	s.lastDSInit = now
	s.dsMu.Unlock()

	table, status, err := s.initDatastore(ctx)
	s.setDatastoreStatus(status)
	if err != nil {
		s.deps.Metrics.ObservePoll(s.cfg.Name, metrics.TaskSchema, s.deps.Now().Sub(now), err)
		s.logger.Errorw("datastore initialization failed",
			"datasource", s.cfg.Datasource, "status", status, "retry_in", DatastoreRetryInterval, "err", err)
		return nil
	}

	s.dsMu.Lock()
	s.table = table
	s.dsMu.Unlock()
	s.logger.Infow("datastore ready", "datasource", s.cfg.Datasource, "table", table.Schema().Table)
	return table
}

func (s *Session) initDatastore(ctx context.Context) (*storage.EventTable, model.DatastoreStatus, error) {
	if s.deps.Datasources == nil {
		return nil, model.DatastoreStatusNotConfigured, fmt.Errorf("%w: no datasources", storage.ErrDatasourceNotFound)
	}
	db, err := s.deps.Datasources.Get(ctx, s.cfg.Datasource)
	switch {
	case errors.Is(err, storage.ErrDatasourceDisabled):
		return nil, model.DatastoreStatusDisabled, err
	case err != nil:
		return nil, model.DatastoreStatusFaulted, err
	}

	table, err := db.Events(s.cfg.Schema)
	if err != nil {
		return nil, model.DatastoreStatusFaulted, err
	}
	if err := table.EnsureSchema(ctx, s.cfg.AutoCreate); err != nil {
		if errors.Is(err, storage.ErrSchemaVerification) {
			return nil, model.DatastoreStatusNotVerified, err
		}
		return nil, model.DatastoreStatusFaulted, err
	}
	return table, model.DatastoreStatusValid, nil
}

// noteStoreFailure drops the table after a storage error so the next cycle
// re-initializes it once the retry interval has passed.
func (s *Session) noteStoreFailure(err error) {
	var status model.DatastoreStatus
	switch {
	case errors.Is(err, storage.ErrSchemaVerification):
		status = model.DatastoreStatusNotVerified
	case errors.Is(err, storage.ErrStoreUnavailable), errors.Is(err, storage.ErrStatementFailed):
		status = model.DatastoreStatusFaulted
	default:
		return
	}
	s.dsMu.Lock()
	s.table = nil
	s.lastDSInit = s.deps.Now()
	s.dsMu.Unlock()
	s.setDatastoreStatus(status)
}

// prune deletes stored events older than the retention period.
func (s *Session) prune(ctx context.Context) error {
	s.dsMu.Lock()
	table := s.table
	s.dsMu.Unlock()
	if table == nil {
		return nil
	}

	started := s.deps.Now()
	cutoff := started.Add(-s.cfg.Retention())
	removed, err := table.Prune(ctx, s.cfg.Name, cutoff)
	s.deps.Metrics.ObservePoll(s.cfg.Name, metrics.TaskPrune, s.deps.Now().Sub(started), err)
	if err != nil {
		s.logger.Errorw("prune failed", "err", err)
		s.noteStoreFailure(err)
		return err
	}
	s.deps.Metrics.ObservePruned(s.cfg.Name, removed)
	if removed > 0 {
		s.logger.Debugw("pruned old events", "removed", removed, "before", cutoff.UTC().Format(time.RFC3339))
	}
	return nil
}
