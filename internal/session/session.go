// Package session runs the recurring work of one SER device: channel polling,
// event harvesting and retention pruning, each on its own fixed-delay loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/channels"
	"github.com/micro-ha/ser-gateway/internal/harvest"
	"github.com/micro-ha/ser-gateway/internal/metrics"
	"github.com/micro-ha/ser-gateway/internal/model"
	"github.com/micro-ha/ser-gateway/internal/poller"
	"github.com/micro-ha/ser-gateway/internal/reconcile"
	"github.com/micro-ha/ser-gateway/internal/serclient"
	"github.com/micro-ha/ser-gateway/internal/storage"
	"github.com/micro-ha/ser-gateway/internal/telemetry"
)

const (
	// DatastoreRetryInterval is the minimum time between two datastore initializations.
	DatastoreRetryInterval = 60 * time.Second
	PruneInterval          = 30 * time.Minute
)

// Client is the device API a session polls.
type Client interface {
	harvest.Transport
	ChannelNames(ctx context.Context) ([]channels.Config, error)
	ChannelStatus(ctx context.Context) (uint32, error)
	ChannelData(ctx context.Context) ([]serclient.ChannelReading, error)
	Diagnostics(ctx context.Context) (serclient.Diagnostics, error)
	Close() error
}

// Datasources resolves a datasource name to an open database.
type Datasources interface {
	Get(ctx context.Context, name string) (*storage.DB, error)
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Datasources Datasources
	Tags        *telemetry.Store
	// Forwarder receives every harvested event in addition to the datastore. Optional.
	Forwarder harvest.EventSink
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
	NewClient func(cfg model.DeviceConfig, logger *zap.SugaredLogger) Client
	Reconcile reconcile.Options
	Now       func() time.Time
}

// Info is a point-in-time view of a session.
type Info struct {
	Name            string                `json:"name"`
	Hostname        string                `json:"hostname"`
	Enabled         bool                  `json:"enabled"`
	Status          model.DeviceStatus    `json:"status"`
	DatastoreStatus model.DatastoreStatus `json:"datastore_status"`
	Datasource      string                `json:"datasource,omitempty"`
	Baseline        *uint32               `json:"last_sequence_number"`
}

type Session struct {
	cfg       model.DeviceConfig
	deps      Deps
	tags      telemetry.Sink
	logger    *zap.SugaredLogger
	status    *fsm.FSM
	registry  *channels.Registry
	client    Client
	harvester *harvest.Harvester
	// seeded is touched only by the event task once the session runs.
	seeded bool

	dsMu       sync.Mutex
	dsStatus   model.DatastoreStatus
	table      *storage.EventTable
	lastDSInit time.Time

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	pollers []*poller.Poller
}

func New(cfg model.DeviceConfig, deps Deps) *Session {
	cfg = cfg.Normalize()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tags == nil {
		deps.Tags = telemetry.NewStore()
	}
	if deps.NewClient == nil {
		deps.NewClient = func(cfg model.DeviceConfig, logger *zap.SugaredLogger) Client {
			return serclient.New(cfg, logger)
		}
	}

	s := &Session{
		cfg:      cfg,
		deps:     deps,
		tags:     deps.Tags.Scoped(cfg.Name),
		logger:   deps.Logger.Named("session").With("device", cfg.Name),
		registry: channels.NewRegistry(),
		dsStatus: model.DatastoreStatusUnknown,
	}
	s.status = newStatusMachine(s.onStatus)
	return s
}

func (s *Session) Name() string {
	return s.cfg.Name
}

func (s *Session) Config() model.DeviceConfig {
	return s.cfg
}

func (s *Session) Status() model.DeviceStatus {
	return model.DeviceStatus(s.status.Current())
}

func (s *Session) DatastoreStatus() model.DatastoreStatus {
	s.dsMu.Lock()
	defer s.dsMu.Unlock()
	return s.dsStatus
}

func (s *Session) Channels() []channels.Config {
	return s.registry.List()
}

func (s *Session) Info() Info {
	info := Info{
		Name:            s.cfg.Name,
		Hostname:        s.cfg.Hostname,
		Enabled:         s.cfg.Enabled,
		Status:          s.Status(),
		DatastoreStatus: s.DatastoreStatus(),
		Datasource:      s.cfg.Datasource,
	}
	s.lifeMu.Lock()
	h := s.harvester
	s.lifeMu.Unlock()
	if h != nil {
		if b := h.Baseline(); b.Known {
			seq := b.Sequence
			info.Baseline = &seq
		}
	}
	return info
}

// Start launches the polling loops. A disabled device only publishes its status.
// Calling Start on a running session does nothing.
func (s *Session) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return nil
	}

	if !s.cfg.Enabled {
		s.setDatastoreStatus(model.DatastoreStatusUnknown)
		return fire(ctx, s.status, eventDisable)
	}
	if err := fire(ctx, s.status, eventStart); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Name, err)
	}
	if s.cfg.Datasource == "" {
		s.setDatastoreStatus(model.DatastoreStatusNotConfigured)
	} else {
		s.setDatastoreStatus(model.DatastoreStatusUnknown)
	}

	s.client = s.deps.NewClient(s.cfg, s.logger)
	if s.harvester == nil {
		s.harvester = harvest.New(s.cfg.Name, s.client, s.tags, s.deps.Reconcile, s.logger)
	} else {
		baseline := s.harvester.Baseline()
		s.harvester = harvest.New(s.cfg.Name, s.client, s.tags, s.deps.Reconcile, s.logger)
		s.harvester.SetBaseline(baseline)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pollers = []*poller.Poller{
		poller.New(poller.Task{
			Name:      metrics.TaskChannel,
			Interval:  func() time.Duration { return s.cfg.ChannelPollRate },
			Run:       s.pollChannels,
			Immediate: true,
		}, s.logger),
		poller.New(poller.Task{
			Name:      metrics.TaskEvent,
			Interval:  func() time.Duration { return s.cfg.EventPollRate },
			Run:       s.pollEvents,
			Immediate: true,
		}, s.logger),
	}
	if s.cfg.PruneEnabled {
		s.pollers = append(s.pollers, poller.New(poller.Task{
			Name:     metrics.TaskPrune,
			Interval: func() time.Duration { return PruneInterval },
			Run:      s.prune,
		}, s.logger))
	}
	// each run gets its own group so a Stop that timed out never races a later Start
	wg := &sync.WaitGroup{}
	s.wg = wg
	for _, p := range s.pollers {
		wg.Add(1)
		go func(p *poller.Poller) {
			defer wg.Done()
			p.Run(runCtx)
		}(p)
	}
	s.running = true
	s.logger.Infow("device session started",
		"host", s.cfg.Hostname,
		"channel_poll_rate", s.cfg.ChannelPollRate,
		"event_poll_rate", s.cfg.EventPollRate,
		"datasource", s.cfg.Datasource)
	return nil
}

// Stop cancels the loops, waits for in-flight cycles and releases the client.
// Every step runs even when an earlier one fails. Stopping twice is harmless.
func (s *Session) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	var errs []error
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	wg := s.wg
	s.wg = nil
	done := make(chan struct{})
	go func() {
		if wg != nil {
			wg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for tasks: %w", ctx.Err()))
	}
	s.pollers = nil

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close client: %w", err))
		}
	}
	if err := fire(context.Background(), s.status, eventReset); err != nil {
		errs = append(errs, err)
	}

	s.dsMu.Lock()
	s.table = nil
	s.lastDSInit = time.Time{}
	s.dsMu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warnw("device session stopped with errors", "err", err)
	} else {
		s.logger.Infow("device session stopped")
	}
	return err
}

// TriggerPoll runs the channel and event tasks now instead of at their next tick.
func (s *Session) TriggerPoll() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return false
	}
	for _, p := range s.pollers {
		p.TriggerRefresh()
	}
	return true
}

// Recent returns the newest stored events of the device.
func (s *Session) Recent(ctx context.Context, limit int) ([]storage.StoredEvent, error) {
	s.dsMu.Lock()
	table := s.table
	s.dsMu.Unlock()
	if table == nil {
		return nil, fmt.Errorf("%w: datastore %s", storage.ErrStoreUnavailable, s.DatastoreStatus())
	}
	return table.Recent(ctx, s.cfg.Name, limit)
}

func (s *Session) onStatus(status model.DeviceStatus) {
	s.tags.Update(telemetry.PathStatus, string(status))
	s.deps.Metrics.SetStatus(s.cfg.Name, status)
	s.logger.Debugw("device status changed", "status", status)
}

func (s *Session) setDatastoreStatus(status model.DatastoreStatus) {
	s.dsMu.Lock()
	changed := s.dsStatus != status
	s.dsStatus = status
	s.dsMu.Unlock()
	s.tags.Update(telemetry.PathDatabaseStatus, string(status))
	if changed {
		s.logger.Infow("datastore status changed", "status", status)
	}
}

func (s *Session) markOutcome(ctx context.Context, err error) {
	if ctx.Err() != nil {
		// the run was cancelled; a later Start owns the status now
		return
	}
	event := eventSucceed
	if err != nil {
		event = eventFail
	}
	if ferr := fire(ctx, s.status, event); ferr != nil {
		s.logger.Warnw("status transition failed", "event", event, "err", ferr)
	}
}
