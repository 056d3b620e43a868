// Package harvest runs one event collection cycle against a SER device: read the
// buffer status, plan the windows still unseen, fetch and decode them, and hand
// the events to the sinks in device order.
package harvest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/event"
	"github.com/micro-ha/ser-gateway/internal/model"
	"github.com/micro-ha/ser-gateway/internal/reconcile"
	"github.com/micro-ha/ser-gateway/internal/telemetry"
)

// Transport is the part of the device client a harvest needs.
type Transport interface {
	EventStatus(ctx context.Context) (model.EventStatus, error)
	Events(ctx context.Context, record, count uint32) ([]string, error)
}

// EventSink accepts decoded events. Implementations must tolerate the same
// event being appended more than once.
type EventSink interface {
	Append(ctx context.Context, device string, rec event.Record) error
}

// BatchSink is an EventSink that can store a whole window in one call.
type BatchSink interface {
	EventSink
	AppendBatch(ctx context.Context, device string, recs []event.Record) error
}

// Sinks fans events out to several sinks, stopping at the first failure.
type Sinks []EventSink

func (s Sinks) Append(ctx context.Context, device string, rec event.Record) error {
	for _, sink := range s {
		if err := sink.Append(ctx, device, rec); err != nil {
			return err
		}
	}
	return nil
}

// AppendBatch hands recs to each sink in turn, as a batch where supported.
func (s Sinks) AppendBatch(ctx context.Context, device string, recs []event.Record) error {
	for _, sink := range s {
		if err := appendAll(ctx, sink, device, recs); err != nil {
			return err
		}
	}
	return nil
}

func appendAll(ctx context.Context, sink EventSink, device string, recs []event.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if batch, ok := sink.(BatchSink); ok {
		return batch.AppendBatch(ctx, device, recs)
	}
	for _, rec := range recs {
		if err := sink.Append(ctx, device, rec); err != nil {
			return fmt.Errorf("append event %d: %w", rec.SequenceNumber, err)
		}
	}
	return nil
}

// Result summarizes one cycle.
type Result struct {
	ID        string
	Status    model.EventStatus
	Plan      reconcile.Plan
	Events    int
	Last      *event.Record
	Malformed []error
	Baseline  reconcile.Baseline
}

// Harvester owns the reconciliation baseline of one device.
type Harvester struct {
	device    string
	transport Transport
	tags      telemetry.Sink
	opts      reconcile.Options
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	baseline reconcile.Baseline
}

func New(device string, transport Transport, tags telemetry.Sink, opts reconcile.Options, logger *zap.SugaredLogger) *Harvester {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Harvester{
		device:    device,
		transport: transport,
		tags:      tags,
		opts:      opts,
		logger:    logger,
	}
}

// Baseline returns the sequence number of the last harvested event.
func (h *Harvester) Baseline() reconcile.Baseline {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseline
}

// SetBaseline seeds the baseline, e.g. from the newest stored event after a restart.
func (h *Harvester) SetBaseline(b reconcile.Baseline) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.baseline = b
}

// Harvest runs one cycle, appending new events to sink window by window. Calls
// must not overlap.
//
// The baseline moves only after every window was fetched and appended. A failed
// cycle leaves it untouched so the next cycle plans the same windows again.
// Malformed records are skipped and reported in Result.Malformed.
func (h *Harvester) Harvest(ctx context.Context, sink EventSink) (Result, error) {
	res := Result{ID: uuid.NewString()}
	log := h.logger.With("harvest_id", res.ID)

	status, err := h.transport.EventStatus(ctx)
	if err != nil {
		return res, fmt.Errorf("read event status: %w", err)
	}
	res.Status = status

	prev := h.Baseline()
	res.Baseline = prev
	res.Plan = reconcile.Build(prev, status, h.opts)

	var last *event.Record
	for i, window := range res.Plan.Windows {
		raws, err := h.transport.Events(ctx, window.Start, window.Count)
		if err != nil {
			return res, fmt.Errorf("fetch window %d/%d (record %d, count %d): %w",
				i+1, len(res.Plan.Windows), window.Start, window.Count, err)
		}
		if len(raws) != int(window.Count) {
			log.Warnw("device returned unexpected record count",
				"record", window.Start, "requested", window.Count, "received", len(raws))
		}
		recs := make([]event.Record, 0, len(raws))
		for _, raw := range raws {
			rec, err := event.Decode(raw)
			if err != nil {
				res.Malformed = append(res.Malformed, err)
				log.Warnw("skipping malformed event record", "record", window.Start, "err", err)
				continue
			}
			recs = append(recs, rec)
		}
		if err := appendAll(ctx, sink, h.device, recs); err != nil {
			return res, fmt.Errorf("store window %d/%d (record %d): %w",
				i+1, len(res.Plan.Windows), window.Start, err)
		}
		if len(recs) > 0 {
			res.Events += len(recs)
			newest := recs[len(recs)-1]
			last = &newest
		}
	}

	if last != nil {
		res.Last = last
		h.publishLastEvent(*last)
		h.mu.Lock()
		h.baseline = reconcile.At(last.SequenceNumber)
		res.Baseline = h.baseline
		h.mu.Unlock()
	}
	h.publishStatus(status)

	if !res.Plan.Empty() {
		log.Debugw("harvest complete",
			"windows", len(res.Plan.Windows), "events", res.Events,
			"malformed", len(res.Malformed), "baseline", res.Baseline.String())
	}
	return res, nil
}

func (h *Harvester) publishLastEvent(rec event.Record) {
	if h.tags == nil {
		return
	}
	h.tags.Update(telemetry.PathLastEventSequence, rec.SequenceNumber)
	h.tags.Update(telemetry.PathLastEventCode, rec.Code.Display())
	h.tags.Update(telemetry.PathLastEventChannel, rec.Channel)
	h.tags.Update(telemetry.PathLastEventStatus, rec.InputStatus.String())
	h.tags.Update(telemetry.PathLastEventCoincident, strconv.FormatUint(uint64(rec.CoincidentStatus), 10))
	h.tags.Update(telemetry.PathLastEventTimestamp, rec.TimestampMs)
	h.tags.Update(telemetry.PathLastEventDST, rec.DST.String())
	h.tags.Update(telemetry.PathLastEventTimeQuality, rec.TimeQuality.String())
}

func (h *Harvester) publishStatus(status model.EventStatus) {
	if h.tags == nil {
		return
	}
	h.tags.Update(telemetry.PathEventNumberOfEvents, status.NumberOfEvents)
	h.tags.Update(telemetry.PathEventFirstRecord, status.FirstRecord)
	h.tags.Update(telemetry.PathEventLastRecord, status.LastRecord)
	h.tags.Update(telemetry.PathEventLastSequence, status.LastSequenceNumber)
}
