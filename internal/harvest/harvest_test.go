package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/ser-gateway/internal/event"
	"github.com/micro-ha/ser-gateway/internal/model"
	"github.com/micro-ha/ser-gateway/internal/reconcile"
	"github.com/micro-ha/ser-gateway/internal/telemetry"
)

var baseTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// fakeDevice keeps a circular buffer of encoded records like the real recorder.
type fakeDevice struct {
	mu        sync.Mutex
	buffer    map[uint32]string
	status    model.EventStatus
	calls     []reconcile.Window
	failOn    int
	statusErr error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{buffer: map[uint32]string{}, failOn: -1}
}

// record stores an event with the given sequence number at buffer index idx.
func (d *fakeDevice) record(t *testing.T, idx, seq uint32) {
	t.Helper()
	raw, err := event.Encode(event.Record{
		Code:           event.CodeInputStatusChange,
		Channel:        int(seq%32) + 1,
		InputStatus:    event.InputStatus(seq % 2),
		SequenceNumber: seq,
		TimestampMs:    baseTime.Add(time.Duration(seq) * time.Second).UnixMilli(),
	})
	require.NoError(t, err)
	d.buffer[idx%reconcile.DefaultBufferCapacity] = raw
	d.status.LastRecord = idx % reconcile.DefaultBufferCapacity
	d.status.LastSequenceNumber = seq
	d.status.NumberOfEvents++
}

func (d *fakeDevice) EventStatus(context.Context) (model.EventStatus, error) {
	if d.statusErr != nil {
		return model.EventStatus{}, d.statusErr
	}
	return d.status, nil
}

func (d *fakeDevice) Events(_ context.Context, record, count uint32) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, reconcile.Window{Start: record, Count: count})
	if len(d.calls)-1 == d.failOn {
		return nil, errors.New("connection reset")
	}
	out := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, ok := d.buffer[(record+i)%reconcile.DefaultBufferCapacity]
		if !ok {
			raw = "0000-0000-0000-0000-0000-0000-0000-0000"
		}
		out = append(out, raw)
	}
	return out, nil
}

type memorySink struct {
	mu     sync.Mutex
	events []event.Record
	err    error
}

func (s *memorySink) Append(_ context.Context, _ string, rec event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, rec)
	return nil
}

func (s *memorySink) sequences() []uint32 {
	out := make([]uint32, 0, len(s.events))
	for _, rec := range s.events {
		out = append(out, rec.SequenceNumber)
	}
	return out
}

func TestFirstHarvestWithoutBaseline(t *testing.T) {
	dev := newFakeDevice()
	for seq := uint32(1); seq <= 3; seq++ {
		dev.record(t, 96+seq, seq)
	}
	require.Equal(t, uint32(99), dev.status.LastRecord)

	tags := telemetry.NewStore()
	sink := &memorySink{}
	h := New("relay1", dev, tags, reconcile.Options{}, nil)

	res, err := h.Harvest(context.Background(), sink)
	require.NoError(t, err)

	assert.Equal(t, []reconcile.Window{{Start: 97, Count: 3}}, dev.calls)
	assert.Equal(t, 3, res.Events)
	assert.Equal(t, []uint32{1, 2, 3}, sink.sequences())
	require.NotNil(t, res.Last)
	assert.Equal(t, uint32(3), res.Last.SequenceNumber)
	assert.Equal(t, reconcile.At(3), h.Baseline())

	tag, ok := tags.Get(telemetry.PathLastEventSequence)
	require.True(t, ok)
	assert.Equal(t, uint32(3), tag.Value)
	tag, _ = tags.Get(telemetry.PathLastEventChannel)
	assert.Equal(t, 4, tag.Value)
	tag, _ = tags.Get(telemetry.PathLastEventCode)
	assert.Equal(t, "Input Status Change", tag.Value)
	tag, _ = tags.Get(telemetry.PathEventLastRecord)
	assert.Equal(t, uint32(99), tag.Value)
}

func TestIncrementalHarvestFetchesOnlyNewEvents(t *testing.T) {
	dev := newFakeDevice()
	for seq := uint32(1); seq <= 10; seq++ {
		dev.record(t, seq-1, seq)
	}
	sink := &memorySink{}
	h := New("relay1", dev, nil, reconcile.Options{}, nil)
	h.SetBaseline(reconcile.At(10))

	res, err := h.Harvest(context.Background(), sink)
	require.NoError(t, err)
	assert.True(t, res.Plan.Empty())
	assert.Empty(t, dev.calls)
	assert.Equal(t, reconcile.At(10), h.Baseline())

	for seq := uint32(11); seq <= 15; seq++ {
		dev.record(t, seq-1, seq)
	}
	_, err = h.Harvest(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, []reconcile.Window{{Start: 10, Count: 5}}, dev.calls)
	assert.Equal(t, []uint32{11, 12, 13, 14, 15}, sink.sequences())
	assert.Equal(t, reconcile.At(15), h.Baseline())
}

func TestEventStatusPublishedWithoutNewEvents(t *testing.T) {
	dev := newFakeDevice()
	dev.record(t, 0, 7)
	tags := telemetry.NewStore()
	h := New("relay1", dev, tags, reconcile.Options{}, nil)
	h.SetBaseline(reconcile.At(7))

	_, err := h.Harvest(context.Background(), &memorySink{})
	require.NoError(t, err)

	tag, ok := tags.Get(telemetry.PathEventLastSequence)
	require.True(t, ok)
	assert.Equal(t, uint32(7), tag.Value)
	_, ok = tags.Get(telemetry.PathLastEventSequence)
	assert.False(t, ok)
}

func TestPartialFailureKeepsBaselineAndReplansSameWindows(t *testing.T) {
	dev := newFakeDevice()
	for seq := uint32(1); seq <= 250; seq++ {
		dev.record(t, seq+1000, seq)
	}
	sink := &memorySink{}
	tags := telemetry.NewStore()
	h := New("relay1", dev, tags, reconcile.Options{}, nil)

	dev.failOn = 1
	res, err := h.Harvest(context.Background(), sink)
	require.Error(t, err)
	assert.False(t, h.Baseline().Known)
	assert.Len(t, res.Plan.Windows, 3)
	assert.Len(t, sink.events, 100)
	_, published := tags.Get(telemetry.PathLastEventSequence)
	assert.False(t, published)

	failedPlan := res.Plan
	dev.failOn = -1
	dev.calls = nil
	res, err = h.Harvest(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, failedPlan, res.Plan)
	assert.Equal(t, []reconcile.Window{{Start: 1001, Count: 100}, {Start: 1101, Count: 100}, {Start: 1201, Count: 50}}, dev.calls)
	assert.Equal(t, reconcile.At(250), h.Baseline())
	// the first window was delivered twice
	assert.Len(t, sink.events, 350)
}

func TestSinkFailureAbortsCycle(t *testing.T) {
	dev := newFakeDevice()
	dev.record(t, 5, 1)
	sink := &memorySink{err: errors.New("disk full")}
	h := New("relay1", dev, nil, reconcile.Options{}, nil)

	_, err := h.Harvest(context.Background(), sink)
	require.Error(t, err)
	assert.False(t, h.Baseline().Known)
}

func TestStatusFailureIsReturned(t *testing.T) {
	dev := newFakeDevice()
	dev.statusErr = errors.New("timeout")
	h := New("relay1", dev, nil, reconcile.Options{}, nil)

	_, err := h.Harvest(context.Background(), &memorySink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read event status")
}

func TestMalformedRecordsAreSkippedAndReported(t *testing.T) {
	dev := newFakeDevice()
	for seq := uint32(1); seq <= 3; seq++ {
		dev.record(t, seq, seq)
	}
	dev.buffer[2] = "ZZZZ"
	sink := &memorySink{}
	h := New("relay1", dev, nil, reconcile.Options{}, nil)

	res, err := h.Harvest(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3}, sink.sequences())
	require.Len(t, res.Malformed, 1)
	assert.ErrorIs(t, res.Malformed[0], event.ErrMalformedRecord)
	assert.Equal(t, reconcile.At(3), h.Baseline())
}

func TestHarvestAcrossBufferAndSequenceWrap(t *testing.T) {
	dev := newFakeDevice()
	// 8190, 8191, 0, 1 hold sequence numbers 65534, 65535, 0, 1
	seqs := []uint32{65534, 65535, 0, 1}
	for i, seq := range seqs {
		dev.record(t, 8190+uint32(i), seq)
	}
	sink := &memorySink{}
	h := New("relay1", dev, nil, reconcile.Options{}, nil)
	h.SetBaseline(reconcile.At(65533))

	_, err := h.Harvest(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, []reconcile.Window{{Start: 8190, Count: 4}}, dev.calls)
	assert.Equal(t, seqs, sink.sequences())
	assert.Equal(t, reconcile.At(1), h.Baseline())
}

func TestSinksFanOutInOrder(t *testing.T) {
	a, b := &memorySink{}, &memorySink{}
	sinks := Sinks{a, b}
	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, sinks.Append(context.Background(), "relay1", event.Record{SequenceNumber: seq, Channel: 1}))
	}
	assert.Equal(t, []uint32{1, 2, 3}, a.sequences())
	assert.Equal(t, a.sequences(), b.sequences())

	failing := Sinks{&memorySink{err: fmt.Errorf("down")}, b}
	require.Error(t, failing.Append(context.Background(), "relay1", event.Record{SequenceNumber: 4}))
	assert.Len(t, b.events, 3)
}

// batchSink records each window it receives as one batch.
type batchSink struct {
	memorySink
	batches []int
	failAt  int
}

func (s *batchSink) AppendBatch(_ context.Context, _ string, recs []event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == s.failAt {
		return errors.New("tx aborted")
	}
	s.batches = append(s.batches, len(recs))
	s.events = append(s.events, recs...)
	return nil
}

func TestWindowsAreStoredAsBatches(t *testing.T) {
	dev := newFakeDevice()
	for seq := uint32(1); seq <= 250; seq++ {
		dev.record(t, 1000+seq, seq)
	}
	batch := &batchSink{failAt: -1}
	plain := &memorySink{}
	h := New("relay1", dev, nil, reconcile.Options{}, nil)

	res, err := h.Harvest(context.Background(), Sinks{batch, plain})
	require.NoError(t, err)
	assert.Equal(t, 250, res.Events)
	assert.Equal(t, []int{100, 100, 50}, batch.batches)
	assert.Equal(t, batch.sequences(), plain.sequences())
	assert.Equal(t, uint32(1), plain.sequences()[0])
	assert.Equal(t, uint32(250), plain.sequences()[249])
	assert.Equal(t, reconcile.At(250), h.Baseline())
}

func TestFailedBatchKeepsBaseline(t *testing.T) {
	dev := newFakeDevice()
	for seq := uint32(1); seq <= 250; seq++ {
		dev.record(t, 1000+seq, seq)
	}
	batch := &batchSink{failAt: 1}
	h := New("relay1", dev, nil, reconcile.Options{}, nil)

	res, err := h.Harvest(context.Background(), batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store window 2/3")
	assert.Equal(t, 100, res.Events)
	assert.Equal(t, []int{100}, batch.batches)
	assert.False(t, h.Baseline().Known)
}
