// Package reconcile decides which records of a device's circular event buffer
// must be fetched to catch up with the events recorded since the last harvest.
package reconcile

import (
	"fmt"

	"github.com/micro-ha/ser-gateway/internal/model"
)

const (
	DefaultBufferCapacity = 8192
	DefaultBatchSize      = 100
	DefaultMaxCatchup     = 8192

	// SequenceModulus is where the device sequence counter wraps back to zero.
	SequenceModulus = 1 << 16
)

// Options tune the plan. Zero values select the defaults.
type Options struct {
	BufferCapacity uint32
	BatchSize      uint32
	MaxCatchup     uint32
}

func (o Options) normalize() Options {
	if o.BufferCapacity == 0 {
		o.BufferCapacity = DefaultBufferCapacity
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxCatchup == 0 {
		o.MaxCatchup = DefaultMaxCatchup
	}
	// Never reach further back than the buffer holds.
	if o.MaxCatchup > o.BufferCapacity {
		o.MaxCatchup = o.BufferCapacity
	}
	return o
}

// Baseline is the sequence number of the last harvested event, if any.
type Baseline struct {
	Sequence uint32
	Known    bool
}

// At returns a known baseline.
func At(sequence uint32) Baseline {
	return Baseline{Sequence: sequence, Known: true}
}

func (b Baseline) String() string {
	if !b.Known {
		return "unknown"
	}
	return fmt.Sprintf("%d", b.Sequence)
}

// Window is a contiguous range of buffer records fetched in one request.
type Window struct {
	Start uint32 `json:"start"`
	Count uint32 `json:"count"`
}

// Plan lists the windows to fetch, oldest records first.
type Plan struct {
	Windows []Window
}

// Empty reports whether nothing has to be fetched.
func (p Plan) Empty() bool {
	return len(p.Windows) == 0
}

// Total is the number of records covered by all windows.
func (p Plan) Total() uint32 {
	var total uint32
	for _, w := range p.Windows {
		total += w.Count
	}
	return total
}

// Diff is the number of new events implied by the baseline and the device status,
// before any clamping. Without a baseline the device's last sequence number is used.
func Diff(prev Baseline, status model.EventStatus) uint32 {
	if !prev.Known {
		return status.LastSequenceNumber
	}
	return (status.LastSequenceNumber - prev.Sequence) % SequenceModulus
}

// Build computes the fetch plan for one harvest cycle.
func Build(prev Baseline, status model.EventStatus, opts Options) Plan {
	opts = opts.normalize()

	diff := Diff(prev, status)
	if diff > opts.MaxCatchup {
		diff = opts.MaxCatchup
	}
	if diff == 0 {
		return Plan{}
	}

	batches := (diff + opts.BatchSize - 1) / opts.BatchSize
	leftover := diff - (batches-1)*opts.BatchSize

	capacity := int64(opts.BufferCapacity)
	next := (int64(status.LastRecord%opts.BufferCapacity) - int64(diff-1)) % capacity
	if next < 0 {
		next += capacity
	}

	windows := make([]Window, 0, batches)
	for i := uint32(0); i < batches; i++ {
		count := opts.BatchSize
		if i == batches-1 {
			count = leftover
		}
		windows = append(windows, Window{Start: uint32(next), Count: count})
		next = (next + int64(count)) % capacity
	}
	return Plan{Windows: windows}
}
