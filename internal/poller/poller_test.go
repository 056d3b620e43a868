package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRepeatsAfterErrorsAndPanics(t *testing.T) {
	var runs atomic.Int32
	p := New(Task{
		Name:      "test",
		Interval:  func() time.Duration { return 5 * time.Millisecond },
		Immediate: true,
		Run: func(context.Context) error {
			n := runs.Add(1)
			if n == 2 {
				panic("boom")
			}
			return errors.New("device offline")
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestTriggerRefreshSkipsWait(t *testing.T) {
	var runs atomic.Int32
	p := New(Task{
		Name:     "test",
		Interval: func() time.Duration { return time.Hour },
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.TriggerRefresh()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunsNeverOverlap(t *testing.T) {
	var active, maxActive atomic.Int32
	var runs atomic.Int32
	p := New(Task{
		Name:      "test",
		Interval:  func() time.Duration { return time.Millisecond },
		Immediate: true,
		Run: func(context.Context) error {
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(3 * time.Millisecond)
			active.Add(-1)
			runs.Add(1)
			return nil
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	for i := 0; i < 10; i++ {
		p.TriggerRefresh()
	}
	require.Eventually(t, func() bool { return runs.Load() >= 5 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}
