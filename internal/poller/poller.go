// Package poller runs a task repeatedly with a fixed delay between the end of one
// run and the start of the next.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Task is one recurring unit of work.
type Task struct {
	Name string
	// Interval is re-read before every wait so config changes apply without restart.
	Interval func() time.Duration
	Run      func(ctx context.Context) error
	// Immediate runs the task once before the first wait.
	Immediate bool
}

type Poller struct {
	task      Task
	refreshCh chan struct{}
	logger    *zap.SugaredLogger
}

func New(task Task, logger *zap.SugaredLogger) *Poller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Poller{task: task, refreshCh: make(chan struct{}, 1), logger: logger.With("task", task.Name)}
}

// TriggerRefresh cuts the current wait short. Triggers during a run coalesce into one.
func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled. Task errors are logged and never stop the loop.
func (p *Poller) Run(ctx context.Context) {
	if p.task.Immediate {
		p.runOnce(ctx)
	}
	for {
		interval := p.task.Interval()
		if interval <= 0 {
			interval = 5 * time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
		p.runOnce(ctx)
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("task panicked", "panic", r)
		}
	}()
	if err := p.task.Run(ctx); err != nil && ctx.Err() == nil {
		p.logger.Debugw("task run failed", "err", err)
	}
}
