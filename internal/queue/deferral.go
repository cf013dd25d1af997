package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// Task is one unit of deferred work.
type Task struct {
	Label string
	Run   func(ctx context.Context)
}

// Stats is the deferral queue section of the status document.
type Stats struct {
	QueueSize     int   `json:"queue_size"`
	TotalEvents   int64 `json:"total_events"`
	PendingEvents int   `json:"pending_events"`
	SkippedEvents int64 `json:"skipped_events"`
}

// Deferral is a bounded FIFO of tasks drained by a single worker, so the
// tasks it runs never overlap.
type Deferral struct {
	size   int
	tasks  chan Task
	logger *slog.Logger

	total   atomic.Int64
	skipped atomic.Int64

	// OnSkip, when set, is told about every task dropped by Offer.
	OnSkip func(label string)
}

// NewDeferral returns a queue holding at most size tasks.
func NewDeferral(size int, logger *slog.Logger) *Deferral {
	if size <= 0 {
		size = 1
	}
	return &Deferral{
		size:   size,
		tasks:  make(chan Task, size),
		logger: logger.With("component", "deferral-queue"),
	}
}

// Offer enqueues t without blocking. When the queue is full the task is
// skipped, counted and false is returned.
func (d *Deferral) Offer(t Task) bool {
	d.total.Add(1)
	select {
	case d.tasks <- t:
		return true
	default:
		d.skipped.Add(1)
		d.logger.Error("work queue overrun, skipping event", "label", t.Label, "queue_size", d.size)
		if d.OnSkip != nil {
			d.OnSkip(t.Label)
		}
		return false
	}
}

// Put enqueues t, waiting for room.
func (d *Deferral) Put(ctx context.Context, t Task) error {
	d.total.Add(1)
	select {
	case d.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (d *Deferral) Stats() Stats {
	return Stats{
		QueueSize:     d.size,
		TotalEvents:   d.total.Load(),
		PendingEvents: len(d.tasks),
		SkippedEvents: d.skipped.Load(),
	}
}

// Run executes tasks in order until ctx is cancelled. Tasks still queued at
// that point are dropped.
func (d *Deferral) Run(ctx context.Context) error {
	d.logger.Info("queue worker starting", "queue_size", d.size)
	for {
		select {
		case <-ctx.Done():
			if n := len(d.tasks); n > 0 {
				d.logger.Warn("dropping pending work", "count", n)
			}
			return nil
		case t := <-d.tasks:
			d.runTask(ctx, t)
		}
	}
}

func (d *Deferral) runTask(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("uncaught error in queue worker loop",
				"label", t.Label,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	d.logger.Debug("processing queue entry", "label", t.Label)
	t.Run(ctx)
}
