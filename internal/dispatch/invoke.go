package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/mattjoyce/conduit/internal/queue"
	"github.com/mattjoyce/conduit/internal/storage"
)

// call runs one handler and reports its commands and an optional
// per-invocation submission timeout.
type call func(ctx context.Context) ([]ledger.Command, time.Duration, error)

// invoke runs fn in isolation, submits its commands and records the outcome.
// The returned error is for callers that must answer synchronously; every
// other caller drops it because it has already been logged and counted.
func (r *Registry) invoke(ctx context.Context, e *entry, fn call) error {
	start := time.Now()
	cmds, timeout, err := protect(ctx, fn)
	if err == nil && len(cmds) > 0 {
		if serr := r.acc.Submit(ctx, cmds, timeout); serr != nil {
			err = fmt.Errorf("submit %d commands: %w", len(cmds), serr)
		} else {
			r.publish(events.TypeCommandsSubmitted, e.reg.Label, map[string]any{
				"kind":  e.reg.Kind,
				"count": len(cmds),
			})
		}
	}
	took := time.Since(start)
	e.record(len(cmds), err)

	if err != nil {
		r.logger.Error("handler failed",
			"kind", e.reg.Kind,
			"label", e.reg.Label,
			"error", err,
		)
		r.publish(events.TypeHandlerFailed, e.reg.Label, map[string]any{
			"kind":  e.reg.Kind,
			"error": err.Error(),
		})
	} else {
		r.logger.Debug("handler invoked",
			"kind", e.reg.Kind,
			"label", e.reg.Label,
			"commands", len(cmds),
			"duration", took.String(),
		)
		r.publish(events.TypeHandlerInvoked, e.reg.Label, map[string]any{
			"kind":        e.reg.Kind,
			"commands":    len(cmds),
			"duration_ms": took.Milliseconds(),
		})
	}

	r.journal(ctx, e, start, took, len(cmds), err)
	return err
}

func protect(ctx context.Context, fn call) (cmds []ledger.Command, timeout time.Duration, err error) {
	defer func() {
		if p := recover(); p != nil {
			cmds, timeout = nil, 0
			err = fmt.Errorf("handler panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (r *Registry) journal(ctx context.Context, e *entry, start time.Time, took time.Duration, commands int, err error) {
	if r.cfg.Journal == nil {
		return
	}
	entry := storage.Entry{
		ID:            uuid.NewString(),
		IntegrationID: r.cfg.IntegrationID,
		Kind:          string(e.reg.Kind),
		Label:         e.reg.Label,
		StartedAt:     start,
		Duration:      took,
		Commands:      commands,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	// The journal outlives cancellation so the last invocations still land.
	if jerr := r.cfg.Journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
		r.logger.Warn("could not journal invocation", "label", e.reg.Label, "error", jerr)
	}
}

func (r *Registry) publish(eventType, subject string, data any) {
	if r.cfg.Hub != nil {
		r.cfg.Hub.Publish(eventType, subject, data)
	}
}

// deferLedger queues one ledger delivery. Sweep deliveries wait for room;
// live ones are skipped when the queue is full.
func (r *Registry) deferLedger(ctx context.Context, e *entry, wait bool, fn call) {
	task := queue.Task{
		Label: e.reg.Label,
		Run: func(ctx context.Context) {
			_ = r.invoke(ctx, e, fn)
		},
	}
	if !wait {
		r.deferral.Offer(task)
		return
	}
	if err := r.deferral.Put(ctx, task); err != nil {
		r.logger.Debug("ledger delivery abandoned", "label", e.reg.Label, "error", err)
	}
}
