package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/mattjoyce/conduit/internal/queue"
)

// Service is an outer component started and stopped with the runtime, such
// as the HTTP server carrying the webhooks.
type Service interface {
	Start(ctx context.Context) error
}

type runState struct {
	mu        sync.Mutex
	running   bool
	startTime time.Time
	errMsg    string
	errTime   time.Time
}

func (s *runState) begin() {
	s.mu.Lock()
	s.running = true
	s.startTime = time.Now().UTC()
	s.mu.Unlock()
}

func (s *runState) end(err error) {
	s.mu.Lock()
	s.running = false
	if err != nil {
		s.errMsg = err.Error()
		s.errTime = time.Now().UTC()
	}
	s.mu.Unlock()
}

// Run freezes the registry and drives every source and service until ctx is
// cancelled (nil) or a collaborator fails for good (the error).
func (r *Registry) Run(ctx context.Context, services ...Service) error {
	r.Freeze()

	r.mu.Lock()
	tasks := append([]backgroundTask(nil), r.tasks...)
	runLedger := false
	for _, e := range r.entries {
		if e.reg.Kind.isLedger() {
			runLedger = true
			break
		}
	}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.state.begin()
	r.logger.Info("runtime starting",
		"registrations", len(r.Registrations()),
		"services", len(services),
		"tasks", len(tasks),
	)

	var (
		wg       sync.WaitGroup
		fatalMu  sync.Mutex
		fatalErr error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		cancel()
	}
	spawn := func(fn func(context.Context) error, onErr func(error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				onErr(err)
			}
		}()
	}

	spawn(r.deferral.Run, fail)
	if runLedger {
		r.mux.SetHooks(r.ledgerHooks())
		spawn(r.mux.Run, fail)
	}
	spawn(r.scheduler.Run, fail)
	spawn(r.channels.Run, fail)
	for _, svc := range services {
		spawn(svc.Start, func(err error) { fail(fmt.Errorf("service: %w", err)) })
	}
	for _, t := range tasks {
		t := t
		spawn(func(ctx context.Context) error { return runTask(ctx, t) }, func(err error) {
			r.logger.Error("background task failed", "task", t.name, "error", err)
		})
	}

	<-ctx.Done()
	wg.Wait()

	fatalMu.Lock()
	err := fatalErr
	fatalMu.Unlock()
	r.state.end(err)
	if err != nil {
		r.logger.Error("runtime stopped", "error", err)
		return err
	}
	r.logger.Info("runtime stopped")
	return nil
}

func runTask(ctx context.Context, t backgroundTask) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", t.name, p, debug.Stack())
		}
	}()
	return t.fn(ctx)
}

func (r *Registry) ledgerHooks() ledger.Hooks {
	lifecycleEvent := ledger.LifecycleEvent{Party: r.cfg.Client.Party(), LedgerID: r.cfg.LedgerID}

	lifecycle := func(kind Kind) func(context.Context) {
		return func(ctx context.Context) {
			for _, e := range r.lifecycle[kind] {
				e := e
				r.deferLedger(ctx, e, true, func(ctx context.Context) ([]ledger.Command, time.Duration, error) {
					cmds, err := e.lifecycle(ctx, lifecycleEvent)
					return cmds, 0, err
				})
			}
		}
	}
	transaction := func(kind Kind) func(context.Context, ledger.TransactionEvent) {
		return func(ctx context.Context, ev ledger.TransactionEvent) {
			for _, e := range r.lifecycle[kind] {
				e := e
				r.deferLedger(ctx, e, false, func(ctx context.Context) ([]ledger.Command, time.Duration, error) {
					cmds, err := e.transaction(ctx, ev)
					return cmds, 0, err
				})
			}
		}
	}

	ready := lifecycle(KindLedgerReady)
	return ledger.Hooks{
		Init: lifecycle(KindLedgerInit),
		Ready: func(ctx context.Context) {
			// Queued behind the sweep deliveries, so it fires once they ran.
			_ = r.deferral.Put(ctx, queue.Task{Label: "ledger-live", Run: func(context.Context) {
				sweeps := r.mux.SweepEvents()
				r.logger.Info("ledger sweep delivered, now live", "sweep_events", sweeps)
				r.publish(events.TypeSweepCompleted, "", map[string]any{"sweep_events": sweeps})
				r.publish(events.TypeLedgerLive, "", nil)
			}})
			ready(ctx)
		},
		TxStart: transaction(KindTransactionStart),
		TxEnd:   transaction(KindTransactionEnd),
	}
}

// Status reports the runtime and the handlers the caller may see: webhook
// routes are filtered by claims, nil meaning an anonymous caller.
func (r *Registry) Status(claims *auth.LedgerClaims) IntegrationStatus {
	r.state.mu.Lock()
	st := IntegrationStatus{
		Running:      r.state.running,
		ErrorMessage: r.state.errMsg,
	}
	if !r.state.startTime.IsZero() {
		t := r.state.startTime
		st.StartTime = &t
	}
	if !r.state.errTime.IsZero() {
		t := r.state.errTime
		st.ErrorTime = &t
	}
	r.state.mu.Unlock()

	st.EventQueue = r.deferral.Stats()
	st.PendingEvents = st.EventQueue.PendingEvents
	if r.mux != nil {
		st.SweepEvents = r.mux.SweepEvents()
	}
	st.Submitted = r.acc.Stats()

	st.Webhooks = []InvocationStatus{}
	st.LedgerEvents = []InvocationStatus{}
	st.Timers = []InvocationStatus{}
	st.Queues = []InvocationStatus{}

	r.mu.Lock()
	entries := append([]*entry(nil), r.entries...)
	r.mu.Unlock()

	for _, e := range entries {
		s := e.status()
		switch section(e.reg.Kind) {
		case "webhooks":
			if r.webhooks.Permits(claims, e.reg.Auth) {
				st.Webhooks = append(st.Webhooks, s)
			}
		case "ledger_events":
			st.LedgerEvents = append(st.LedgerEvents, s)
		case "timers":
			st.Timers = append(st.Timers, s)
		default:
			pending := r.channels.Pending(e.reg.Selector)
			s.Pending = &pending
			st.Queues = append(st.Queues, s)
		}
	}
	return st
}
