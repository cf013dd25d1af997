// Package scheduler drives periodic timers. Each timer runs on its own
// goroutine and is never invoked concurrently with itself: a tick that
// arrives while the previous run is still in progress is deferred until it
// returns, and further ticks missed in the meantime are dropped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/gorhill/cronexpr"
	"github.com/mattjoyce/conduit/internal/events"
)

// Func is the timer body. It receives the run context.
type Func func(ctx context.Context)

// Info describes a timer for status listings.
type Info struct {
	Label    string        `json:"label,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty"`
	Runs     int64         `json:"runs"`
	Deferred int64         `json:"deferred"`
}

type timer struct {
	label    string
	interval time.Duration
	cronSpec string
	cron     *cronexpr.Expression
	fn       Func

	runs     atomic.Int64
	deferred atomic.Int64
}

// Scheduler owns a fixed set of timers.
type Scheduler struct {
	logger *slog.Logger
	hub    *events.Hub

	mu      sync.Mutex
	timers  []*timer
	started bool
}

// New creates a scheduler. hub may be nil.
func New(logger *slog.Logger, hub *events.Hub) *Scheduler {
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		hub:    hub,
	}
}

// Every adds a fixed-interval timer. The first run happens one interval
// after Run starts.
func (s *Scheduler) Every(label string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		err := goerrors.New(fmt.Sprintf("timer %q: interval must be positive, got %s", label, interval), goerrors.CategoryBadInput).
			WithTextCode("invalid_interval")
		return err
	}
	return s.add(&timer{label: label, interval: interval, fn: fn})
}

// Cron adds a timer fired at the times matched by a cron expression.
func (s *Scheduler) Cron(label, spec string, fn Func) error {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		rich := goerrors.New(fmt.Sprintf("timer %q: invalid cron expression %q: %v", label, spec, err), goerrors.CategoryBadInput).
			WithTextCode("invalid_cron")
		return rich
	}
	return s.add(&timer{label: label, cronSpec: spec, cron: expr, fn: fn})
}

func (s *Scheduler) add(t *timer) error {
	if t.fn == nil {
		return fmt.Errorf("timer %q has no handler", t.label)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("timer %q added after start", t.label)
	}
	s.timers = append(s.timers, t)
	return nil
}

// Timers lists the registered timers with their counters.
func (s *Scheduler) Timers() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, Info{
			Label:    t.label,
			Interval: t.interval,
			Cron:     t.cronSpec,
			Runs:     t.runs.Load(),
			Deferred: t.deferred.Load(),
		})
	}
	return out
}

// Run drives every timer until ctx is cancelled, then waits for in-flight
// runs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	timers := append([]*timer(nil), s.timers...)
	s.mu.Unlock()

	s.logger.Info("starting timers", "count", len(timers))

	var wg sync.WaitGroup
	for _, t := range timers {
		wg.Add(1)
		go func(t *timer) {
			defer wg.Done()
			if t.cron != nil {
				s.cronLoop(ctx, t)
				return
			}
			s.intervalLoop(ctx, t)
		}(t)
	}
	wg.Wait()
	s.logger.Info("timers stopped")
	return nil
}

// intervalLoop relies on time.Ticker keeping at most one pending tick: after
// an overrun the next run starts as soon as the previous one returns and
// the missed ticks are gone.
func (s *Scheduler) intervalLoop(ctx context.Context, t *timer) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			took := s.fire(ctx, t)
			if overrun := took - t.interval; overrun > 0 {
				s.noteDeferred(t, overrun)
			}
		}
	}
}

func (s *Scheduler) cronLoop(ctx context.Context, t *timer) {
	next := t.cron.Next(time.Now())
	for {
		if next.IsZero() {
			s.logger.Warn("cron expression has no future activation", "label", t.label, "cron", t.cronSpec)
			return
		}
		wait := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-wait.C:
		}

		s.fire(ctx, t)

		following := t.cron.Next(next)
		if now := time.Now(); !following.After(now) {
			// Missed activations collapse into one immediate run.
			s.noteDeferred(t, now.Sub(following))
			next = now
			continue
		}
		next = following
	}
}

func (s *Scheduler) fire(ctx context.Context, t *timer) time.Duration {
	start := time.Now()
	t.runs.Add(1)
	t.fn(ctx)
	return time.Since(start)
}

func (s *Scheduler) noteDeferred(t *timer, overrun time.Duration) {
	t.deferred.Add(1)
	s.logger.Debug("timer overran its interval, next tick deferred", "label", t.label, "overrun", overrun.String())
	if s.hub != nil {
		s.hub.Publish(events.TypeTimerDeferred, t.label, map[string]any{
			"overrun_ms": overrun.Milliseconds(),
		})
	}
}
