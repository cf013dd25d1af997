package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/conduit/internal/ledger"
)

// DefaultCommandTimeout bounds one batch submission.
const DefaultCommandTimeout = 5 * time.Second

// Accumulator forwards each invocation's commands to the ledger as a single
// batch. Submissions are serialized, so batches reach the ledger in the
// order their handlers completed.
type Accumulator struct {
	client  ledger.Client
	timeout time.Duration
	logger  *slog.Logger

	mu sync.Mutex

	batches  atomic.Int64
	commands atomic.Int64
	failures atomic.Int64
}

// NewAccumulator returns an accumulator submitting through client.
func NewAccumulator(client ledger.Client, timeout time.Duration, logger *slog.Logger) *Accumulator {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &Accumulator{
		client:  client,
		timeout: timeout,
		logger:  logger.With("component", "accumulator"),
	}
}

// Submit sends cmds as one batch. A non-positive timeout uses the
// accumulator default. An empty batch is a no-op.
func (a *Accumulator) Submit(ctx context.Context, cmds []ledger.Command, timeout time.Duration) error {
	if len(cmds) == 0 {
		return nil
	}
	if a.client == nil {
		return fmt.Errorf("no ledger client to submit %d commands", len(cmds))
	}
	if timeout <= 0 {
		timeout = a.timeout
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := a.client.Submit(sctx, cmds)
	if err != nil {
		a.failures.Add(1)
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("command submission timed out after %s: %w", timeout, err)
		}
		return err
	}

	a.batches.Add(1)
	a.commands.Add(int64(len(cmds)))
	a.logger.Debug("submitted commands", "count", len(cmds))
	return nil
}

// SubmitStats are the accumulator counters.
type SubmitStats struct {
	Batches  int64 `json:"batches"`
	Commands int64 `json:"commands"`
	Failures int64 `json:"failures"`
}

// Stats returns the current counters.
func (a *Accumulator) Stats() SubmitStats {
	return SubmitStats{
		Batches:  a.batches.Load(),
		Commands: a.commands.Load(),
		Failures: a.failures.Load(),
	}
}
