// Package queue holds the two in-process queues of the runtime: named
// unbounded message channels fed by integrations, and the bounded deferral
// queue that serializes ledger work.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	goerrors "github.com/goliatone/go-errors"
)

// DefaultName is the queue used when a caller does not name one.
const DefaultName = "default"

// Consumer handles one message. It is called from the queue's single
// consumer goroutine, so calls for one name never overlap.
type Consumer func(ctx context.Context, message any)

// Channels is a set of named, unbounded FIFO queues with one consumer each.
// Messages are held in memory only and are dropped when Run returns.
type Channels struct {
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[string]*channel
	running bool
}

// NewChannels returns an empty set.
func NewChannels(logger *slog.Logger) *Channels {
	return &Channels{
		logger: logger.With("component", "queue"),
		queues: make(map[string]*channel),
	}
}

// Register binds consumer to name. Registering a name twice is a conflict.
func (c *Channels) Register(name string, consumer Consumer) error {
	if name == "" {
		name = DefaultName
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("queue %q registered after start", name)
	}
	if _, exists := c.queues[name]; exists {
		err := goerrors.New(fmt.Sprintf("duplicate queue name: %s", name), goerrors.CategoryConflict).
			WithTextCode("queue_conflict")
		return err
	}
	c.queues[name] = newChannel(consumer)
	c.logger.Info("registered queue", "queue", name)
	return nil
}

// Put appends message to the named queue without blocking. An unknown name
// is an error.
func (c *Channels) Put(_ context.Context, message any, name string) error {
	if name == "" {
		name = DefaultName
	}
	c.mu.Lock()
	ch, ok := c.queues[name]
	c.mu.Unlock()
	if !ok {
		err := goerrors.New(fmt.Sprintf("unknown queue: %s (valid: %v)", name, c.Names()), goerrors.CategoryNotFound).
			WithTextCode("unknown_queue")
		err.WithMetadata(map[string]any{"queue": name})
		return err
	}
	ch.push(message)
	c.logger.Debug("queue put", "queue", name)
	return nil
}

// Names lists the registered queue names in sorted order.
func (c *Channels) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.queues))
	for name := range c.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Pending reports the number of buffered messages for name.
func (c *Channels) Pending(name string) int {
	c.mu.Lock()
	ch, ok := c.queues[name]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return ch.len()
}

// Run drains every queue until ctx is cancelled. Messages put before Run
// are delivered once it starts.
func (c *Channels) Run(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	queues := make(map[string]*channel, len(c.queues))
	for name, ch := range c.queues {
		queues[name] = ch
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for name, ch := range queues {
		wg.Add(1)
		go func(name string, ch *channel) {
			defer wg.Done()
			ch.drain(ctx)
			if n := ch.len(); n > 0 {
				c.logger.Warn("dropping undelivered messages", "queue", name, "count", n)
			}
		}(name, ch)
	}
	wg.Wait()
	return nil
}

type channel struct {
	consumer Consumer

	mu      sync.Mutex
	pending []any
	wake    chan struct{}
}

func newChannel(consumer Consumer) *channel {
	return &channel{consumer: consumer, wake: make(chan struct{}, 1)}
}

func (ch *channel) push(message any) {
	ch.mu.Lock()
	ch.pending = append(ch.pending, message)
	ch.mu.Unlock()
	select {
	case ch.wake <- struct{}{}:
	default:
	}
}

func (ch *channel) pop() (any, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.pending) == 0 {
		return nil, false
	}
	msg := ch.pending[0]
	ch.pending[0] = nil
	ch.pending = ch.pending[1:]
	return msg, true
}

func (ch *channel) len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.pending)
}

func (ch *channel) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := ch.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ch.wake:
				continue
			}
		}
		ch.consumer(ctx, msg)
	}
}
