// Package natsledger reaches a ledger through a NATS request/reply and
// publish gateway.
package natsledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/nats-io/nats.go"
)

// ErrConnectionClosed ends every open stream when the NATS connection is
// closed for good.
var ErrConnectionClosed = errors.New("nats connection closed")

const (
	defaultRequestTimeout = 10 * time.Second
	defaultDialAttempts   = 10
)

// Client is a party-scoped ledger.Client backed by NATS.
type Client struct {
	conn     *nats.Conn
	ledgerID string
	party    string
	logger   *slog.Logger

	connOpts       []nats.Option
	requestTimeout time.Duration
	dialAttempts   int

	mu      sync.Mutex
	streams map[*stream]struct{}
}

// Option is an option setter used to configure creation.
type Option func(*Client) error

// WithNATSOptions adds the NATS options to the underlying connection.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(c *Client) error {
		c.connOpts = append(c.connOpts, opts...)
		return nil
	}
}

// WithRequestTimeout bounds each ACS query and submission when the caller's
// context carries no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		c.requestTimeout = d
		return nil
	}
}

// WithDialAttempts sets how many times Dial tries to connect.
func WithDialAttempts(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return fmt.Errorf("dial attempts must be at least 1")
		}
		c.dialAttempts = n
		return nil
	}
}

// Dial connects to url, retrying with exponential backoff.
func Dial(ctx context.Context, url, ledgerID, party string, logger *slog.Logger, options ...Option) (*Client, error) {
	c := &Client{
		ledgerID:       ledgerID,
		party:          party,
		logger:         logger.With("component", "natsledger"),
		requestTimeout: defaultRequestTimeout,
		dialAttempts:   defaultDialAttempts,
		streams:        make(map[*stream]struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(c); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	opts := append([]nats.Option{
		nats.Name("conduit-" + party),
		nats.ClosedHandler(func(*nats.Conn) { c.closeStreams(ErrConnectionClosed) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("ledger connection interrupted", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("ledger connection restored", "url", conn.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("ledger connection error", "subject", subject, "error", err)
		}),
	}, c.connOpts...)

	delay := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
	var lastErr error
	for attempt := 1; attempt <= c.dialAttempts; attempt++ {
		conn, err := nats.Connect(url, opts...)
		if err == nil {
			c.conn = conn
			c.logger.Info("connected to ledger", "url", conn.ConnectedUrl(), "ledger_id", ledgerID, "party", party)
			return c, nil
		}
		lastErr = err
		if attempt == c.dialAttempts {
			break
		}
		wait := delay.Duration()
		c.logger.Warn("ledger connection failed", "attempt", attempt, "retry_in", wait.String(), "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("could not connect to ledger at %s: %w", url, lastErr)
}

// Party implements ledger.Client.
func (c *Client) Party() string { return c.party }

// ActiveContracts implements ledger.Client.
func (c *Client) ActiveContracts(ctx context.Context, template string) ([]ledger.Contract, error) {
	var reply acsReply
	if err := c.request(ctx, subjectACS(c.ledgerID), acsRequest{Party: c.party, Template: template}, &reply); err != nil {
		return nil, fmt.Errorf("active contracts %s: %w", template, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("active contracts %s: %s", template, reply.Error)
	}
	return reply.Contracts, nil
}

// Submit implements ledger.Client.
func (c *Client) Submit(ctx context.Context, commands []ledger.Command) error {
	req := submitRequest{Party: c.party, CommandID: uuid.NewString(), Commands: commands}
	var reply submitReply
	if err := c.request(ctx, subjectSubmit(c.ledgerID), req, &reply); err != nil {
		return fmt.Errorf("submit %s: %w", req.CommandID, err)
	}
	if reply.Error != "" {
		return fmt.Errorf("submit %s rejected: %s", req.CommandID, reply.Error)
	}
	return nil
}

// Subscribe implements ledger.Client. The subscription is flushed to the
// server before returning. Transactions are buffered without bound until
// the reader takes them, so a reader busy with a sweep loses nothing.
func (c *Client) Subscribe(ctx context.Context, templates []string) (ledger.Stream, error) {
	s := &stream{
		wake:      make(chan struct{}, 1),
		out:       make(chan ledger.Transaction),
		done:      make(chan struct{}),
		party:     c.party,
		templates: templates,
		logger:    c.logger,
	}

	sub, err := c.conn.Subscribe(subjectTransactions(c.ledgerID), s.receive)
	if err != nil {
		return nil, fmt.Errorf("could not subscribe to transactions: %w", err)
	}
	// The stream buffers on its own; the client library must never drop.
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("could not lift pending limits: %w", err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("could not establish subscription: %w", err)
	}
	s.sub = sub
	s.onClose = func() {
		c.mu.Lock()
		delete(c.streams, s)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()

	go s.pump(ctx)
	return s, nil
}

// Close drains the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

func (c *Client) request(ctx context.Context, subject string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("could not marshal request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("could not unmarshal reply: %w", err)
	}
	return nil
}

func (c *Client) closeStreams(err error) {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.finish(err)
	}
}

type stream struct {
	sub       *nats.Subscription
	wake      chan struct{}
	out       chan ledger.Transaction
	done      chan struct{}
	party     string
	templates []string
	logger    *slog.Logger
	onClose   func()

	mu      sync.Mutex
	pending []ledger.Transaction
	err     error
	closed  bool
}

// receive runs on the subscription's delivery goroutine.
func (s *stream) receive(msg *nats.Msg) {
	var env txEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.logger.Error("could not decode transaction", "error", err)
		return
	}
	if !env.visibleTo(s.party) {
		return
	}
	tx, ok := filter(env.Transaction, s.templates)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, tx)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *stream) next() (ledger.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return ledger.Transaction{}, false
	}
	tx := s.pending[0]
	s.pending[0] = ledger.Transaction{}
	s.pending = s.pending[1:]
	return tx, true
}

// Pending reports buffered transactions not yet read.
func (s *stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *stream) pump(ctx context.Context) {
	defer close(s.out)
	for {
		tx, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			case <-ctx.Done():
				s.finish(nil)
				return
			}
		}
		select {
		case s.out <- tx:
		case <-s.done:
			return
		case <-ctx.Done():
			s.finish(nil)
			return
		}
	}
}

func (s *stream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

func (s *stream) Transactions() <-chan ledger.Transaction { return s.out }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.finish(nil)
	s.onClose()
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}
