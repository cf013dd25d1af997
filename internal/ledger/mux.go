package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// State is the lifecycle of one created-contract subscription.
type State int32

const (
	StatePending State = iota
	StateSweeping
	StateLive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSweeping:
		return "sweeping"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Subscription binds a contract-created callback to a resolved template.
type Subscription struct {
	Template string
	Match    Match
	Sweep    bool
	Flow     bool
	OnCreate func(ctx context.Context, ev CreateEvent)

	state atomic.Int32

	// delivered holds contract IDs already handed to OnCreate. IDs are
	// dropped on archive since an archived contract cannot reappear.
	delivered map[string]struct{}
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

func (s *Subscription) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Subscription) covers(c Contract) bool {
	return TemplateMatches(s.Template, c.TemplateID) && s.Match.Matches(c.Payload)
}

// ArchiveSubscription binds a contract-archived callback to a template.
// Archives are delivered regardless of whether the create was ever seen.
type ArchiveSubscription struct {
	Template  string
	OnArchive func(ctx context.Context, ev ArchiveEvent)
}

// Hooks are the lifecycle callbacks around sweeps and transactions.
type Hooks struct {
	Init    func(ctx context.Context)
	Ready   func(ctx context.Context)
	TxStart func(ctx context.Context, ev TransactionEvent)
	TxEnd   func(ctx context.Context, ev TransactionEvent)
}

// Multiplexer drives the startup sweep and the live flow for every
// subscription over one ledger stream.
type Multiplexer struct {
	client Client
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	creates  []*Subscription
	archives []*ArchiveSubscription
	hooks    Hooks

	sweepEvents atomic.Int64
	liveEvents  atomic.Int64
}

// NewMultiplexer creates a multiplexer over client.
func NewMultiplexer(client Client, logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		client: client,
		logger: logger.With("component", "ledger-mux"),
	}
}

// AddCreated registers a created-contract subscription. It must be called
// before Run.
func (m *Multiplexer) AddCreated(sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("multiplexer already running")
	}
	sub.delivered = make(map[string]struct{})
	sub.setState(StatePending)
	m.creates = append(m.creates, sub)
	return nil
}

// AddArchived registers an archived-contract subscription. It must be
// called before Run.
func (m *Multiplexer) AddArchived(sub *ArchiveSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("multiplexer already running")
	}
	m.archives = append(m.archives, sub)
	return nil
}

// SetHooks installs lifecycle callbacks. Nil members are skipped.
func (m *Multiplexer) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// SweepEvents is the number of contracts delivered by sweeps.
func (m *Multiplexer) SweepEvents() int64 {
	return m.sweepEvents.Load()
}

// LiveEvents is the number of contract events delivered from the stream.
func (m *Multiplexer) LiveEvents() int64 {
	return m.liveEvents.Load()
}

// Templates returns the distinct selectors the stream must cover.
func (m *Multiplexer) Templates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.templatesLocked()
}

func (m *Multiplexer) templatesLocked() []string {
	set := make(map[string]struct{})
	for _, s := range m.creates {
		set[s.Template] = struct{}{}
	}
	for _, s := range m.archives {
		set[s.Template] = struct{}{}
	}
	if _, ok := set[AnyTemplate]; ok {
		return []string{AnyTemplate}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run subscribes, sweeps, then delivers live transactions until ctx is
// cancelled (nil) or the stream fails (error).
func (m *Multiplexer) Run(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	templates := m.templatesLocked()
	m.mu.Unlock()

	defer m.stopAll()

	// Subscribe before sweeping so nothing committed in between is lost;
	// overlap between the two is removed by the delivered sets.
	stream, err := m.client.Subscribe(ctx, templates)
	if err != nil {
		return fmt.Errorf("ledger subscribe: %w", err)
	}
	defer stream.Close()

	if m.hooks.Init != nil {
		m.hooks.Init(ctx)
	}

	for _, sub := range m.creates {
		if err := m.sweep(ctx, sub); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	for _, sub := range m.creates {
		sub.setState(StateLive)
	}
	m.logger.Info("sweeps complete, entering live flow",
		"subscriptions", len(m.creates),
		"sweep_events", m.sweepEvents.Load(),
	)

	if m.hooks.Ready != nil {
		m.hooks.Ready(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case tx, ok := <-stream.Transactions():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := stream.Err(); err != nil {
					return fmt.Errorf("ledger stream: %w", err)
				}
				return ErrStreamClosed
			}
			m.deliver(ctx, tx)
		}
	}
}

func (m *Multiplexer) sweep(ctx context.Context, sub *Subscription) error {
	sub.setState(StateSweeping)
	if !sub.Sweep {
		return nil
	}

	contracts, err := m.client.ActiveContracts(ctx, sub.Template)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", sub.Template, err)
	}

	m.logger.Debug("sweeping", "template", sub.Template, "candidates", len(contracts))
	for _, c := range contracts {
		if !sub.covers(c) {
			continue
		}
		if _, seen := sub.delivered[c.ContractID]; seen {
			continue
		}
		sub.delivered[c.ContractID] = struct{}{}
		m.sweepEvents.Add(1)
		sub.OnCreate(ctx, CreateEvent{
			ContractID: c.ContractID,
			TemplateID: c.TemplateID,
			Payload:    c.Payload,
			Initial:    true,
		})
	}
	return nil
}

func (m *Multiplexer) deliver(ctx context.Context, tx Transaction) {
	txEvent := TransactionEvent{
		CommandID:  tx.CommandID,
		WorkflowID: tx.WorkflowID,
		Offset:     tx.Offset,
		Events:     tx.Events,
	}

	if m.hooks.TxStart != nil {
		m.hooks.TxStart(ctx, txEvent)
	}

	for _, ev := range tx.Events {
		switch ev.Kind {
		case EventCreated:
			m.deliverCreated(ctx, ev.Contract)
		case EventArchived:
			m.deliverArchived(ctx, ev.Contract)
		default:
			m.logger.Warn("ignoring unknown event kind", "kind", ev.Kind, "offset", tx.Offset)
		}
	}

	if m.hooks.TxEnd != nil {
		m.hooks.TxEnd(ctx, txEvent)
	}
}

func (m *Multiplexer) deliverCreated(ctx context.Context, c Contract) {
	for _, sub := range m.creates {
		if !sub.Flow || !sub.covers(c) {
			continue
		}
		if _, seen := sub.delivered[c.ContractID]; seen {
			m.logger.Debug("skipping contract already delivered",
				"template", sub.Template,
				"contract_id", c.ContractID,
			)
			continue
		}
		sub.delivered[c.ContractID] = struct{}{}
		m.liveEvents.Add(1)
		sub.OnCreate(ctx, CreateEvent{
			ContractID: c.ContractID,
			TemplateID: c.TemplateID,
			Payload:    c.Payload,
		})
	}
}

func (m *Multiplexer) deliverArchived(ctx context.Context, c Contract) {
	for _, sub := range m.creates {
		delete(sub.delivered, c.ContractID)
	}
	for _, sub := range m.archives {
		if !TemplateMatches(sub.Template, c.TemplateID) {
			continue
		}
		m.liveEvents.Add(1)
		sub.OnArchive(ctx, ArchiveEvent{
			ContractID: c.ContractID,
			TemplateID: c.TemplateID,
		})
	}
}

func (m *Multiplexer) stopAll() {
	for _, sub := range m.creates {
		sub.setState(StateStopped)
	}
}
