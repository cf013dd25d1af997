package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/mattjoyce/conduit/internal/queue"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/webhook"
)

// Kind is the source a registration listens to.
type Kind string

const (
	KindLedgerInit       Kind = "ledger-init"
	KindLedgerReady      Kind = "ledger-ready"
	KindTransactionStart Kind = "transaction-start"
	KindTransactionEnd   Kind = "transaction-end"
	KindContractCreated  Kind = "ledger-created"
	KindContractArchived Kind = "ledger-archived"
	KindWebhookGet       Kind = "webhook-get"
	KindWebhookPost      Kind = "webhook-post"
	KindTimer            Kind = "timer"
	KindQueue            Kind = "queue-message"
)

func (k Kind) isLedger() bool {
	switch k {
	case KindLedgerInit, KindLedgerReady, KindTransactionStart, KindTransactionEnd, KindContractCreated, KindContractArchived:
		return true
	}
	return false
}

// Handler signatures. Every handler may return commands, which are
// submitted as one batch when it returns.
type (
	LifecycleHandler   func(ctx context.Context, ev ledger.LifecycleEvent) ([]ledger.Command, error)
	TransactionHandler func(ctx context.Context, ev ledger.TransactionEvent) ([]ledger.Command, error)
	CreatedHandler     func(ctx context.Context, ev ledger.CreateEvent) ([]ledger.Command, error)
	ArchivedHandler    func(ctx context.Context, ev ledger.ArchiveEvent) ([]ledger.Command, error)
	TimerHandler       func(ctx context.Context) ([]ledger.Command, error)
	QueueHandler       func(ctx context.Context, message any) ([]ledger.Command, error)
	Task               func(ctx context.Context) error
)

// Registration is the immutable description of one handler.
type Registration struct {
	Kind        Kind
	Selector    string // resolved template, webhook suffix or queue name
	Label       string
	Description string
	Match       ledger.Match
	Sweep       bool
	Flow        bool
	Auth        webhook.AuthLevel
	Interval    time.Duration
	Cron        string
}

func (r Registration) method() string {
	if r.Kind == KindWebhookPost {
		return http.MethodPost
	}
	return http.MethodGet
}

// Option adjusts a registration.
type Option func(*Registration)

// WithLabel names the handler in logs and status.
func WithLabel(label string) Option {
	return func(r *Registration) { r.Label = label }
}

// WithDescription documents a ledger handler in the status document.
func WithDescription(desc string) Option {
	return func(r *Registration) { r.Description = desc }
}

// WithMatch narrows a contract-created subscription by payload fields.
// Other registrations refuse it; archive events carry no payload.
func WithMatch(m ledger.Match) Option {
	return func(r *Registration) { r.Match = m }
}

// WithSweep controls delivery of contracts that exist at startup.
func WithSweep(enabled bool) Option {
	return func(r *Registration) { r.Sweep = enabled }
}

// WithFlow controls delivery of contracts created after startup.
func WithFlow(enabled bool) Option {
	return func(r *Registration) { r.Flow = enabled }
}

// WithAuth sets the authorization level of a webhook.
func WithAuth(level webhook.AuthLevel) Option {
	return func(r *Registration) { r.Auth = level }
}

// Journal persists completed invocations.
type Journal interface {
	Record(ctx context.Context, e storage.Entry) error
}

// Config wires the registry to its collaborators.
type Config struct {
	IntegrationID  string
	LedgerID       string
	MainPackageID  string
	Client         ledger.Client
	Verifier       auth.Verifier
	CommandTimeout time.Duration
	QueueSize      int

	// Hub and Journal are optional.
	Hub     *events.Hub
	Journal Journal
}

type backgroundTask struct {
	name string
	fn   Task
}

// Registry collects handlers during init and drives them in Run.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mux       *ledger.Multiplexer
	deferral  *queue.Deferral
	channels  *queue.Channels
	scheduler *scheduler.Scheduler
	webhooks  *webhook.Router
	acc       *Accumulator

	mu      sync.Mutex
	frozen  bool
	entries []*entry
	tasks   []backgroundTask

	lifecycle map[Kind][]*entry

	state runState
}

// NewRegistry returns an empty registry bound to cfg.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	r := &Registry{
		cfg:       cfg,
		logger:    logger.With("component", "dispatch"),
		deferral:  queue.NewDeferral(cfg.QueueSize, logger),
		channels:  queue.NewChannels(logger),
		scheduler: scheduler.New(logger, cfg.Hub),
		acc:       NewAccumulator(cfg.Client, cfg.CommandTimeout, logger),
		lifecycle: make(map[Kind][]*entry),
	}
	party := ""
	if cfg.Client != nil {
		party = cfg.Client.Party()
		r.mux = ledger.NewMultiplexer(cfg.Client, logger)
	}
	r.webhooks = webhook.New(webhook.Config{
		LedgerID: cfg.LedgerID,
		Party:    party,
		Verifier: cfg.Verifier,
	}, logger)
	r.deferral.OnSkip = func(label string) {
		r.publish(events.TypeQueueSkipped, label, map[string]any{"skipped_events": r.deferral.Stats().SkippedEvents})
	}
	return r
}

// Webhooks exposes the route table for mounting on the HTTP server.
func (r *Registry) Webhooks() *webhook.Router { return r.webhooks }

// Accumulator returns the shared command submitter.
func (r *Registry) Accumulator() *Accumulator { return r.acc }

// Registrations lists every registration in order.
func (r *Registry) Registrations() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.reg)
	}
	return out
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) add(reg Registration, opts []Option) (*entry, error) {
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.Label == "" {
		reg.Label = defaultLabel(reg)
	}
	if reg.Match != nil && reg.Kind != KindContractCreated {
		err := goerrors.New(fmt.Sprintf("%s handler %q cannot take a match filter", reg.Kind, reg.Label), goerrors.CategoryBadInput).
			WithTextCode("match_unsupported")
		return nil, err
	}
	if reg.Kind.isLedger() && r.mux == nil {
		return nil, fmt.Errorf("%s handler %q needs a ledger client", reg.Kind, reg.Label)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		err := goerrors.New(fmt.Sprintf("cannot register %s handler %q after the runtime started", reg.Kind, reg.Label), goerrors.CategoryConflict).
			WithTextCode("registry_frozen")
		return nil, err
	}
	index := 0
	for _, e := range r.entries {
		if section(e.reg.Kind) == section(reg.Kind) {
			index++
		}
	}
	e := &entry{reg: reg, index: index}
	r.entries = append(r.entries, e)
	return e, nil
}

// remove drops the most recent entry after a collaborator refused it.
func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i] == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

func defaultLabel(reg Registration) string {
	switch reg.Kind {
	case KindWebhookGet, KindWebhookPost:
		return reg.method() + " " + reg.Selector
	case KindTimer:
		if reg.Cron != "" {
			return "cron " + reg.Cron
		}
		return "every " + reg.Interval.String()
	case KindLedgerInit, KindLedgerReady, KindTransactionStart, KindTransactionEnd:
		return string(reg.Kind)
	default:
		return string(reg.Kind) + " " + reg.Selector
	}
}

func (r *Registry) resolve(template string) (string, error) {
	return ledger.ResolveTemplate(r.cfg.MainPackageID, template)
}

// OnLedgerInit runs h once, before the startup sweeps.
func (r *Registry) OnLedgerInit(h LifecycleHandler, opts ...Option) error {
	return r.addLifecycle(KindLedgerInit, h, opts)
}

// OnLedgerReady runs h once, after every sweep has been delivered.
func (r *Registry) OnLedgerReady(h LifecycleHandler, opts ...Option) error {
	return r.addLifecycle(KindLedgerReady, h, opts)
}

func (r *Registry) addLifecycle(kind Kind, h LifecycleHandler, opts []Option) error {
	if h == nil {
		return fmt.Errorf("%s handler is nil", kind)
	}
	e, err := r.add(Registration{Kind: kind}, opts)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lifecycle[kind] = append(r.lifecycle[kind], e)
	r.mu.Unlock()
	e.lifecycle = h
	return nil
}

// OnTransactionStart runs h before the contract events of each live
// transaction.
func (r *Registry) OnTransactionStart(h TransactionHandler, opts ...Option) error {
	return r.addTransaction(KindTransactionStart, h, opts)
}

// OnTransactionEnd runs h after the contract events of each live
// transaction.
func (r *Registry) OnTransactionEnd(h TransactionHandler, opts ...Option) error {
	return r.addTransaction(KindTransactionEnd, h, opts)
}

func (r *Registry) addTransaction(kind Kind, h TransactionHandler, opts []Option) error {
	if h == nil {
		return fmt.Errorf("%s handler is nil", kind)
	}
	e, err := r.add(Registration{Kind: kind}, opts)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lifecycle[kind] = append(r.lifecycle[kind], e)
	r.mu.Unlock()
	e.transaction = h
	return nil
}

// OnContractCreated delivers contracts of template, first those found by
// the startup sweep and then those created live. Sweep and flow default to
// enabled.
func (r *Registry) OnContractCreated(template string, h CreatedHandler, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("created handler for %s is nil", template)
	}
	resolved, err := r.resolve(template)
	if err != nil {
		return err
	}
	e, err := r.add(Registration{Kind: KindContractCreated, Selector: resolved, Sweep: true, Flow: true}, opts)
	if err != nil {
		return err
	}
	sub := &ledger.Subscription{
		Template: resolved,
		Match:    e.reg.Match,
		Sweep:    e.reg.Sweep,
		Flow:     e.reg.Flow,
		OnCreate: func(ctx context.Context, ev ledger.CreateEvent) {
			r.deferLedger(ctx, e, ev.Initial, func(ctx context.Context) ([]ledger.Command, time.Duration, error) {
				cmds, err := h(ctx, ev)
				return cmds, 0, err
			})
		},
	}
	if err := r.mux.AddCreated(sub); err != nil {
		r.remove(e)
		return err
	}
	e.sub = sub
	return nil
}

// OnContractArchived delivers every archive of template. Archives filter
// by template only, so WithMatch is refused.
func (r *Registry) OnContractArchived(template string, h ArchivedHandler, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("archived handler for %s is nil", template)
	}
	resolved, err := r.resolve(template)
	if err != nil {
		return err
	}
	e, err := r.add(Registration{Kind: KindContractArchived, Selector: resolved}, opts)
	if err != nil {
		return err
	}
	sub := &ledger.ArchiveSubscription{
		Template: resolved,
		OnArchive: func(ctx context.Context, ev ledger.ArchiveEvent) {
			r.deferLedger(ctx, e, false, func(ctx context.Context) ([]ledger.Command, time.Duration, error) {
				cmds, err := h(ctx, ev)
				return cmds, 0, err
			})
		},
	}
	if err := r.mux.AddArchived(sub); err != nil {
		r.remove(e)
		return err
	}
	return nil
}

// OnTimer runs h every interval. Runs never overlap.
func (r *Registry) OnTimer(interval time.Duration, h TimerHandler, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("timer handler is nil")
	}
	e, err := r.add(Registration{Kind: KindTimer, Interval: interval}, opts)
	if err != nil {
		return err
	}
	if err := r.scheduler.Every(e.reg.Label, interval, r.timerFunc(e, h)); err != nil {
		r.remove(e)
		return err
	}
	return nil
}

// OnCron runs h at the activations of a cron expression. Runs never
// overlap.
func (r *Registry) OnCron(spec string, h TimerHandler, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("cron handler is nil")
	}
	e, err := r.add(Registration{Kind: KindTimer, Cron: spec}, opts)
	if err != nil {
		return err
	}
	if err := r.scheduler.Cron(e.reg.Label, spec, r.timerFunc(e, h)); err != nil {
		r.remove(e)
		return err
	}
	return nil
}

func (r *Registry) timerFunc(e *entry, h TimerHandler) scheduler.Func {
	return func(ctx context.Context) {
		_ = r.invoke(ctx, e, func(ctx context.Context) ([]ledger.Command, time.Duration, error) {
			cmds, err := h(ctx)
			return cmds, 0, err
		})
	}
}

// OnWebhook serves h at PathPrefix+suffix for GET or POST. The route is
// public unless WithAuth says otherwise.
func (r *Registry) OnWebhook(method, suffix string, h webhook.HandlerFunc, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("webhook handler for %s %s is nil", method, suffix)
	}
	kind := KindWebhookGet
	switch strings.ToUpper(method) {
	case http.MethodGet:
	case http.MethodPost:
		kind = KindWebhookPost
	default:
		err := goerrors.New(fmt.Sprintf("unsupported webhook method %q", method), goerrors.CategoryBadInput).
			WithTextCode("invalid_method")
		return err
	}
	e, err := r.add(Registration{Kind: kind, Selector: suffix, Auth: webhook.Public}, opts)
	if err != nil {
		return err
	}
	route := webhook.Route{
		Method: e.reg.method(),
		Suffix: suffix,
		Label:  e.reg.Label,
		Auth:   e.reg.Auth,
		Handler: func(ctx context.Context, req *webhook.Request) (*webhook.Response, error) {
			var resp *webhook.Response
			err := r.invoke(ctx, e, func(ctx context.Context) ([]ledger.Command, time.Duration, error) {
				out, err := h(ctx, req)
				if err != nil || out == nil {
					return nil, 0, err
				}
				resp = out
				return out.Commands, out.CommandTimeout, nil
			})
			if err != nil {
				return nil, err
			}
			return resp, nil
		},
	}
	if err := r.webhooks.Handle(route); err != nil {
		r.remove(e)
		return err
	}
	return nil
}

// OnGet is OnWebhook for GET.
func (r *Registry) OnGet(suffix string, h webhook.HandlerFunc, opts ...Option) error {
	return r.OnWebhook(http.MethodGet, suffix, h, opts...)
}

// OnPost is OnWebhook for POST.
func (r *Registry) OnPost(suffix string, h webhook.HandlerFunc, opts ...Option) error {
	return r.OnWebhook(http.MethodPost, suffix, h, opts...)
}

// OnQueue consumes the named queue. An empty name is queue.DefaultName.
func (r *Registry) OnQueue(name string, h QueueHandler, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("queue handler for %q is nil", name)
	}
	if name == "" {
		name = queue.DefaultName
	}
	e, err := r.add(Registration{Kind: KindQueue, Selector: name}, opts)
	if err != nil {
		return err
	}
	err = r.channels.Register(name, func(ctx context.Context, message any) {
		_ = r.invoke(ctx, e, func(ctx context.Context) ([]ledger.Command, time.Duration, error) {
			cmds, err := h(ctx, message)
			return cmds, 0, err
		})
	})
	if err != nil {
		r.remove(e)
		return err
	}
	return nil
}

// Put hands message to the named queue without blocking.
func (r *Registry) Put(ctx context.Context, message any, name string) error {
	return r.channels.Put(ctx, message, name)
}

// Go runs fn alongside the handlers for the lifetime of Run. Its context is
// cancelled on shutdown.
func (r *Registry) Go(name string, fn Task) error {
	if fn == nil {
		return fmt.Errorf("background task %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("background task %q started after the runtime started", name)
	}
	r.tasks = append(r.tasks, backgroundTask{name: name, fn: fn})
	return nil
}
