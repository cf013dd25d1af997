package dispatch

import (
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/mattjoyce/conduit/internal/queue"
	"github.com/mattjoyce/conduit/internal/webhook"
)

// InvocationStatus is the per-handler section of the status document.
// Source specific fields are left empty for other kinds.
type InvocationStatus struct {
	Index        int        `json:"index"`
	Kind         Kind       `json:"kind"`
	Label        string     `json:"label"`
	CommandCount int64      `json:"command_count"`
	UseCount     int64      `json:"use_count"`
	ErrorCount   int64      `json:"error_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ErrorTime    *time.Time `json:"error_time,omitempty"`

	// ledger
	Description  string `json:"description,omitempty"`
	Template     string `json:"template,omitempty"`
	SweepEnabled *bool  `json:"sweep_enabled,omitempty"`
	FlowEnabled  *bool  `json:"flow_enabled,omitempty"`
	State        string `json:"state,omitempty"`

	// webhook
	URLPath string             `json:"url_path,omitempty"`
	Method  string             `json:"method,omitempty"`
	Auth    *webhook.AuthLevel `json:"auth,omitempty"`

	// queue
	QueueName string `json:"queue_name,omitempty"`
	Pending   *int   `json:"pending,omitempty"`

	// timer
	Interval string `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
}

// IntegrationStatus is the runtime section of GET /status.
type IntegrationStatus struct {
	Running       bool       `json:"running"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ErrorTime     *time.Time `json:"error_time,omitempty"`
	PendingEvents int        `json:"pending_events"`
	SweepEvents   int64      `json:"sweep_events"`

	EventQueue queue.Stats `json:"event_queue"`
	Submitted  SubmitStats `json:"submitted"`

	Webhooks     []InvocationStatus `json:"webhooks"`
	LedgerEvents []InvocationStatus `json:"ledger_events"`
	Timers       []InvocationStatus `json:"timers"`
	Queues       []InvocationStatus `json:"queues"`
}

// entry is the mutable side of a Registration.
type entry struct {
	reg   Registration
	index int
	sub   *ledger.Subscription

	lifecycle   LifecycleHandler
	transaction TransactionHandler

	mu           sync.Mutex
	commandCount int64
	useCount     int64
	errorCount   int64
	errorMessage string
	errorTime    time.Time
}

func (e *entry) record(commands int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.useCount++
	e.commandCount += int64(commands)
	if err != nil {
		e.errorCount++
		e.errorMessage = err.Error()
		e.errorTime = time.Now().UTC()
	}
}

func (e *entry) status() InvocationStatus {
	e.mu.Lock()
	s := InvocationStatus{
		Index:        e.index,
		Kind:         e.reg.Kind,
		Label:        e.reg.Label,
		CommandCount: e.commandCount,
		UseCount:     e.useCount,
		ErrorCount:   e.errorCount,
		ErrorMessage: e.errorMessage,
	}
	if !e.errorTime.IsZero() {
		t := e.errorTime
		s.ErrorTime = &t
	}
	e.mu.Unlock()

	r := e.reg
	switch r.Kind {
	case KindContractCreated, KindContractArchived, KindLedgerInit, KindLedgerReady, KindTransactionStart, KindTransactionEnd:
		s.Description = r.Description
		s.Template = r.Selector
		if r.Kind == KindContractCreated {
			sweep, flow := r.Sweep, r.Flow
			s.SweepEnabled = &sweep
			s.FlowEnabled = &flow
		}
		if e.sub != nil {
			s.State = e.sub.State().String()
		}
	case KindWebhookGet, KindWebhookPost:
		auth := r.Auth
		s.Method = r.method()
		s.URLPath = webhook.PathPrefix + r.Selector
		s.Auth = &auth
	case KindQueue:
		s.QueueName = r.Selector
	case KindTimer:
		s.Interval = r.Interval.String()
		if r.Cron != "" {
			s.Interval = ""
			s.Cron = r.Cron
		}
	}
	return s
}

// section groups kinds the way the status document lists them.
func section(k Kind) string {
	switch {
	case k.isLedger():
		return "ledger_events"
	case k == KindWebhookGet || k == KindWebhookPost:
		return "webhooks"
	case k == KindTimer:
		return "timers"
	default:
		return "queues"
	}
}
