package ledger

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned when a transaction stream ends without an error
// while the runtime is still running.
var ErrStreamClosed = errors.New("ledger stream closed")

// Contract is a contract visible to the acting party.
type Contract struct {
	ContractID string         `json:"contract_id"`
	TemplateID string         `json:"template_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventKind distinguishes contract events inside a transaction.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventArchived EventKind = "archived"
)

// Event is one contract event inside a transaction. Archive events carry
// only the contract and template IDs.
type Event struct {
	Kind     EventKind `json:"kind"`
	Contract Contract  `json:"contract"`
}

// Transaction is one committed ledger transaction as seen on the stream.
type Transaction struct {
	TransactionID string  `json:"transaction_id"`
	CommandID     string  `json:"command_id,omitempty"`
	WorkflowID    string  `json:"workflow_id,omitempty"`
	Offset        string  `json:"offset"`
	Events        []Event `json:"events"`
}

// CreateEvent is delivered to contract-created handlers. Initial is true
// for contracts found by the startup sweep.
type CreateEvent struct {
	ContractID string
	TemplateID string
	Payload    map[string]any
	Initial    bool
}

// ArchiveEvent is delivered to contract-archived handlers.
type ArchiveEvent struct {
	ContractID string
	TemplateID string
}

// TransactionEvent is delivered to transaction start and end handlers.
type TransactionEvent struct {
	CommandID  string
	WorkflowID string
	Offset     string
	Events     []Event
}

// LifecycleEvent is delivered to ledger init and ready handlers.
type LifecycleEvent struct {
	Party    string
	LedgerID string
}

//go:generate mockgen -destination=mocks/mock_ledger.go -package=mocks github.com/mattjoyce/conduit/internal/ledger Client,Stream

// Client is the party-scoped ledger collaborator.
type Client interface {
	// ActiveContracts returns the currently active contracts matching a
	// template selector ("*" matches every template).
	ActiveContracts(ctx context.Context, template string) ([]Contract, error)

	// Subscribe returns once the live subscription is established, so any
	// transaction committed afterwards is observed on the stream.
	Subscribe(ctx context.Context, templates []string) (Stream, error)

	// Submit sends one batch of commands as a single ledger submission.
	Submit(ctx context.Context, commands []Command) error

	// Party is the acting party of this client.
	Party() string
}

// Stream is a live transaction stream.
type Stream interface {
	// Transactions is closed when the stream ends.
	Transactions() <-chan Transaction

	// Err reports why the stream ended; nil after a normal Close.
	Err() error

	Close() error
}
