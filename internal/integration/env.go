package integration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/ledger"
)

// Sink accepts messages for the named in-process queues.
type Sink interface {
	Put(ctx context.Context, message any, name string) error
}

// Env is what an integration's init function knows about its instance.
type Env struct {
	IntegrationID string
	TypeID        string
	LedgerID      string
	Party         string
	MainPackageID string

	Config config.Values
	Queue  Sink
	Logger *slog.Logger
}

// NewEnv types the instance metadata of b against its integration type.
// Template fields are qualified with the package's main package ID.
func NewEnv(b *config.Bundle, ledgerID string, queue Sink, logger *slog.Logger) (*Env, error) {
	mainPkg := b.Package.MainPackageID()
	values, err := config.BuildValues(b.Type, b.Spec.Metadata, func(t string) (string, error) {
		return ledger.ResolveTemplate(mainPkg, t)
	})
	if err != nil {
		return nil, fmt.Errorf("integration %s: %w", b.Spec.IntegrationID, err)
	}
	return &Env{
		IntegrationID: b.Spec.IntegrationID,
		TypeID:        b.TypeID,
		LedgerID:      ledgerID,
		Party:         b.Party,
		MainPackageID: mainPkg,
		Config:        values,
		Queue:         queue,
		Logger:        logger,
	}, nil
}

// Text returns a field's normalized text, or "" when it is absent.
func (e *Env) Text(id string) string {
	return e.Config[id].Raw
}

// Integer returns an integer field, or fallback when it is absent.
func (e *Env) Integer(id string, fallback int64) int64 {
	v, ok := e.Config[id]
	if !ok || v.Kind != config.FieldInteger {
		return fallback
	}
	return v.Integer
}

// Number returns a numeric field, or fallback when it is absent.
func (e *Env) Number(id string, fallback float64) float64 {
	v, ok := e.Config[id]
	if !ok || (v.Kind != config.FieldNumber && v.Kind != config.FieldInteger) {
		return fallback
	}
	return v.Number
}

// Put forwards message to the named queue.
func (e *Env) Put(ctx context.Context, message any, name string) error {
	if e.Queue == nil {
		return fmt.Errorf("no queue sink for %s", e.IntegrationID)
	}
	return e.Queue.Put(ctx, message, name)
}
