// Package echo is the built-in conduit.echo integration. It touches every
// kind of source and is mostly useful to check a deployment end to end.
package echo

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/integration"
	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/mattjoyce/conduit/internal/webhook"
)

// TypeID names the integration type in package metadata.
const TypeID = "conduit.echo"

// Field IDs read from the instance metadata.
const (
	FieldTemplate      = "template"
	FieldHeartbeat     = "heartbeat_seconds"
	FieldQueue         = "queue"
	FieldRelayTemplate = "relay_template"
	FieldAckChoice     = "ack_choice"
)

const defaultQueue = "echo"

func init() {
	integration.Register(TypeID, Init)
}

// Init registers the echo handlers.
func Init(env *integration.Env, reg *dispatch.Registry) error {
	e := &echo{
		env:   env,
		queue: env.Text(FieldQueue),
	}
	if e.queue == "" {
		e.queue = defaultQueue
	}

	if err := reg.OnGet("/echo", e.whoami); err != nil {
		return err
	}
	if err := reg.OnPost("/echo", e.echoBody, dispatch.WithAuth(webhook.AnyParty)); err != nil {
		return err
	}
	if err := reg.OnQueue(e.queue, e.relay); err != nil {
		return err
	}

	interval := time.Duration(env.Integer(FieldHeartbeat, 60)) * time.Second
	if interval > 0 {
		if err := reg.OnTimer(interval, e.heartbeat, dispatch.WithLabel("heartbeat")); err != nil {
			return err
		}
	}

	if template := env.Text(FieldTemplate); template != "" {
		desc := "log contracts of " + template
		if err := reg.OnContractCreated(template, e.created, dispatch.WithDescription(desc)); err != nil {
			return err
		}
		if err := reg.OnContractArchived(template, e.archived, dispatch.WithDescription(desc)); err != nil {
			return err
		}
	}
	return nil
}

type echo struct {
	env   *integration.Env
	queue string
	beats atomic.Int64
}

func (e *echo) whoami(_ context.Context, req *webhook.Request) (*webhook.Response, error) {
	return webhook.OK(map[string]any{
		"integration_id": req.IntegrationID(),
		"type_id":        e.env.TypeID,
		"party":          e.env.Party,
		"heartbeats":     e.beats.Load(),
	}), nil
}

// echoBody answers with the posted JSON and relays it through the queue.
func (e *echo) echoBody(ctx context.Context, req *webhook.Request) (*webhook.Response, error) {
	var body map[string]any
	if err := req.JSON(&body); err != nil {
		return webhook.BadRequest("body must be a JSON object"), nil
	}
	sender, err := req.SingleParty()
	if err != nil {
		return webhook.BadRequest(err.Error()), nil
	}
	if err := e.env.Put(ctx, message{From: sender, Body: body}, e.queue); err != nil {
		return nil, err
	}
	return webhook.JSON(http.StatusAccepted, map[string]any{"echo": body, "from": sender}), nil
}

type message struct {
	From string
	Body map[string]any
}

// relay turns queued messages into contracts when a relay template is set.
func (e *echo) relay(_ context.Context, msg any) ([]ledger.Command, error) {
	e.env.Logger.Info("queue message", "queue", e.queue, "message", msg)

	template := e.env.Text(FieldRelayTemplate)
	if template == "" {
		return nil, nil
	}
	args := map[string]any{"owner": e.env.Party}
	switch m := msg.(type) {
	case message:
		args["sender"] = m.From
		args["body"] = m.Body
	case map[string]any:
		args["body"] = m
	default:
		args["body"] = fmt.Sprint(m)
	}
	return []ledger.Command{ledger.Create(template, args)}, nil
}

func (e *echo) heartbeat(ctx context.Context) ([]ledger.Command, error) {
	n := e.beats.Add(1)
	e.env.Logger.Debug("heartbeat", "count", n)
	return nil, e.env.Put(ctx, map[string]any{"heartbeat": n}, e.queue)
}

func (e *echo) created(_ context.Context, ev ledger.CreateEvent) ([]ledger.Command, error) {
	e.env.Logger.Info("contract created",
		"contract_id", ev.ContractID,
		"template_id", ev.TemplateID,
		"initial", ev.Initial,
	)
	choice := e.env.Text(FieldAckChoice)
	if choice == "" || ev.Initial {
		return nil, nil
	}
	return []ledger.Command{ledger.Exercise(ev.ContractID, choice, map[string]any{})}, nil
}

func (e *echo) archived(_ context.Context, ev ledger.ArchiveEvent) ([]ledger.Command, error) {
	e.env.Logger.Info("contract archived", "contract_id", ev.ContractID, "template_id", ev.TemplateID)
	return nil, nil
}
