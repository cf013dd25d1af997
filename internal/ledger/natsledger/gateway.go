package natsledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/conduit/internal/ledger"
	"github.com/nats-io/nats.go"
)

// Gateway exposes an in-memory ledger on NATS subjects so that runtimes in
// other processes can share it during local development.
type Gateway struct {
	conn     *nats.Conn
	ledgerID string
	mem      *ledger.Memory
	logger   *slog.Logger
	subs     []*nats.Subscription
}

// NewGateway binds mem to conn under ledgerID.
func NewGateway(conn *nats.Conn, ledgerID string, mem *ledger.Memory, logger *slog.Logger) *Gateway {
	return &Gateway{
		conn:     conn,
		ledgerID: ledgerID,
		mem:      mem,
		logger:   logger.With("component", "ledger-gateway"),
	}
}

// Start answers requests and republishes every committed transaction until
// ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	// Any party sees everything on the memory ledger.
	feed, err := g.mem.Client("").Subscribe(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not subscribe to memory ledger: %w", err)
	}
	defer feed.Close()

	acs, err := g.conn.Subscribe(subjectACS(g.ledgerID), g.handleACS(ctx))
	if err != nil {
		return fmt.Errorf("could not serve %s: %w", subjectACS(g.ledgerID), err)
	}
	g.subs = append(g.subs, acs)

	submit, err := g.conn.Subscribe(subjectSubmit(g.ledgerID), g.handleSubmit(ctx))
	if err != nil {
		g.unsubscribe()
		return fmt.Errorf("could not serve %s: %w", subjectSubmit(g.ledgerID), err)
	}
	g.subs = append(g.subs, submit)
	defer g.unsubscribe()

	if err := g.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("could not establish gateway subscriptions: %w", err)
	}
	g.logger.Info("ledger gateway ready", "ledger_id", g.ledgerID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx, ok := <-feed.Transactions():
			if !ok {
				if err := feed.Err(); err != nil {
					return err
				}
				return ledger.ErrStreamClosed
			}
			data, err := json.Marshal(txEnvelope{Transaction: tx})
			if err != nil {
				g.logger.Error("could not encode transaction", "offset", tx.Offset, "error", err)
				continue
			}
			if err := g.conn.Publish(subjectTransactions(g.ledgerID), data); err != nil {
				g.logger.Error("could not publish transaction", "offset", tx.Offset, "error", err)
			}
		}
	}
}

func (g *Gateway) handleACS(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req acsRequest
		var reply acsReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "malformed request: " + err.Error()
		} else if contracts, err := g.mem.Client(req.Party).ActiveContracts(ctx, req.Template); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Contracts = contracts
		}
		g.respond(msg, reply)
	}
}

func (g *Gateway) handleSubmit(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req submitRequest
		var reply submitReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "malformed request: " + err.Error()
		} else if err := g.mem.Client(req.Party).Submit(ctx, req.Commands); err != nil {
			reply.Error = err.Error()
		}
		g.logger.Debug("submission handled", "party", req.Party, "command_id", req.CommandID, "commands", len(req.Commands), "error", reply.Error)
		g.respond(msg, reply)
	}
}

func (g *Gateway) respond(msg *nats.Msg, reply any) {
	data, err := json.Marshal(reply)
	if err != nil {
		g.logger.Error("could not encode reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		g.logger.Error("could not send reply", "subject", msg.Subject, "error", err)
	}
}

func (g *Gateway) unsubscribe() {
	for _, s := range g.subs {
		_ = s.Unsubscribe()
	}
	g.subs = nil
}
