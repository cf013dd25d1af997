package natsledger

import (
	"fmt"

	"github.com/mattjoyce/conduit/internal/ledger"
)

// Subjects are rooted at ledger.<ledgerID>.
func subjectACS(ledgerID string) string    { return fmt.Sprintf("ledger.%s.acs", ledgerID) }
func subjectSubmit(ledgerID string) string { return fmt.Sprintf("ledger.%s.submit", ledgerID) }
func subjectTransactions(ledgerID string) string {
	return fmt.Sprintf("ledger.%s.transactions", ledgerID)
}

type acsRequest struct {
	Party    string `json:"party"`
	Template string `json:"template"`
}

type acsReply struct {
	Contracts []ledger.Contract `json:"contracts"`
	Error     string            `json:"error,omitempty"`
}

type submitRequest struct {
	Party     string           `json:"party"`
	CommandID string           `json:"command_id"`
	Commands  []ledger.Command `json:"commands"`
}

type submitReply struct {
	Error string `json:"error,omitempty"`
}

// txEnvelope carries one transaction with the parties allowed to see it.
// An empty Parties list means every party.
type txEnvelope struct {
	Parties     []string           `json:"parties,omitempty"`
	Transaction ledger.Transaction `json:"transaction"`
}

func (e txEnvelope) visibleTo(party string) bool {
	if len(e.Parties) == 0 {
		return true
	}
	for _, p := range e.Parties {
		if p == party {
			return true
		}
	}
	return false
}

// filter keeps the events whose template is covered by one of templates.
func filter(tx ledger.Transaction, templates []string) (ledger.Transaction, bool) {
	if len(templates) == 0 {
		return tx, true
	}
	kept := tx.Events[:0:0]
	for _, ev := range tx.Events {
		for _, t := range templates {
			if ledger.TemplateMatches(t, ev.Contract.TemplateID) {
				kept = append(kept, ev)
				break
			}
		}
	}
	if len(kept) == 0 {
		return tx, false
	}
	tx.Events = kept
	return tx, true
}
