// Package auth verifies Daml ledger API bearer tokens and carries the
// resulting ledger claims on the request context.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// LedgerClaimsKey is the private JWT claim holding the ledger API claims.
const LedgerClaimsKey = "https://daml.com/ledger-api"

var (
	ErrInvalidScheme = errors.New("invalid authorization scheme, should be `Bearer <token>`")
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid token")
)

// LedgerClaims are the ledger API claims of a verified token.
type LedgerClaims struct {
	LedgerID      string   `json:"ledgerId"`
	ApplicationID string   `json:"applicationId,omitempty"`
	ReadAs        []string `json:"readAs,omitempty"`
	ActAs         []string `json:"actAs,omitempty"`
	Admin         bool     `json:"admin,omitempty"`
}

// Parties returns the parties present in both ReadAs and ActAs, in ActAs
// order.
func (c LedgerClaims) Parties() []string {
	read := make(map[string]struct{}, len(c.ReadAs))
	for _, p := range c.ReadAs {
		read[p] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{})
	for _, p := range c.ActAs {
		if _, ok := read[p]; !ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Claims is the decoded content of a verified token.
type Claims struct {
	Subject string
	// Ledger is nil when the token carries no ledger API claims.
	Ledger *LedgerClaims
}

// LedgerClaimsFor returns the ledger claims only when they are issued for
// ledgerID. Tokens for other ledgers carry no authority here.
func (c Claims) LedgerClaimsFor(ledgerID string) (*LedgerClaims, bool) {
	if c.Ledger == nil || c.Ledger.LedgerID != ledgerID {
		return nil, false
	}
	return c.Ledger, true
}

// HoldsParty reports whether the claims both read and act as party.
func (c LedgerClaims) HoldsParty(party string) bool {
	if party == "" {
		return false
	}
	return contains(c.ReadAs, party) && contains(c.ActAs, party)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type claimsKey struct{}

// WithLedgerClaims attaches verified ledger claims to ctx.
func WithLedgerClaims(ctx context.Context, c *LedgerClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// LedgerClaimsFromContext returns the claims attached by WithLedgerClaims.
func LedgerClaimsFromContext(ctx context.Context) (*LedgerClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*LedgerClaims)
	return c, ok && c != nil
}

// ExtractBearerToken reads the token from the Authorization header or,
// when the header is absent, from the access_token query parameter. An
// empty query parameter counts as absent.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		scheme, token, _ := strings.Cut(header, " ")
		if scheme != "Bearer" || strings.TrimSpace(token) == "" {
			return "", ErrInvalidScheme
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}
