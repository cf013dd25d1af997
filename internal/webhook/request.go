package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/conduit/internal/auth"
)

// Request is the parsed inbound request handed to a webhook handler.
type Request struct {
	HTTP *http.Request

	body   []byte
	claims *auth.LedgerClaims
}

// NewRequest wraps r with an already-read body. claims may be nil.
func NewRequest(r *http.Request, body []byte, claims *auth.LedgerClaims) *Request {
	return &Request{HTTP: r, body: body, claims: claims}
}

// Body returns the raw request body.
func (r *Request) Body() []byte { return r.body }

// JSON decodes the body into v.
func (r *Request) JSON(v any) error {
	if len(r.body) == 0 {
		return fmt.Errorf("empty request body")
	}
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// Query returns the first value of a query parameter.
func (r *Request) Query(key string) string { return r.HTTP.URL.Query().Get(key) }

// Header returns the first value of a request header.
func (r *Request) Header(key string) string { return r.HTTP.Header.Get(key) }

// IntegrationID is the {integration_id} path segment the caller used.
func (r *Request) IntegrationID() string {
	return chi.URLParam(r.HTTP, "integration_id")
}

// Claims returns the verified ledger claims, or nil on public routes.
func (r *Request) Claims() *auth.LedgerClaims { return r.claims }

// Parties returns the parties the caller both reads and acts as. It is empty
// on public routes.
func (r *Request) Parties() []string {
	if r.claims == nil {
		return nil
	}
	return r.claims.Parties()
}

// SingleParty returns the only party of the caller, "" when there is none,
// and an error when the token names more than one.
func (r *Request) SingleParty() (string, error) {
	parties := r.Parties()
	switch len(parties) {
	case 0:
		return "", nil
	case 1:
		return parties[0], nil
	default:
		return "", fmt.Errorf("only one ledger party expected in token: %v", parties)
	}
}
