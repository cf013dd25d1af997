package webhook

import (
	"context"
	"fmt"
	"strings"
)

// AuthLevel governs how a route checks caller identity before invocation.
type AuthLevel int

const (
	// Public routes never check identity.
	Public AuthLevel = iota
	// AnyParty routes need a valid token with ledger claims for this ledger.
	AnyParty
	// IntegrationParty routes also need the token to read and act as the
	// integration's own party.
	IntegrationParty
)

func (l AuthLevel) String() string {
	switch l {
	case Public:
		return "public"
	case AnyParty:
		return "any_party"
	case IntegrationParty:
		return "integration_party"
	default:
		return fmt.Sprintf("auth(%d)", int(l))
	}
}

// MarshalText renders the level for status documents.
func (l AuthLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseAuthLevel accepts the lowercase names and the DABL_* aliases.
func ParseAuthLevel(s string) (AuthLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "public", "dabl_public":
		return Public, nil
	case "any_party", "dabl_any_party":
		return AnyParty, nil
	case "integration_party", "dabl_integration_party":
		return IntegrationParty, nil
	default:
		return Public, fmt.Errorf("unknown auth level %q", s)
	}
}

// HandlerFunc serves one webhook request. The router writes the returned
// response as is; any commands on it must already have been issued.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Route is one entry of the route table.
type Route struct {
	Method  string
	Suffix  string
	Label   string
	Auth    AuthLevel
	Handler HandlerFunc
}

// Pattern is the chi pattern the route is mounted under.
func (r Route) Pattern() string {
	return PathPrefix + r.Suffix
}

// RouteInfo describes a route for status listings.
type RouteInfo struct {
	Method string    `json:"method"`
	Path   string    `json:"url_path"`
	Label  string    `json:"label,omitempty"`
	Auth   AuthLevel `json:"auth"`
}

// ErrorResponse is the JSON body of every error the router writes itself.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

const (
	// PathPrefix is prepended to every route suffix. Any integration ID
	// matches.
	PathPrefix = "/integration/{integration_id}"

	// DefaultMaxBodySize bounds request bodies.
	DefaultMaxBodySize = 100 << 20 // 100 MB
)
