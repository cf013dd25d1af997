package webhook

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/mattjoyce/conduit/internal/auth"
)

// Config holds what the router needs to authorize callers.
type Config struct {
	// LedgerID must match the ledgerId claim of every accepted token.
	LedgerID string
	// Party is the integration's acting party.
	Party string
	// Verifier validates bearer tokens. Nil means non-public routes cannot
	// be served.
	Verifier auth.Verifier
	// MaxBodySize bounds request bodies; zero means DefaultMaxBodySize.
	MaxBodySize int64
}

// Router is the webhook route table. Routes are added before Mount and the
// table is read-only afterwards.
type Router struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	routes  []*Route
	index   map[string]*Route
	mounted bool
}

// New creates an empty route table.
func New(config Config, logger *slog.Logger) *Router {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	return &Router{
		config: config,
		logger: logger.With("component", "webhook"),
		index:  make(map[string]*Route),
	}
}

func routeKey(method, suffix string) string {
	return method + " " + suffix
}

// Handle adds a route. A second route with the same method and suffix is a
// conflict.
func (rt *Router) Handle(route Route) error {
	method := strings.ToUpper(route.Method)
	if method != http.MethodGet && method != http.MethodPost {
		err := goerrors.New(fmt.Sprintf("unsupported webhook method %q", route.Method), goerrors.CategoryBadInput).
			WithTextCode("invalid_method")
		return err
	}
	if route.Suffix != "" && !strings.HasPrefix(route.Suffix, "/") {
		err := goerrors.New(fmt.Sprintf("webhook suffix %q must start with /", route.Suffix), goerrors.CategoryBadInput).
			WithTextCode("invalid_suffix")
		return err
	}
	if route.Handler == nil {
		return fmt.Errorf("webhook %s %s has no handler", method, route.Suffix)
	}
	route.Method = method

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.mounted {
		return fmt.Errorf("webhook routes are frozen")
	}
	key := routeKey(method, route.Suffix)
	if _, exists := rt.index[key]; exists {
		err := goerrors.New(fmt.Sprintf("duplicate webhook route %s %s", method, route.Pattern()), goerrors.CategoryConflict).
			WithTextCode("route_conflict")
		err.WithMetadata(map[string]any{"method": method, "suffix": route.Suffix})
		return err
	}

	r := route
	rt.routes = append(rt.routes, &r)
	rt.index[key] = &r
	rt.logger.Info("registered webhook", "method", method, "path", r.Pattern(), "label", r.Label, "auth", r.Auth.String())
	return nil
}

// Routes lists every route in registration order.
func (rt *Router) Routes() []RouteInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]RouteInfo, 0, len(rt.routes))
	for _, r := range rt.routes {
		out = append(out, RouteInfo{Method: r.Method, Path: r.Pattern(), Label: r.Label, Auth: r.Auth})
	}
	return out
}

// Visible lists the routes a caller holding claims may invoke. Anonymous
// callers (nil claims) see only public routes.
func (rt *Router) Visible(claims *auth.LedgerClaims) []RouteInfo {
	all := rt.Routes()
	out := all[:0:0]
	for _, r := range all {
		if rt.Permits(claims, r.Auth) {
			out = append(out, r)
		}
	}
	return out
}

// Permits reports whether a caller holding claims may invoke a route
// protected by level.
func (rt *Router) Permits(claims *auth.LedgerClaims, level AuthLevel) bool {
	switch level {
	case Public:
		return true
	case AnyParty:
		return claims != nil
	case IntegrationParty:
		return claims != nil && claims.HoldsParty(rt.config.Party)
	default:
		return false
	}
}

// Mount freezes the table and attaches every route to r under PathPrefix.
// Routes are attached in a stable order so that chi resolves overlapping
// patterns deterministically.
func (rt *Router) Mount(r chi.Router) {
	rt.mu.Lock()
	rt.mounted = true
	routes := make([]*Route, len(rt.routes))
	copy(routes, rt.routes)
	rt.mu.Unlock()

	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Suffix < routes[j].Suffix })
	for _, route := range routes {
		r.Method(route.Method, route.Pattern(), rt.serve(route))
	}
}

// Authorize checks the caller of r against level. It returns the verified
// ledger claims (nil for public routes) or a categorized auth error whose
// Code is the HTTP status to answer with.
func (rt *Router) Authorize(r *http.Request, level AuthLevel) (*auth.LedgerClaims, error) {
	if level == Public {
		return nil, nil
	}
	if rt.config.Verifier == nil {
		return nil, authError(http.StatusUnauthorized, "no_authorization_support",
			"this endpoint requires authorization, which is unavailable without a token verifier")
	}

	token, err := auth.ExtractBearerToken(r)
	if errors.Is(err, auth.ErrInvalidScheme) {
		return nil, authError(http.StatusUnauthorized, "invalid_auth_scheme",
			"invalid authorization scheme, should be `Bearer <token>`")
	}
	if err != nil {
		return nil, authError(http.StatusUnauthorized, "missing_token",
			"this endpoint requires a valid token and none was supplied")
	}

	claims, err := rt.config.Verifier.Verify(r.Context(), token)
	if err != nil {
		rt.logger.Warn("rejected a token", "error", err)
		return nil, authError(http.StatusForbidden, "invalid_token",
			"this endpoint was presented with an invalid token")
	}

	ledgerClaims, ok := claims.LedgerClaimsFor(rt.config.LedgerID)
	if !ok {
		return nil, authError(http.StatusUnauthorized, "missing_ledger_claims",
			fmt.Sprintf("this endpoint requires a valid token containing ledger API claims for ledger ID %q", rt.config.LedgerID))
	}

	if level == IntegrationParty && !ledgerClaims.HoldsParty(rt.config.Party) {
		return nil, authError(http.StatusUnauthorized, "unauthorized", "unauthorized token")
	}
	return ledgerClaims, nil
}

func authError(status int, code, message string) error {
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(status).
		WithTextCode(code)
}

func (rt *Router) serve(route *Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := rt.Authorize(r, route.Auth)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		body, err := readBody(r, rt.config.MaxBodySize)
		if err != nil {
			if errors.Is(err, errBodyTooLarge) {
				JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large"}).write(w)
				return
			}
			BadRequest("failed to read request body").write(w)
			return
		}

		ctx := auth.WithLedgerClaims(r.Context(), claims)
		resp, err := route.Handler(ctx, NewRequest(r.WithContext(ctx), body, claims))
		if err != nil {
			rt.logger.Error("webhook handler failed",
				"method", route.Method,
				"path", route.Pattern(),
				"label", route.Label,
				"request_id", middleware.GetReqID(r.Context()),
				"error", err,
			)
			InternalError("internal error").write(w)
			return
		}
		if resp == nil {
			resp = Empty()
		}
		resp.write(w)
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Category == goerrors.CategoryAuth {
		status := rich.Code
		if status == 0 {
			status = http.StatusUnauthorized
		}
		JSON(status, ErrorResponse{Error: rich.Message, Code: rich.TextCode}).write(w)
		return
	}
	Unauthorized("unauthorized", err.Error()).write(w)
}

var errBodyTooLarge = errors.New("request body too large")

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}
