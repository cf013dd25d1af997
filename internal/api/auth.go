package api

import (
	"errors"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/webhook"
)

// callerClaims identifies the caller of /status. A request without a token
// is anonymous; a bad token is rejected.
func (s *Server) callerClaims(r *http.Request) (*auth.LedgerClaims, error) {
	if s.config.Verifier == nil {
		return nil, nil
	}
	if _, err := auth.ExtractBearerToken(r); errors.Is(err, auth.ErrMissingToken) {
		return nil, nil
	}
	return s.runtime.Webhooks().Authorize(r, webhook.AnyParty)
}

// operatorOnly guards the endpoints that change or observe runtime
// internals. Without a verifier they are open, as on a development box.
func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := s.runtime.Webhooks().Authorize(r, webhook.IntegrationParty)
		if err != nil {
			s.writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithLedgerClaims(r.Context(), claims)))
	})
}

func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.Category == goerrors.CategoryAuth {
		status := rich.Code
		if status == 0 {
			status = http.StatusUnauthorized
		}
		respondJSON(w, status, ErrorResponse{Error: rich.Message, Code: rich.TextCode})
		return
	}
	s.writeError(w, http.StatusUnauthorized, err.Error())
}
