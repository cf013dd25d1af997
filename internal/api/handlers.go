package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
)

// Indirection for tests that must not depend on the process-wide level.
var debugEnabled = log.DebugEnabled

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.runtime.Status(nil)
	resp := HealthzResponse{
		Status:        "ok",
		Running:       st.Running,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PendingEvents: st.PendingEvents,
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /status. Webhooks are listed only when the caller
// may invoke them.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	claims, err := s.callerClaims(r)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}

	resp := StatusResponse{
		IntegrationStatus: s.runtime.Status(claims),
		LogLevel:          log.Level(),
		LogLevelOptions:   log.Options(),
		MetadataHash:      s.config.MetadataHash,
		Self: SelfInfo{
			IntegrationID: s.config.IntegrationID,
			TypeID:        s.config.TypeID,
			LedgerID:      s.config.LedgerID,
			Party:         s.config.Party,
		},
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleLogLevel handles POST /log-level.
func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.LogLevel == nil {
		s.writeError(w, http.StatusBadRequest, "log_level is required")
		return
	}

	prev := log.Level()
	if err := log.SetLevel(*req.LogLevel); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.hub.Publish(events.TypeLogLevelChanged, "", map[string]int{"log_level": *req.LogLevel, "previous": prev})
	respondJSON(w, http.StatusOK, LogLevelResponse{LogLevel: *req.LogLevel, Previous: prev})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
