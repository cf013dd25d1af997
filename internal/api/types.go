package api

import (
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/log"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Running       bool   `json:"running"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PendingEvents int    `json:"pending_events"`
}

// SelfInfo identifies the running integration instance.
type SelfInfo struct {
	IntegrationID string `json:"integration_id"`
	TypeID        string `json:"type_id"`
	LedgerID      string `json:"ledger_id"`
	Party         string `json:"party"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	dispatch.IntegrationStatus

	LogLevel        int               `json:"log_level"`
	LogLevelOptions []log.LevelOption `json:"log_level_options"`
	MetadataHash    string            `json:"metadata_hash,omitempty"`
	Self            SelfInfo          `json:"_self"`
}

// LogLevelRequest is the body of POST /log-level.
type LogLevelRequest struct {
	LogLevel *int `json:"log_level"`
}

// LogLevelResponse echoes the new level.
type LogLevelResponse struct {
	LogLevel int `json:"log_level"`
	Previous int `json:"previous"`
}
