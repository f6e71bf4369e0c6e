package api

import (
	"time"

	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/storage"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string   `json:"status"` // ok, degraded, or draining
	Runtime    string   `json:"runtime"`
	OCIRuntime string   `json:"oci_runtime,omitempty"`
	Degraded   bool     `json:"degraded"`
	Active     int      `json:"active"`
	Capacity   int      `json:"capacity"`
	Languages  []string `json:"languages"`
	Database   *bool    `json:"database,omitempty"` // nil when no database is configured
	Uptime     Duration `json:"uptime"`
}

type ActiveResponse struct {
	Count      int                       `json:"count"`
	Executions []monitor.ActiveExecution `json:"executions"`
}

type RecentResponse struct {
	Count      int              `json:"count"`
	Executions []monitor.Record `json:"executions"`
}

type KillResponse struct {
	ID     string `json:"id"`
	Killed bool   `json:"killed"`
}

// HistoryResponse lists persisted executions.
type HistoryResponse struct {
	Count      int                 `json:"count"`
	Executions []storage.Execution `json:"executions"`
}

// HistoryEntryResponse is one persisted execution with its security events.
type HistoryEntryResponse struct {
	Execution storage.Execution             `json:"execution"`
	Events    []storage.SecurityEventRecord `json:"security_events"`
}
