package storage

import "time"

// Execution is a stored execution record.
type Execution struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Language       string    `json:"language" db:"language"`
	CodeHash       string    `json:"code_hash" db:"code_hash"`
	Status         string    `json:"status" db:"status"`
	ErrorKind      string    `json:"error_kind,omitempty" db:"error_kind"`
	Error          string    `json:"error,omitempty" db:"error"`
	ExitCode       int       `json:"exit_code" db:"exit_code"`
	Output         string    `json:"output" db:"output"`
	Stderr         string    `json:"stderr" db:"stderr"`
	Truncated      bool      `json:"truncated" db:"truncated"`
	DurationMS     int64     `json:"duration_ms" db:"duration_ms"`
	CPUPercent     float64   `json:"cpu_percent" db:"cpu_percent"`
	MemoryMaxBytes int64     `json:"memory_max_bytes" db:"memory_max_bytes"`
	NetworkRxBytes int64     `json:"network_rx_bytes" db:"network_rx_bytes"`
	NetworkTxBytes int64     `json:"network_tx_bytes" db:"network_tx_bytes"`
	SecurityEvents int       `json:"security_events" db:"security_events"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	CompletedAt    time.Time `json:"completed_at" db:"completed_at"`
}

// SecurityEventRecord stores one output finding for audit.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Type        string    `json:"type" db:"type"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Stream      string    `json:"stream,omitempty" db:"stream"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Entry is what the audit writer persists: one execution and its findings.
type Entry struct {
	Execution Execution
	Events    []SecurityEventRecord
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	UserID   string
	Language string
	Status   string
	Since    time.Time
	Limit    int
	Offset   int
}
