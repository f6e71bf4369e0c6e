package executor

import (
	"time"

	"polyglot-sandbox/internal/language"
	"polyglot-sandbox/internal/monitor"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusRunning             Status = "RUNNING"
	StatusCompleted           Status = "COMPLETED"
	StatusTimedOut            Status = "TIMED_OUT"
	StatusRejectedValidation  Status = "REJECTED_VALIDATION"
	StatusRejectedConcurrency Status = "REJECTED_CONCURRENCY"
	StatusContainerError      Status = "CONTAINER_ERROR"
)

// Terminal reports whether s ends an execution.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusRunning
}

// ErrorKind classifies a failed execution.
type ErrorKind string

const (
	KindValidation       ErrorKind = "ValidationError"
	KindConcurrencyLimit ErrorKind = "ConcurrencyLimitError"
	KindProvisioning     ErrorKind = "ContainerProvisioningError"
	KindTimeout          ErrorKind = "ExecutionTimeoutError"
	KindRuntime          ErrorKind = "ContainerRuntimeError"
	KindUnexpected       ErrorKind = "UnexpectedError"
)

// Request is one submission. It is never modified by the orchestrator.
type Request struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	UserID   string `json:"user_id"`

	// Timeout is clamped to the language's maximum; zero uses the default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Inputs is exposed to the program as /workspace/input.json.
	Inputs map[string]any `json:"inputs,omitempty"`

	// AllowNetwork is honoured only when the language policy permits it.
	AllowNetwork bool `json:"allow_network,omitempty"`

	// Limits can only tighten the language ceilings.
	Limits language.Limits `json:"limits,omitempty"`
}

// Result is the outcome of Execute. Success is true only for COMPLETED.
type Result struct {
	Success        bool                    `json:"success"`
	Output         string                  `json:"output"`
	Stderr         string                  `json:"stderr,omitempty"`
	Truncated      bool                    `json:"truncated"`
	Error          string                  `json:"error,omitempty"`
	ErrorKind      ErrorKind               `json:"error_kind,omitempty"`
	ExecutionID    string                  `json:"execution_id"`
	Status         Status                  `json:"status"`
	Language       string                  `json:"language"`
	CodeHash       string                  `json:"code_hash"`
	DurationMS     int64                   `json:"duration_ms"`
	ExitCode       int                     `json:"exit_code"`
	ResourceUsage  monitor.ResourceUsage   `json:"resource_usage"`
	SecurityEvents []monitor.SecurityEvent `json:"security_events,omitempty"`
}

// Health summarizes the orchestrator for operators.
type Health struct {
	Runtime    string   `json:"runtime"`
	OCIRuntime string   `json:"oci_runtime,omitempty"`
	Degraded   bool     `json:"degraded"`
	Active     int      `json:"active"`
	Capacity   int      `json:"capacity"`
	Languages  []string `json:"languages"`
	Draining   bool     `json:"draining"`
}
