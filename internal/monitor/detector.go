package monitor

import (
	"regexp"

	"github.com/rs/zerolog/log"
)

// Severity levels for detected events.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SecurityEvent is something noteworthy seen during or after an execution.
type SecurityEvent struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Stream   string `json:"stream,omitempty"` // stdout or stderr
}

type outputPattern struct {
	name     string
	detail   string
	regex    *regexp.Regexp
	severity Severity
}

// OutputDetector scans captured output for signs that a sandbox boundary was
// probed or crossed. It complements validation, which only sees source code.
type OutputDetector struct {
	patterns []outputPattern
}

func NewOutputDetector() *OutputDetector {
	return &OutputDetector{patterns: outputPatterns()}
}

// Analyze returns one event per matching pattern and stream.
func (d *OutputDetector) Analyze(stdout, stderr string) []SecurityEvent {
	var events []SecurityEvent
	for _, s := range []struct{ name, text string }{{"stdout", stdout}, {"stderr", stderr}} {
		if s.text == "" {
			continue
		}
		for _, p := range d.patterns {
			if !p.regex.MatchString(s.text) {
				continue
			}
			events = append(events, SecurityEvent{
				Type:     p.name,
				Severity: p.severity.String(),
				Detail:   p.detail,
				Stream:   s.name,
			})
			if p.severity >= SeverityHigh {
				log.Warn().
					Str("pattern", p.name).
					Str("severity", p.severity.String()).
					Str("stream", s.name).
					Msg("suspicious content in execution output")
			}
		}
	}
	return events
}

func outputPatterns() []outputPattern {
	return []outputPattern{
		{
			name:     "root_passwd_leak",
			detail:   "output contains a passwd root entry",
			regex:    regexp.MustCompile(`root:[x*!]?:0:0:`),
			severity: SeverityCritical,
		},
		{
			name:     "engine_socket",
			detail:   "output references a container engine socket",
			regex:    regexp.MustCompile(`docker\.sock|containerd\.sock|crio\.sock`),
			severity: SeverityCritical,
		},
		{
			name:     "kernel_leak",
			detail:   "output contains a kernel version banner",
			regex:    regexp.MustCompile(`Linux version \d+\.\d+`),
			severity: SeverityHigh,
		},
		{
			name:     "metadata_response",
			detail:   "output looks like a cloud metadata response",
			regex:    regexp.MustCompile(`(?m)^(ami-id|instance-id|iam/security-credentials)\b|"AccessKeyId"\s*:`),
			severity: SeverityCritical,
		},
		{
			name:     "blocked_syscall",
			detail:   "a syscall was rejected by the seccomp filter",
			regex:    regexp.MustCompile(`Bad system call|SIGSYS`),
			severity: SeverityMedium,
		},
		{
			name:     "permission_denied",
			detail:   "an operation was denied by the sandbox",
			regex:    regexp.MustCompile(`Operation not permitted|Read-only file system|EPERM|EROFS`),
			severity: SeverityLow,
		},
		{
			name:     "process_limit",
			detail:   "the process limit was reached",
			regex:    regexp.MustCompile(`Resource temporarily unavailable|fork: retry|BlockingIOError: \[Errno 11\]|EAGAIN`),
			severity: SeverityLow,
		},
		{
			name:     "memory_exhausted",
			detail:   "the runtime ran out of memory",
			regex:    regexp.MustCompile(`MemoryError|JavaScript heap out of memory|Cannot allocate memory`),
			severity: SeverityLow,
		},
	}
}
