package language

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// TimeoutExitCode is the exit status used by every in-container timeout layer
// (the per-language handler and the image entrypoint wrapper).
const TimeoutExitCode = 124

const (
	// DefaultMaxCodeBytes caps submitted source size.
	DefaultMaxCodeBytes = 100 * 1024
	// DefaultMaxOutputBytes caps captured stdout and stderr, each.
	DefaultMaxOutputBytes = 50 * 1024
)

var (
	ErrNotFound      = errors.New("unsupported language")
	ErrInvalidLimits = errors.New("invalid resource limits")
)

// Limits are the resource ceilings applied to a single container.
type Limits struct {
	CPUShares int64 `json:"cpu_shares" yaml:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb" yaml:"memory_mb"`   // Hard memory limit, swap disabled
	PidsLimit int64 `json:"pids_limit" yaml:"pids_limit"` // Max processes (fork bomb protection)
	DiskMB    int64 `json:"disk_mb" yaml:"disk_mb"`       // Tmpfs size for /tmp and /var/tmp
}

func DefaultLimits() Limits {
	return Limits{
		CPUShares: 512,
		MemoryMB:  256,
		PidsLimit: 50,
		DiskMB:    64,
	}
}

func (l Limits) Validate() error {
	if l.CPUShares < 2 || l.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidLimits, l.CPUShares)
	}
	if l.MemoryMB < 16 || l.MemoryMB > 2048 {
		return fmt.Errorf("%w: memory_mb must be 16-2048, got %d", ErrInvalidLimits, l.MemoryMB)
	}
	if l.PidsLimit < 5 || l.PidsLimit > 500 {
		return fmt.Errorf("%w: pids_limit must be 5-500, got %d", ErrInvalidLimits, l.PidsLimit)
	}
	if l.DiskMB < 1 || l.DiskMB > 1024 {
		return fmt.Errorf("%w: disk_mb must be 1-1024, got %d", ErrInvalidLimits, l.DiskMB)
	}
	return nil
}

// Tighten returns l with every positive field of override applied when it is
// lower than the ceiling. Zero or larger override values leave the ceiling in place.
func (l Limits) Tighten(override Limits) Limits {
	out := l
	out.CPUShares = lower(l.CPUShares, override.CPUShares)
	out.MemoryMB = lower(l.MemoryMB, override.MemoryMB)
	out.PidsLimit = lower(l.PidsLimit, override.PidsLimit)
	out.DiskMB = lower(l.DiskMB, override.DiskMB)
	return out
}

func lower(ceiling, v int64) int64 {
	if v > 0 && v < ceiling {
		return v
	}
	return ceiling
}

// Pattern is a denylisted source signature.
type Pattern struct {
	Name   string
	Reason string
	Regex  *regexp.Regexp
}

func pattern(name, reason, expr string) Pattern {
	return Pattern{Name: name, Reason: reason, Regex: regexp.MustCompile(expr)}
}

// Profile is the per-language policy bundle. Profiles are immutable once the
// registry is built; callers always receive copies.
type Profile struct {
	Language       string        `json:"language"`
	Image          string        `json:"image"`
	Extension      string        `json:"extension"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxTimeout     time.Duration `json:"max_timeout"`
	Limits         Limits        `json:"limits"`
	NetworkAllowed bool          `json:"network_allowed"`
	MaxCodeBytes   int           `json:"max_code_bytes"`
	MaxOutputBytes int           `json:"max_output_bytes"`
}

// ResolveTimeout returns the effective timeout for a requested value: the
// default when unset, never more than MaxTimeout.
func (p Profile) ResolveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return p.DefaultTimeout
	}
	if requested > p.MaxTimeout {
		return p.MaxTimeout
	}
	return requested
}

// Network reports whether a container for this profile gets a network.
// Both the request and the policy must agree.
func (p Profile) Network(requested bool) bool {
	return requested && p.NetworkAllowed
}

func baseProfile(lang, image, ext string) Profile {
	return Profile{
		Language:       lang,
		Image:          image,
		Extension:      ext,
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     60 * time.Second,
		Limits:         DefaultLimits(),
		MaxCodeBytes:   DefaultMaxCodeBytes,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}
