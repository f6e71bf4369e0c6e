package validator

import "regexp"

// Severity levels for container-escape signatures.
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

// escapePattern is a language-independent signature of a container escape attempt.
type escapePattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

func escapePatterns() []escapePattern {
	return []escapePattern{
		{
			Name:        "proc_self_access",
			Description: "accesses /proc/self internals",
			Regex:       regexp.MustCompile(`/proc/(self|1|\d+)/(root|exe|fd|ns|maps|mem|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "container breakout via cgroup release agent",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_socket_access",
			Description: "reaches the container engine socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/run/containerd|docker\.sock|containerd\.sock`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "namespace_escape",
			Description: "enters or creates namespaces",
			Regex:       regexp.MustCompile(`\b(nsenter|unshare|setns|chroot|pivot_root)\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "known kernel exploitation primitives",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd|insmod|modprobe|/dev/kmem|/dev/mem\b)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "reaches a cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal|fd00:ec2::254`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "reverse shell command",
			Regex:       regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*\s-[elp]\b|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "capability_abuse",
			Description: "manipulates capabilities",
			Regex:       regexp.MustCompile(`(?i)\b(cap_sys_admin|cap_net_raw|setcap|getcap|capsh)\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "process injection via ptrace",
			Regex:       regexp.MustCompile(`(?i)\b(ptrace|process_vm_readv|process_vm_writev|PTRACE_ATTACH)\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "mount_attempt",
			Description: "mounts filesystems",
			Regex:       regexp.MustCompile(`(?m)(^|[\s;&|"'(])mount\s+(-t\s+\w+|--bind|-o)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "symlink_race",
			Description: "symlink into kernel pseudo filesystems",
			Regex:       regexp.MustCompile(`ln\s+-sf?\s+/(proc|sys|dev)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
