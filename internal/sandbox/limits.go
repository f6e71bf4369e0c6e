package sandbox

import (
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"polyglot-sandbox/internal/language"
)

// scratchTmpfsOptions are applied to every writable scratch mount.
var scratchTmpfsOptions = []string{"rw", "noexec", "nosuid", "nodev"}

// ScratchTmpfs returns the /tmp and /var/tmp mounts sized from limits.
func ScratchTmpfs(limits language.Limits) []Tmpfs {
	return []Tmpfs{
		{Target: "/tmp", SizeMB: limits.DiskMB, Options: scratchTmpfsOptions},
		{Target: "/var/tmp", SizeMB: limits.DiskMB, Options: scratchTmpfsOptions},
	}
}

// dockerValue renders a tmpfs mount for docker's --tmpfs flag.
func (t Tmpfs) dockerValue() string {
	opts := append([]string{}, t.Options...)
	opts = append(opts, fmt.Sprintf("size=%dm", t.SizeMB))
	return t.Target + ":" + strings.Join(opts, ",")
}

// cpuQuota converts shares (1024 = 1 core) to a CFS quota over a 100ms period.
func cpuQuota(shares int64) (period uint64, quota int64) {
	period = 100000
	quota = int64(float64(shares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}
	return period, quota
}

func ApplyResourceLimits(spec *specs.Spec, limits language.Limits, tmpfs []Tmpfs) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// Use CFS quota for a hard CPU cap instead of shares (soft, best-effort).
	period, quota := cpuQuota(limits.CPUShares)
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	for _, t := range tmpfs {
		sizeBytes := t.SizeMB * 1024 * 1024
		opts := append([]string{}, t.Options...)
		opts = append(opts, fmt.Sprintf("size=%d", sizeBytes), "mode=1777")
		spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
			Destination: t.Target,
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     opts,
		})
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
