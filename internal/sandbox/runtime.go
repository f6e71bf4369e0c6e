package sandbox

import (
	"context"
	"time"

	"polyglot-sandbox/internal/language"
)

// Labels attached to every container this package creates.
const (
	LabelManaged  = "sandbox.managed"
	LabelExecID   = "sandbox.execution_id"
	LabelLanguage = "sandbox.language"
	LabelUser     = "sandbox.user"
)

// Mount is a host path exposed inside the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Tmpfs is an in-memory scratch mount.
type Tmpfs struct {
	Target  string
	SizeMB  int64
	Options []string
}

// ContainerSpec is everything a runtime needs to create one sandbox container.
type ContainerSpec struct {
	Name           string
	Image          string
	OCIRuntime     string // empty for the engine default, "runsc" for gVisor
	Args           []string
	Env            []string
	User           string
	WorkDir        string
	Hostname       string
	Limits         language.Limits
	Network        bool
	ReadOnlyRootfs bool
	Mounts         []Mount
	Tmpfs          []Tmpfs
	Security       SecurityProfile
	Labels         map[string]string

	// StateDir is a host directory owned by the execution. Runtimes may
	// write scratch files (seccomp profiles) there; it is deleted on release.
	StateDir string
}

// ExitStatus is the terminal state of a container's main process.
type ExitStatus struct {
	ExitCode   int
	OOMKilled  bool
	FinishedAt time.Time
}

// Output is captured stdout and stderr, each capped by the caller's limit.
type Output struct {
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
}

// Stats is a point-in-time resource snapshot of one container.
type Stats struct {
	At               time.Time
	CPUUsageNanos    uint64  // cumulative CPU time, 0 when the runtime does not report it
	CPUPercent       float64 // runtime-computed percentage, used when CPUUsageNanos is 0
	MemoryBytes      uint64
	MemoryMaxBytes   uint64 // peak usage when the runtime reports it
	MemoryLimitBytes uint64
	NetworkRxBytes   uint64
	NetworkTxBytes   uint64
	Pids             uint64
}

// ContainerInfo describes a managed container found by List.
type ContainerInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Labels    map[string]string
}

// ContainerRuntime is the container engine boundary. Implementations must be
// safe for concurrent use. Methods taking an id return an error wrapping
// ErrNotFound when the container no longer exists.
type ContainerRuntime interface {
	// Name identifies the engine (e.g., "docker", "containerd").
	Name() string

	// Create creates (but does not start) a container and returns its id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	Start(ctx context.Context, id string) error

	// Wait blocks until the container exits or ctx is done.
	Wait(ctx context.Context, id string) (ExitStatus, error)

	// Logs returns captured output, each stream capped at limit bytes.
	Logs(ctx context.Context, id string, limit int) (Output, error)

	Stats(ctx context.Context, id string) (Stats, error)

	// Kill sends SIGKILL to the container's processes.
	Kill(ctx context.Context, id string) error

	// Remove force-removes the container. Removing a missing container is not an error.
	Remove(ctx context.Context, id string) error

	// List returns containers carrying LabelManaged.
	List(ctx context.Context) ([]ContainerInfo, error)

	Close() error
}
