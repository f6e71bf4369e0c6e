package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/language"
)

// WorkspaceDir is where the code directory is mounted inside the container.
const WorkspaceDir = "/workspace"

const removeTimeout = 30 * time.Second

// Handle identifies a live container owned by one execution.
type Handle struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ExecutionID string    `json:"execution_id"`
	Language    string    `json:"language"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateRequest is everything Create needs beyond the slot.
type CreateRequest struct {
	UserID     string
	Language   string
	CodeHash   string
	Image      string
	OCIRuntime string
	Entrypoint string // prepended to Process.Args when set
	FileName   string // code file name inside WorkspaceDir
	Code       string // already wrapped by the language handler
	Inputs     []byte // JSON, written to input.json when non-nil
	Process    language.Process
	Limits     language.Limits
	Network    bool
	Timeout    time.Duration // exported to the image watchdog as SANDBOX_TIMEOUT
}

// CodePath is the in-container path of a code file.
func CodePath(fileName string) string {
	return path.Join(WorkspaceDir, fileName)
}

// Slot is a reserved unit of container capacity. It is held from Acquire
// until Release confirms the container is gone.
type Slot struct {
	execID string
	once   sync.Once
	err    error

	// Guarded by Manager.mu.
	handle *Handle
	killed bool
	dir    string
}

// ExecID returns the execution the slot belongs to.
func (s *Slot) ExecID() string { return s.execID }

type zombie struct {
	execID string
	name   string
	since  time.Time
}

// SweepReport summarizes one sweeper pass.
type SweepReport struct {
	ZombiesReclaimed int `json:"zombies_reclaimed"`
	OrphansRemoved   int `json:"orphans_removed"`
	StuckKilled      int `json:"stuck_killed"`
	Errors           int `json:"errors"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxContainers int
	TempDir       string            // parent of per-execution directories; os.TempDir() when empty
	OnSweep       func(SweepReport) // optional, called after every sweep
}

// Manager owns container capacity and the registry of live executions.
// Every container it creates is counted against MaxContainers from before
// the runtime is called until the runtime confirms removal.
type Manager struct {
	runtime ContainerRuntime
	max     int
	tempDir string
	onSweep func(SweepReport)

	mu       sync.Mutex
	reserved int
	slots    map[string]*Slot  // by execution id
	zombies  map[string]zombie // by container id
}

func NewManager(rt ContainerRuntime, cfg ManagerConfig) *Manager {
	limit := cfg.MaxContainers
	if limit < 1 {
		limit = 10
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Manager{
		runtime: rt,
		max:     limit,
		tempDir: tempDir,
		onSweep: cfg.OnSweep,
		slots:   make(map[string]*Slot),
		zombies: make(map[string]zombie),
	}
}

// Runtime returns the underlying container runtime.
func (m *Manager) Runtime() ContainerRuntime { return m.runtime }

// Capacity is the configured container cap.
func (m *Manager) Capacity() int { return m.max }

// InUse counts reserved slots, including ones held by containers whose
// removal failed.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

// Acquire reserves a slot without waiting. It fails with ErrConcurrencyLimit
// when the cap is reached.
func (m *Manager) Acquire(execID string) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.slots[execID]; dup {
		return nil, fmt.Errorf("%w: duplicate execution id %s", ErrInvalidRequest, execID)
	}
	if m.reserved >= m.max {
		return nil, fmt.Errorf("%w: %d of %d containers in use", ErrConcurrencyLimit, m.reserved, m.max)
	}
	m.reserved++
	slot := &Slot{execID: execID}
	m.slots[execID] = slot
	return slot, nil
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// containerName builds sandbox-<user>-<codehash12>-<execid>.
func containerName(userID, codeHash, execID string) string {
	user := nameUnsafe.ReplaceAllString(userID, "_")
	if user == "" {
		user = "anon"
	}
	if len(user) > 32 {
		user = user[:32]
	}
	if len(codeHash) > 12 {
		codeHash = codeHash[:12]
	}
	return fmt.Sprintf("sandbox-%s-%s-%s", user, codeHash, execID)
}

// Create prepares the workspace and creates (but does not start) the container.
func (m *Manager) Create(ctx context.Context, slot *Slot, req CreateRequest) (Handle, error) {
	m.mu.Lock()
	if slot.killed {
		m.mu.Unlock()
		return Handle{}, ErrKilled
	}
	if slot.handle != nil {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: slot already has a container", ErrInvalidRequest)
	}
	m.mu.Unlock()

	dir, err := os.MkdirTemp(m.tempDir, "sandbox-"+slot.execID+"-*")
	if err != nil {
		return Handle{}, &ExecutionError{ExecID: slot.execID, Op: "create_temp_dir", Err: err}
	}
	m.mu.Lock()
	slot.dir = dir
	m.mu.Unlock()

	workspace, stateDir, err := prepareWorkspace(dir, req)
	if err != nil {
		return Handle{}, &ExecutionError{ExecID: slot.execID, Op: "prepare_workspace", Err: err}
	}

	name := containerName(req.UserID, req.CodeHash, slot.execID)
	spec := m.buildSpec(name, slot.execID, workspace, stateDir, req)

	id, err := m.runtime.Create(ctx, spec)
	if err != nil {
		return Handle{}, &ExecutionError{ExecID: slot.execID, Op: "create_container", Err: err}
	}

	h := Handle{
		ID:          id,
		Name:        name,
		ExecutionID: slot.execID,
		Language:    req.Language,
		UserID:      req.UserID,
		CreatedAt:   time.Now(),
	}

	m.mu.Lock()
	slot.handle = &h
	killed := slot.killed
	m.mu.Unlock()

	if killed {
		return h, ErrKilled
	}
	return h, nil
}

func prepareWorkspace(dir string, req CreateRequest) (workspace, stateDir string, err error) {
	workspace = filepath.Join(dir, "workspace")
	stateDir = filepath.Join(dir, "state")
	if err := os.Mkdir(workspace, 0755); err != nil { // #nosec G301 -- read by uid 65534 inside the container
		return "", "", err
	}
	if err := os.Mkdir(stateDir, 0700); err != nil {
		return "", "", err
	}
	// MkdirTemp creates 0700; the container user must traverse it.
	if err := os.Chmod(dir, 0755); err != nil { // #nosec G302
		return "", "", err
	}

	if err := writeReadOnly(filepath.Join(workspace, req.FileName), []byte(req.Code)); err != nil {
		return "", "", fmt.Errorf("writing code: %w", err)
	}
	if req.Inputs != nil {
		if err := writeReadOnly(filepath.Join(workspace, path.Base(language.InputPath)), req.Inputs); err != nil {
			return "", "", fmt.Errorf("writing inputs: %w", err)
		}
	}
	return workspace, stateDir, nil
}

func writeReadOnly(p string, data []byte) error {
	if err := os.WriteFile(p, data, 0600); err != nil {
		return err
	}
	return os.Chmod(p, 0444) // #nosec G302 -- container runs as nobody (UID 65534)
}

func (m *Manager) buildSpec(name, execID, workspace, stateDir string, req CreateRequest) ContainerSpec {
	args := req.Process.Args
	if req.Entrypoint != "" {
		args = append([]string{req.Entrypoint}, args...)
	}

	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"SANDBOX=true",
		"SANDBOX_TIMEOUT=" + strconv.Itoa(timeoutSeconds(req.Timeout)),
	}
	env = append(env, req.Process.Env...)

	return ContainerSpec{
		Name:           name,
		Image:          req.Image,
		OCIRuntime:     req.OCIRuntime,
		Args:           args,
		Env:            env,
		User:           fmt.Sprintf("%d:%d", SandboxUID, SandboxGID),
		WorkDir:        WorkspaceDir,
		Hostname:       "sandbox",
		Limits:         req.Limits,
		Network:        req.Network,
		ReadOnlyRootfs: true,
		Mounts:         []Mount{{Source: workspace, Target: WorkspaceDir, ReadOnly: true}},
		Tmpfs:          ScratchTmpfs(req.Limits),
		Security:       SecurityProfileFor(req.Language, req.Network),
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelExecID:   execID,
			LabelLanguage: req.Language,
			LabelUser:     req.UserID,
		},
		StateDir: stateDir,
	}
}

func timeoutSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (m *Manager) containerID(slot *Slot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot.handle == nil {
		return "", fmt.Errorf("%w: execution %s has no container", ErrNotFound, slot.execID)
	}
	return slot.handle.ID, nil
}

func (m *Manager) Start(ctx context.Context, slot *Slot) error {
	id, err := m.containerID(slot)
	if err != nil {
		return err
	}
	return m.runtime.Start(ctx, id)
}

func (m *Manager) Wait(ctx context.Context, slot *Slot) (ExitStatus, error) {
	id, err := m.containerID(slot)
	if err != nil {
		return ExitStatus{}, err
	}
	return m.runtime.Wait(ctx, id)
}

func (m *Manager) Logs(ctx context.Context, slot *Slot, limit int) (Output, error) {
	id, err := m.containerID(slot)
	if err != nil {
		return Output{}, err
	}
	return m.runtime.Logs(ctx, id, limit)
}

func (m *Manager) Stats(ctx context.Context, slot *Slot) (Stats, error) {
	id, err := m.containerID(slot)
	if err != nil {
		return Stats{}, err
	}
	return m.runtime.Stats(ctx, id)
}

// HardKill sends SIGKILL to the slot's container. Used on the orchestrator deadline.
func (m *Manager) HardKill(ctx context.Context, slot *Slot) error {
	id, err := m.containerID(slot)
	if err != nil {
		return err
	}
	err = m.runtime.Kill(ctx, id)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Killed reports whether an operator kill was requested for the slot.
func (m *Manager) Killed(slot *Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slot.killed
}

// Release unregisters the execution, removes its container and workspace,
// and frees the slot. Only the first call does anything. When the runtime
// cannot remove the container the slot stays reserved until Sweep succeeds.
func (m *Manager) Release(ctx context.Context, slot *Slot) error {
	slot.once.Do(func() {
		slot.err = m.release(ctx, slot)
	})
	return slot.err
}

func (m *Manager) release(ctx context.Context, slot *Slot) error {
	m.mu.Lock()
	delete(m.slots, slot.execID)
	h := slot.handle
	dir := slot.dir
	m.mu.Unlock()

	logger := log.With().Str("exec_id", slot.execID).Logger()

	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove execution directory")
		}
	}

	if h == nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		return nil
	}

	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	if err := m.runtime.Remove(rmCtx, h.ID); err != nil {
		m.mu.Lock()
		m.zombies[h.ID] = zombie{execID: slot.execID, name: h.Name, since: time.Now()}
		m.mu.Unlock()
		logger.Error().Err(err).Str("container", h.Name).Msg("container removal failed, slot held until sweep")
		return &ExecutionError{ExecID: slot.execID, Op: "remove_container", Err: err}
	}

	m.mu.Lock()
	m.reserved--
	m.mu.Unlock()
	logger.Debug().Str("container", h.Name).Msg("container released")
	return nil
}

// Kill hard-kills a registered execution. It returns false when the
// execution is unknown or already finished. A kill that lands before the
// container exists prevents it from being started.
func (m *Manager) Kill(ctx context.Context, execID string) (bool, error) {
	m.mu.Lock()
	slot, ok := m.slots[execID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	slot.killed = true
	var id string
	if slot.handle != nil {
		id = slot.handle.ID
	}
	m.mu.Unlock()

	if id == "" {
		return true, nil
	}

	if err := m.runtime.Kill(ctx, id); err != nil && !IsNotFound(err) {
		return false, &ExecutionError{ExecID: execID, Op: "kill", Err: err}
	}
	log.Info().Str("exec_id", execID).Msg("execution killed by operator")
	return true, nil
}

// Active returns copies of every registered container handle.
func (m *Manager) Active() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Handle, 0, len(m.slots))
	for _, s := range m.slots {
		if s.handle != nil {
			out = append(out, *s.handle)
		}
	}
	return out
}

// Sweep reclaims zombie slots, removes managed containers unknown to this
// process that are older than retention, and kills registered executions
// that have outlived retention.
func (m *Manager) Sweep(ctx context.Context, retention time.Duration) (SweepReport, error) {
	var report SweepReport

	m.mu.Lock()
	zombies := make(map[string]zombie, len(m.zombies))
	for id, z := range m.zombies {
		zombies[id] = z
	}
	m.mu.Unlock()

	for id, z := range zombies {
		if err := m.runtime.Remove(ctx, id); err != nil {
			report.Errors++
			log.Warn().Err(err).Str("exec_id", z.execID).Str("container", z.name).Msg("zombie container still not removable")
			continue
		}
		m.mu.Lock()
		if _, ok := m.zombies[id]; ok {
			delete(m.zombies, id)
			m.reserved--
			report.ZombiesReclaimed++
		}
		m.mu.Unlock()
	}

	infos, err := m.runtime.List(ctx)
	if err != nil {
		m.finishSweep(report)
		return report, fmt.Errorf("listing containers: %w", err)
	}

	now := time.Now()
	known := make(map[string]bool)
	var stuck []string

	m.mu.Lock()
	for execID, s := range m.slots {
		known[execID] = true
		if s.handle != nil && !s.killed && now.Sub(s.handle.CreatedAt) > retention {
			stuck = append(stuck, execID)
		}
	}
	for _, z := range m.zombies {
		known[z.execID] = true
	}
	m.mu.Unlock()

	for _, info := range infos {
		if known[info.Labels[LabelExecID]] {
			continue
		}
		if !info.CreatedAt.IsZero() && now.Sub(info.CreatedAt) < retention {
			continue
		}
		if err := m.runtime.Remove(ctx, info.ID); err != nil {
			report.Errors++
			log.Warn().Err(err).Str("container", info.Name).Msg("failed to remove orphaned container")
			continue
		}
		log.Info().Str("container", info.Name).Msg("removed orphaned sandbox container")
		report.OrphansRemoved++
	}

	for _, execID := range stuck {
		killed, err := m.Kill(ctx, execID)
		if err != nil {
			report.Errors++
			log.Warn().Err(err).Str("exec_id", execID).Msg("failed to kill stuck execution")
			continue
		}
		if killed {
			report.StuckKilled++
		}
	}

	m.finishSweep(report)
	return report, nil
}

func (m *Manager) finishSweep(report SweepReport) {
	if report != (SweepReport{}) {
		log.Info().
			Int("zombies", report.ZombiesReclaimed).
			Int("orphans", report.OrphansRemoved).
			Int("stuck", report.StuckKilled).
			Int("errors", report.Errors).
			Msg("sweep finished")
	}
	if m.onSweep != nil {
		m.onSweep(report)
	}
}

// RunSweeper sweeps once immediately and then every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := m.Sweep(ctx, retention); err != nil {
		log.Warn().Err(err).Msg("initial sweep failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx, retention); err != nil {
				log.Warn().Err(err).Msg("sweep failed")
			}
		}
	}
}
