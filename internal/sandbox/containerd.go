package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/cgroups"
	v1stats "github.com/containerd/cgroups/stats/v1"
	cgroupsv2 "github.com/containerd/cgroups/v2"
	v2stats "github.com/containerd/cgroups/v2/stats"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

const (
	gvisorShim = "io.containerd.runsc.v1"

	// containerdCaptureLimit bounds the in-memory stdout/stderr buffers. Logs
	// narrows further to the caller's limit.
	containerdCaptureLimit = 1 << 20

	cgroupV2Mountpoint = "/sys/fs/cgroup"
)

// taskState tracks the task of one container created by this process.
type taskState struct {
	task   containerd.Task
	stdout *limitedBuffer
	stderr *limitedBuffer
	cgroup string

	cancelWait context.CancelFunc
	done       chan struct{}
	status     ExitStatus
	waitErr    error
}

// ContainerdRuntime talks to containerd directly. It has no CNI integration,
// so every container gets an empty network namespace, and images must already
// be present in the namespace.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string

	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewContainerdRuntime connects to containerd and verifies the connection.
func NewContainerdRuntime(ctx context.Context, socket, namespace string) (*ContainerdRuntime, error) {
	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to containerd at %s: %v", ErrRuntimeUnavailable, socket, err)
	}

	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: containerd health check failed: %v", ErrRuntimeUnavailable, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		tasks:     make(map[string]*taskState),
	}, nil
}

func (c *ContainerdRuntime) Name() string { return "containerd" }

func (c *ContainerdRuntime) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *ContainerdRuntime) cgroupPath(id string) string {
	return "/" + c.namespace + "/" + id
}

func mapContainerdErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	case errdefs.IsUnavailable(err):
		return fmt.Errorf("%s: %w: %v", op, ErrRuntimeUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (c *ContainerdRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = c.withNamespace(ctx)

	image, err := c.client.GetImage(ctx, spec.Image)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
		}
		return "", mapContainerdErr("get image", err)
	}

	if spec.Network {
		log.Warn().Str("container", spec.Name).Msg("containerd backend has no CNI; network stays disabled")
	}

	id := spec.Name
	cgroup := c.cgroupPath(id)

	opts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithContainerLabels(spec.Labels),
	}
	if spec.OCIRuntime == "runsc" {
		opts = append(opts, containerd.WithRuntime(gvisorShim, nil))
	}
	opts = append(opts, containerd.WithNewSpec(
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Args...),
		oci.WithHostname(spec.Hostname),
		withSandboxSpec(spec, cgroup),
	))

	container, err := c.client.NewContainer(ctx, id, opts...)
	if err != nil {
		return "", mapContainerdErr("create container", err)
	}

	st := &taskState{
		stdout: newLimitedBuffer(containerdCaptureLimit),
		stderr: newLimitedBuffer(containerdCaptureLimit),
		cgroup: cgroup,
		done:   make(chan struct{}),
	}

	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, st.stdout, st.stderr)))
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", mapContainerdErr("create task", err)
	}
	st.task = task

	// Subscribe to the exit before Start so a fast exit is never missed.
	waitCtx, cancel := context.WithCancel(c.withNamespace(context.Background()))
	exitCh, err := task.Wait(waitCtx)
	if err != nil {
		cancel()
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", mapContainerdErr("task wait", err)
	}
	st.cancelWait = cancel
	go c.collectExit(st, exitCh)

	c.mu.Lock()
	c.tasks[id] = st
	c.mu.Unlock()
	return id, nil
}

// withSandboxSpec applies the hardening, limits, mounts and process settings
// of spec on top of the image's OCI config.
func withSandboxSpec(spec ContainerSpec, cgroup string) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		ApplySecurityProfile(s, spec.Security)
		ApplyResourceLimits(s, spec.Limits, spec.Tmpfs)
		if s.Root != nil {
			s.Root.Readonly = spec.ReadOnlyRootfs
		}

		for _, m := range spec.Mounts {
			mode := "rw"
			if m.ReadOnly {
				mode = "ro"
			}
			s.Mounts = append(s.Mounts, specs.Mount{
				Destination: m.Target,
				Type:        "bind",
				Source:      m.Source,
				Options:     []string{"rbind", mode},
			})
		}

		s.Process.Env = spec.Env
		if spec.WorkDir != "" {
			s.Process.Cwd = spec.WorkDir
		}
		s.Linux.CgroupsPath = cgroup
		return nil
	}
}

func (c *ContainerdRuntime) collectExit(st *taskState, exitCh <-chan containerd.ExitStatus) {
	defer close(st.done)

	status, ok := <-exitCh
	if !ok {
		st.waitErr = errors.New("task wait channel closed")
		return
	}
	code, finished, err := status.Result()
	if err != nil {
		st.waitErr = err
		return
	}
	st.status = ExitStatus{
		ExitCode:   int(code),
		FinishedAt: finished,
		OOMKilled:  cgroupOOMKilled(st.cgroup),
	}
}

func (c *ContainerdRuntime) state(id string) (*taskState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st, nil
}

func (c *ContainerdRuntime) Start(ctx context.Context, id string) error {
	st, err := c.state(id)
	if err != nil {
		return err
	}
	return mapContainerdErr("task start", st.task.Start(c.withNamespace(ctx)))
}

func (c *ContainerdRuntime) Wait(ctx context.Context, id string) (ExitStatus, error) {
	st, err := c.state(id)
	if err != nil {
		return ExitStatus{}, err
	}
	select {
	case <-st.done:
		if st.waitErr != nil {
			return ExitStatus{}, mapContainerdErr("task wait", st.waitErr)
		}
		return st.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (c *ContainerdRuntime) Logs(_ context.Context, id string, limit int) (Output, error) {
	st, err := c.state(id)
	if err != nil {
		return Output{}, err
	}
	var out Output
	out.Stdout, out.StdoutTruncated = st.stdout.snapshot(limit)
	out.Stderr, out.StderrTruncated = st.stderr.snapshot(limit)
	return out, nil
}

func (c *ContainerdRuntime) Stats(_ context.Context, id string) (Stats, error) {
	return cgroupStats(c.cgroupPath(id), time.Now())
}

func (c *ContainerdRuntime) Kill(ctx context.Context, id string) error {
	st, err := c.state(id)
	if err != nil {
		return err
	}
	err = st.task.Kill(c.withNamespace(ctx), syscall.SIGKILL, containerd.WithKillAll)
	return mapContainerdErr("task kill", err)
}

// Remove kills and deletes the task, then the container and its snapshot.
// It works for containers left by a previous process as well.
func (c *ContainerdRuntime) Remove(ctx context.Context, id string) error {
	cleanupCtx, cancel := context.WithTimeout(c.withNamespace(ctx), 30*time.Second)
	defer cancel()

	logger := log.With().Str("container_id", id).Logger()

	container, err := c.client.LoadContainer(cleanupCtx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			c.forget(id)
			return nil
		}
		return mapContainerdErr("load container", err)
	}

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, syscall.SIGKILL, containerd.WithKillAll)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
			waitCancel()
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return mapContainerdErr("delete task", err)
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return mapContainerdErr("delete container", err)
	}

	c.forget(id)
	logger.Debug().Msg("container removed")
	return nil
}

func (c *ContainerdRuntime) forget(id string) {
	c.mu.Lock()
	st, ok := c.tasks[id]
	delete(c.tasks, id)
	c.mu.Unlock()
	if ok && st.cancelWait != nil {
		st.cancelWait()
	}
}

func (c *ContainerdRuntime) List(ctx context.Context) ([]ContainerInfo, error) {
	ctx = c.withNamespace(ctx)

	list, err := c.client.Containers(ctx, fmt.Sprintf("labels.%q==true", LabelManaged))
	if err != nil {
		return nil, mapContainerdErr("list containers", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, ctr := range list {
		info, err := ctr.Info(ctx, containerd.WithoutRefreshedMetadata)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, mapContainerdErr("container info", err)
		}
		infos = append(infos, ContainerInfo{
			ID:        info.ID,
			Name:      info.ID,
			CreatedAt: info.CreatedAt,
			Labels:    info.Labels,
		})
	}
	return infos, nil
}

func (c *ContainerdRuntime) Close() error {
	c.mu.Lock()
	for id, st := range c.tasks {
		if st.cancelWait != nil {
			st.cancelWait()
		}
		delete(c.tasks, id)
	}
	c.mu.Unlock()
	return c.client.Close()
}

// ImageExists reports whether ref is present in the containerd namespace.
func (c *ContainerdRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.client.GetImage(c.withNamespace(ctx), ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, mapContainerdErr("get image", err)
}

// BuildImage is unsupported: containerd has no builder. Images are built with
// Docker or BuildKit and imported into the namespace.
func (c *ContainerdRuntime) BuildImage(_ context.Context, ref, _ string) error {
	return fmt.Errorf("%w: containerd cannot build %s; import it with ctr images import", ErrImageNotFound, ref)
}

// OCIRuntimes reports runsc when its shim binary is installed.
func (c *ContainerdRuntime) OCIRuntimes(_ context.Context) ([]string, error) {
	runtimes := []string{"runc"}
	if shimInstalled("containerd-shim-runsc-v1") {
		runtimes = append(runtimes, "runsc")
	}
	return runtimes, nil
}

func shimInstalled(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// cgroupStats reads resource usage straight from the container's cgroup.
func cgroupStats(path string, at time.Time) (Stats, error) {
	if cgroups.Mode() == cgroups.Unified {
		mgr, err := cgroupsv2.LoadManager(cgroupV2Mountpoint, path)
		if err != nil {
			return Stats{}, fmt.Errorf("%w: cgroup %s: %v", ErrNotFound, path, err)
		}
		m, err := mgr.Stat()
		if err != nil {
			return Stats{}, fmt.Errorf("reading cgroup stats: %w", err)
		}
		return statsFromV2(m, at), nil
	}

	cg, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		return Stats{}, fmt.Errorf("%w: cgroup %s: %v", ErrNotFound, path, err)
	}
	m, err := cg.Stat(cgroups.IgnoreNotExist)
	if err != nil {
		return Stats{}, fmt.Errorf("reading cgroup stats: %w", err)
	}
	return statsFromV1(m, at), nil
}

func statsFromV2(m *v2stats.Metrics, at time.Time) Stats {
	st := Stats{At: at}
	if m == nil {
		return st
	}
	if m.CPU != nil {
		st.CPUUsageNanos = m.CPU.UsageUsec * 1000
	}
	if m.Memory != nil {
		st.MemoryBytes = m.Memory.Usage
		st.MemoryLimitBytes = m.Memory.UsageLimit
	}
	if m.Pids != nil {
		st.Pids = m.Pids.Current
	}
	return st
}

func statsFromV1(m *v1stats.Metrics, at time.Time) Stats {
	st := Stats{At: at}
	if m == nil {
		return st
	}
	if m.CPU != nil && m.CPU.Usage != nil {
		st.CPUUsageNanos = m.CPU.Usage.Total
	}
	if m.Memory != nil && m.Memory.Usage != nil {
		st.MemoryBytes = m.Memory.Usage.Usage
		st.MemoryMaxBytes = m.Memory.Usage.Max
		st.MemoryLimitBytes = m.Memory.Usage.Limit
	}
	if m.Pids != nil {
		st.Pids = m.Pids.Current
	}
	return st
}

// cgroupOOMKilled reports whether the kernel OOM killer fired inside the cgroup.
func cgroupOOMKilled(path string) bool {
	if cgroups.Mode() == cgroups.Unified {
		mgr, err := cgroupsv2.LoadManager(cgroupV2Mountpoint, path)
		if err != nil {
			return false
		}
		m, err := mgr.Stat()
		if err != nil {
			return false
		}
		return oomKilledV2(m)
	}

	cg, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		return false
	}
	m, err := cg.Stat(cgroups.IgnoreNotExist)
	if err != nil {
		return false
	}
	return oomKilledV1(m)
}

func oomKilledV2(m *v2stats.Metrics) bool {
	return m != nil && m.MemoryEvents != nil && m.MemoryEvents.OomKill > 0
}

func oomKilledV1(m *v1stats.Metrics) bool {
	return m != nil && m.MemoryOomControl != nil && m.MemoryOomControl.OomKill > 0
}
