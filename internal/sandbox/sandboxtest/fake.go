// Package sandboxtest provides an in-memory ContainerRuntime for tests above
// the runtime boundary.
package sandboxtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"polyglot-sandbox/internal/sandbox"
)

// Behavior scripts what a fake container does once started.
type Behavior struct {
	ExitCode int
	Stdout   string
	Stderr   string
	OOM      bool

	// Delay is how long the container runs before exiting on its own.
	Delay time.Duration
	// BlockUntilKilled keeps the container running until Kill or Remove.
	BlockUntilKilled bool

	Stats sandbox.Stats
}

type container struct {
	id       string
	spec     sandbox.ContainerSpec
	behavior Behavior
	created  time.Time

	started bool
	exited  chan struct{}
	status  sandbox.ExitStatus
	once    sync.Once
}

func (c *container) exit(status sandbox.ExitStatus) {
	c.once.Do(func() {
		c.status = status
		close(c.exited)
	})
}

// Runtime is a scripted, thread-safe fake of sandbox.ContainerRuntime.
type Runtime struct {
	// Script picks a behavior per container; Default is used when nil.
	Script  func(spec sandbox.ContainerSpec) Behavior
	Default Behavior

	// Error injection. Each hook is consulted on every call when set.
	CreateErr func(spec sandbox.ContainerSpec) error
	StartErr  func(id string) error
	RemoveErr func(id string) error
	KillErr   func(id string) error

	mu         sync.Mutex
	seq        int
	containers map[string]*container
	orphans    map[string]sandbox.ContainerInfo
	specs      []sandbox.ContainerSpec
	live       int
	maxLive    int
	removed    int
	killed     []string
}

func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*container),
		orphans:    make(map[string]sandbox.ContainerInfo),
	}
}

func (r *Runtime) Name() string { return "fake" }

func (r *Runtime) Create(_ context.Context, spec sandbox.ContainerSpec) (string, error) {
	if r.CreateErr != nil {
		if err := r.CreateErr(spec); err != nil {
			return "", err
		}
	}

	behavior := r.Default
	if r.Script != nil {
		behavior = r.Script(spec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	id := fmt.Sprintf("fake-%04d", r.seq)
	r.containers[id] = &container{
		id:       id,
		spec:     spec,
		behavior: behavior,
		created:  time.Now(),
		exited:   make(chan struct{}),
	}
	r.specs = append(r.specs, spec)
	r.live++
	if r.live > r.maxLive {
		r.maxLive = r.live
	}
	return id, nil
}

func (r *Runtime) get(id string) (*container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return c, nil
}

func (r *Runtime) Start(_ context.Context, id string) error {
	if r.StartErr != nil {
		if err := r.StartErr(id); err != nil {
			return err
		}
	}
	c, err := r.get(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	c.started = true
	r.mu.Unlock()

	b := c.behavior
	if b.BlockUntilKilled {
		return nil
	}
	status := sandbox.ExitStatus{ExitCode: b.ExitCode, OOMKilled: b.OOM}
	if b.OOM && status.ExitCode == 0 {
		status.ExitCode = 137
	}
	if b.Delay <= 0 {
		status.FinishedAt = time.Now()
		c.exit(status)
		return nil
	}
	go func() {
		select {
		case <-time.After(b.Delay):
			status.FinishedAt = time.Now()
			c.exit(status)
		case <-c.exited:
		}
	}()
	return nil
}

func (r *Runtime) Wait(ctx context.Context, id string) (sandbox.ExitStatus, error) {
	c, err := r.get(id)
	if err != nil {
		return sandbox.ExitStatus{}, err
	}
	select {
	case <-c.exited:
		return c.status, nil
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	}
}

func (r *Runtime) Logs(_ context.Context, id string, limit int) (sandbox.Output, error) {
	c, err := r.get(id)
	if err != nil {
		return sandbox.Output{}, err
	}
	var out sandbox.Output
	out.Stdout, out.StdoutTruncated = capped(c.behavior.Stdout, limit)
	out.Stderr, out.StderrTruncated = capped(c.behavior.Stderr, limit)
	return out, nil
}

func capped(s string, limit int) ([]byte, bool) {
	if limit > 0 && len(s) > limit {
		return []byte(s[:limit]), true
	}
	return []byte(s), false
}

func (r *Runtime) Stats(_ context.Context, id string) (sandbox.Stats, error) {
	c, err := r.get(id)
	if err != nil {
		return sandbox.Stats{}, err
	}
	st := c.behavior.Stats
	st.At = time.Now()
	return st, nil
}

func (r *Runtime) Kill(_ context.Context, id string) error {
	if r.KillErr != nil {
		if err := r.KillErr(id); err != nil {
			return err
		}
	}
	c, err := r.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.killed = append(r.killed, id)
	r.mu.Unlock()
	c.exit(sandbox.ExitStatus{ExitCode: 137, FinishedAt: time.Now()})
	return nil
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	if r.RemoveErr != nil {
		if err := r.RemoveErr(id); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orphans[id]; ok {
		delete(r.orphans, id)
		r.removed++
		return nil
	}
	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	c.exit(sandbox.ExitStatus{ExitCode: 137, FinishedAt: time.Now()})
	delete(r.containers, id)
	r.live--
	r.removed++
	return nil
}

func (r *Runtime) List(_ context.Context) ([]sandbox.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var infos []sandbox.ContainerInfo
	for _, c := range r.containers {
		infos = append(infos, sandbox.ContainerInfo{
			ID:        c.id,
			Name:      c.spec.Name,
			CreatedAt: c.created,
			Labels:    c.spec.Labels,
		})
	}
	for _, o := range r.orphans {
		infos = append(infos, o)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (r *Runtime) Close() error { return nil }

// AddOrphan registers a managed container this process never created, as
// left behind by a crashed predecessor.
func (r *Runtime) AddOrphan(info sandbox.ContainerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans[info.ID] = info
}

// Live is the number of containers created and not yet removed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// MaxLive is the high-water mark of Live.
func (r *Runtime) MaxLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLive
}

// Created is the total number of successful Create calls.
func (r *Runtime) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

// Removed counts successful removals, orphans included.
func (r *Runtime) Removed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

// Specs returns every spec passed to Create, in order.
func (r *Runtime) Specs() []sandbox.ContainerSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sandbox.ContainerSpec(nil), r.specs...)
}

// Killed returns the ids passed to successful Kill calls.
func (r *Runtime) Killed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.killed...)
}

// Started reports whether id was started.
func (r *Runtime) Started(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return ok && c.started
}

// Image-builder side, so the fake can also back the provisioner.

// ImageExists always reports true.
func (r *Runtime) ImageExists(context.Context, string) (bool, error) { return true, nil }

// BuildImage is a no-op.
func (r *Runtime) BuildImage(context.Context, string, string) error { return nil }

// OCIRuntimes reports only runc.
func (r *Runtime) OCIRuntimes(context.Context) ([]string, error) { return []string{"runc"}, nil }
