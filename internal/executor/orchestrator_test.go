package executor_test

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/images"
	"polyglot-sandbox/internal/language"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/sandbox"
	"polyglot-sandbox/internal/sandbox/sandboxtest"
	"polyglot-sandbox/internal/validator"
)

type harness struct {
	orch    *executor.Orchestrator
	rt      *sandboxtest.Runtime
	manager *sandbox.Manager
	metrics *monitor.Metrics
	tempDir string

	mu      sync.Mutex
	audited []executor.Result
}

type harnessOpts struct {
	max       int
	grace     time.Duration
	builder   images.ImageBuilder
	registry  *language.Registry
	selection images.Selection
	provision time.Duration
	runtime   sandbox.ContainerRuntime // defaults to rt
}

func newHarness(t testing.TB, rt *sandboxtest.Runtime, opts harnessOpts) *harness {
	t.Helper()
	if opts.max == 0 {
		opts.max = 10
	}
	if opts.grace == 0 {
		opts.grace = 50 * time.Millisecond
	}
	if opts.builder == nil {
		opts.builder = rt
	}
	if opts.registry == nil {
		opts.registry = language.NewRegistry()
	}

	specs, err := images.DefaultSpecs()
	require.NoError(t, err)

	h := &harness{rt: rt, metrics: monitor.NewMetrics(), tempDir: t.TempDir()}
	var runtime sandbox.ContainerRuntime = rt
	if opts.runtime != nil {
		runtime = opts.runtime
	}
	h.manager = sandbox.NewManager(runtime, sandbox.ManagerConfig{MaxContainers: opts.max, TempDir: h.tempDir})

	orch, err := executor.New(executor.Config{
		Registry:       opts.registry,
		Validator:      validator.New(opts.registry),
		Provisioner:    images.NewProvisioner(opts.builder, specs, opts.registry.Images(), images.Options{}),
		Manager:        h.manager,
		Selection:      opts.selection,
		Metrics:        h.metrics,
		Grace:          opts.grace,
		SampleInterval: 5 * time.Millisecond,
		ProvisionWait:  opts.provision,
		Audit: func(_ executor.Request, res executor.Result) {
			h.mu.Lock()
			h.audited = append(h.audited, res)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

// assertClean checks that nothing from an execution survived it.
func (h *harness) assertClean(t *testing.T, res executor.Result) {
	t.Helper()
	assert.Zero(t, h.rt.Live(), "containers left behind")
	assert.Zero(t, h.manager.InUse(), "slots left reserved")
	for _, a := range h.manager.Active() {
		assert.NotEqual(t, res.ExecutionID, a.ExecutionID, "execution still registered")
	}
	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files left behind")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := executor.New(executor.Config{})
	assert.Error(t, err)
}

func TestExecute_PythonHello(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{Stdout: "hello\n"}
	h := newHarness(t, rt, harnessOpts{})

	res := h.orch.Execute(context.Background(), executor.Request{
		Code:     "print('hello')",
		Language: "python",
		UserID:   "u1",
	})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, executor.StatusCompleted, res.Status)
	assert.True(t, res.Status.Terminal())
	assert.False(t, executor.StatusRunning.Terminal())
	assert.Contains(t, res.Output, "hello")
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.ErrorKind)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Len(t, res.CodeHash, 64)
	assert.Equal(t, 1, rt.Created())
	h.assertClean(t, res)

	spec := rt.Specs()[0]
	assert.Equal(t, images.EntrypointPath, spec.Args[0])
	assert.Equal(t, "python3", spec.Args[1])
	assert.Equal(t, "/workspace/code.py", spec.Args[len(spec.Args)-1])
	assert.Contains(t, spec.Env, "SANDBOX_TIMEOUT=10")
	assert.Equal(t, "sandbox-python:3.12", spec.Image)
	assert.False(t, spec.Network)
	assert.True(t, spec.ReadOnlyRootfs)
}

func TestExecute_ValidationRejectsWithoutContainer(t *testing.T) {
	tests := []struct {
		name     string
		language string
		code     string
		pattern  string
	}{
		{"os import", "python", "import os; os.system('ls')", "python_os_import"},
		{"bash busy loop", "bash", "while true; do :; done", "bash_infinite_loop"},
		{"oversized", "python", strings.Repeat("x = 1\n", language.DefaultMaxCodeBytes/6+10), "size_limit"},
		{"empty", "node", "   ", "empty_code"},
		{"unsupported", "cobol", "DISPLAY 'HI'.", "unsupported_language"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			h := newHarness(t, rt, harnessOpts{})

			res := h.orch.Execute(context.Background(), executor.Request{Code: tt.code, Language: tt.language})

			assert.False(t, res.Success)
			assert.Equal(t, executor.StatusRejectedValidation, res.Status)
			assert.Equal(t, executor.KindValidation, res.ErrorKind)
			assert.NotEmpty(t, res.Error)
			assert.Zero(t, rt.Created(), "no container may be created")
			assert.Zero(t, h.manager.InUse())

			lang := tt.language
			if tt.pattern != "unsupported_language" {
				lang = res.Language
			}
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ValidationRejects.WithLabelValues(lang, tt.pattern)))
		})
	}
}

func TestExecute_OrchestratorDeadline(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{BlockUntilKilled: true, Stdout: "partial\n"}
	h := newHarness(t, rt, harnessOpts{grace: 50 * time.Millisecond})

	timeout := 100 * time.Millisecond
	start := time.Now()
	res := h.orch.Execute(context.Background(), executor.Request{
		Code:     "sleep 60",
		Language: "bash",
		Timeout:  timeout,
	})
	took := time.Since(start)

	assert.Equal(t, executor.StatusTimedOut, res.Status)
	assert.Equal(t, executor.KindTimeout, res.ErrorKind)
	assert.Equal(t, language.TimeoutExitCode, res.ExitCode)
	assert.Contains(t, res.Output, "partial", "partial output is kept")
	assert.Less(t, took, timeout+50*time.Millisecond+time.Second, "must finish within timeout + grace")
	assert.Len(t, rt.Killed(), 1)
	h.assertClean(t, res)
}

func TestExecute_InContainerTimeout(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{ExitCode: language.TimeoutExitCode, Stderr: "timed out"}
	h := newHarness(t, rt, harnessOpts{})

	res := h.orch.Execute(context.Background(), executor.Request{Code: "sleep 100", Language: "bash"})

	assert.Equal(t, executor.StatusTimedOut, res.Status)
	assert.Equal(t, executor.KindTimeout, res.ErrorKind)
	assert.Empty(t, rt.Killed(), "the in-container layer fired first")
	h.assertClean(t, res)
}

func TestExecute_TimeoutClampedToProfileMax(t *testing.T) {
	rt := sandboxtest.New()
	h := newHarness(t, rt, harnessOpts{})

	res := h.orch.Execute(context.Background(), executor.Request{
		Code:     "echo hi",
		Language: "bash",
		Timeout:  time.Hour,
	})
	require.True(t, res.Success, res.Error)

	profile, err := language.NewRegistry().Profile("bash")
	require.NoError(t, err)
	assert.Contains(t, rt.Specs()[0].Env, "SANDBOX_TIMEOUT="+strconv.Itoa(int(profile.MaxTimeout/time.Second)))
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name      string
		behavior  sandboxtest.Behavior
		wantError string
		wantExit  int
	}{
		{"non-zero exit", sandboxtest.Behavior{ExitCode: 1, Stdout: "before crash", Stderr: "Traceback"}, "process exited with code 1", 1},
		{"oom", sandboxtest.Behavior{OOM: true}, "out of memory", 137},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			rt.Default = tt.behavior
			h := newHarness(t, rt, harnessOpts{})

			res := h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python"})

			assert.False(t, res.Success)
			assert.Equal(t, executor.StatusContainerError, res.Status)
			assert.Equal(t, executor.KindRuntime, res.ErrorKind)
			assert.Equal(t, tt.wantError, res.Error)
			assert.Equal(t, tt.wantExit, res.ExitCode)
			assert.Equal(t, tt.behavior.Stdout, res.Output, "partial output is kept")
			h.assertClean(t, res)
		})
	}
}

func TestExecute_OutputTruncated(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{Stdout: strings.Repeat("a", language.DefaultMaxOutputBytes*2)}
	h := newHarness(t, rt, harnessOpts{})

	res := h.orch.Execute(context.Background(), executor.Request{Code: "print('a' * 10**6)", Language: "python"})

	require.True(t, res.Success, res.Error)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasSuffix(res.Output, sandbox.TruncationMarker))
	assert.Equal(t, language.DefaultMaxOutputBytes+len(sandbox.TruncationMarker), len(res.Output))
}

func TestExecute_OutputTruncatedOnCharacterBoundary(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{
		Stdout: "a" + strings.Repeat("é", language.DefaultMaxOutputBytes),
		Stderr: "\xff\x00binary",
	}
	h := newHarness(t, rt, harnessOpts{})

	res := h.orch.Execute(context.Background(), executor.Request{Code: "print('é' * 10**6)", Language: "python"})

	require.True(t, res.Success, res.Error)
	assert.True(t, res.Truncated)
	assert.True(t, utf8.ValidString(res.Output), "output is not valid UTF-8")
	assert.LessOrEqual(t, len(res.Output), language.DefaultMaxOutputBytes+len(sandbox.TruncationMarker))
	assert.Equal(t, "\uFFFDbinary", res.Stderr)
}

func TestExecute_KillRunning(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{BlockUntilKilled: true}
	h := newHarness(t, rt, harnessOpts{})

	done := make(chan executor.Result, 1)
	go func() {
		done <- h.orch.Execute(context.Background(), executor.Request{Code: "sleep 20", Language: "bash", UserID: "u1"})
	}()

	var active []monitor.ActiveExecution
	require.Eventually(t, func() bool {
		active = h.orch.GetActiveExecutions()
		return len(active) == 1 && rt.Started(active[0].ContainerID)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "u1", active[0].UserID)
	assert.Equal(t, "bash", active[0].Language)
	assert.True(t, strings.HasPrefix(active[0].ContainerName, "sandbox-u1-"))

	assert.True(t, h.orch.KillExecution(context.Background(), active[0].ExecutionID))

	var res executor.Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("killed execution did not finish")
	}
	assert.False(t, res.Success)
	assert.Equal(t, executor.StatusContainerError, res.Status)
	assert.Equal(t, "execution killed", res.Error)
	h.assertClean(t, res)

	assert.False(t, h.orch.KillExecution(context.Background(), res.ExecutionID), "killing a finished execution is a no-op")
	assert.False(t, h.orch.KillExecution(context.Background(), "does-not-exist"))
}

func TestExecute_ConcurrencyCap(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{Delay: 300 * time.Millisecond, Stdout: "ok"}
	h := newHarness(t, rt, harnessOpts{max: 10})

	const n = 11
	results := make([]executor.Result, n)
	var ready, wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < n; i++ {
		ready.Add(1)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ready.Done()
			<-gate
			results[i] = h.orch.Execute(context.Background(), executor.Request{Code: "echo ok", Language: "bash"})
		}(i)
	}
	ready.Wait()
	close(gate)
	wg.Wait()

	var ok, rejected int
	for _, r := range results {
		switch r.Status {
		case executor.StatusCompleted:
			ok++
		case executor.StatusRejectedConcurrency:
			rejected++
			assert.Equal(t, executor.KindConcurrencyLimit, r.ErrorKind)
		default:
			t.Errorf("unexpected status %s: %s", r.Status, r.Error)
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 10, rt.Created(), "the rejected request created no container")
	assert.LessOrEqual(t, rt.MaxLive(), 10)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SlotRejections))
	assert.Zero(t, rt.Live())
}

func TestExecute_ConcurrencyNeverExceedsCap(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{Delay: 10 * time.Millisecond}
	h := newHarness(t, rt, harnessOpts{max: 3})

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.Execute(context.Background(), executor.Request{Code: "echo ok", Language: "bash"})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, rt.MaxLive(), 3)
	assert.Zero(t, rt.Live())
	assert.Zero(t, h.manager.InUse())
}

type missingImages struct {
	*sandboxtest.Runtime
}

func (missingImages) ImageExists(context.Context, string) (bool, error) { return false, nil }

func TestExecute_ProvisioningFailure(t *testing.T) {
	rt := sandboxtest.New()
	h := newHarness(t, rt, harnessOpts{builder: missingImages{rt}})

	res := h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python"})

	assert.Equal(t, executor.StatusContainerError, res.Status)
	assert.Equal(t, executor.KindProvisioning, res.ErrorKind)
	assert.Zero(t, rt.Created())
	h.assertClean(t, res)
}

// stalledImages never answers an image check until released.
type stalledImages struct {
	*sandboxtest.Runtime
	release chan struct{}
}

func (s stalledImages) ImageExists(ctx context.Context, _ string) (bool, error) {
	select {
	case <-s.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestExecute_ProvisionWaitIsBounded(t *testing.T) {
	rt := sandboxtest.New()
	stalled := stalledImages{Runtime: rt, release: make(chan struct{})}
	t.Cleanup(func() { close(stalled.release) })
	h := newHarness(t, rt, harnessOpts{builder: stalled, provision: 30 * time.Millisecond})

	start := time.Now()
	res := h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python"})

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, executor.StatusContainerError, res.Status)
	assert.Equal(t, executor.KindProvisioning, res.ErrorKind)
	assert.Zero(t, rt.Created())
	h.assertClean(t, res)
}

func TestExecute_RuntimeFailures(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.CreateErr = func(sandbox.ContainerSpec) error { return errors.New("daemon exploded") }
		h := newHarness(t, rt, harnessOpts{})

		res := h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python"})
		assert.Equal(t, executor.StatusContainerError, res.Status)
		assert.Equal(t, executor.KindRuntime, res.ErrorKind)
		assert.Contains(t, res.Error, "daemon exploded")
		h.assertClean(t, res)
	})

	t.Run("missing image at create", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.CreateErr = func(sandbox.ContainerSpec) error { return sandbox.ErrImageNotFound }
		h := newHarness(t, rt, harnessOpts{})

		res := h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python"})
		assert.Equal(t, executor.KindProvisioning, res.ErrorKind)
		h.assertClean(t, res)
	})

	t.Run("start", func(t *testing.T) {
		rt := sandboxtest.New()
		rt.StartErr = func(string) error { return errors.New("oci runtime error") }
		h := newHarness(t, rt, harnessOpts{})

		res := h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python"})
		assert.Equal(t, executor.StatusContainerError, res.Status)
		assert.Equal(t, executor.KindRuntime, res.ErrorKind)
		h.assertClean(t, res)
	})
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	rt := sandboxtest.New()
	rt.Script = func(sandbox.ContainerSpec) sandboxtest.Behavior { panic("boom") }
	h := newHarness(t, rt, harnessOpts{})

	var res executor.Result
	require.NotPanics(t, func() {
		res = h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python"})
	})

	assert.Equal(t, executor.StatusContainerError, res.Status)
	assert.Equal(t, executor.KindUnexpected, res.ErrorKind)
	assert.Contains(t, res.Error, res.ExecutionID)
	h.assertClean(t, res)
}

// waitPanics lets the sampler run for a while, then panics inside Wait.
type waitPanics struct {
	*sandboxtest.Runtime
	statsCalls atomic.Int32
}

func (w *waitPanics) Wait(context.Context, string) (sandbox.ExitStatus, error) {
	time.Sleep(20 * time.Millisecond)
	panic("wait exploded")
}

func (w *waitPanics) Stats(ctx context.Context, id string) (sandbox.Stats, error) {
	w.statsCalls.Add(1)
	return w.Runtime.Stats(ctx, id)
}

func TestExecute_PanicStopsSampler(t *testing.T) {
	rt := sandboxtest.New()
	wrapped := &waitPanics{Runtime: rt}
	h := newHarness(t, rt, harnessOpts{runtime: wrapped})

	res := h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python"})
	assert.Equal(t, executor.KindUnexpected, res.ErrorKind)
	h.assertClean(t, res)

	calls := wrapped.statsCalls.Load()
	assert.Positive(t, calls, "sampler never ran")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, wrapped.statsCalls.Load(), "sampler still polling after the execution ended")
}

func TestExecute_CallerCancellation(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{BlockUntilKilled: true}
	h := newHarness(t, rt, harnessOpts{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := h.orch.Execute(ctx, executor.Request{Code: "sleep 5", Language: "bash"})

	assert.Equal(t, executor.StatusContainerError, res.Status)
	assert.Contains(t, res.Error, "cancelled")
	h.assertClean(t, res)
}

func TestExecute_NetworkPolicy(t *testing.T) {
	rt := sandboxtest.New()
	reg := language.NewRegistry(language.WithNetworkAllowed("python"))
	h := newHarness(t, rt, harnessOpts{registry: reg})

	h.orch.Execute(context.Background(), executor.Request{Code: "print(1)", Language: "python", AllowNetwork: true})
	h.orch.Execute(context.Background(), executor.Request{Code: "echo 1", Language: "bash", AllowNetwork: true})
	h.orch.Execute(context.Background(), executor.Request{Code: "print(2)", Language: "python"})

	specs := rt.Specs()
	require.Len(t, specs, 3)
	assert.True(t, specs[0].Network, "requested and allowed")
	assert.False(t, specs[1].Network, "requested but not allowed")
	assert.False(t, specs[2].Network, "allowed but not requested")
}

func TestExecute_LimitsOnlyTighten(t *testing.T) {
	rt := sandboxtest.New()
	h := newHarness(t, rt, harnessOpts{selection: images.Selection{OCIRuntime: "runsc"}})

	h.orch.Execute(context.Background(), executor.Request{
		Code:     "print(1)",
		Language: "python",
		Limits:   language.Limits{MemoryMB: 64, PidsLimit: 10000},
	})

	spec := rt.Specs()[0]
	ceiling, err := language.NewRegistry().Profile("python")
	require.NoError(t, err)
	assert.Equal(t, int64(64), spec.Limits.MemoryMB)
	assert.Equal(t, ceiling.Limits.PidsLimit, spec.Limits.PidsLimit)
	assert.Equal(t, "runsc", spec.OCIRuntime)
}

func TestExecute_SecurityEventsAndUsage(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{
		Stdout: "root:x:0:0:root:/root:/bin/sh\n",
		Delay:  30 * time.Millisecond,
		Stats:  sandbox.Stats{MemoryBytes: 8 << 20, MemoryMaxBytes: 12 << 20, CPUPercent: 25},
	}
	h := newHarness(t, rt, harnessOpts{})

	res := h.orch.Execute(context.Background(), executor.Request{Code: "print(open('/etc/passwd').read())", Language: "python"})

	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, res.SecurityEvents)
	assert.Equal(t, "root_passwd_leak", res.SecurityEvents[0].Type)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SecurityEvents.WithLabelValues("root_passwd_leak")))
	assert.Equal(t, uint64(12<<20), res.ResourceUsage.MemoryMaxBytes)
	assert.Equal(t, 25.0, res.ResourceUsage.CPUPercent)
}

func TestExecute_DuplicateSubmissionsRunIndependently(t *testing.T) {
	rt := sandboxtest.New()
	h := newHarness(t, rt, harnessOpts{})

	req := executor.Request{Code: "print(1)", Language: "python"}
	a := h.orch.Execute(context.Background(), req)
	b := h.orch.Execute(context.Background(), req)

	assert.NotEqual(t, a.ExecutionID, b.ExecutionID)
	assert.Equal(t, a.CodeHash, b.CodeHash)
	assert.Equal(t, 2, rt.Created())
}

func TestStatsAndAudit(t *testing.T) {
	rt := sandboxtest.New()
	rt.Script = func(spec sandbox.ContainerSpec) sandboxtest.Behavior {
		if spec.Labels[sandbox.LabelLanguage] == "node" {
			return sandboxtest.Behavior{ExitCode: language.TimeoutExitCode}
		}
		return sandboxtest.Behavior{}
	}
	h := newHarness(t, rt, harnessOpts{})
	ctx := context.Background()

	h.orch.Execute(ctx, executor.Request{Code: "print(1)", Language: "python", UserID: "alice"})
	h.orch.Execute(ctx, executor.Request{Code: "console.log(1)", Language: "js", UserID: "alice"})
	h.orch.Execute(ctx, executor.Request{Code: "import os", Language: "python", UserID: "bob"})

	alice := h.orch.GetExecutionStats("alice")
	assert.Equal(t, 2, alice.Total)
	assert.Equal(t, 1, alice.Successes)
	assert.Equal(t, 1, alice.Timeouts)
	assert.Equal(t, 1, alice.ByLanguage["node"].Total)

	all := h.orch.GetExecutionStats("")
	assert.Equal(t, 3, all.Total)
	assert.Len(t, h.orch.RecentExecutions(10), 3)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.audited, 3)
	assert.Equal(t, executor.StatusRejectedValidation, h.audited[2].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ExecutionsTotal.WithLabelValues("python", "COMPLETED")))
}

func TestClose_DrainsAndRejects(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{Delay: 100 * time.Millisecond}
	h := newHarness(t, rt, harnessOpts{})

	done := make(chan executor.Result, 1)
	go func() {
		done <- h.orch.Execute(context.Background(), executor.Request{Code: "echo 1", Language: "bash"})
	}()
	require.Eventually(t, func() bool { return h.manager.InUse() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Close(ctx))

	res := <-done
	assert.True(t, res.Success, "in-flight execution finishes during drain")
	assert.True(t, h.orch.Health().Draining)

	late := h.orch.Execute(context.Background(), executor.Request{Code: "echo 2", Language: "bash"})
	assert.Equal(t, executor.StatusContainerError, late.Status)
	assert.Equal(t, executor.KindRuntime, late.ErrorKind)
	assert.Equal(t, sandbox.ErrShuttingDown.Error(), late.Error)
	assert.Equal(t, 1, rt.Created())
}

func TestClose_KillsAfterDeadline(t *testing.T) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{BlockUntilKilled: true}
	h := newHarness(t, rt, harnessOpts{grace: time.Minute})

	done := make(chan executor.Result, 1)
	go func() {
		done <- h.orch.Execute(context.Background(), executor.Request{Code: "sleep 30", Language: "bash", Timeout: 30 * time.Second})
	}()
	require.Eventually(t, func() bool { return len(h.orch.GetActiveExecutions()) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, h.orch.Close(ctx))

	res := <-done
	assert.Equal(t, "execution killed", res.Error)
	assert.Zero(t, rt.Live())
}

func TestHealth(t *testing.T) {
	rt := sandboxtest.New()
	h := newHarness(t, rt, harnessOpts{max: 4, selection: images.Selection{Degraded: true}})

	health := h.orch.Health()
	assert.Equal(t, "fake", health.Runtime)
	assert.True(t, health.Degraded)
	assert.Equal(t, 4, health.Capacity)
	assert.Zero(t, health.Active)
	assert.Equal(t, []string{"bash", "node", "python", "sql"}, health.Languages)
	assert.False(t, health.Draining)
}

func BenchmarkExecute(b *testing.B) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{Stdout: "ok\n"}
	h := newHarness(b, rt, harnessOpts{})
	req := executor.Request{Code: "print('ok')", Language: "python", UserID: "bench"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := h.orch.Execute(context.Background(), req); !res.Success {
			b.Fatalf("execution failed: %s", res.Error)
		}
	}
}

func BenchmarkExecuteParallel(b *testing.B) {
	rt := sandboxtest.New()
	rt.Default = sandboxtest.Behavior{Stdout: "ok\n"}
	h := newHarness(b, rt, harnessOpts{max: 64})
	req := executor.Request{Code: "echo ok", Language: "bash", UserID: "bench"}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h.orch.Execute(context.Background(), req)
		}
	})
}
