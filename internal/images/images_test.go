package images

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct {
	mu       sync.Mutex
	present  map[string]bool
	builds   atomic.Int32
	runtimes []string
	buildErr error
	gate     chan struct{} // when set, builds block until closed
	contexts []string
}

func newFakeBuilder(present ...string) *fakeBuilder {
	f := &fakeBuilder{present: make(map[string]bool)}
	for _, p := range present {
		f.present[p] = true
	}
	return f
}

func (f *fakeBuilder) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[ref], nil
}

func (f *fakeBuilder) BuildImage(ctx context.Context, ref, dir string) error {
	f.builds.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.buildErr != nil {
		return f.buildErr
	}
	data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, "sandbox-entry")); err != nil {
		return err
	}
	f.mu.Lock()
	f.present[ref] = true
	f.contexts = append(f.contexts, string(data))
	f.mu.Unlock()
	return nil
}

func (f *fakeBuilder) OCIRuntimes(context.Context) ([]string, error) {
	return f.runtimes, nil
}

func defaultSpecs(t *testing.T) map[string]BuildSpec {
	t.Helper()
	specs, err := DefaultSpecs()
	require.NoError(t, err)
	return specs
}

func TestDefaultSpecs(t *testing.T) {
	specs := defaultSpecs(t)
	assert.Equal(t, []string{"bash", "node", "python", "sql"}, Languages(specs))

	py := specs["python"]
	assert.Equal(t, "sandbox-python:3.12", py.Image)
	assert.Equal(t, 256, py.Ulimits.NoFile)
	assert.Contains(t, py.Strip, "/usr/local/bin/pip")
	assert.Equal(t, 64, specs["sql"].Ulimits.NoFile)
}

func TestParseSpec_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing base", "language: x\nimage: y\n"},
		{"bad manager", "language: x\nimage: y\nbase: z\npackage_manager: yum\n"},
		{"packages without manager", "language: x\nimage: y\nbase: z\npackages: [curl]\n"},
		{"injected package", "language: x\nimage: y\nbase: z\npackage_manager: apk\npackages: ['curl && rm -rf /']\n"},
		{"relative strip", "language: x\nimage: y\nbase: z\nstrip: [bin/sh]\n"},
		{"bad env", "language: x\nimage: y\nbase: z\nenv: {'A B': c}\n"},
		{"not yaml", "language: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestRenderDockerfile(t *testing.T) {
	specs := defaultSpecs(t)

	df, err := RenderDockerfile(specs["python"])
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(df, "# Generated from the python build spec"))
	assert.Contains(t, df, "FROM python:3.12-alpine\n")
	assert.Contains(t, df, "RUN apk add --no-cache ca-certificates\n")
	assert.Contains(t, df, "chmod a-s")
	assert.Contains(t, df, "COPY sandbox-entry "+EntrypointPath)
	assert.Contains(t, df, "RUN rm -f /usr/local/bin/pip ")
	assert.Contains(t, df, "SANDBOX_NOFILE=256")
	assert.NotContains(t, df, "NPROC", "process counts are bounded by the pids cgroup, not a per-UID ulimit")
	assert.Contains(t, df, `ENV PYTHONUNBUFFERED="1"`)
	assert.Contains(t, df, "USER 65534:65534\n")
	assert.Contains(t, df, `ENTRYPOINT ["`+EntrypointPath+`"]`)

	// Stripping happens after the entrypoint is installed and hardening ran.
	assert.Less(t, strings.Index(df, "chmod 0555"), strings.Index(df, "RUN rm -f"))
}

func TestRenderDockerfile_Apt(t *testing.T) {
	df, err := RenderDockerfile(BuildSpec{
		Language:       "python",
		Image:          "x:1",
		Base:           "debian:bookworm-slim",
		PackageManager: "apt",
		Packages:       []string{"python3"},
	})
	require.NoError(t, err)
	assert.Contains(t, df, "apt-get install -y --no-install-recommends python3 && rm -rf /var/lib/apt/lists/*")
	assert.NotContains(t, df, "RUN rm -f \n")
}

func TestEntrypointScript(t *testing.T) {
	script := string(entrypointScript)
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh"))
	assert.Contains(t, script, "SANDBOX_TIMEOUT")
	assert.Contains(t, script, "exit 124")
}

func TestProvisioner_SkipsExistingImage(t *testing.T) {
	b := newFakeBuilder("sandbox-python:3.12")
	p := NewProvisioner(b, defaultSpecs(t), nil, Options{BuildMissing: true})

	require.NoError(t, p.Ensure(context.Background(), "python"))
	assert.Equal(t, int32(0), b.builds.Load())
	assert.True(t, p.Ready("python"))
}

func TestProvisioner_BuildsMissingOnce(t *testing.T) {
	b := newFakeBuilder()
	b.gate = make(chan struct{})
	var built []string
	var mu sync.Mutex
	p := NewProvisioner(b, defaultSpecs(t), nil, Options{
		BuildMissing: true,
		TempDir:      t.TempDir(),
		OnBuild: func(image string, err error, _ time.Duration) {
			mu.Lock()
			built = append(built, image)
			mu.Unlock()
		},
	})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Ensure(context.Background(), "bash")
		}()
	}
	// Let the callers pile up on the in-flight build.
	require.Eventually(t, func() bool { return b.builds.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(b.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), b.builds.Load())
	assert.Equal(t, []string{"sandbox-bash:5"}, built)

	// Cached afterwards.
	require.NoError(t, p.Ensure(context.Background(), "bash"))
	assert.Equal(t, int32(1), b.builds.Load())
}

func TestProvisioner_CancelledCallerDoesNotFailSharedBuild(t *testing.T) {
	b := newFakeBuilder()
	b.gate = make(chan struct{})
	p := NewProvisioner(b, defaultSpecs(t), nil, Options{BuildMissing: true, TempDir: t.TempDir()})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- p.Ensure(first, "python") }()
	require.Eventually(t, func() bool { return b.builds.Load() == 1 }, time.Second, time.Millisecond)

	secondErr := make(chan error, 1)
	go func() { secondErr <- p.Ensure(context.Background(), "python") }()
	time.Sleep(10 * time.Millisecond)

	cancel()
	err := <-firstErr
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.ErrorIs(t, err, context.Canceled)

	close(b.gate)
	require.NoError(t, <-secondErr)
	assert.True(t, p.Ready("python"))
	assert.Equal(t, int32(1), b.builds.Load())
}

func TestProvisioner_BuildTimeout(t *testing.T) {
	b := newFakeBuilder()
	b.gate = make(chan struct{})
	defer close(b.gate)
	p := NewProvisioner(b, defaultSpecs(t), nil, Options{
		BuildMissing: true,
		BuildTimeout: 20 * time.Millisecond,
		TempDir:      t.TempDir(),
	})

	start := time.Now()
	err := p.Ensure(context.Background(), "node")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Contains(t, err.Error(), "deadline exceeded")
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, p.Ready("node"))
}

func TestProvisioner_MissingWithoutBuild(t *testing.T) {
	b := newFakeBuilder()
	p := NewProvisioner(b, defaultSpecs(t), nil, Options{})

	err := p.Ensure(context.Background(), "node")
	assert.ErrorIs(t, err, ErrProvisioning)
	assert.Equal(t, int32(0), b.builds.Load())
	assert.False(t, p.Ready("node"))
}

func TestProvisioner_BuildFailure(t *testing.T) {
	b := newFakeBuilder()
	b.buildErr = errors.New("no space left on device")
	p := NewProvisioner(b, defaultSpecs(t), nil, Options{BuildMissing: true, TempDir: t.TempDir()})

	err := p.Ensure(context.Background(), "sql")
	require.ErrorIs(t, err, ErrProvisioning)
	assert.Contains(t, err.Error(), "no space left")

	// Not cached: the next call retries.
	b.buildErr = nil
	require.NoError(t, p.Ensure(context.Background(), "sql"))
	assert.Equal(t, int32(2), b.builds.Load())
}

func TestProvisioner_UnknownLanguage(t *testing.T) {
	p := NewProvisioner(newFakeBuilder(), defaultSpecs(t), nil, Options{})
	err := p.Ensure(context.Background(), "cobol")
	assert.ErrorIs(t, err, ErrProvisioning)
}

func TestProvisioner_ImageOverride(t *testing.T) {
	b := newFakeBuilder("registry.local/py:custom")
	p := NewProvisioner(b, defaultSpecs(t), map[string]string{"python": "registry.local/py:custom"}, Options{})

	ref, err := p.Image("python")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/py:custom", ref)
	assert.NoError(t, p.Ensure(context.Background(), "python"))
}

func TestProvisioner_EnsureAll(t *testing.T) {
	b := newFakeBuilder()
	specs := defaultSpecs(t)
	p := NewProvisioner(b, specs, nil, Options{BuildMissing: true, TempDir: t.TempDir()})

	require.NoError(t, p.EnsureAll(context.Background(), Languages(specs)))
	assert.Equal(t, int32(4), b.builds.Load())
	for _, l := range Languages(specs) {
		assert.True(t, p.Ready(l), l)
	}
}

func TestProvisioner_SelectRuntime(t *testing.T) {
	tests := []struct {
		name     string
		runtimes []string
		opts     Options
		want     Selection
		wantErr  error
	}{
		{"gvisor available", []string{"runc", "runsc"}, Options{PreferGVisor: true}, Selection{OCIRuntime: "runsc"}, nil},
		{"fallback degraded", []string{"runc"}, Options{PreferGVisor: true}, Selection{Degraded: true}, nil},
		{"required missing", []string{"runc"}, Options{RequireGVisor: true}, Selection{}, ErrGVisorRequired},
		{"not preferred", []string{"runc", "runsc"}, Options{}, Selection{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBuilder()
			b.runtimes = tt.runtimes
			var notified *Selection
			tt.opts.OnSelect = func(s Selection) { notified = &s }
			p := NewProvisioner(b, nil, nil, tt.opts)

			got, err := p.SelectRuntime(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, notified)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.NotNil(t, notified)
			assert.Equal(t, tt.want, *notified)
		})
	}
}
