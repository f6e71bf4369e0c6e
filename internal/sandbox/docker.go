package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/pkg/seccomp"
)

// commandRunner executes one docker CLI invocation.
type commandRunner func(ctx context.Context, stdout, stderr io.Writer, args ...string) error

// DockerRuntime drives the Docker engine through the docker CLI.
type DockerRuntime struct {
	host string // resolved DOCKER_HOST (e.g. from Docker context)
	run  commandRunner
}

// NewDockerRuntime verifies the docker CLI and daemon are reachable.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrRuntimeUnavailable, err)
	}

	d := &DockerRuntime{host: resolveDockerHost()}
	d.run = d.execDocker

	if _, err := d.output(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrRuntimeUnavailable, err)
	}
	return d, nil
}

func newDockerRuntimeWithRunner(run commandRunner) *DockerRuntime {
	return &DockerRuntime{run: run}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRuntime) execDocker(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, never raw user input
	if d.host != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.host)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// output runs a docker command and returns trimmed stdout. Failures carry stderr.
func (d *DockerRuntime) output(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	if err := d.run(ctx, &stdout, &stderr, args...); err != nil {
		return "", dockerError(args[0], err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func dockerError(op string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	switch {
	case strings.Contains(msg, "No such container"), strings.Contains(msg, "is not running"):
		return fmt.Errorf("docker %s: %w: %s", op, ErrNotFound, msg)
	case strings.Contains(msg, "No such image"), strings.Contains(msg, "Unable to find image"):
		return fmt.Errorf("docker %s: %w: %s", op, ErrImageNotFound, msg)
	case strings.Contains(msg, "Cannot connect to the Docker daemon"):
		return fmt.Errorf("docker %s: %w: %s", op, ErrRuntimeUnavailable, msg)
	case msg != "":
		return fmt.Errorf("docker %s: %s: %w", op, msg, err)
	default:
		return fmt.Errorf("docker %s: %w", op, err)
	}
}

func (d *DockerRuntime) Name() string { return "docker" }

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	seccompPath, err := writeSeccompProfile(spec)
	if err != nil {
		return "", err
	}
	id, err := d.output(ctx, buildCreateArgs(spec, seccompPath)...)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("docker create returned no container id")
	}
	return id, nil
}

// writeSeccompProfile writes the spec's seccomp profile into the state dir
// for Docker's --security-opt.
func writeSeccompProfile(spec ContainerSpec) (string, error) {
	if spec.Security.Seccomp == nil || spec.StateDir == "" {
		return "", nil
	}
	data, err := seccomp.ProfileJSON(spec.Security.Seccomp)
	if err != nil {
		return "", err
	}
	path := filepath.Join(spec.StateDir, "seccomp.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	return path, nil
}

func buildCreateArgs(spec ContainerSpec, seccompPath string) []string {
	network := "none"
	if spec.Network {
		network = "bridge"
	}

	limits := spec.Limits
	args := []string{
		"create",
		"--name", spec.Name,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if seccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+seccompPath)
	}
	if spec.OCIRuntime != "" {
		args = append(args, "--runtime", spec.OCIRuntime)
	}
	if spec.ReadOnlyRootfs {
		args = append(args, "--read-only")
	}

	args = append(args,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", strconv.FormatInt(limits.PidsLimit, 10),
		"--cpus", fmt.Sprintf("%.2f", float64(limits.CPUShares)/1024.0),
		"--ulimit", "nofile=256:256",
		"--ulimit", "core=0:0",
	)

	for _, t := range spec.Tmpfs {
		args = append(args, "--tmpfs", t.dockerValue())
	}
	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}

	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}

	// Args is the full argv, so the image entrypoint is replaced by Args[0].
	if len(spec.Args) > 0 {
		args = append(args, "--entrypoint", spec.Args[0], spec.Image)
		return append(args, spec.Args[1:]...)
	}
	return append(args, spec.Image)
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	_, err := d.output(ctx, "start", id)
	return err
}

func (d *DockerRuntime) Wait(ctx context.Context, id string) (ExitStatus, error) {
	out, err := d.output(ctx, "wait", id)
	if err != nil {
		if ctx.Err() != nil {
			return ExitStatus{}, ctx.Err()
		}
		return ExitStatus{}, err
	}
	code, err := strconv.Atoi(out)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("parsing exit code %q: %w", out, err)
	}

	status := ExitStatus{ExitCode: code, FinishedAt: time.Now()}
	oom, err := d.output(ctx, "inspect", "--format", "{{.State.OOMKilled}}", id)
	if err == nil {
		status.OOMKilled = oom == "true"
	}
	return status, nil
}

func (d *DockerRuntime) Logs(ctx context.Context, id string, limit int) (Output, error) {
	stdout := newLimitedBuffer(limit)
	stderr := newLimitedBuffer(limit)
	if err := d.run(ctx, stdout, stderr, "logs", id); err != nil {
		// stderr holds the container's stderr, not the CLI's, so only the
		// error itself is reported.
		return Output{}, fmt.Errorf("docker logs: %w", err)
	}
	out := Output{}
	out.Stdout, out.StdoutTruncated = stdout.snapshot(limit)
	out.Stderr, out.StderrTruncated = stderr.snapshot(limit)
	return out, nil
}

// dockerStatsLine is one `docker stats --format '{{json .}}'` record.
type dockerStatsLine struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	NetIO    string `json:"NetIO"`
	PIDs     string `json:"PIDs"`
}

func (d *DockerRuntime) Stats(ctx context.Context, id string) (Stats, error) {
	out, err := d.output(ctx, "stats", "--no-stream", "--no-trunc", "--format", "{{json .}}", id)
	if err != nil {
		return Stats{}, err
	}
	return parseDockerStats(out, time.Now())
}

func parseDockerStats(line string, at time.Time) (Stats, error) {
	var raw dockerStatsLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Stats{}, fmt.Errorf("parsing docker stats: %w", err)
	}

	st := Stats{At: at}
	if pct := strings.TrimSuffix(strings.TrimSpace(raw.CPUPerc), "%"); pct != "" && pct != "--" {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return Stats{}, fmt.Errorf("parsing cpu percent %q: %w", raw.CPUPerc, err)
		}
		st.CPUPercent = v
	}

	used, limit := splitPair(raw.MemUsage)
	st.MemoryBytes = parseSize(used, units.RAMInBytes)
	st.MemoryLimitBytes = parseSize(limit, units.RAMInBytes)

	rx, tx := splitPair(raw.NetIO)
	st.NetworkRxBytes = parseSize(rx, units.FromHumanSize)
	st.NetworkTxBytes = parseSize(tx, units.FromHumanSize)

	if n, err := strconv.ParseUint(strings.TrimSpace(raw.PIDs), 10, 64); err == nil {
		st.Pids = n
	}
	return st, nil
}

func splitPair(s string) (string, string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func parseSize(s string, parse func(string) (int64, error)) uint64 {
	if s == "" || s == "--" {
		return 0
	}
	v, err := parse(s)
	if err != nil || v < 0 {
		return 0
	}
	return uint64(v)
}

func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	_, err := d.output(ctx, "kill", "--signal", "KILL", id)
	return err
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	_, err := d.output(ctx, "rm", "-f", "-v", id)
	if err != nil && errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// dockerPsLine is one `docker ps --format '{{json .}}'` record.
type dockerPsLine struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	CreatedAt string `json:"CreatedAt"`
	Labels    string `json:"Labels"`
}

const dockerTimeLayout = "2006-01-02 15:04:05 -0700 MST"

func (d *DockerRuntime) List(ctx context.Context) ([]ContainerInfo, error) {
	out, err := d.output(ctx, "ps", "-a", "--no-trunc",
		"--filter", "label="+LabelManaged+"=true",
		"--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	return parseDockerPs(out)
}

func parseDockerPs(out string) ([]ContainerInfo, error) {
	var infos []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var raw dockerPsLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("parsing docker ps: %w", err)
		}
		created, err := time.Parse(dockerTimeLayout, raw.CreatedAt)
		if err != nil {
			log.Debug().Str("created_at", raw.CreatedAt).Msg("unparseable container creation time")
		}
		infos = append(infos, ContainerInfo{
			ID:        raw.ID,
			Name:      raw.Names,
			CreatedAt: created,
			Labels:    parseLabels(raw.Labels),
		})
	}
	return infos, nil
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			labels[strings.TrimSpace(k)] = v
		}
	}
	return labels
}

func (d *DockerRuntime) Close() error { return nil }

// ImageExists reports whether ref is present in the local image store.
func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.output(ctx, "image", "inspect", "--format", "{{.Id}}", ref)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrImageNotFound) {
		return false, nil
	}
	return false, err
}

// BuildImage builds contextDir (which must contain a Dockerfile) as ref.
func (d *DockerRuntime) BuildImage(ctx context.Context, ref, contextDir string) error {
	var stdout, stderr bytes.Buffer
	err := d.run(ctx, &stdout, &stderr, "build",
		"--tag", ref,
		"--label", LabelManaged+"=true",
		"--file", filepath.Join(contextDir, "Dockerfile"),
		contextDir)
	if err != nil {
		return dockerError("build", err, lastLines(stderr.String(), 20))
	}
	return nil
}

// OCIRuntimes lists the OCI runtimes registered with the daemon.
func (d *DockerRuntime) OCIRuntimes(ctx context.Context) ([]string, error) {
	out, err := d.output(ctx, "info", "--format", "{{json .Runtimes}}")
	if err != nil {
		return nil, err
	}
	var runtimes map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out), &runtimes); err != nil {
		return nil, fmt.Errorf("parsing docker runtimes: %w", err)
	}
	names := make([]string, 0, len(runtimes))
	for name := range runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
