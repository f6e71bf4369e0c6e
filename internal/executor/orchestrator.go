// Package executor runs submissions end to end: validation, slot
// reservation, image provisioning, container execution and bookkeeping.
// Every failure is reported as a Result; Execute never returns an error.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"polyglot-sandbox/internal/images"
	"polyglot-sandbox/internal/language"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/sandbox"
	"polyglot-sandbox/internal/validator"
)

const (
	defaultGrace          = 5 * time.Second
	defaultSampleInterval = 250 * time.Millisecond
	defaultProvisionWait  = 30 * time.Second
	cleanupTimeout        = 10 * time.Second
)

// Config wires an Orchestrator. Registry, Validator, Provisioner and Manager
// are required.
type Config struct {
	Registry    *language.Registry
	Validator   *validator.Validator
	Provisioner *images.Provisioner
	Manager     *sandbox.Manager

	// Selection is the OCI runtime picked at startup.
	Selection images.Selection

	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	History  *monitor.History
	Detector *monitor.OutputDetector

	// Grace is added to the execution timeout before the orchestrator
	// kills the container itself. Defaults to 5s.
	Grace          time.Duration
	SampleInterval time.Duration
	// ProvisionWait bounds how long one execution waits for its image.
	// A build still running afterwards carries on for later requests.
	// Defaults to 30s.
	ProvisionWait  time.Duration

	// Audit, when set, receives every finished execution.
	Audit func(req Request, res Result)

	// NewID overrides execution id generation.
	NewID func() string
}

// Orchestrator executes requests. It is safe for concurrent use.
type Orchestrator struct {
	registry    *language.Registry
	validator   *validator.Validator
	provisioner *images.Provisioner
	manager     *sandbox.Manager
	selection   images.Selection

	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	history  *monitor.History
	detector *monitor.OutputDetector

	grace          time.Duration
	sampleInterval time.Duration
	provisionWait  time.Duration
	audit          func(Request, Result)
	newID          func() string

	mu       sync.Mutex // protects closed
	closed   bool
	inflight sync.WaitGroup
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil || cfg.Validator == nil || cfg.Provisioner == nil || cfg.Manager == nil {
		return nil, errors.New("executor: registry, validator, provisioner and manager are required")
	}

	o := &Orchestrator{
		registry:       cfg.Registry,
		validator:      cfg.Validator,
		provisioner:    cfg.Provisioner,
		manager:        cfg.Manager,
		selection:      cfg.Selection,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		history:        cfg.History,
		detector:       cfg.Detector,
		grace:          cfg.Grace,
		sampleInterval: cfg.SampleInterval,
		provisionWait:  cfg.ProvisionWait,
		audit:          cfg.Audit,
		newID:          cfg.NewID,
	}
	if o.tracer == nil {
		o.tracer = monitor.NewTracer()
	}
	if o.history == nil {
		o.history = monitor.NewHistory(monitor.DefaultHistorySize)
	}
	if o.detector == nil {
		o.detector = monitor.NewOutputDetector()
	}
	if o.grace <= 0 {
		o.grace = defaultGrace
	}
	if o.sampleInterval <= 0 {
		o.sampleInterval = defaultSampleInterval
	}
	if o.provisionWait <= 0 {
		o.provisionWait = defaultProvisionWait
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.New().String() }
	}
	return o, nil
}

// Execute runs one request to a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (res Result) {
	execID := o.newID()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	start := time.Now()

	logger := log.With().
		Str("exec_id", execID).
		Str("language", req.Language).
		Str("code_hash", codeHash[:16]).
		Logger()

	ctx, span := o.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrCodeHash.String(codeHash),
	)
	defer span.End()

	res = Result{
		ExecutionID: execID,
		Status:      StatusPending,
		Language:    req.Language,
		CodeHash:    codeHash,
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Bytes("stack", debug.Stack()).
				Msg("execution panicked")
			res = failed(res, StatusContainerError, KindUnexpected, fmt.Sprintf("unexpected error (execution %s)", execID))
		}
		res.DurationMS = time.Since(start).Milliseconds()

		span.SetAttributes(
			monitor.AttrStatus.String(string(res.Status)),
			monitor.AttrExitCode.Int(res.ExitCode),
			monitor.AttrDurationMS.Int64(res.DurationMS),
		)
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
		o.record(req, res, logger)
	}()

	if !o.enter() {
		return failed(res, StatusContainerError, KindRuntime, sandbox.ErrShuttingDown.Error())
	}
	defer o.inflight.Done()

	logger.Info().Msg("execution requested")
	return o.run(ctx, req, res, logger)
}

func (o *Orchestrator) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.inflight.Add(1)
	return true
}

func failed(res Result, status Status, kind ErrorKind, msg string) Result {
	res.Success = false
	res.Status = status
	res.ErrorKind = kind
	res.Error = msg
	return res
}

func (o *Orchestrator) run(ctx context.Context, req Request, res Result, logger zerolog.Logger) Result {
	if o.metrics != nil {
		o.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	// Validation happens once, before anything touches the runtime.
	h, err := o.registry.Get(req.Language)
	if err != nil {
		o.countRejection(req.Language, "unsupported_language")
		return failed(res, StatusRejectedValidation, KindValidation, err.Error())
	}
	lang := h.Name()
	res.Language = lang

	_, vspan := o.tracer.StartSpan(ctx, "validate")
	err = o.validator.Validate(req.Code, lang)
	vspan.End()
	if err != nil {
		pattern := "unknown"
		var ve *validator.ValidationError
		if errors.As(err, &ve) {
			pattern = ve.Pattern
		}
		o.countRejection(lang, pattern)
		logger.Info().Str("pattern", pattern).Msg("code rejected by validator")
		return failed(res, StatusRejectedValidation, KindValidation, err.Error())
	}

	profile := h.Profile()
	timeout := profile.ResolveTimeout(req.Timeout)
	limits := profile.Limits.Tighten(req.Limits)
	network := profile.Network(req.AllowNetwork)
	if req.AllowNetwork && !network {
		logger.Info().Msg("network requested but not allowed for this language")
	}

	var inputs []byte
	if req.Inputs != nil {
		inputs, err = json.Marshal(req.Inputs)
		if err != nil {
			return failed(res, StatusRejectedValidation, KindValidation, fmt.Sprintf("inputs are not valid JSON: %v", err))
		}
	}

	slot, err := o.manager.Acquire(res.ExecutionID)
	if err != nil {
		if errors.Is(err, sandbox.ErrConcurrencyLimit) {
			if o.metrics != nil {
				o.metrics.SlotRejections.Inc()
			}
			logger.Warn().Int("capacity", o.manager.Capacity()).Msg("concurrency limit reached")
			return failed(res, StatusRejectedConcurrency, KindConcurrencyLimit, err.Error())
		}
		return failed(res, StatusContainerError, KindUnexpected, err.Error())
	}
	if o.metrics != nil {
		o.metrics.ActiveExecutions.Inc()
	}
	defer func() {
		if err := o.manager.Release(ctx, slot); err != nil {
			logger.Error().Err(err).Msg("release failed")
		}
		if o.metrics != nil {
			o.metrics.ActiveExecutions.Dec()
		}
	}()

	pctx, pspan := o.tracer.StartSpan(ctx, "provision")
	pctx, cancelProvision := context.WithTimeout(pctx, o.provisionWait)
	err = o.provisioner.Ensure(pctx, lang)
	cancelProvision()
	pspan.End()
	if err != nil {
		logger.Error().Err(err).Msg("image provisioning failed")
		return failed(res, StatusContainerError, KindProvisioning, err.Error())
	}

	wrapped, err := h.WrapCode(req.Code, timeout)
	if err != nil {
		return failed(res, StatusContainerError, KindUnexpected, fmt.Sprintf("wrapping code: %v", err))
	}

	fileName := "code" + h.FileExtension()
	createReq := sandbox.CreateRequest{
		UserID:     req.UserID,
		Language:   lang,
		CodeHash:   res.CodeHash,
		Image:      profile.Image,
		OCIRuntime: o.selection.OCIRuntime,
		Entrypoint: images.EntrypointPath,
		FileName:   fileName,
		Code:       wrapped,
		Inputs:     inputs,
		Process:    h.Process(sandbox.CodePath(fileName)),
		Limits:     limits,
		Network:    network,
		Timeout:    timeout,
	}

	rctx, rspan := o.tracer.StartSpan(ctx, "run")
	defer rspan.End()

	createStart := time.Now()
	handle, err := o.manager.Create(rctx, slot, createReq)
	o.observe("create", createStart)
	if err != nil {
		switch {
		case errors.Is(err, sandbox.ErrKilled):
			return failed(res, StatusContainerError, KindRuntime, sandbox.ErrKilled.Error())
		case errors.Is(err, sandbox.ErrImageNotFound):
			return failed(res, StatusContainerError, KindProvisioning, err.Error())
		default:
			logger.Error().Err(err).Msg("container create failed")
			return failed(res, StatusContainerError, KindRuntime, err.Error())
		}
	}
	logger = logger.With().Str("container", handle.Name).Logger()

	if o.manager.Killed(slot) {
		return failed(res, StatusContainerError, KindRuntime, sandbox.ErrKilled.Error())
	}

	startAt := time.Now()
	if err := o.manager.Start(rctx, slot); err != nil {
		logger.Error().Err(err).Msg("container start failed")
		return failed(res, StatusContainerError, KindRuntime, err.Error())
	}
	o.observe("start", startAt)
	res.Status = StatusRunning
	logger.Info().Dur("timeout", timeout).Msg("container started")

	// A kill that raced with Start may have hit a container that was not
	// running yet.
	if o.manager.Killed(slot) {
		o.hardKill(ctx, slot, logger)
	}

	sampleCtx, stopSampling := context.WithCancel(rctx)
	sampler := monitor.NewSampler(func(c context.Context) (sandbox.Stats, error) {
		return o.manager.Stats(c, slot)
	}, o.sampleInterval)
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		sampler.Run(sampleCtx)
	}()
	defer func() {
		stopSampling()
		<-sampled
	}()

	waitCtx, cancelWait := context.WithTimeout(rctx, timeout+o.grace)
	status, waitErr := o.manager.Wait(waitCtx, slot)
	cancelWait()

	var deadlineHit bool
	if waitErr != nil {
		switch {
		case ctx.Err() != nil:
			logger.Warn().Err(ctx.Err()).Msg("caller cancelled execution")
		case errors.Is(waitErr, context.DeadlineExceeded):
			deadlineHit = true
			logger.Warn().Dur("after", timeout+o.grace).Msg("orchestrator deadline reached, killing container")
		default:
			logger.Error().Err(waitErr).Msg("wait failed")
		}
		o.hardKill(ctx, slot, logger)
	}

	stopSampling()
	<-sampled
	res.ResourceUsage = sampler.Usage()

	o.collectOutput(ctx, slot, profile.MaxOutputBytes, &res, logger)
	res.ExitCode = status.ExitCode

	switch {
	case o.manager.Killed(slot):
		if res.ExitCode == 0 {
			res.ExitCode = 137
		}
		res = failed(res, StatusContainerError, KindRuntime, sandbox.ErrKilled.Error())
	case deadlineHit || status.ExitCode == language.TimeoutExitCode:
		res.ExitCode = language.TimeoutExitCode
		res = failed(res, StatusTimedOut, KindTimeout, fmt.Sprintf("%s after %s", sandbox.ErrTimeout, timeout))
	case waitErr != nil && ctx.Err() != nil:
		res = failed(res, StatusContainerError, KindRuntime, fmt.Sprintf("execution cancelled: %v", ctx.Err()))
	case waitErr != nil:
		res = failed(res, StatusContainerError, KindRuntime, waitErr.Error())
	case status.OOMKilled:
		res = failed(res, StatusContainerError, KindRuntime, sandbox.ErrOOM.Error())
	case status.ExitCode != 0:
		res = failed(res, StatusContainerError, KindRuntime, fmt.Sprintf("process exited with code %d", status.ExitCode))
	default:
		res.Status = StatusCompleted
		res.Success = true
	}
	return res
}

// hardKill outlives the caller's context so a cancelled request still
// stops its container.
func (o *Orchestrator) hardKill(ctx context.Context, slot *sandbox.Slot, logger zerolog.Logger) {
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	start := time.Now()
	if err := o.manager.HardKill(kctx, slot); err != nil {
		logger.Error().Err(err).Msg("hard kill failed")
	}
	o.observe("kill", start)
}

func (o *Orchestrator) collectOutput(ctx context.Context, slot *sandbox.Slot, maxBytes int, res *Result, logger zerolog.Logger) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	out, err := o.manager.Logs(lctx, slot, maxBytes)
	if err != nil {
		logger.Warn().Err(err).Msg("could not collect output")
		return
	}

	events := o.detector.Analyze(string(out.Stdout), string(out.Stderr))
	if len(events) > 0 {
		res.SecurityEvents = events
		for _, ev := range events {
			if o.metrics != nil {
				o.metrics.RecordSecurityEvent(ev.Type)
			}
		}
	}

	var stdoutCut, stderrCut bool
	res.Output, stdoutCut = sandbox.TruncateOutput(string(out.Stdout), maxBytes, out.StdoutTruncated)
	res.Stderr, stderrCut = sandbox.TruncateOutput(string(out.Stderr), maxBytes, out.StderrTruncated)
	res.Truncated = stdoutCut || stderrCut

	if o.metrics != nil {
		o.metrics.OutputSizeBytes.Observe(float64(len(out.Stdout) + len(out.Stderr)))
	}
}

func (o *Orchestrator) observe(op string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveRuntime(o.manager.Runtime().Name(), op, time.Since(start))
	}
}

func (o *Orchestrator) countRejection(lang, pattern string) {
	if o.metrics != nil {
		o.metrics.RecordRejection(lang, pattern)
	}
}

func (o *Orchestrator) record(req Request, res Result, logger zerolog.Logger) {
	o.history.Add(monitor.Record{
		ExecutionID:   res.ExecutionID,
		UserID:        req.UserID,
		Language:      res.Language,
		Status:        string(res.Status),
		ErrorKind:     string(res.ErrorKind),
		Success:       res.Success,
		TimedOut:      res.Status == StatusTimedOut,
		ExitCode:      res.ExitCode,
		DurationMS:    res.DurationMS,
		ResourceUsage: res.ResourceUsage,
		CodeHash:      res.CodeHash,
		CompletedAt:   time.Now(),
	})

	if o.metrics != nil {
		o.metrics.RecordExecution(res.Language, string(res.Status), float64(res.DurationMS)/1000)
		if res.ErrorKind != "" {
			o.metrics.RecordError(string(res.ErrorKind))
		}
	}

	event := logger.Info()
	if !res.Success {
		event = logger.Warn().Str("error_kind", string(res.ErrorKind)).Str("error", res.Error)
	}
	event.
		Str("status", string(res.Status)).
		Int("exit_code", res.ExitCode).
		Int64("duration_ms", res.DurationMS).
		Bool("truncated", res.Truncated).
		Msg("execution finished")

	if o.audit != nil {
		o.audit(req, res)
	}
}

// KillExecution hard-kills a running execution. It returns false when the
// execution is unknown or has already finished.
func (o *Orchestrator) KillExecution(ctx context.Context, execID string) bool {
	killed, err := o.manager.Kill(ctx, execID)
	if err != nil {
		log.Error().Err(err).Str("exec_id", execID).Msg("kill failed")
		return false
	}
	return killed
}

// GetActiveExecutions lists executions that currently own a container,
// oldest first.
func (o *Orchestrator) GetActiveExecutions() []monitor.ActiveExecution {
	now := time.Now()
	handles := o.manager.Active()
	out := make([]monitor.ActiveExecution, 0, len(handles))
	for _, h := range handles {
		out = append(out, monitor.ActiveExecution{
			ExecutionID:   h.ExecutionID,
			UserID:        h.UserID,
			Language:      h.Language,
			ContainerID:   h.ID,
			ContainerName: h.Name,
			StartedAt:     h.CreatedAt,
			ElapsedMS:     now.Sub(h.CreatedAt).Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// GetExecutionStats aggregates history for userID, or for everyone when empty.
func (o *Orchestrator) GetExecutionStats(userID string) monitor.Stats {
	return o.history.Stats(userID)
}

// RecentExecutions returns up to n history records, newest first.
func (o *Orchestrator) RecentExecutions(n int) []monitor.Record {
	return o.history.Recent(n)
}

func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	draining := o.closed
	o.mu.Unlock()

	return Health{
		Runtime:    o.manager.Runtime().Name(),
		OCIRuntime: o.selection.OCIRuntime,
		Degraded:   o.selection.Degraded,
		Active:     o.manager.InUse(),
		Capacity:   o.manager.Capacity(),
		Languages:  o.registry.Languages(),
		Draining:   draining,
	}
}

// Close rejects new executions and waits for running ones to finish or for
// ctx to expire. Executions still running at expiry are killed.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all executions drained")
		return nil
	case <-ctx.Done():
	}

	active := o.manager.Active()
	log.Warn().Int("active", len(active)).Msg("drain timed out, killing remaining executions")
	killCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, h := range active {
		if _, err := o.manager.Kill(killCtx, h.ExecutionID); err != nil {
			log.Error().Err(err).Str("exec_id", h.ExecutionID).Msg("kill during shutdown failed")
		}
	}

	select {
	case <-done:
		return nil
	case <-killCtx.Done():
		return fmt.Errorf("shutdown: %d executions still running: %w", len(active), ctx.Err())
	}
}
