// Package app assembles the sandbox from configuration. Both binaries build
// on it: the daemon serves the admin API over it and the CLI runs one-shot
// executions through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/config"
	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/images"
	"polyglot-sandbox/internal/language"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/sandbox"
	"polyglot-sandbox/internal/storage"
	"polyglot-sandbox/internal/validator"
)

const (
	auditFlushTimeout = 10 * time.Second
	purgeInterval     = time.Hour
)

// Options adjust how New assembles the app.
type Options struct {
	// Runtime replaces backend selection.
	Runtime sandbox.ContainerRuntime
	// SkipDatabase ignores the database section.
	SkipDatabase bool
	// Provision checks or builds every enabled language image up front.
	Provision bool
}

// App holds the wired components.
type App struct {
	Config       *config.Config
	Runtime      sandbox.ContainerRuntime
	Registry     *language.Registry
	Provisioner  *images.Provisioner
	Manager      *sandbox.Manager
	Metrics      *monitor.Metrics
	Orchestrator *executor.Orchestrator
	Selection    images.Selection

	// DB is nil when no database is configured or it was unreachable.
	DB    *storage.DB
	audit *storage.AuditWriter

	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires every component. On error everything already opened is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Metrics: monitor.NewMetrics()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.Runtime = opts.Runtime
	if a.Runtime == nil {
		a.Runtime, err = sandbox.NewRuntime(ctx, sandbox.BackendConfig{
			Backend:          cfg.Sandbox.Backend,
			ContainerdSocket: cfg.Sandbox.ContainerdSocket,
			Namespace:        cfg.Sandbox.Namespace,
		})
		if err != nil {
			return nil, err
		}
	}
	builder, ok := a.Runtime.(images.ImageBuilder)
	if !ok {
		return nil, fmt.Errorf("runtime %s cannot manage images", a.Runtime.Name())
	}

	a.Registry = language.NewRegistry(cfg.RegistryOptions()...)

	specs, err := images.DefaultSpecs()
	if err != nil {
		return nil, fmt.Errorf("loading image specs: %w", err)
	}
	a.Provisioner = images.NewProvisioner(builder, specs, a.Registry.Images(), images.Options{
		BuildMissing:     cfg.Sandbox.BuildMissingImages,
		PreferGVisor:     cfg.Sandbox.PreferGVisor,
		RequireGVisor:    cfg.Sandbox.RequireGVisor,
		BuildConcurrency: cfg.Sandbox.BuildConcurrency,
		BuildTimeout:     cfg.Sandbox.BuildTimeout,
		TempDir:          cfg.Sandbox.TempDir,
		OnBuild:          a.Metrics.RecordImageBuild,
		OnSelect:         func(sel images.Selection) { a.Metrics.SetDegraded(sel.Degraded) },
	})

	a.Selection, err = a.Provisioner.SelectRuntime(ctx)
	if err != nil {
		return nil, err
	}
	if opts.Provision {
		if err := a.Provisioner.EnsureAll(ctx, a.Registry.Languages()); err != nil {
			return nil, err
		}
	}

	a.Manager = sandbox.NewManager(a.Runtime, sandbox.ManagerConfig{
		MaxContainers: cfg.Sandbox.MaxContainers,
		TempDir:       cfg.Sandbox.TempDir,
		OnSweep: func(r sandbox.SweepReport) {
			a.Metrics.RecordSweep(r.ZombiesReclaimed, r.OrphansRemoved, r.StuckKilled)
		},
	})

	if cfg.Database.DSN != "" && !opts.SkipDatabase {
		a.openDatabase(ctx)
	}

	a.Orchestrator, err = executor.New(executor.Config{
		Registry:       a.Registry,
		Validator:      validator.New(a.Registry),
		Provisioner:    a.Provisioner,
		Manager:        a.Manager,
		Selection:      a.Selection,
		Metrics:        a.Metrics,
		Tracer:         monitor.NewTracer(),
		History:        monitor.NewHistory(cfg.Sandbox.HistorySize),
		Detector:       monitor.NewOutputDetector(),
		Grace:          cfg.Sandbox.TimeoutGrace,
		SampleInterval: cfg.Sandbox.SampleInterval,
		ProvisionWait:  cfg.Sandbox.ProvisionWait,
		Audit:          a.recordAudit,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("runtime", a.Runtime.Name()).
		Str("oci_runtime", a.Selection.OCIRuntime).
		Bool("degraded", a.Selection.Degraded).
		Strs("languages", a.Registry.Languages()).
		Int("max_containers", a.Manager.Capacity()).
		Bool("db_enabled", a.DB != nil).
		Msg("sandbox ready")
	return a, nil
}

// openDatabase connects the history sink. The sandbox runs without it when
// the database is unreachable.
func (a *App) openDatabase(ctx context.Context) {
	db, err := storage.New(ctx, a.Config.Database.DSN, a.Config.Database.MaxConns)
	if err != nil {
		log.Warn().Err(err).Msg("database unavailable, execution history will not be persisted")
		return
	}
	if a.Config.Database.EnsureSchema {
		if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("database schema setup failed, execution history will not be persisted")
			db.Close()
			return
		}
	}
	a.DB = db
	a.audit = storage.NewAuditWriter(db, a.Config.Database.AuditBuffer)
	a.audit.Start()
}

func (a *App) recordAudit(req executor.Request, res executor.Result) {
	if a.audit == nil {
		return
	}
	a.audit.Log(AuditEntry(req, res, time.Now()))
}

// AuditEntry converts a finished execution into its storage form.
func AuditEntry(req executor.Request, res executor.Result, completedAt time.Time) *storage.Entry {
	entry := &storage.Entry{
		Execution: storage.Execution{
			ID:             res.ExecutionID,
			UserID:         req.UserID,
			Language:       res.Language,
			CodeHash:       res.CodeHash,
			Status:         string(res.Status),
			ErrorKind:      string(res.ErrorKind),
			Error:          res.Error,
			ExitCode:       res.ExitCode,
			Output:         res.Output,
			Stderr:         res.Stderr,
			Truncated:      res.Truncated,
			DurationMS:     res.DurationMS,
			CPUPercent:     res.ResourceUsage.CPUPercent,
			MemoryMaxBytes: int64(res.ResourceUsage.MemoryMaxBytes),
			NetworkRxBytes: int64(res.ResourceUsage.NetworkRxBytes),
			NetworkTxBytes: int64(res.ResourceUsage.NetworkTxBytes),
			SecurityEvents: len(res.SecurityEvents),
			CreatedAt:      completedAt.Add(-time.Duration(res.DurationMS) * time.Millisecond),
			CompletedAt:    completedAt,
		},
	}
	if entry.Execution.Language == "" {
		entry.Execution.Language = req.Language
	}
	for _, ev := range res.SecurityEvents {
		entry.Events = append(entry.Events, storage.SecurityEventRecord{
			ExecutionID: res.ExecutionID,
			Type:        ev.Type,
			Severity:    ev.Severity,
			Detail:      ev.Detail,
			Stream:      ev.Stream,
			CreatedAt:   completedAt,
		})
	}
	return entry
}

// StartBackground runs the container sweeper and, with a database, the
// history purge until ctx is done or Close is called. The first sweep removes
// containers left behind by a previous process.
func (a *App) StartBackground(ctx context.Context) {
	ctx, a.stop = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Manager.RunSweeper(ctx, a.Config.Sandbox.SweepInterval, a.Config.Sandbox.Retention)
	}()

	if a.DB != nil && a.Config.Database.HistoryRetention > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runPurge(ctx)
		}()
	}
}

func (a *App) runPurge(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		cutoff := time.Now().Add(-a.Config.Database.HistoryRetention)
		n, err := a.DB.PurgeBefore(ctx, cutoff)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			log.Error().Err(err).Msg("history purge failed")
		case n > 0:
			log.Info().Int64("deleted", n).Time("before", cutoff).Msg("purged execution history")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close drains executions until ctx expires, then stops background work and
// releases the runtime and database.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		if a.Orchestrator != nil {
			err = a.Orchestrator.Close(ctx)
		}
		if a.stop != nil {
			a.stop()
		}
		a.wg.Wait()
		a.closeResources()
	})
	return err
}

func (a *App) closeResources() {
	if a.audit != nil {
		a.audit.Flush(auditFlushTimeout)
		log.Info().
			Int64("written", a.audit.Written()).
			Int64("dropped", a.audit.Dropped()).
			Msg("audit writer flushed")
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Runtime != nil {
		if err := a.Runtime.Close(); err != nil {
			log.Error().Err(err).Msg("runtime close error")
		}
	}
}
