package images

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ImageBuilder is the image side of a container runtime.
type ImageBuilder interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	// BuildImage builds contextDir, which holds a Dockerfile, and tags it ref.
	BuildImage(ctx context.Context, ref, contextDir string) error
	// OCIRuntimes lists the low-level runtimes the engine can use.
	OCIRuntimes(ctx context.Context) ([]string, error)
}

// Selection is the OCI runtime chosen for sandbox containers.
type Selection struct {
	OCIRuntime string // "runsc", or "" for the engine default
	Degraded   bool   // gVisor was preferred but is unavailable
}

// Options configure a Provisioner.
type Options struct {
	BuildMissing  bool
	PreferGVisor  bool
	RequireGVisor bool
	// BuildConcurrency bounds EnsureAll. Defaults to 2.
	BuildConcurrency int
	// BuildTimeout bounds one shared check-and-build. Defaults to 10m.
	BuildTimeout time.Duration
	// TempDir holds build contexts; os.TempDir() when empty.
	TempDir string
	// OnBuild is called after every build attempt.
	OnBuild func(image string, err error, took time.Duration)
	// OnSelect is called with every runtime selection.
	OnSelect func(Selection)
}

const defaultBuildTimeout = 10 * time.Minute

// Provisioner makes sure language images exist before containers use them.
type Provisioner struct {
	builder ImageBuilder
	specs   map[string]BuildSpec
	opts    Options

	group singleflight.Group

	mu    sync.Mutex
	ready map[string]bool // by image ref
}

// NewProvisioner builds a provisioner for specs. images maps language to the
// image reference actually used at run time and overrides the spec's Image.
func NewProvisioner(builder ImageBuilder, specs map[string]BuildSpec, images map[string]string, opts Options) *Provisioner {
	merged := make(map[string]BuildSpec, len(specs))
	for lang, s := range specs {
		if ref, ok := images[lang]; ok && ref != "" {
			s.Image = ref
		}
		merged[lang] = s
	}
	if opts.BuildConcurrency < 1 {
		opts.BuildConcurrency = 2
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = defaultBuildTimeout
	}
	return &Provisioner{
		builder: builder,
		specs:   merged,
		opts:    opts,
		ready:   make(map[string]bool),
	}
}

// Spec returns the build spec for language.
func (p *Provisioner) Spec(language string) (BuildSpec, error) {
	s, ok := p.specs[language]
	if !ok {
		return BuildSpec{}, fmt.Errorf("%w: %s", ErrNoSpec, language)
	}
	return s, nil
}

// Image returns the image reference for language.
func (p *Provisioner) Image(language string) (string, error) {
	s, err := p.Spec(language)
	if err != nil {
		return "", err
	}
	return s.Image, nil
}

// Ensure makes the language image available. It is idempotent and concurrent
// callers for the same image share one check-and-build.
func (p *Provisioner) Ensure(ctx context.Context, language string) error {
	spec, err := p.Spec(language)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	p.mu.Lock()
	ok := p.ready[spec.Image]
	p.mu.Unlock()
	if ok {
		return nil
	}

	return p.shared(ctx, spec.Image, func(bctx context.Context) error {
		return p.ensure(bctx, spec)
	})
}

// shared runs fn once for every concurrent caller of key. fn runs detached
// from the caller that started it and is bounded by BuildTimeout, so one
// caller going away never fails the others. Each caller stops waiting when
// its own ctx is done; the work carries on for the rest.
func (p *Provisioner) shared(ctx context.Context, key string, fn func(context.Context) error) error {
	ch := p.group.DoChan(key, func() (interface{}, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.BuildTimeout)
		defer cancel()
		return nil, fn(bctx)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for %s: %w", ErrProvisioning, key, ctx.Err())
	}
}

func (p *Provisioner) ensure(ctx context.Context, spec BuildSpec) error {
	exists, err := p.builder.ImageExists(ctx, spec.Image)
	if err != nil {
		return fmt.Errorf("%w: checking %s: %v", ErrProvisioning, spec.Image, err)
	}
	if !exists {
		if !p.opts.BuildMissing {
			return fmt.Errorf("%w: image %s is missing and building is disabled", ErrProvisioning, spec.Image)
		}
		if err := p.build(ctx, spec); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.ready[spec.Image] = true
	p.mu.Unlock()
	return nil
}

// Build renders and builds the image for language unconditionally.
func (p *Provisioner) Build(ctx context.Context, language string) error {
	spec, err := p.Spec(language)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	return p.shared(ctx, spec.Image, func(bctx context.Context) error {
		if err := p.build(bctx, spec); err != nil {
			return err
		}
		p.mu.Lock()
		p.ready[spec.Image] = true
		p.mu.Unlock()
		return nil
	})
}

func (p *Provisioner) build(ctx context.Context, spec BuildSpec) (err error) {
	logger := log.With().Str("language", spec.Language).Str("image", spec.Image).Logger()
	start := time.Now()
	defer func() {
		if p.opts.OnBuild != nil {
			p.opts.OnBuild(spec.Image, err, time.Since(start))
		}
	}()

	dir, err := os.MkdirTemp(p.opts.TempDir, "sandbox-build-"+spec.Language+"-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	defer os.RemoveAll(dir)

	if err := WriteContext(dir, spec); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProvisioning, spec.Image, err)
	}

	logger.Info().Msg("building sandbox image")
	if err := p.builder.BuildImage(ctx, spec.Image, dir); err != nil {
		logger.Error().Err(err).Msg("image build failed")
		return fmt.Errorf("%w: building %s: %v", ErrProvisioning, spec.Image, err)
	}
	logger.Info().Dur("took", time.Since(start)).Msg("sandbox image built")
	return nil
}

// EnsureAll provisions languages concurrently. It returns the first error
// after every build has finished or been cancelled.
func (p *Provisioner) EnsureAll(ctx context.Context, languages []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.BuildConcurrency)
	for _, lang := range languages {
		lang := lang
		g.Go(func() error {
			return p.Ensure(gctx, lang)
		})
	}
	return g.Wait()
}

// SelectRuntime prefers gVisor. Without it the engine default is used and the
// selection is marked degraded, unless gVisor is required.
func (p *Provisioner) SelectRuntime(ctx context.Context) (Selection, error) {
	if !p.opts.PreferGVisor && !p.opts.RequireGVisor {
		sel := Selection{}
		p.notifySelect(sel)
		return sel, nil
	}

	runtimes, err := p.builder.OCIRuntimes(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not list OCI runtimes")
	}
	for _, rt := range runtimes {
		if rt == "runsc" {
			sel := Selection{OCIRuntime: "runsc"}
			log.Info().Msg("using gVisor (runsc) for sandbox containers")
			p.notifySelect(sel)
			return sel, nil
		}
	}

	if p.opts.RequireGVisor {
		return Selection{}, ErrGVisorRequired
	}

	sel := Selection{Degraded: true}
	log.Warn().Strs("available", runtimes).Msg("gVisor (runsc) unavailable, falling back to the default runtime; isolation is degraded")
	p.notifySelect(sel)
	return sel, nil
}

func (p *Provisioner) notifySelect(sel Selection) {
	if p.opts.OnSelect != nil {
		p.opts.OnSelect(sel)
	}
}

// Ready reports whether language's image has been confirmed present.
func (p *Provisioner) Ready(language string) bool {
	s, ok := p.specs[language]
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[s.Image]
}
