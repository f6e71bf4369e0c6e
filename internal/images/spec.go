// Package images provisions the per-language sandbox images: it renders a
// hardened Dockerfile from a declarative build spec, builds missing images
// through the container runtime, and picks the OCI runtime (gVisor when
// available).
package images

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed specs/*.yaml
var specFS embed.FS

// EntrypointPath is where the watchdog wrapper lives inside every image.
const EntrypointPath = "/usr/local/bin/sandbox-entry"

var (
	ErrProvisioning   = errors.New("image provisioning failed")
	ErrInvalidSpec    = errors.New("invalid build spec")
	ErrNoSpec         = errors.New("no build spec for language")
	ErrGVisorRequired = errors.New("gVisor (runsc) required but not available")
)

// Ulimits are baked into the image and applied by sandbox-entry. There is
// no process-count ulimit: RLIMIT_NPROC is charged per UID across every
// container sharing the sandbox user, so process counts are bounded by the
// per-container pids cgroup instead.
type Ulimits struct {
	NoFile  int `yaml:"nofile"`
	FSizeKB int `yaml:"fsize_kb"`
}

// BuildSpec declares how one language image is built.
type BuildSpec struct {
	Language       string            `yaml:"language"`
	Image          string            `yaml:"image"`
	Base           string            `yaml:"base"`
	PackageManager string            `yaml:"package_manager"` // apk or apt
	Packages       []string          `yaml:"packages"`
	Strip          []string          `yaml:"strip"` // binaries removed from the final image
	Ulimits        Ulimits           `yaml:"ulimits"`
	Env            map[string]string `yaml:"env"`
	Harden         []string          `yaml:"harden"` // extra RUN commands, run before stripping
}

var (
	packageName = regexp.MustCompile(`^[a-z0-9][a-z0-9.+_-]*$`)
	envName     = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
	safePath    = regexp.MustCompile(`^/[A-Za-z0-9._/-]+$`)
)

// Validate checks the fields that end up interpolated into the Dockerfile.
func (s *BuildSpec) Validate() error {
	if s.Language == "" || s.Image == "" || s.Base == "" {
		return fmt.Errorf("%w: language, image and base are required", ErrInvalidSpec)
	}
	switch s.PackageManager {
	case "apk", "apt":
	case "":
		if len(s.Packages) > 0 {
			return fmt.Errorf("%w: %s: packages need a package_manager", ErrInvalidSpec, s.Language)
		}
	default:
		return fmt.Errorf("%w: %s: unknown package_manager %q", ErrInvalidSpec, s.Language, s.PackageManager)
	}
	for _, p := range s.Packages {
		if !packageName.MatchString(p) {
			return fmt.Errorf("%w: %s: bad package name %q", ErrInvalidSpec, s.Language, p)
		}
	}
	for _, p := range s.Strip {
		if !safePath.MatchString(p) {
			return fmt.Errorf("%w: %s: bad strip path %q", ErrInvalidSpec, s.Language, p)
		}
	}
	for k := range s.Env {
		if !envName.MatchString(k) {
			return fmt.Errorf("%w: %s: bad env name %q", ErrInvalidSpec, s.Language, k)
		}
	}
	return nil
}

func (s *BuildSpec) applyDefaults() {
	if s.Ulimits.NoFile <= 0 {
		s.Ulimits.NoFile = 256
	}
	if s.Ulimits.FSizeKB <= 0 {
		s.Ulimits.FSizeKB = 65536
	}
}

// ParseSpec decodes and validates one YAML build spec.
func ParseSpec(data []byte) (BuildSpec, error) {
	var s BuildSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return BuildSpec{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return BuildSpec{}, err
	}
	return s, nil
}

// DefaultSpecs returns the embedded build specs keyed by language.
func DefaultSpecs() (map[string]BuildSpec, error) {
	entries, err := fs.ReadDir(specFS, "specs")
	if err != nil {
		return nil, err
	}
	out := make(map[string]BuildSpec, len(entries))
	for _, e := range entries {
		data, err := specFS.ReadFile(path.Join("specs", e.Name()))
		if err != nil {
			return nil, err
		}
		s, err := ParseSpec(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out[s.Language] = s
	}
	return out, nil
}

// Languages returns the languages in specs, sorted.
func Languages(specs map[string]BuildSpec) []string {
	langs := make([]string, 0, len(specs))
	for l := range specs {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}
