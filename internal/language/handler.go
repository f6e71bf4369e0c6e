package language

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Process describes what runs inside the container.
type Process struct {
	Args []string
	Env  []string
}

// Handler defines how code for one language is checked, wrapped and launched.
type Handler interface {
	// Name returns the canonical language identifier (e.g., "python", "node").
	Name() string

	// Profile returns the language's resource and security policy.
	Profile() Profile

	// Patterns returns the denylist checked before any container is created.
	Patterns() []Pattern

	// WrapCode embeds the in-process timeout handler around user code.
	// The result is what gets written to the code file.
	WrapCode(code string, timeout time.Duration) (string, error)

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// Process returns the argv and environment for code mounted at codePath.
	Process(codePath string) Process
}

// Registry maps language names to their Handler implementations.
type Registry struct {
	handlers map[string]Handler
	aliases  map[string]string
}

// Option customises a registry at construction time.
type Option func(*options)

type options struct {
	images  map[string]string
	enabled map[string]bool
	network map[string]bool
}

// WithImage overrides the container image of one language.
func WithImage(language, image string) Option {
	return func(o *options) {
		if image != "" {
			o.images[language] = image
		}
	}
}

// WithEnabled restricts the registry to the named languages.
func WithEnabled(languages ...string) Option {
	return func(o *options) {
		for _, l := range languages {
			o.enabled[l] = true
		}
	}
}

// WithNetworkAllowed lets requests for the named languages opt into a network.
func WithNetworkAllowed(languages ...string) Option {
	return func(o *options) {
		for _, l := range languages {
			o.network[l] = true
		}
	}
}

// policyHandler overrides the profile of a built-in handler.
type policyHandler struct {
	Handler
	profile Profile
}

func (h policyHandler) Profile() Profile { return h.profile }

// NewRegistry creates a registry with all supported languages.
func NewRegistry(opts ...Option) *Registry {
	o := &options{images: map[string]string{}, enabled: map[string]bool{}, network: map[string]bool{}}
	for _, opt := range opts {
		opt(o)
	}

	r := &Registry{
		handlers: make(map[string]Handler),
		aliases: map[string]string{
			"python3":    "python",
			"py":         "python",
			"javascript": "node",
			"js":         "node",
			"sh":         "bash",
			"shell":      "bash",
			"sqlite":     "sql",
			"sqlite3":    "sql",
		},
	}

	all := []Handler{
		newPython(o.images["python"]),
		newNode(o.images["node"]),
		newBash(o.images["bash"]),
		newSQL(o.images["sql"]),
	}
	for _, h := range all {
		if len(o.enabled) > 0 && !o.enabled[h.Name()] {
			continue
		}
		if o.network[h.Name()] {
			p := h.Profile()
			p.NetworkAllowed = true
			h = policyHandler{Handler: h, profile: p}
		}
		r.handlers[h.Name()] = h
	}
	return r
}

// Get returns the handler for the given language or alias.
func (r *Registry) Get(language string) (Handler, error) {
	name := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrNotFound, language, strings.Join(r.Languages(), ", "))
	}
	return h, nil
}

// Profile returns a copy of the profile for the given language.
func (r *Registry) Profile(language string) (Profile, error) {
	h, err := r.Get(language)
	if err != nil {
		return Profile{}, err
	}
	return h.Profile(), nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// MaxTimeout returns the longest execution any registered language allows.
func (r *Registry) MaxTimeout() time.Duration {
	var longest time.Duration
	for _, h := range r.handlers {
		longest = max(longest, h.Profile().MaxTimeout)
	}
	return longest
}

// Images returns the container image of every registered language keyed by language.
func (r *Registry) Images() map[string]string {
	images := make(map[string]string, len(r.handlers))
	for name, h := range r.handlers {
		images[name] = h.Profile().Image
	}
	return images
}
