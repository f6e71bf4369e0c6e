package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"polyglot-sandbox/internal/language"
)

// Environment variables consulted on top of the file.
const (
	EnvConfigPath  = "SANDBOX_CONFIG"
	EnvDatabaseDSN = "SANDBOX_DATABASE_DSN"
)

// retentionMargin covers log collection and removal after a run's deadline.
const retentionMargin = time.Minute

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig is the admin HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend          string `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`

	MaxContainers  int           `yaml:"max_containers"`
	TimeoutGrace   time.Duration `yaml:"timeout_grace"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Retention      time.Duration `yaml:"retention"`

	PreferGVisor       bool          `yaml:"prefer_gvisor"`
	RequireGVisor      bool          `yaml:"require_gvisor"`
	BuildMissingImages bool          `yaml:"build_missing_images"`
	BuildConcurrency   int           `yaml:"build_concurrency"`
	BuildTimeout       time.Duration `yaml:"build_timeout"`
	ProvisionWait      time.Duration `yaml:"provision_wait"` // per-execution wait for its image

	TempDir     string `yaml:"temp_dir"`
	HistorySize int    `yaml:"history_size"`

	Images           map[string]string `yaml:"images"`            // language -> image reference
	EnabledLanguages []string          `yaml:"enabled_languages"` // empty enables all
	NetworkLanguages []string          `yaml:"network_languages"` // languages whose requests may opt into a network
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxConns     int32  `yaml:"max_conns"`
	AuditBuffer  int    `yaml:"audit_buffer"`
	EnsureSchema bool   `yaml:"ensure_schema"`

	// HistoryRetention purges persisted executions older than this; 0 keeps them.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or environment
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		cfg, err := Load(path)
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
	}

	cfg := DefaultConfig()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		c.Database.DSN = dsn
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 90 * time.Second, // > max language timeout + grace
			MaxRequestBody:  64 << 10,
		},
		Sandbox: SandboxConfig{
			Backend:            "auto",
			ContainerdSocket:   "/run/containerd/containerd.sock",
			Namespace:          "sandbox",
			MaxContainers:      10,
			TimeoutGrace:       5 * time.Second,
			SampleInterval:     250 * time.Millisecond,
			SweepInterval:      time.Minute,
			Retention:          10 * time.Minute,
			PreferGVisor:       true,
			BuildMissingImages: true,
			BuildConcurrency:   2,
			BuildTimeout:       10 * time.Minute,
			ProvisionWait:      30 * time.Second,
			HistorySize:        1000,
		},
		Database: DatabaseConfig{
			MaxConns:     10,
			AuditBuffer:  10000,
			EnsureSchema: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}

	s := c.Sandbox
	switch s.Backend {
	case "auto", "containerd", "docker":
	default:
		return fmt.Errorf("sandbox.backend must be auto, containerd, or docker, got %q", s.Backend)
	}
	if s.MaxContainers < 1 {
		return fmt.Errorf("sandbox.max_containers must be >= 1")
	}
	if s.TimeoutGrace <= 0 {
		return fmt.Errorf("sandbox.timeout_grace must be positive")
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sandbox.sweep_interval must be positive")
	}
	// The sweeper kills registered containers older than retention, so it
	// must outlast the longest run plus its grace and cleanup.
	if floor := language.NewRegistry().MaxTimeout() + s.TimeoutGrace + retentionMargin; s.Retention <= floor {
		return fmt.Errorf("sandbox.retention must exceed %s (longest run + timeout_grace + %s), got %s", floor, retentionMargin, s.Retention)
	}
	if s.HistorySize < 1 {
		return fmt.Errorf("sandbox.history_size must be >= 1")
	}
	if s.BuildConcurrency < 1 {
		return fmt.Errorf("sandbox.build_concurrency must be >= 1")
	}
	if s.BuildTimeout <= 0 || s.ProvisionWait <= 0 {
		return fmt.Errorf("sandbox.build_timeout and sandbox.provision_wait must be positive")
	}
	if s.RequireGVisor && !s.PreferGVisor {
		return fmt.Errorf("sandbox.require_gvisor needs prefer_gvisor")
	}
	if s.TempDir != "" && !filepath.IsAbs(s.TempDir) {
		return fmt.Errorf("sandbox.temp_dir: %q must be an absolute path", s.TempDir)
	}

	known := language.NewRegistry().Languages()
	for lang := range s.Images {
		if !slices.Contains(known, lang) {
			return fmt.Errorf("sandbox.images: unknown language %q", lang)
		}
	}
	for _, field := range []struct {
		name  string
		langs []string
	}{{"enabled_languages", s.EnabledLanguages}, {"network_languages", s.NetworkLanguages}} {
		for _, lang := range field.langs {
			if !slices.Contains(known, lang) {
				return fmt.Errorf("sandbox.%s: unknown language %q (known: %s)", field.name, lang, strings.Join(known, ", "))
			}
		}
	}

	if c.Database.DSN != "" && c.Database.AuditBuffer < 1 {
		return fmt.Errorf("database.audit_buffer must be >= 1")
	}
	if c.Database.HistoryRetention < 0 {
		return fmt.Errorf("database.history_retention must not be negative")
	}
	if c.Security.RateLimitRPS < 0 || c.Security.RateLimitBurst < 0 {
		return fmt.Errorf("security rate limits must not be negative")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RegistryOptions translates the sandbox section into language registry options.
func (c *Config) RegistryOptions() []language.Option {
	var opts []language.Option
	for lang, image := range c.Sandbox.Images {
		opts = append(opts, language.WithImage(lang, image))
	}
	if len(c.Sandbox.EnabledLanguages) > 0 {
		opts = append(opts, language.WithEnabled(c.Sandbox.EnabledLanguages...))
	}
	if len(c.Sandbox.NetworkLanguages) > 0 {
		opts = append(opts, language.WithNetworkAllowed(c.Sandbox.NetworkLanguages...))
	}
	return opts
}
