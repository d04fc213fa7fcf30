package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/modhost/internal/module/manifest"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "MODHOST_"

// Config is the complete host configuration.
type Config struct {
	Host      HostConfig      `toml:"host" envPrefix:"HOST_"`
	Modules   ModulesConfig   `toml:"modules" envPrefix:"MODULES_"`
	Signature SignatureConfig `toml:"signature" envPrefix:"SIGNATURE_"`
	Cleanup   CleanupConfig   `toml:"cleanup" envPrefix:"CLEANUP_"`
	Lua       LuaConfig       `toml:"lua" envPrefix:"LUA_"`
	Store     StoreConfig     `toml:"store" envPrefix:"STORE_"`
	Telemetry TelemetryConfig `toml:"telemetry" envPrefix:"TELEMETRY_"`
	Log       LogConfig       `toml:"log" envPrefix:"LOG_"`
}

// HostConfig identifies the host modules are checked against.
type HostConfig struct {
	Name    string `toml:"name" env:"NAME"`
	Version string `toml:"version" env:"VERSION"`
}

// ModulesConfig controls discovery and loading.
type ModulesConfig struct {
	// Roots are scanned for module directories, in priority order.
	Roots []string `toml:"roots" env:"ROOTS" envSeparator:","`
	// SystemRoots hold modules shipped with the host.
	SystemRoots []string `toml:"system_roots" env:"SYSTEM_ROOTS" envSeparator:","`
	// Shared lists extra shared code unit names ("name" or "name@constraint").
	Shared []string `toml:"shared" env:"SHARED" envSeparator:","`

	Watch       bool     `toml:"watch" env:"WATCH"`
	Debounce    Duration `toml:"debounce" env:"DEBOUNCE"`
	Lazy        bool     `toml:"lazy" env:"LAZY"`
	Parallelism int      `toml:"parallelism" env:"PARALLELISM"`
}

// SignatureConfig controls manifest signature checks.
type SignatureConfig struct {
	Policy     string   `toml:"policy" env:"POLICY"`
	PublicKeys []string `toml:"public_keys" env:"PUBLIC_KEYS" envSeparator:","`
}

// CleanupConfig controls the pending-deletion retry loop.
type CleanupConfig struct {
	Interval     Duration `toml:"interval" env:"INTERVAL"`
	MaxRetries   int      `toml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay Duration `toml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     Duration `toml:"max_delay" env:"MAX_DELAY"`
}

// LuaConfig controls module Lua states.
type LuaConfig struct {
	ExecutionTimeout Duration `toml:"execution_timeout" env:"EXECUTION_TIMEOUT"`
}

// StoreConfig selects the record store. An empty path keeps records in memory.
type StoreConfig struct {
	Path string `toml:"path" env:"PATH"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint" env:"ENDPOINT"`
	Insecure    bool   `toml:"insecure" env:"INSECURE"`
	ServiceName string `toml:"service_name" env:"SERVICE_NAME"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // text, json or logfmt
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host: HostConfig{
			Name:    "modhost",
			Version: "1.0.0",
		},
		Modules: ModulesConfig{
			Roots:       []string{"modules"},
			Debounce:    Duration(250 * time.Millisecond),
			Parallelism: 4,
		},
		Signature: SignatureConfig{
			Policy: string(manifest.PolicyPermissive),
		},
		Cleanup: CleanupConfig{
			Interval:     Duration(time.Minute),
			MaxRetries:   10,
			InitialDelay: Duration(5 * time.Second),
			MaxDelay:     Duration(30 * time.Minute),
		},
		Lua: LuaConfig{
			ExecutionTimeout: Duration(5 * time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "modhost",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load layers defaults, the TOML file at path (skipped when empty) and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadEnv(os.Environ()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges a TOML file into c. Keys absent from the file keep their
// current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return c.parse(path, data)
}

func (c *Config) parse(source string, data []byte) error {
	if err := toml.Unmarshal(data, c); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

// LoadEnv merges MODHOST_* variables from environ ("KEY=value" pairs) into c.
func (c *Config) LoadEnv(environ []string) error {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			vars[k] = v
		}
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Host.Name) == "" {
		add("host.name", "is required")
	}
	if _, err := semver.NewVersion(c.Host.Version); err != nil {
		add("host.version", "invalid version %q: %v", c.Host.Version, err)
	}
	if len(c.Modules.Roots) == 0 && len(c.Modules.SystemRoots) == 0 {
		add("modules.roots", "at least one module root is required")
	}
	if c.Modules.Parallelism < 1 {
		add("modules.parallelism", "must be at least 1, got %d", c.Modules.Parallelism)
	}
	if c.Modules.Debounce < 0 {
		add("modules.debounce", "must not be negative")
	}
	if _, err := manifest.ParsePolicy(c.Signature.Policy); err != nil {
		add("signature.policy", "%v", err)
	}
	if c.Cleanup.Interval <= 0 {
		add("cleanup.interval", "must be positive")
	}
	if c.Cleanup.MaxRetries < 0 {
		add("cleanup.max_retries", "must not be negative")
	}
	if c.Cleanup.InitialDelay < 0 || c.Cleanup.MaxDelay < c.Cleanup.InitialDelay {
		add("cleanup.max_delay", "must be at least initial_delay")
	}
	if c.Lua.ExecutionTimeout < 0 {
		add("lua.execution_timeout", "must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		add("log.format", "unknown format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

// HostVersion parses Host.Version.
func (c *Config) HostVersion() (*semver.Version, error) {
	return semver.NewVersion(c.Host.Version)
}

// Policy parses Signature.Policy.
func (c *Config) Policy() (manifest.Policy, error) {
	return manifest.ParsePolicy(c.Signature.Policy)
}

// Duration is a time.Duration written as a string ("5s", "1m30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}
