// Package config loads the driver core's configuration: the seed/direct
// server address, pool sizing, routing and auth knobs, and an optional
// rotating-credentials file. It is adapted from the teacher's
// internal/config: the same YAML-plus-${VAR}-substitution loader and
// fsnotify.Watcher-based hot reload, retargeted from a `tenants:` map of
// backend DSNs onto this module's connection-provider schema.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Mode selects which connection provider the driver constructs.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeRouting Mode = "routing"
)

// Config is the top-level driver configuration.
type Config struct {
	Mode        Mode              `yaml:"mode"`
	Address     string            `yaml:"address"`
	Database    string            `yaml:"database,omitempty"`
	UserAgent   string            `yaml:"user_agent"`
	BoltAgent   string            `yaml:"bolt_agent"`
	Auth        AuthConfig        `yaml:"auth"`
	Pool        PoolConfig        `yaml:"pool"`
	Routing     RoutingConfig     `yaml:"routing"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// AuthConfig describes how the driver authenticates (spec §3, §4.2).
// Either Credentials is set directly (a static token, typically supplied
// via ${VAR} substitution from the environment) or CredentialsFile points
// at a YAML document the driver re-reads whenever its token is refreshed.
type AuthConfig struct {
	Scheme          string `yaml:"scheme"`
	Principal       string `yaml:"principal"`
	Realm           string `yaml:"realm"`
	Credentials     string `yaml:"credentials,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// Rotating reports whether this driver's credential comes from a
// hot-reloadable file rather than a fixed value.
func (a AuthConfig) Rotating() bool { return a.CredentialsFile != "" }

// Redacted returns a copy of a with the static credential masked.
func (a AuthConfig) Redacted() AuthConfig {
	c := a
	if c.Credentials != "" {
		c.Credentials = "***REDACTED***"
	}
	return c
}

// PoolConfig mirrors internal/pool.Config (spec §6).
type PoolConfig struct {
	MaxSize                int           `yaml:"max_size"`
	GlobalMaxSize          int           `yaml:"global_max_size,omitempty"`
	AcquisitionTimeout     time.Duration `yaml:"acquisition_timeout"`
	MaxConnectionLifetime  time.Duration `yaml:"max_connection_lifetime"`
	LivenessCheckTimeout   time.Duration `yaml:"liveness_check_timeout"`
	MinSize                int           `yaml:"min_size,omitempty"`
	IdleCheckInterval      time.Duration `yaml:"idle_check_interval,omitempty"`
}

// RoutingConfig configures the Routing Connection Provider; ignored in
// direct mode (spec §4.4, §4.5).
type RoutingConfig struct {
	PurgeDelay           time.Duration     `yaml:"purge_delay,omitempty"`
	HomeDatabaseCacheTTL time.Duration     `yaml:"home_database_cache_ttl,omitempty"`
	RoutingContext       map[string]string `yaml:"routing_context,omitempty"`
}

// DiagnosticsConfig configures the read-only HTTP introspection server
// (SPEC_FULL.md §2, §10).
type DiagnosticsConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// CredentialDocument is the shape of a rotating-credentials file (spec
// §3): a bearer-style token plus an optional expiry the driver uses to
// decide when to re-read the file proactively.
type CredentialDocument struct {
	Token     string     `yaml:"token"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unset variables untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// LoadCredentialDocument reads a rotating-credentials file (spec §3).
func LoadCredentialDocument(path string) (CredentialDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CredentialDocument{}, fmt.Errorf("reading credentials file: %w", err)
	}
	data = substituteEnvVars(data)

	var doc CredentialDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return CredentialDocument{}, fmt.Errorf("parsing credentials file: %w", err)
	}
	if doc.Token == "" {
		return CredentialDocument{}, fmt.Errorf("credentials file %s: token is required", path)
	}
	return doc, nil
}

func validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeDirect, ModeRouting:
	case "":
		cfg.Mode = ModeDirect
	default:
		return fmt.Errorf("unsupported mode %q (must be %q or %q)", cfg.Mode, ModeDirect, ModeRouting)
	}
	if cfg.Address == "" {
		return fmt.Errorf("address is required")
	}
	if cfg.Auth.Credentials == "" && cfg.Auth.CredentialsFile == "" {
		return fmt.Errorf("auth: either credentials or credentials_file is required")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "graphdriver-core/1.0"
	}
	if cfg.BoltAgent == "" {
		cfg.BoltAgent = cfg.UserAgent
	}
	if cfg.Auth.Scheme == "" {
		if cfg.Auth.Rotating() {
			cfg.Auth.Scheme = "bearer"
		} else {
			cfg.Auth.Scheme = "basic"
		}
	}
	if cfg.Pool.MaxSize == 0 {
		cfg.Pool.MaxSize = 100
	}
	if cfg.Pool.AcquisitionTimeout == 0 {
		cfg.Pool.AcquisitionTimeout = 60 * time.Second
	}
	if cfg.Pool.MaxConnectionLifetime == 0 {
		cfg.Pool.MaxConnectionLifetime = time.Hour
	}
	if cfg.Pool.LivenessCheckTimeout == 0 {
		cfg.Pool.LivenessCheckTimeout = time.Minute
	}
	if cfg.Routing.PurgeDelay == 0 {
		cfg.Routing.PurgeDelay = 30 * time.Second
	}
	if cfg.Routing.HomeDatabaseCacheTTL == 0 {
		cfg.Routing.HomeDatabaseCacheTTL = 5 * time.Minute
	}
	if cfg.Diagnostics.Bind == "" {
		cfg.Diagnostics.Bind = "127.0.0.1"
	}
	if cfg.Diagnostics.Port == 0 {
		cfg.Diagnostics.Port = 8080
	}
}

// Watcher watches the rotating-credentials file for changes and invokes
// callback with the freshly parsed document, debounced exactly like the
// teacher's config.Watcher debounces whole-file reloads.
type Watcher struct {
	path     string
	callback func(CredentialDocument)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewCredentialWatcher creates a Watcher over a rotating-credentials
// file. It is a no-op-safe error for a caller to pass an empty path; use
// cfg.Auth.Rotating() to decide whether to call this at all.
func NewCredentialWatcher(path string, callback func(CredentialDocument)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching credentials file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("credentials watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	doc, err := LoadCredentialDocument(cw.path)
	if err != nil {
		slog.Warn("credentials hot-reload failed", "path", cw.path, "error", err)
		return
	}
	slog.Info("credentials reloaded", "path", cw.path)
	cw.callback(doc)
}

// Stop terminates the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
