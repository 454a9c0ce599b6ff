// Package config provides Viper-based configuration loading for the swarm
// daemon, the CLI and the development server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TargetConfig identifies the server under test.
type TargetConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Version is a protocol version ID or alias, e.g. "1.17.1" or "1.14".
	Version string `mapstructure:"version"`
}

// Addr returns the "host:port" target address.
func (t TargetConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// SwarmConfig sizes and paces the swarm.
type SwarmConfig struct {
	Sessions int `mapstructure:"sessions"`
	// ConnectRate is the maximum number of connection attempts per second.
	ConnectRate float64 `mapstructure:"connect_rate"`
	// SessionTimeout bounds dial, login and read silence per session.
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	QueueSize         int           `mapstructure:"queue_size"`
	EnqueueTimeout    time.Duration `mapstructure:"enqueue_timeout"`
	// StopGrace is how long Stop waits for sessions to close before forcing them.
	StopGrace time.Duration `mapstructure:"stop_grace"`
	// NameFormat generates bot names when AccountsFile is empty.
	NameFormat string `mapstructure:"name_format"`
	// AccountsFile lists "user[:password]" lines, or YAML when it ends in .yaml.
	AccountsFile     string   `mapstructure:"accounts_file"`
	Proxies          []string `mapstructure:"proxies"`
	AccountsPerProxy int      `mapstructure:"accounts_per_proxy"`
	EventBuffer      int      `mapstructure:"event_buffer"`
}

// ReconnectConfig selects what happens after a session fails.
type ReconnectConfig struct {
	// Policy is one of "none", "fixed" or "backoff".
	Policy string `mapstructure:"policy"`
	// MaxAttempts caps retries for the fixed policy.
	MaxAttempts int `mapstructure:"max_attempts"`
	// Delay is the pause between fixed-policy retries.
	Delay           time.Duration `mapstructure:"delay"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// Sampling thins repeated messages; useful once sessions number in the
	// thousands.
	Sampling bool `mapstructure:"sampling"`
	// Output is a file path, "stdout" or "stderr" (the default when empty).
	Output string `mapstructure:"output"`
}

// ControlConfig holds the gRPC control service settings.
type ControlConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (c ControlConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Addr returns the "host:port" metrics listen address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// DatabaseConfig holds PostgreSQL connection settings for the event store.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// BatchSize is how many events the event sink inserts per round trip.
	BatchSize int `mapstructure:"batch_size"`
	// FlushInterval bounds how long an event waits in a partial batch.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// PluginsConfig locates Lua plugin scripts.
type PluginsConfig struct {
	// Dir holds *.lua scripts; empty disables scripting.
	Dir string `mapstructure:"dir"`
	// InstructionLimit caps VM instructions per handler call; 0 is unlimited.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// SimulatorConfig configures the development target server.
type SimulatorConfig struct {
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	Mode                 string        `mapstructure:"mode"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	KeepAliveInterval    time.Duration `mapstructure:"keepalive_interval"`
	MOTD                 string        `mapstructure:"motd"`
}

// Addr returns the "host:port" listen address.
func (s SimulatorConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Config is the top-level application configuration.
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	Swarm     SwarmConfig     `mapstructure:"swarm"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Control   ControlConfig   `mapstructure:"control"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Plugins   PluginsConfig   `mapstructure:"plugins"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		func() error { return validateTarget(c.Target) },
		func() error { return validateSwarm(c.Swarm) },
		func() error { return validateReconnect(c.Reconnect) },
		func() error { return validateLogging(c.Logging) },
		func() error { return validatePort("control.port", c.Control.Port) },
		func() error { return validateMetrics(c.Metrics) },
		func() error { return validateDatabase(c.Database) },
		func() error { return validateSimulator(c.Simulator) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Plugins.InstructionLimit < 0 {
		errs = append(errs, "plugins.instruction_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", key, port)
	}
	return nil
}

func joined(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTarget(t TargetConfig) error {
	var errs []string
	if t.Host == "" {
		errs = append(errs, "target.host must not be empty")
	}
	if err := validatePort("target.port", t.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if t.Version == "" {
		errs = append(errs, "target.version must not be empty")
	}
	return joined(errs)
}

func validateSwarm(s SwarmConfig) error {
	var errs []string
	if s.Sessions < 1 {
		errs = append(errs, fmt.Sprintf("swarm.sessions must be >= 1, got %d", s.Sessions))
	}
	if s.ConnectRate <= 0 {
		errs = append(errs, fmt.Sprintf("swarm.connect_rate must be > 0, got %g", s.ConnectRate))
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"swarm.session_timeout", s.SessionTimeout},
		{"swarm.keepalive_interval", s.KeepAliveInterval},
		{"swarm.enqueue_timeout", s.EnqueueTimeout},
		{"swarm.stop_grace", s.StopGrace},
	}
	for _, f := range durations {
		if f.d < 0 {
			errs = append(errs, f.key+" must not be negative")
		}
	}
	if s.QueueSize < 0 {
		errs = append(errs, "swarm.queue_size must not be negative")
	}
	if s.AccountsPerProxy < 0 {
		errs = append(errs, "swarm.accounts_per_proxy must not be negative")
	}
	return joined(errs)
}

func validateReconnect(r ReconnectConfig) error {
	var errs []string
	switch r.Policy {
	case "none", "backoff":
	case "fixed":
		if r.MaxAttempts < 1 {
			errs = append(errs, fmt.Sprintf("reconnect.max_attempts must be >= 1 for the fixed policy, got %d", r.MaxAttempts))
		}
	default:
		errs = append(errs, fmt.Sprintf("reconnect.policy must be one of [none, fixed, backoff], got %q", r.Policy))
	}
	if r.Delay < 0 || r.InitialInterval < 0 || r.MaxInterval < 0 {
		errs = append(errs, "reconnect intervals must not be negative")
	}
	if r.MaxInterval > 0 && r.InitialInterval > r.MaxInterval {
		errs = append(errs, "reconnect.initial_interval must not exceed reconnect.max_interval")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("reconnect.multiplier must be >= 1, got %g", r.Multiplier))
	}
	return joined(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateMetrics(m MetricsConfig) error {
	if !m.Enabled {
		return nil
	}
	var errs []string
	if err := validatePort("metrics.port", m.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, fmt.Sprintf("metrics.path must start with /, got %q", m.Path))
	}
	return joined(errs)
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if err := validatePort("database.port", d.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if d.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("database.batch_size must be >= 1, got %d", d.BatchSize))
	}
	return joined(errs)
}

func validateSimulator(s SimulatorConfig) error {
	var errs []string
	if err := validatePort("simulator.port", s.Port); err != nil {
		errs = append(errs, err.Error())
	}
	validModes := map[string]bool{"accept": true, "reject": true, "online": true, "silent": true, "nospawn": true}
	if !validModes[s.Mode] {
		errs = append(errs, fmt.Sprintf("simulator.mode must be one of [accept, reject, online, silent, nospawn], got %q", s.Mode))
	}
	if s.CompressionThreshold < -1 {
		errs = append(errs, "simulator.compression_threshold must be >= -1")
	}
	return joined(errs)
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and the
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SwarmFromMap overlays values (nested the same way as the YAML file) on base and
// validates the result. It lets remote Start requests carry partial configs.
// Only the target, swarm and reconnect sections are read from values; the
// rest of the result is base.
//
// Postcondition: Returns a valid Config or a non-nil error.
func SwarmFromMap(base Config, values map[string]any) (Config, error) {
	if values == nil {
		return Config{}, errors.New("config values must not be nil")
	}
	v := newViper()
	if err := v.MergeConfigMap(toMap(base)); err != nil {
		return Config{}, fmt.Errorf("merging base config: %w", err)
	}
	if err := v.MergeConfigMap(values); err != nil {
		return Config{}, fmt.Errorf("merging config values: %w", err)
	}
	merged, err := LoadFromViper(v)
	if err != nil {
		return Config{}, err
	}
	out := base
	out.Target, out.Swarm, out.Reconnect = merged.Target, merged.Swarm, merged.Reconnect
	return out, nil
}

// toMap renders the swarm-relevant sections of c as viper keys.
func toMap(c Config) map[string]any {
	return map[string]any{
		"target": map[string]any{
			"host":    c.Target.Host,
			"port":    c.Target.Port,
			"version": c.Target.Version,
		},
		"swarm": map[string]any{
			"sessions":           c.Swarm.Sessions,
			"connect_rate":       c.Swarm.ConnectRate,
			"session_timeout":    c.Swarm.SessionTimeout.String(),
			"keepalive_interval": c.Swarm.KeepAliveInterval.String(),
			"queue_size":         c.Swarm.QueueSize,
			"enqueue_timeout":    c.Swarm.EnqueueTimeout.String(),
			"stop_grace":         c.Swarm.StopGrace.String(),
			"name_format":        c.Swarm.NameFormat,
			"accounts_file":      c.Swarm.AccountsFile,
			"proxies":            c.Swarm.Proxies,
			"accounts_per_proxy": c.Swarm.AccountsPerProxy,
			"event_buffer":       c.Swarm.EventBuffer,
		},
		"reconnect": map[string]any{
			"policy":           c.Reconnect.Policy,
			"max_attempts":     c.Reconnect.MaxAttempts,
			"delay":            c.Reconnect.Delay.String(),
			"initial_interval": c.Reconnect.InitialInterval.String(),
			"max_interval":     c.Reconnect.MaxInterval.String(),
			"multiplier":       c.Reconnect.Multiplier,
		},
	}
}

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with BOTSWARM_ prefix
	v.SetEnvPrefix("BOTSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target.host", "127.0.0.1")
	v.SetDefault("target.port", 25565)
	v.SetDefault("target.version", "1.17.1")

	v.SetDefault("swarm.sessions", 10)
	v.SetDefault("swarm.connect_rate", 5.0)
	v.SetDefault("swarm.session_timeout", "30s")
	v.SetDefault("swarm.keepalive_interval", "10s")
	v.SetDefault("swarm.queue_size", 64)
	v.SetDefault("swarm.enqueue_timeout", "1s")
	v.SetDefault("swarm.stop_grace", "5s")
	v.SetDefault("swarm.name_format", "Bot_%d")
	v.SetDefault("swarm.accounts_file", "")
	v.SetDefault("swarm.proxies", []string{})
	v.SetDefault("swarm.accounts_per_proxy", 0)
	v.SetDefault("swarm.event_buffer", 4096)

	v.SetDefault("reconnect.policy", "none")
	v.SetDefault("reconnect.max_attempts", 3)
	v.SetDefault("reconnect.delay", "5s")
	v.SetDefault("reconnect.initial_interval", "1s")
	v.SetDefault("reconnect.max_interval", "1m")
	v.SetDefault("reconnect.multiplier", 2.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.sampling", false)
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 50061)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 9108)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "botswarm")
	v.SetDefault("database.password", "botswarm")
	v.SetDefault("database.name", "botswarm")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.batch_size", 256)
	v.SetDefault("database.flush_interval", "1s")

	v.SetDefault("plugins.dir", "")
	v.SetDefault("plugins.instruction_limit", 100000)

	v.SetDefault("simulator.host", "127.0.0.1")
	v.SetDefault("simulator.port", 25565)
	v.SetDefault("simulator.mode", "accept")
	v.SetDefault("simulator.compression_threshold", 256)
	v.SetDefault("simulator.keepalive_interval", "15s")
	v.SetDefault("simulator.motd", "botswarm target simulator")
}
