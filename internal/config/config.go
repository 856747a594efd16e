// Package config loads and persists the daemon's YAML configuration.
//
// Configuration resolves in layers: compiled defaults first, then the
// optional config file, then environment variables and flags at the CLI
// layer. LoadFrom unmarshals on top of Default(), so a partial file only
// overrides the keys it names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	faberrors "github.com/randalmurphal/fab/internal/errors"
	"github.com/randalmurphal/fab/internal/util"
)

// DefaultDir is the per-project directory holding config and state.
const DefaultDir = ".fab"

// DefaultFile is the config file name inside DefaultDir.
const DefaultFile = "config.yaml"

// Duration decodes YAML scalars like "30s" or integer nanoseconds into
// a time.Duration, and encodes back as the string form.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Integer scalars are
// nanoseconds; everything else goes through time.ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Daemon    DaemonConfig              `yaml:"daemon"`
	Store     StoreConfig               `yaml:"store"`
	Retention RetentionConfig           `yaml:"retention"`
	Log       LogConfig                 `yaml:"log"`
	Agents    map[string]AgentConfig    `yaml:"agents"`
	Workflows map[string]WorkflowConfig `yaml:"workflows"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	// Listen is the bind address, host:port.
	Listen string `yaml:"listen"`

	// RateLimit caps sustained submissions per second. Zero disables
	// the limiter.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the limiter's burst allowance.
	RateBurst int `yaml:"rate_burst"`
}

// DaemonConfig controls claiming and execution.
type DaemonConfig struct {
	// MaxConcurrent bounds the number of tasks executing at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// PollInterval is the queue poll cadence.
	PollInterval Duration `yaml:"poll_interval"`

	// ShutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// MaxQueueDepth bounds QUEUED tasks held at once. Zero means
	// unbounded.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// WatchConfig reloads the agent registry when the config file
	// changes on disk, the same swap SIGHUP triggers.
	WatchConfig bool `yaml:"watch_config"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	// Path is the SQLite database file. Ignored when DSN is set.
	Path string `yaml:"path"`

	// Dialect is "sqlite" or "postgres".
	Dialect string `yaml:"dialect"`

	// DSN overrides Path for server databases.
	DSN string `yaml:"dsn"`
}

// RetentionConfig controls purging of old terminal tasks.
type RetentionConfig struct {
	// MaxAge is how long terminal tasks are kept. Zero disables purging.
	MaxAge Duration `yaml:"max_age"`

	// Schedule is a cron expression for the purge job.
	Schedule string `yaml:"schedule"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is text, json, or auto. Auto picks text on a terminal.
	Format string `yaml:"format"`
}

// AgentConfig describes one command agent.
type AgentConfig struct {
	// Command is the argv to spawn for each invocation.
	Command []string `yaml:"command"`

	// Dir is the working directory, empty for the daemon's.
	Dir string `yaml:"dir"`

	// Env entries ("KEY=VALUE") appended to the daemon's environment.
	Env []string `yaml:"env"`

	// Timeout overrides phase timeouts for this agent when positive.
	Timeout Duration `yaml:"timeout"`
}

// WorkflowConfig tunes one task kind's built-in definition.
type WorkflowConfig struct {
	// MaxRetries replaces the definition's retry budget when set.
	MaxRetries *int `yaml:"max_retries"`

	// Timeouts replaces per-phase timeouts, keyed by phase name.
	Timeouts map[string]Duration `yaml:"timeouts"`
}

// Default returns the configuration the daemon runs with when no file,
// environment, or flags say otherwise.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    ":8080",
			RateLimit: 50,
			RateBurst: 100,
		},
		Daemon: DaemonConfig{
			MaxConcurrent:   5,
			PollInterval:    Duration(time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			MaxQueueDepth:   1000,
		},
		Store: StoreConfig{
			Path:    filepath.Join(DefaultDir, "fab.db"),
			Dialect: "sqlite",
		},
		Retention: RetentionConfig{
			MaxAge:   Duration(7 * 24 * time.Hour),
			Schedule: "@hourly",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Agents: map[string]AgentConfig{
			"test-generator": {Command: []string{"fab-agent", "test-generator"}},
			"coder":          {Command: []string{"fab-agent", "coder"}},
			"reviewer":       {Command: []string{"fab-agent", "reviewer"}},
			"deployer":       {Command: []string{"fab-agent", "deployer"}},
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir, DefaultFile)
}

// Load reads the config from the default path. A missing file yields
// Default().
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom reads the config at path, overlaying file values onto
// Default(). A missing file yields Default(); a malformed or invalid
// file is an error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, faberrors.ErrConfigInvalid(path, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the default path.
func (c *Config) Save() error {
	return c.SaveTo(DefaultPath())
}

// SaveTo writes the config as YAML via an atomic rename.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return faberrors.ErrConfigInvalid("server.listen", "must not be empty")
	}
	if c.Server.RateLimit < 0 {
		return faberrors.ErrConfigInvalid("server.rate_limit", "must not be negative")
	}
	if c.Server.RateBurst < 0 {
		return faberrors.ErrConfigInvalid("server.rate_burst", "must not be negative")
	}
	if c.Daemon.MaxConcurrent < 1 {
		return faberrors.ErrConfigInvalid("daemon.max_concurrent", "must be at least 1")
	}
	if c.Daemon.PollInterval <= 0 {
		return faberrors.ErrConfigInvalid("daemon.poll_interval", "must be positive")
	}
	if c.Daemon.ShutdownTimeout <= 0 {
		return faberrors.ErrConfigInvalid("daemon.shutdown_timeout", "must be positive")
	}
	if c.Daemon.MaxQueueDepth < 0 {
		return faberrors.ErrConfigInvalid("daemon.max_queue_depth", "must not be negative")
	}

	switch c.Store.Dialect {
	case "sqlite", "postgres":
	default:
		return faberrors.ErrConfigInvalid("store.dialect", fmt.Sprintf("unknown dialect %q", c.Store.Dialect))
	}
	if c.Store.Path == "" && c.Store.DSN == "" {
		return faberrors.ErrConfigInvalid("store.path", "either path or dsn is required")
	}

	if c.Retention.MaxAge < 0 {
		return faberrors.ErrConfigInvalid("retention.max_age", "must not be negative")
	}
	if c.Retention.MaxAge > 0 && c.Retention.Schedule == "" {
		return faberrors.ErrConfigInvalid("retention.schedule", "required when max_age is set")
	}

	for name, a := range c.Agents {
		if len(a.Command) == 0 {
			return faberrors.ErrConfigInvalid("agents."+name+".command", "must not be empty")
		}
		if a.Timeout < 0 {
			return faberrors.ErrConfigInvalid("agents."+name+".timeout", "must not be negative")
		}
	}

	for kind, w := range c.Workflows {
		if w.MaxRetries != nil && *w.MaxRetries < 0 {
			return faberrors.ErrConfigInvalid("workflows."+kind+".max_retries", "must not be negative")
		}
		for phase, t := range w.Timeouts {
			if t <= 0 {
				return faberrors.ErrConfigInvalid(
					fmt.Sprintf("workflows.%s.timeouts.%s", kind, phase), "must be positive")
			}
		}
	}

	return nil
}
