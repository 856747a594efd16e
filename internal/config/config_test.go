package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	faberrors "github.com/randalmurphal/fab/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Server.Listen)
	}
	if cfg.Daemon.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.Daemon.MaxConcurrent)
	}
	if cfg.Daemon.PollInterval.Std() != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Daemon.PollInterval)
	}
	if cfg.Store.Dialect != "sqlite" {
		t.Errorf("Dialect = %q, want sqlite", cfg.Store.Dialect)
	}

	for _, name := range []string{"test-generator", "coder", "reviewer", "deployer"} {
		if _, ok := cfg.Agents[name]; !ok {
			t.Errorf("default agents missing %q", name)
		}
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom error: %v", err)
	}
	if cfg.Daemon.MaxConcurrent != Default().Daemon.MaxConcurrent {
		t.Errorf("missing file should yield defaults, got %+v", cfg.Daemon)
	}
}

func TestLoadFromOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
daemon:
  max_concurrent: 2
  poll_interval: 250ms
agents:
  coder:
    command: ["/opt/agents/coder", "--fast"]
    timeout: 20m
workflows:
  five_phase_tdd:
    max_retries: 1
    timeouts:
      CODE_IMPL: 45m
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom error: %v", err)
	}

	if cfg.Daemon.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d, want 2", cfg.Daemon.MaxConcurrent)
	}
	if cfg.Daemon.PollInterval.Std() != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.Daemon.PollInterval)
	}
	// Keys the file does not name keep their defaults.
	if cfg.Daemon.ShutdownTimeout.Std() != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want default 30s", cfg.Daemon.ShutdownTimeout)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("Listen = %q, want default", cfg.Server.Listen)
	}

	coder := cfg.Agents["coder"]
	if len(coder.Command) != 2 || coder.Command[0] != "/opt/agents/coder" {
		t.Errorf("coder command = %v", coder.Command)
	}
	if coder.Timeout.Std() != 20*time.Minute {
		t.Errorf("coder timeout = %v, want 20m", coder.Timeout)
	}
	if _, ok := cfg.Agents["reviewer"]; !ok {
		t.Error("partial agents section dropped the default reviewer")
	}

	wf := cfg.Workflows["five_phase_tdd"]
	if wf.MaxRetries == nil || *wf.MaxRetries != 1 {
		t.Errorf("MaxRetries = %v, want 1", wf.MaxRetries)
	}
	if wf.Timeouts["CODE_IMPL"].Std() != 45*time.Minute {
		t.Errorf("CODE_IMPL timeout = %v, want 45m", wf.Timeouts["CODE_IMPL"])
	}
}

func TestLoadFromMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("daemon: [not, a, map"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if !faberrors.IsCode(err, faberrors.CodeConfigInvalid) {
		t.Errorf("error = %v, want CONFIG_INVALID", err)
	}
}

func TestLoadFromRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("daemon:\n  max_concurrent: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if !faberrors.IsCode(err, faberrors.CodeConfigInvalid) {
		t.Fatalf("error = %v, want CONFIG_INVALID", err)
	}
	if !strings.Contains(err.Error(), "max_concurrent") {
		t.Errorf("error = %v, should name the field", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := Default()
	cfg.Daemon.MaxConcurrent = 8
	cfg.Daemon.PollInterval = Duration(500 * time.Millisecond)
	cfg.Server.Listen = "127.0.0.1:9090"
	cfg.Agents["coder"] = AgentConfig{
		Command: []string{"claude", "--print"},
		Env:     []string{"MODE=implement"},
	}

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo error: %v", err)
	}

	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom error: %v", err)
	}
	if got.Daemon.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent = %d, want 8", got.Daemon.MaxConcurrent)
	}
	if got.Daemon.PollInterval.Std() != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", got.Daemon.PollInterval)
	}
	if got.Server.Listen != "127.0.0.1:9090" {
		t.Errorf("Listen = %q", got.Server.Listen)
	}
	coder := got.Agents["coder"]
	if len(coder.Command) != 2 || coder.Command[0] != "claude" {
		t.Errorf("coder command = %v", coder.Command)
	}
	if len(coder.Env) != 1 || coder.Env[0] != "MODE=implement" {
		t.Errorf("coder env = %v", coder.Env)
	}
}

func TestDurationUnmarshalYAML(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: `"30s"`, want: 30 * time.Second},
		{in: `1h30m`, want: 90 * time.Minute},
		{in: `250ms`, want: 250 * time.Millisecond},
		{in: `1500000000`, want: 1500 * time.Millisecond},
		{in: `"bogus"`, wantErr: true},
	}

	for _, tt := range tests {
		var d Duration
		err := yaml.Unmarshal([]byte(tt.in), &d)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: want error, got %v", tt.in, d)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unmarshal error: %v", tt.in, err)
			continue
		}
		if d.Std() != tt.want {
			t.Errorf("%s: got %v, want %v", tt.in, d.Std(), tt.want)
		}
	}
}

func TestDurationMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "1m30s" {
		t.Errorf("marshal = %q, want 1m30s", out)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, "server.listen"},
		{"negative rate", func(c *Config) { c.Server.RateLimit = -1 }, "rate_limit"},
		{"zero concurrency", func(c *Config) { c.Daemon.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero poll", func(c *Config) { c.Daemon.PollInterval = 0 }, "poll_interval"},
		{"zero shutdown", func(c *Config) { c.Daemon.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"bad dialect", func(c *Config) { c.Store.Dialect = "oracle" }, "store.dialect"},
		{"no store", func(c *Config) { c.Store.Path, c.Store.DSN = "", "" }, "store.path"},
		{"purge without schedule", func(c *Config) { c.Retention.Schedule = "" }, "retention.schedule"},
		{"agent without command", func(c *Config) { c.Agents["coder"] = AgentConfig{} }, "agents.coder"},
		{
			"negative workflow retries",
			func(c *Config) {
				n := -1
				c.Workflows = map[string]WorkflowConfig{"five_phase_tdd": {MaxRetries: &n}}
			},
			"max_retries",
		},
		{
			"zero workflow timeout",
			func(c *Config) {
				c.Workflows = map[string]WorkflowConfig{
					"five_phase_tdd": {Timeouts: map[string]Duration{"REVIEW": 0}},
				}
			},
			"timeouts.REVIEW",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !faberrors.IsCode(err, faberrors.CodeConfigInvalid) {
				t.Fatalf("error = %v, want CONFIG_INVALID", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error = %v, should name %s", err, tt.field)
			}
		})
	}
}
