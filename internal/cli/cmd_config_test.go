package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/fab/internal/config"
)

// useConfigAt points the CLI at a config path for one test.
func useConfigAt(t *testing.T, path string) {
	t.Helper()
	old := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = old })
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newConfigCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestConfigInitCmd_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".fab", "config.yaml")
	useConfigAt(t, path)

	out, err := runCmd(t, "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out, "Wrote") {
		t.Errorf("output %q missing confirmation", out)
	}

	cfg, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Daemon.MaxConcurrent != config.Default().Daemon.MaxConcurrent {
		t.Errorf("max_concurrent = %d, want default", cfg.Daemon.MaxConcurrent)
	}
	if _, ok := cfg.Agents["coder"]; !ok {
		t.Error("written config missing default coder agent")
	}
}

func TestConfigInitCmd_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	useConfigAt(t, path)

	if _, err := runCmd(t, "init"); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if _, err := runCmd(t, "init"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second init err = %v, want already exists", err)
	}
	if _, err := runCmd(t, "init", "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
}

func TestConfigShowCmd_OutputsValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	useConfigAt(t, path)

	content := `server:
  listen: ":9090"
daemon:
  max_concurrent: 3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCmd(t, "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("listen = %q, want file value :9090", cfg.Server.Listen)
	}
	if cfg.Daemon.MaxConcurrent != 3 {
		t.Errorf("max_concurrent = %d, want file value 3", cfg.Daemon.MaxConcurrent)
	}
	// File values merge over defaults, so untouched keys still show.
	if !strings.Contains(out, "poll_interval") {
		t.Error("output missing default poll_interval key")
	}
}

func TestConfigShowCmd_DefaultsWhenFileMissing(t *testing.T) {
	useConfigAt(t, filepath.Join(t.TempDir(), "missing.yaml"))

	out, err := runCmd(t, "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, ":8080") {
		t.Errorf("output %q missing default listen address", out)
	}
}
