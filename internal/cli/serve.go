package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/fab/internal/config"
	"github.com/randalmurphal/fab/internal/daemon"
	faberrors "github.com/randalmurphal/fab/internal/errors"
)

// newServeCmd creates the serve command for the daemon
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fab daemon",
		Long: `Start the fab daemon: the task queue, executor pool, and HTTP API.

The daemon claims queued tasks in priority order and runs each one
through its workflow phases, at most max-concurrent at a time. All task
state lives in the store, so stopping and restarting the daemon never
loses accepted work; tasks interrupted mid-phase are re-queued on the
next start.

Configuration resolves in order: flags, FAB_* environment variables
(FAB_LISTEN, FAB_MAX_CONCURRENT, ...), the config file, built-in
defaults.

Signals:
  SIGINT/SIGTERM  drain in-flight tasks and stop; a second signal forces exit
  SIGHUP          reload the agent registry from the config file

Example:
  fab serve                                      # defaults, listens on :8080
  fab serve --listen :9090 --max-concurrent 10
  FAB_STORE_PATH=/var/lib/fab/fab.db fab serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.LoadFrom(path)
			if err != nil {
				return err
			}
			if err := overlayServe(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := buildLogger(cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			d, err := daemon.New(cfg, path, logger)
			if err != nil {
				return err
			}
			if err := d.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fab daemon listening on %s (press Ctrl+C to stop)\n", d.Addr())

			// Handle signals until told to stop
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigCh)

			for sig := range sigCh {
				if sig == syscall.SIGHUP {
					if err := d.Reload(); err != nil {
						logger.Error("reload failed", "error", err)
					}
					continue
				}

				logger.Info("received signal", "signal", sig.String())

				// Second SIGINT/SIGTERM forces immediate exit
				go func() {
					for s := range sigCh {
						if s != syscall.SIGHUP {
							fmt.Fprintln(os.Stderr, "forcing exit")
							os.Exit(1)
						}
					}
				}()

				d.Stop()
				return nil
			}
			return nil
		},
	}

	def := config.Default()
	cmd.Flags().Int("max-concurrent", def.Daemon.MaxConcurrent, "maximum tasks executing at once")
	cmd.Flags().Duration("poll-interval", def.Daemon.PollInterval.Std(), "queue poll cadence")
	cmd.Flags().String("store-path", def.Store.Path, "task store SQLite file")
	cmd.Flags().String("listen", def.Server.Listen, "API bind address (host:port)")
	cmd.Flags().String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", def.Log.Format, "log format (text, json, auto)")

	return cmd
}

// overlayServe applies FAB_* environment variables, then explicitly set
// flags, on top of the file config. Flags win over environment,
// environment over file.
func overlayServe(cmd *cobra.Command, cfg *config.Config) error {
	if v := viper.GetInt("max_concurrent"); v > 0 {
		cfg.Daemon.MaxConcurrent = v
	}
	if v := viper.GetString("poll_interval"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return faberrors.ErrConfigInvalid("poll_interval", err.Error())
		}
		cfg.Daemon.PollInterval = config.Duration(dur)
	}
	if v := viper.GetString("store_path"); v != "" {
		cfg.Store.Path = v
	}
	if v := viper.GetString("listen"); v != "" {
		cfg.Server.Listen = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.Log.Level = v
	}
	if v := viper.GetString("log_format"); v != "" {
		cfg.Log.Format = v
	}

	flags := cmd.Flags()
	if flags.Changed("max-concurrent") {
		cfg.Daemon.MaxConcurrent, _ = flags.GetInt("max-concurrent")
	}
	if flags.Changed("poll-interval") {
		dur, _ := flags.GetDuration("poll-interval")
		cfg.Daemon.PollInterval = config.Duration(dur)
	}
	if flags.Changed("store-path") {
		cfg.Store.Path, _ = flags.GetString("store-path")
	}
	if flags.Changed("listen") {
		cfg.Server.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	return nil
}

// buildLogger constructs the process logger. The auto format picks
// human-readable text on a terminal and JSON when output is redirected.
func buildLogger(lc config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, faberrors.ErrConfigInvalid("log.level", fmt.Sprintf("unknown level %q", lc.Level))
	}

	format := lc.Format
	if format == "" || format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, faberrors.ErrConfigInvalid("log.format", fmt.Sprintf("unknown format %q", format))
	}
}
