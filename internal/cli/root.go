// Package cli implements the fab command-line interface.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/fab/internal/config"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fab",
	Short: "Autonomous task-execution factory",
	Long: `fab runs an autonomous task factory: a long-lived daemon that accepts
tasks over HTTP, queues them durably, and drives each one through a
phased workflow executed by configured agents.

Features:
  • Tests-first workflow: generate E2E tests, implement, review, deploy, validate
  • Durable priority queue; a crash or restart never loses accepted work
  • Bounded concurrency with bounded retries and per-phase timeouts
  • REST API plus a WebSocket event stream for dashboards
  • Prometheus metrics and structured logging

Quick start:
  fab config init      Write the default config to .fab/config.yaml
  fab serve            Start the daemon and HTTP API
  fab version          Show version and build info`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Errors are printed in the What/Why/Fix form before the
// nonzero exit.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		PrintError(err)
		return err
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .fab/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose error output")

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig wires FAB_* environment variables into viper. The config
// file itself is read by the config package, which overlays it onto the
// built-in defaults.
func initConfig() {
	viper.SetEnvPrefix("FAB")
	viper.AutomaticEnv()
}

// configPath resolves the config file location: the --config flag if
// set, otherwise the project-local default.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}
