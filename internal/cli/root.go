// Package cli implements the TuTu Flow command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tutuflow/internal/daemon"
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $TUTUFLOW_HOME/config.toml)")
}

var (
	configPath string
	version    = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "tutuflow",
	Short: "TuTu Flow: LLM task pipelines",
	Long: `TuTu Flow runs LLM task pipelines.

A pipeline definition declares a DAG of nodes (extract, prompt, generate),
the task handlers that turn node outputs into result rows, and the stages
around the engine. Rows arrive as JSON lines or through the HTTP ingest API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(v string) {
	version = v
	rootCmd.Version = v

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config when given, else the default location.
func loadConfig() (daemon.Config, error) {
	var (
		cfg daemon.Config
		err error
	)
	if configPath != "" {
		cfg, err = daemon.LoadConfigFile(configPath)
	} else {
		cfg, err = daemon.LoadConfig()
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openDaemon() (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemonWithConfig(cfg)
}

func daemonWithConfig(cfg daemon.Config) (*daemon.Daemon, error) {
	return daemon.NewWithConfig(cfg, version)
}
