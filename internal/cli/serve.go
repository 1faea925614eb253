package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVarP(&serveDefinition, "definition", "d", "", "Pipeline definition (overrides config)")
	serveCmd.Flags().IntVar(&serveStopAfter, "stop-after", 0, "Stop after ingesting this many records")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost       string
	servePort       int
	serveDefinition string
	serveStopAfter  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the ingest pipeline",
	Long: `Start the HTTP API at localhost:8787. Records POSTed to /api/ingest
flow through the configured pipeline; results are written as JSON lines to
pipeline.output (stdout by default).`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveDefinition != "" {
		cfg.Pipeline.Definition = serveDefinition
	}
	if serveStopAfter > 0 {
		cfg.API.StopAfter = serveStopAfter
	}

	d, err := daemonWithConfig(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(context.Background())
}
