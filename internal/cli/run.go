package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tutuflow/internal/app/pipeline"
)

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "-", "JSON-lines input file (- for stdin)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "-", "JSON-lines output file (- for stdout)")
	runCmd.Flags().IntVar(&runBatch, "batch", 256, "Records per source message")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Workers per stage (overrides config)")
	rootCmd.AddCommand(runCmd)
}

var (
	runInput   string
	runOutput  string
	runBatch   int
	runWorkers int
)

var runCmd = &cobra.Command{
	Use:   "run [DEFINITION]",
	Short: "Run a pipeline over JSON-lines records",
	Long: `Run a pipeline definition once over a JSON-lines file and exit.

Without DEFINITION the configured pipeline.definition is used. Executions and
dropped messages are recorded in the store when it is enabled.

Example:
  tutuflow run capitals.yaml -i countries.jsonl -o answers.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Pipeline.Definition = args[0]
	}
	if runWorkers > 0 {
		cfg.Pipeline.Workers = runWorkers
	}

	d, err := daemonWithConfig(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.LoadPipeline(cfg.Pipeline.Definition); err != nil {
		return err
	}

	in, closeIn, err := openInput(cmd, runInput)
	if err != nil {
		return err
	}
	defer closeIn()

	out, closeOut, err := openOutput(cmd, runOutput)
	if err != nil {
		return err
	}
	defer closeOut()

	p, err := d.NewPipeline(pipeline.NewJSONLinesSource(in, runBatch), pipeline.NewJSONLinesSink(out))
	if err != nil {
		return err
	}
	stats, err := p.Run(cmd.Context())
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d written, %d dropped\n", d.Pipeline.Name, stats.Written, stats.Dropped)
	return err
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
