package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tutuflow/internal/domain"
	"github.com/tutu-network/tutuflow/internal/format"
)

func init() {
	executionsCmd.Flags().StringVar(&execStatus, "status", "", "Only executions with this status (ok, error)")
	executionsCmd.Flags().StringVar(&execTaskType, "task-type", "", "Only executions of this task type")
	executionsCmd.Flags().IntVarP(&execLimit, "limit", "n", 20, "Maximum rows")
	executionsCmd.Flags().BoolVar(&execDropped, "dropped", false, "List dropped messages instead")
	executionsCmd.Flags().StringVar(&execFormat, "format", "table", "Output format: table or markdown")
	rootCmd.AddCommand(executionsCmd)
}

var (
	execStatus   string
	execTaskType string
	execLimit    int
	execDropped  bool
	execFormat   string
)

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"ls"},
	Short:   "List recorded engine executions",
	RunE:    runExecutions,
}

func runExecutions(cmd *cobra.Command, args []string) error {
	mode, err := format.ParseMode(execFormat)
	if err != nil {
		return err
	}

	d, err := openDaemon()
	if err != nil {
		return err
	}
	defer d.Close()

	if d.DB == nil {
		return fmt.Errorf("execution store is disabled (store.enabled = false)")
	}
	out := cmd.OutOrStdout()

	if execDropped {
		msgs, err := d.DB.ListDropped(cmd.Context(), execLimit)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No dropped messages.")
			return nil
		}
		fmt.Fprintln(out, format.Dropped(mode, msgs))
		return nil
	}

	recs, err := d.DB.ListExecutions(cmd.Context(), domain.ExecutionFilter{
		TaskType: execTaskType,
		Status:   execStatus,
		Limit:    execLimit,
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No executions recorded. Run 'tutuflow run' or 'tutuflow serve' first.")
		return nil
	}
	fmt.Fprintln(out, format.Executions(mode, recs))
	return nil
}
