package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tutuflow/internal/app/definition"
	"github.com/tutu-network/tutuflow/internal/format"
)

func init() {
	validateCmd.Flags().StringVar(&validateFormat, "format", "table", "Output format: table or markdown")
	rootCmd.AddCommand(validateCmd)
}

var validateFormat string

var validateCmd = &cobra.Command{
	Use:   "validate DEFINITION",
	Short: "Check a pipeline definition and print its execution plan",
	Long: `Parse a pipeline definition, resolve its services against the configured
providers and compile the engine. Prints the node levels (nodes on one level
can run concurrently) and the stage chain.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	mode, err := format.ParseMode(validateFormat)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := cfg.NewRegistry()
	if err != nil {
		return err
	}

	def, err := definition.Load(args[0])
	if err != nil {
		return err
	}
	built, err := definition.Build(def, reg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pipeline: %s\n", built.Name)
	if def.Description != "" {
		fmt.Fprintf(out, "          %s\n", def.Description)
	}
	if !built.Task.IsZero() {
		fmt.Fprintf(out, "Task:     %s\n", built.Task.Type())
	}

	t := format.NewTable(mode)
	t.Header("Level", "Nodes")
	t.AlignRight(1)
	for i, level := range built.Engine.Stages() {
		t.Row(i, strings.Join(level, ", "))
	}
	fmt.Fprintln(out, t.String())

	names := make([]string, len(built.Stages))
	for i, st := range built.Stages {
		names[i] = st.Name()
	}
	fmt.Fprintf(out, "Stages:   %s\n", strings.Join(names, " → "))
	return nil
}
