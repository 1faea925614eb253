package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tutuflow/internal/app/definition"
	"github.com/tutu-network/tutuflow/internal/daemon"
	"github.com/tutu-network/tutuflow/internal/domain"
)

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config and an example pipeline",
	Long: `Create $TUTUFLOW_HOME/config.toml and $TUTUFLOW_HOME/pipeline.yaml.

The example pipeline asks the offline mock provider for the capital of each
"country" field, so it runs without API keys:
  echo '{"country": "France"}' | tutuflow run`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	home := daemon.Home()
	out := cmd.OutOrStdout()

	cfgPath := filepath.Join(home, "config.toml")
	if exists(cfgPath) && !initForce {
		fmt.Fprintf(out, "Keeping %s\n", cfgPath)
	} else {
		if err := daemon.SaveConfig(daemon.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Wrote %s\n", cfgPath)
	}

	defPath := filepath.Join(home, "pipeline.yaml")
	if exists(defPath) && !initForce {
		fmt.Fprintf(out, "Keeping %s\n", defPath)
		return nil
	}
	data, err := examplePipeline().Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(defPath, data, 0644); err != nil {
		return fmt.Errorf("write pipeline: %w", err)
	}
	fmt.Fprintf(out, "Wrote %s\n", defPath)
	return nil
}

func examplePipeline() *definition.Definition {
	return &definition.Definition{
		Name:        "capitals",
		Description: "Ask for the capital of each country.",
		Task: &definition.TaskDef{
			Type: domain.TaskCompletion,
			Dict: map[string]any{domain.KeyInputKeys: []string{"country"}},
		},
		Services: []definition.ServiceDef{
			{Name: "default", Provider: "mock", Model: "echo", Params: map[string]any{"max_tokens": 64}},
		},
		Nodes: []definition.NodeDef{
			{Name: "extracter", Type: definition.NodeExtracter},
			{Name: "prompts", Type: definition.NodePromptTemplate, Inputs: []string{"/extracter"},
				Template: "What is the capital of {{ country }}?"},
			{Name: "llm", Type: definition.NodeLLMGenerate, Inputs: []string{"/prompts"}},
		},
		Handlers: []definition.HandlerDef{
			{Inputs: []string{"/llm"}},
		},
		Stages: []definition.StageDef{
			{Type: definition.StageDeserialize, BatchSize: 32},
			{Type: definition.StageEngine},
			{Type: definition.StageSerialize, Exclude: []string{"^_"}},
		},
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
