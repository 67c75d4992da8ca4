package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/api"
)

var rollbackFlags struct {
	steps []string
	force bool
	by    string
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <task-id>",
	Short: "Roll completed steps back from their checkpoints",
	Long: `Restores resources touched by completed steps to their pre-execution
snapshots, newest first. Without --step the whole task is rolled back.
Irreversible steps are reported as failed without touching their resources;
changed-underneath resources are reported as conflicts unless --force.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.RollbackRequest{
			StepIDs:     rollbackFlags.steps,
			Force:       rollbackFlags.force,
			PerformedBy: rollbackFlags.by,
		}
		var records []*api.RollbackRecord
		if err := postJSON("/v1/tasks/"+args[0]+"/rollback", &req, &records); err != nil {
			return err
		}
		return printJSON(records)
	},
}

var rollbacksCmd = &cobra.Command{
	Use:   "rollbacks <task-id>",
	Short: "List rollback records for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var records []*api.RollbackRecord
		if err := getJSON("/v1/tasks/"+args[0]+"/rollbacks", &records); err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No rollbacks.")
			return nil
		}
		return printJSON(records)
	},
}

func init() {
	rollbackCmd.Flags().StringSliceVar(&rollbackFlags.steps, "step", nil, "step id to roll back, repeatable")
	rollbackCmd.Flags().BoolVar(&rollbackFlags.force, "force", false, "restore even if the resource changed since the step ran")
	rollbackCmd.Flags().StringVar(&rollbackFlags.by, "by", "operator", "who is performing the rollback")

	rootCmd.AddCommand(rollbackCmd, rollbacksCmd)
}
