package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/api"
)

var submitFlags struct {
	priority      int
	owner         string
	onStepFailure string
	inFlightLimit int
}

var submitCmd = &cobra.Command{
	Use:   "submit <request...>",
	Short: "Submit a task for planning and execution",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.SubmitTaskRequest{
			Request:       strings.Join(args, " "),
			Priority:      submitFlags.priority,
			Owner:         submitFlags.owner,
			OnStepFailure: api.FailurePolicy(submitFlags.onStepFailure),
			InFlightLimit: submitFlags.inFlightLimit,
		}
		var task api.Task
		if err := postJSON("/v1/tasks", &req, &task); err != nil {
			return err
		}
		return printJSON(&task)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task with its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task api.Task
		if err := getJSON("/v1/tasks/"+args[0], &task); err != nil {
			return err
		}
		return printJSON(&task)
	},
}

var listFlags struct {
	limit int
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/tasks"
		if listFlags.limit > 0 {
			path = fmt.Sprintf("%s?limit=%d", path, listFlags.limit)
		}
		var tasks []*api.Task
		if err := getJSON(path, &tasks); err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		fmt.Printf("%-36s  %-10s  %-4s  %s\n", "ID", "STATUS", "PRI", "REQUEST")
		for _, t := range tasks {
			req := t.Request
			if len(req) > 60 {
				req = req[:57] + "..."
			}
			fmt.Printf("%-36s  %-10s  %-4d  %s\n", t.ID, t.Status, t.Priority, req)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := postText("/v1/tasks/" + args[0] + "/cancel")
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	submitCmd.Flags().IntVar(&submitFlags.priority, "priority", 0, "scheduling priority, higher runs sooner")
	submitCmd.Flags().StringVar(&submitFlags.owner, "owner", "", "task owner")
	submitCmd.Flags().StringVar(&submitFlags.onStepFailure, "on-step-failure", "", "failure policy: skip_dependents or fail_task")
	submitCmd.Flags().IntVar(&submitFlags.inFlightLimit, "in-flight-limit", 0, "max concurrent steps for this task")
	listCmd.Flags().IntVar(&listFlags.limit, "limit", 0, "max tasks to return")

	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, cancelCmd)
}
