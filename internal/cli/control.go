package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/api"
)

func taskVerbCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := postText("/v1/tasks/" + args[0] + "/" + verb)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

var stepCmd = &cobra.Command{
	Use:   "step <task-id>",
	Short: "Execute a single step of a taken-over task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var step api.Step
		if err := postJSON("/v1/tasks/"+args[0]+"/step", nil, &step); err != nil {
			return err
		}
		return printJSON(&step)
	},
}

var guidanceCmd = &cobra.Command{
	Use:   "guide <task-id> <guidance...>",
	Short: "Inject guidance text for subsequent steps",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.GuidanceRequest{Guidance: strings.Join(args[1:], " ")}
		if err := postJSON("/v1/tasks/"+args[0]+"/guidance", &req, nil); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(
		taskVerbCmd("pause", "Pause a running task at the next step boundary"),
		taskVerbCmd("resume", "Resume a paused task"),
		taskVerbCmd("takeover", "Take manual control of a task"),
		taskVerbCmd("return", "Return a taken-over task to autonomous execution"),
		stepCmd,
		guidanceCmd,
	)
}
