package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/api"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approval requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var reqs []*api.ApprovalRequest
		if err := getJSON("/v1/approvals?pending=1", &reqs); err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}
		for _, r := range reqs {
			fmt.Printf("%s  task=%s  step=%s  expires=%s\n", r.ID, r.TaskID, r.StepID, r.ExpiresAt)
			fmt.Printf("  %s\n", r.Preview)
		}
		return nil
	},
}

var decideFlags struct {
	by        string
	rationale string
	params    string
}

func decideCmd(decision api.Decision, use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.DecideRequest{
				Decision:  decision,
				DecidedBy: decideFlags.by,
				Rationale: decideFlags.rationale,
			}
			if decideFlags.params != "" {
				if !json.Valid([]byte(decideFlags.params)) {
					return fmt.Errorf("--params must be valid JSON")
				}
				req.Params = json.RawMessage(decideFlags.params)
			}
			var resolved api.ApprovalRequest
			if err := postJSON("/v1/approvals/"+args[0]+"/decide", &req, &resolved); err != nil {
				return err
			}
			return printJSON(&resolved)
		},
	}
	cmd.Flags().StringVar(&decideFlags.by, "by", "operator", "who is deciding")
	cmd.Flags().StringVar(&decideFlags.rationale, "rationale", "", "decision rationale")
	if decision == api.DecisionApproved {
		cmd.Flags().StringVar(&decideFlags.params, "params", "", "JSON params override applied to the step")
	}
	return cmd
}

func init() {
	rootCmd.AddCommand(
		approvalsCmd,
		decideCmd(api.DecisionApproved, "approve", "Approve a pending request"),
		decideCmd(api.DecisionRejected, "reject", "Reject a pending request"),
	)
}
