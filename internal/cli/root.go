package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantryhq/gantry/internal/api"
	"github.com/gantryhq/gantry/internal/version"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Operator CLI for the gantry task daemon",
	Long: `Gantry plans multi-step tasks, gates sensitive steps behind operator
approval, and can roll completed steps back from checkpoints. This CLI talks
to a running gantryd over its HTTP API.`,
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (%s)", version.Version, version.Commit)
	rootCmd.SetVersionTemplate("gantry version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr",
		fmt.Sprintf("%s:%d", api.DefaultHost, api.DefaultPort), "gantryd address")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
