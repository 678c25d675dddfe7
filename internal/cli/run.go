package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatch service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single distribution cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Cycle(cmd.Context())
		if encErr := printJSON(cmd, report); encErr != nil {
			return encErr
		}
		return err
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
