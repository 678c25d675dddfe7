package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the credit usage of the current day and month",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().QuotaStatus(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	},
}

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Print the spending plan derived from the quota configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := getApp().Budget()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "monthly limit\t%d\n", b.MonthlyLimit)
		fmt.Fprintf(w, "daily target\t%d\n", b.DailyTarget)
		fmt.Fprintf(w, "priority reserve\t%d\n", b.PriorityReserve)
		fmt.Fprintf(w, "general cap\t%d\n", b.GeneralCap())
		fmt.Fprintf(w, "priority symbols\t%s\n", strings.Join(b.PrioritySymbols(), ","))
		return w.Flush()
	},
}

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "List feature flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := getApp().Flags()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "Name\tEnabled\tRollout\tValue\tDescription")
		for _, f := range list {
			rollout := "100"
			if f.Rollout != nil {
				rollout = fmt.Sprint(*f.Rollout)
			}
			value := ""
			if f.Value != nil {
				value = fmt.Sprint(f.Value)
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", f.Name, f.Enabled, rollout, value, f.Description)
		}
		return w.Flush()
	},
}
