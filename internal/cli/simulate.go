package cli

import (
	"time"

	"github.com/spf13/cobra"

	"opportunity-dispatch/internal/app"
)

var (
	simulateUsers  int
	simulateOpps   int
	simulateCycles int
	simulateStep   time.Duration
	simulateSymbol string
	simulateMargin float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在内存中模拟分发流程并打印每个用户的推送次数",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Users:         simulateUsers,
			Opportunities: simulateOpps,
			Cycles:        simulateCycles,
			Step:          simulateStep,
			Symbol:        simulateSymbol,
			MarginPct:     simulateMargin,
		})
		if err != nil {
			return err
		}
		return app.WriteSimulation(cmd.OutOrStdout(), res)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateUsers, "users", 10, "模拟用户数")
	simulateCmd.Flags().IntVar(&simulateOpps, "opportunities", 1, "每轮注入的机会数")
	simulateCmd.Flags().IntVar(&simulateCycles, "cycles", 5, "模拟轮数")
	simulateCmd.Flags().DurationVar(&simulateStep, "step", 0, "每轮之间的模拟时间间隔 (默认使用 distribution.interval)")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTC", "币种")
	simulateCmd.Flags().Float64Var(&simulateMargin, "margin", 0.5, "价差百分比")
}
