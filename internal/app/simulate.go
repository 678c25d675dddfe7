package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"opportunity-dispatch/internal/delivery"
	"opportunity-dispatch/internal/distribution"
	"opportunity-dispatch/internal/flags"
	"opportunity-dispatch/internal/kvstore"
	"opportunity-dispatch/internal/opportunity"
)

// SimulateOptions describe a synthetic dispatch run.
type SimulateOptions struct {
	Users         int
	Opportunities int
	Cycles        int
	Step          time.Duration
	Symbol        string
	MarginPct     float64
}

// SimulationResult 汇总模拟结果。
type SimulationResult struct {
	Cycles    []distribution.CycleReport
	PerUser   map[string]int
	Delivered int
}

// Simulate 在内存中运行完整的分发流程，使用当前配置的公平性规则与特性开关，
// 但不会触碰外部存储或推送渠道。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (SimulationResult, error) {
	if opts.Users <= 0 || opts.Opportunities <= 0 || opts.Cycles <= 0 {
		return SimulationResult{}, errors.New("--users、--opportunities 与 --cycles 必须大于 0")
	}
	if opts.Step <= 0 {
		opts.Step = a.Config.Distribution.Interval
	}
	if opts.Symbol == "" {
		opts.Symbol = "BTC"
	}
	if opts.MarginPct <= 0 {
		opts.MarginPct = 0.5
	}

	fm, err := flags.Load(a.Config.Flags.Path)
	if err != nil {
		return SimulationResult{}, err
	}

	users := make([]string, opts.Users)
	for i := range users {
		users[i] = fmt.Sprintf("sim-user-%03d", i+1)
	}

	st := &stack{flags: fm, kv: kvstore.NewMemory()}
	source := distribution.NewMemorySource()
	if err := a.assemble(st, source, distribution.StaticDirectory(users), delivery.NewLogSink(a.Logger)); err != nil {
		return SimulationResult{}, err
	}

	buy := decimal.NewFromInt(100)
	sell := buy.Mul(decimal.NewFromFloat(opts.MarginPct).Div(decimal.NewFromInt(100)).Add(decimal.NewFromInt(1)))

	result := SimulationResult{PerUser: make(map[string]int, len(users))}
	start := time.Now().UTC()
	for c := 0; c < opts.Cycles; c++ {
		now := start.Add(time.Duration(c) * opts.Step)
		for i := 0; i < opts.Opportunities; i++ {
			opp, err := opportunity.New(opts.Symbol, "sim-buy", "sim-sell", buy, sell, now)
			if err != nil {
				return result, err
			}
			source.Add(opp)
		}

		report, err := st.distributor.RunCycle(ctx, now)
		result.Cycles = append(result.Cycles, report)
		result.Delivered += report.Delivered
		if err != nil {
			return result, err
		}
	}

	end := start.Add(time.Duration(opts.Cycles-1) * opts.Step)
	for _, u := range users {
		state, err := st.evaluator.State(ctx, u)
		if err != nil {
			return result, err
		}
		result.PerUser[u] = state.DayCount(end)
	}
	return result, nil
}

// WriteSimulation renders a simulation result as two tables.
func WriteSimulation(out io.Writer, res SimulationResult) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Cycle\tProcessed\tDelivered\tFailed\tSkipped\tExpired\tDeferred")
	for i, r := range res.Cycles {
		fmt.Fprintf(writer, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n", i+1, r.Processed, r.Delivered, r.Failed, r.Skipped, r.Expired, r.Deferred)
	}
	fmt.Fprintln(writer)

	users := make([]string, 0, len(res.PerUser))
	for u := range res.PerUser {
		users = append(users, u)
	}
	sort.Strings(users)

	fmt.Fprintln(writer, "User\tDeliveries (24h)")
	for _, u := range users {
		fmt.Fprintf(writer, "%s\t%d\n", u, res.PerUser[u])
	}
	fmt.Fprintf(writer, "total\t%d\n", res.Delivered)
	return writer.Flush()
}
