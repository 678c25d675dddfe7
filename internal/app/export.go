package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"opportunity-dispatch/internal/storage"
)

// Export renders the daily credit history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxDays = a.Config.ResolveDays(opts.MaxDays)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, 0, -opts.MaxDays)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snaps, err := store.ListQuotaSnapshotsBetween(ctx, a.Config.Provider.Name, from, to)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Msg("no quota snapshots found for export window")
		return nil
	}
	a.Logger.Info().Int("days", len(snaps)).Msg("exporting quota history")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, snaps); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, snaps); err != nil {
			return err
		}
	}

	return nil
}

func writeSnapshotsCSV(path string, snaps []storage.QuotaSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "provider", "day_used", "priority_used", "general_used", "month_used", "daily_target", "monthly_limit", "recorded_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range snaps {
		record := []string{
			s.Day.Format("2006-01-02"),
			s.Provider,
			strconv.Itoa(s.DayUsed),
			strconv.Itoa(s.PriorityUsed),
			strconv.Itoa(s.DayUsed - s.PriorityUsed),
			strconv.Itoa(s.MonthUsed),
			strconv.Itoa(s.DailyTarget),
			strconv.Itoa(s.MonthlyLimit),
			s.RecordedAt.Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSnapshotsPNG(path string, snaps []storage.QuotaSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snaps))
	used := make([]float64, len(snaps))
	priority := make([]float64, len(snaps))
	target := make([]float64, len(snaps))
	month := make([]float64, len(snaps))

	for i, s := range snaps {
		x[i] = s.Day
		used[i] = float64(s.DayUsed)
		priority[i] = float64(s.PriorityUsed)
		target[i] = float64(s.DailyTarget)
		month[i] = float64(s.MonthUsed)
	}

	creditFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Credits per day",
			ValueFormatter: creditFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Credits this month",
			ValueFormatter: creditFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Used",
				XValues: x,
				YValues: used,
			},
			chart.TimeSeries{
				Name:    "Priority",
				XValues: x,
				YValues: priority,
			},
			chart.TimeSeries{
				Name:    "Daily target",
				XValues: x,
				YValues: target,
			},
			chart.TimeSeries{
				Name:    "Month to date",
				XValues: x,
				YValues: month,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
