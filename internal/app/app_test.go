package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opportunity-dispatch/internal/budget"
	"opportunity-dispatch/internal/config"
	"opportunity-dispatch/internal/distribution"
	"opportunity-dispatch/internal/flags"
	"opportunity-dispatch/internal/storage"
)

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Store:        config.StoreConfig{Backend: config.BackendMemory},
		Distribution: distribution.DefaultConfig(),
		Quota:        budget.Config{MonthlyLimit: 10000, ReserveFraction: 0.3, PrioritySymbols: []string{"BTC"}},
		Provider:     config.ProviderConfig{Name: "coinmarketcap"},
		Delivery:     config.DeliveryConfig{Sink: config.SinkLog},
		Export:       config.ExportConfig{MaxDays: 30},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestSimulateRespectsCooldown(t *testing.T) {
	a := testApp(t)

	res, err := a.Simulate(context.Background(), SimulateOptions{Users: 3, Opportunities: 1, Cycles: 3, Step: time.Minute})
	require.NoError(t, err)

	require.Len(t, res.Cycles, 3)
	assert.Equal(t, 3, res.Cycles[0].Delivered)
	assert.Equal(t, 1, res.Cycles[1].Skipped)
	assert.Equal(t, 1, res.Cycles[2].Skipped)
	assert.Equal(t, 3, res.Delivered)
	for user, n := range res.PerUser {
		assert.Equal(t, 1, n, user)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSimulation(&buf, res))
	assert.Contains(t, buf.String(), "sim-user-001")
}

func TestSimulateSpreadsDeliveriesUnderParticipantLimit(t *testing.T) {
	a := testApp(t)
	a.Config.Distribution.Fairness.MaxParticipants = 2
	a.Config.Distribution.Fairness.Cooldown = 0

	res, err := a.Simulate(context.Background(), SimulateOptions{Users: 4, Opportunities: 2, Cycles: 1})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Delivered)
	for user, n := range res.PerUser {
		assert.Equal(t, 1, n, user)
	}
}

func TestSimulateRejectsEmptyRun(t *testing.T) {
	_, err := testApp(t).Simulate(context.Background(), SimulateOptions{})
	assert.Error(t, err)
}

func TestQuoteCacheTTLFollowsFlag(t *testing.T) {
	def := 3 * time.Minute

	assert.Equal(t, def, quoteCacheTTL(flags.NewManager(flags.NewSet()), def))
	assert.Equal(t, 180*time.Second, quoteCacheTTL(flags.NewManager(flags.Defaults()), def))

	override := flags.NewManager(flags.NewSet(flags.Flag{Name: flags.QuoteCaching, Enabled: true, Value: map[string]any{"ttl_seconds": 30}}))
	assert.Equal(t, 30*time.Second, quoteCacheTTL(override, def))

	off := flags.NewManager(flags.NewSet(flags.Flag{Name: flags.QuoteCaching, Enabled: false}))
	assert.Equal(t, time.Nanosecond, quoteCacheTTL(off, def))
}

func TestCacheTTLSourceSeesFlagReplace(t *testing.T) {
	fm := flags.NewManager(flags.Defaults())
	ttl := cacheTTLSource(fm, time.Minute)
	assert.Equal(t, 180*time.Second, ttl())

	fm.Replace(flags.NewSet(flags.Flag{Name: flags.QuoteCaching, Enabled: true, Value: map[string]any{"ttl_seconds": 45}}))
	assert.Equal(t, 45*time.Second, ttl())

	fm.Replace(flags.NewSet(flags.Flag{Name: flags.QuoteCaching, Enabled: false}))
	assert.Equal(t, time.Nanosecond, ttl())
}

func TestBudgetAndFlags(t *testing.T) {
	a := testApp(t)

	b, err := a.Budget()
	require.NoError(t, err)
	assert.Equal(t, 333, b.DailyTarget)
	assert.Equal(t, 99, b.PriorityReserve)

	list, err := a.Flags()
	require.NoError(t, err)
	assert.Equal(t, flags.Defaults().Len(), len(list))
}

func TestCommandsRequireDatabase(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	assert.Error(t, a.Export(ctx, ExportOptions{CSVPath: filepath.Join(t.TempDir(), "q.csv")}))
	assert.Error(t, a.Export(ctx, ExportOptions{}))
	assert.Error(t, a.Show(ctx, &bytes.Buffer{}, ShowOptions{Limit: 5}))
	assert.Error(t, a.Subscribe(ctx, []string{"u1"}, true))
	_, err := a.Cycle(ctx)
	assert.Error(t, err)
}

func TestQuotaStatusOnFreshStore(t *testing.T) {
	report, err := testApp(t).QuotaStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.DayUsed)
	assert.Equal(t, 333, report.DailyRemaining)
	assert.Equal(t, 10000, report.MonthlyRemaining)
	assert.Equal(t, 234, report.GeneralCap)
}

func TestWriteSnapshotsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "quota.csv")
	day := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	snaps := []storage.QuotaSnapshot{{
		Provider:     "coinmarketcap",
		Day:          day,
		DayUsed:      120,
		PriorityUsed: 40,
		MonthUsed:    900,
		DailyTarget:  333,
		MonthlyLimit: 10000,
		RecordedAt:   day.Add(23 * time.Hour),
	}}
	require.NoError(t, writeSnapshotsCSV(path, snaps))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "day", rows[0][0])
	assert.Equal(t, []string{"2025-03-04", "coinmarketcap", "120", "40", "80", "900", "333", "10000", "2025-03-04T23:00:00Z"}, rows[1])
}
