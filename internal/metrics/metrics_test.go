package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opportunity-dispatch/internal/distribution"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordDebit("coinmarketcap", "BTC", "accepted", 3)
	r.RecordDebit("coinmarketcap", "ETH", "accepted", 2)
	r.RecordDebit("coinmarketcap", "DOGE", "denied_daily", 1)
	r.SetQuotaUsage("coinmarketcap", "daily", 5, 333)
	r.ObserveCycle(distribution.CycleReport{Processed: 2, Delivered: 3, Failed: 1}, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.quotaDebits.WithLabelValues("coinmarketcap", "accepted")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.quotaCredits.WithLabelValues("coinmarketcap", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.quotaDebits.WithLabelValues("coinmarketcap", "denied_daily")))
	assert.Equal(t, 333.0, testutil.ToFloat64(r.quotaLimit.WithLabelValues("coinmarketcap", "daily")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.opportunities.WithLabelValues("processed")))
	assert.Zero(t, testutil.CollectAndCount(r.symbolCredits), "per-symbol series are off by default")
}

func TestRecorderSymbolSeriesFollowSwitch(t *testing.T) {
	r := New(prometheus.NewRegistry())
	detailed := true
	r.SetDetailed(func() bool { return detailed })

	r.RecordDebit("coinmarketcap", "BTC", "accepted", 3)
	r.RecordDebit("coinmarketcap", "BTC", "overage", 2)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.symbolCredits.WithLabelValues("coinmarketcap", "BTC", "accepted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.symbolCredits.WithLabelValues("coinmarketcap", "BTC", "overage")))

	detailed = false
	r.RecordDebit("coinmarketcap", "ETH", "accepted", 5)
	assert.Equal(t, 2, testutil.CollectAndCount(r.symbolCredits))
}

func TestServerEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	r.RecordDebit("coinmarketcap", "BTC", "accepted", 1)

	status := func(context.Context) (any, error) {
		return map[string]int{"daily_remaining": 332}, nil
	}
	srv := NewServer(":0", reg, status, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dispatch_quota_debits_total"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quota", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"daily_remaining":332`)
}

func TestQuotaEndpointReportsStoreError(t *testing.T) {
	srv := NewServer(":0", prometheus.NewRegistry(), func(context.Context) (any, error) {
		return nil, errors.New("store unavailable")
	}, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/quota", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
