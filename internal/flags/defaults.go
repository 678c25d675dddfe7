package flags

// Flag names read by the dispatcher.
const (
	DistributionEnabled        = "distribution.enabled"
	DistributionRefreshQuotes  = "distribution.refresh_quotes"
	DistributionMaxParticipant = "distribution.max_participants"
	MinRateThreshold           = "opportunity_engine.min_rate_threshold"
	QuoteCaching               = "caching.aggressive_ticker_caching"
	DetailedMetrics            = "monitoring.detailed_metrics"
)

// Defaults is the built-in flag set used when no flags file is configured.
func Defaults() Set {
	return NewSet(
		Flag{Name: DistributionEnabled, Enabled: true, Description: "Run distribution cycles on each tick"},
		Flag{Name: DistributionRefreshQuotes, Enabled: false, Description: "Refresh the symbol quote before delivering an opportunity"},
		Flag{Name: MinRateThreshold, Enabled: true, Value: 0.05, Description: "Minimum margin (percent) for an opportunity to be delivered"},
		Flag{Name: QuoteCaching, Enabled: true, Value: map[string]any{"ttl_seconds": 180}, Description: "Serve provider quotes from cache while fresh"},
		Flag{Name: DetailedMetrics, Enabled: true, Description: "Export per-symbol credit series (dispatch_quota_symbol_credits_total)"},
	)
}
