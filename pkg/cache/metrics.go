package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TierHits tracks cache hits by tier (l1, l2) and freshness.
	TierHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statrelay_cache_tier_hits_total",
			Help: "Cache hits by tier and freshness",
		},
		[]string{"tier", "freshness"},
	)

	// TierMisses tracks cache misses by tier and reason.
	TierMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statrelay_cache_tier_misses_total",
			Help: "Cache misses by tier and reason (absent, expired, error, suppressed)",
		},
		[]string{"tier", "reason"},
	)

	// TierErrors tracks storage errors by tier and operation.
	TierErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statrelay_cache_tier_errors_total",
			Help: "Cache storage errors by tier and operation",
		},
		[]string{"tier", "operation"},
	)

	// Backfills tracks opportunistic L1 backfills from L2 hits.
	Backfills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statrelay_cache_backfills_total",
			Help: "L1 backfills triggered by L2 hits, by outcome",
		},
		[]string{"outcome"},
	)

	// AdaptiveTTLSeconds reports the TTL currently applied to new L1 writes.
	AdaptiveTTLSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "statrelay_cache_adaptive_ttl_seconds",
			Help: "Adaptive TTL currently applied to new L1 entries",
		},
	)

	// PurgedRows tracks expired rows removed from the durable tier.
	PurgedRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "statrelay_cache_purged_rows_total",
			Help: "Expired rows deleted from the durable tier",
		},
	)
)
