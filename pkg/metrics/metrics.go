// Package metrics provides the centralized Prometheus registry reference for
// the proxy. All metrics are defined in their respective packages (upstream,
// cache, resolver) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Upstream Metrics (pkg/upstream):
//   - statrelay_upstream_requests_total{status} (Counter): Upstream requests by HTTP status
//   - statrelay_upstream_request_duration_seconds (Histogram): Upstream request duration
//   - statrelay_upstream_errors_total{kind} (Counter): Upstream errors by kind (auth, rate_limited, transient, empty_payload)
//   - statrelay_upstream_retries_total (Counter): Transient-failure retries
//   - statrelay_upstream_retry_backoff_seconds (Histogram): Backoff applied before the single retry
//   - statrelay_breaker_state (Gauge): Circuit breaker state (0 closed, 1 half_open, 2 open)
//   - statrelay_breaker_transitions_total{to} (Counter): Breaker state transitions by target state
//   - statrelay_breaker_rejections_total (Counter): Calls rejected while the breaker was open
//   - statrelay_quota_cooldown_blocks_total (Counter): Calls rejected locally during a shared 429 cooldown
//   - statrelay_profile_requests_total{status} (Counter): Profile API name lookups by status
//
// Cache Metrics (pkg/cache):
//   - statrelay_cache_tier_hits_total{tier, freshness} (Counter): Hits by tier and fresh/stale
//   - statrelay_cache_tier_misses_total{tier, reason} (Counter): Misses by tier and absent/expired
//   - statrelay_cache_tier_errors_total{tier, operation} (Counter): Tier operation errors
//   - statrelay_cache_backfills_total{outcome} (Counter): L1 backfills triggered by L2 hits
//   - statrelay_cache_adaptive_ttl_seconds (Gauge): TTL currently applied to new L1 entries
//   - statrelay_cache_purged_rows_total (Counter): Expired rows deleted from the durable tier
//   - statrelay_cache_l2_gate_suppressions_total (Counter): L2 reads suppressed during L1 outage
//
// Resolver Metrics (pkg/resolver):
//   - statrelay_resolver_resolutions_total{outcome} (Counter): Resolutions by outcome (fresh, stale, network, nicked, invalid, error)
//   - statrelay_resolver_singleflight_shared_total (Counter): Resolutions that joined an in-flight fetch
//   - statrelay_resolver_memo_hits_total (Counter): Resolutions served from the short-horizon memo
//   - statrelay_resolver_refreshes_total{outcome} (Counter): Background refreshes by outcome (ok, revalidated, deduped, dropped, error)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(statrelay_cache_tier_hits_total[5m])) /
//   (sum(rate(statrelay_cache_tier_hits_total[5m])) + sum(rate(statrelay_cache_tier_misses_total[5m])))
//
//   # Breaker Open
//   statrelay_breaker_state == 2
//
//   # Upstream Error Rate
//   rate(statrelay_upstream_errors_total[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(statrelay_upstream_request_duration_seconds_bucket[5m]))
//
//   # Revalidation Rate
//   rate(statrelay_resolver_refreshes_total{outcome="revalidated"}[5m]) /
//   rate(statrelay_resolver_refreshes_total[5m])
