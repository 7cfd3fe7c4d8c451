package upstream

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	quotaCooldownBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statrelay_quota_cooldown_blocks_total",
		Help: "Calls rejected locally because an upstream rate-limit cooldown is active",
	})
)

// redis key for the shared rate-limit cooldown marker.
const quotaCooldownKey = "statrelay:quota:cooldown_until"

// defaultCooldown applies when the upstream sent a 429 without a retry hint.
const defaultCooldown = 10 * time.Second

// QuotaGate shares upstream rate-limit cooldowns across processes via Redis.
// The upstream quota is global, so once any process receives a 429 every
// process should stop calling until the hinted retry time.
//
// All operations fail soft: if Redis is unavailable the gate reports no
// cooldown and calls proceed.
type QuotaGate struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewQuotaGate creates a quota gate. A nil Redis client disables sharing;
// the gate then never blocks.
func NewQuotaGate(redisClient *redis.Client, logger zerolog.Logger) *QuotaGate {
	return &QuotaGate{
		redis:  redisClient,
		logger: logger,
	}
}

// CooldownRemaining returns how long the active cooldown still has to run,
// or zero when calls may proceed.
func (g *QuotaGate) CooldownRemaining(ctx context.Context) time.Duration {
	if g.redis == nil {
		return 0
	}

	ttl, err := g.redis.TTL(ctx, quotaCooldownKey).Result()
	if err != nil {
		g.logger.Warn().Err(err).Msg("Quota gate read failed, allowing call")
		return 0
	}
	if ttl <= 0 {
		return 0
	}

	quotaCooldownBlocksTotal.Inc()
	return ttl
}

// RecordRateLimited stores the server-provided retry hint so every process
// sharing this Redis backs off together.
func (g *QuotaGate) RecordRateLimited(ctx context.Context, retryAfter time.Duration) {
	if g.redis == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = defaultCooldown
	}

	if err := g.redis.Set(ctx, quotaCooldownKey, "1", retryAfter).Err(); err != nil {
		g.logger.Warn().Err(err).Msg("Quota gate write failed")
		return
	}

	g.logger.Warn().
		Dur("retry_after", retryAfter).
		Msg("Upstream rate limit recorded, cooldown active")
}
