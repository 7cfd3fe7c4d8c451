package cache

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AdaptiveTTLConfig tunes how the L1 TTL reacts to memory pressure.
type AdaptiveTTLConfig struct {
	Min      time.Duration
	Max      time.Duration
	Fallback time.Duration

	// MaxBytes caps assumed Redis memory when the server reports no
	// maxmemory limit.
	MaxBytes int64

	// TargetUtilization is the share of MaxBytes the cache aims to stay
	// under.
	TargetUtilization float64

	// SafetyFactor shrinks the projected time-to-target to leave headroom
	// for estimation error.
	SafetyFactor float64
}

// memorySample is one observation of Redis memory state.
type memorySample struct {
	usedBytes   int64
	maxBytes    int64
	evictedKeys int64
	sampledAt   time.Time
}

// AdaptiveTTL holds the process-wide TTL applied to new L1 writes. One
// background task recomputes it on an interval; writers read it lock-free.
// Entries already written keep whatever TTL was active when they were cached.
type AdaptiveTTL struct {
	cfg    AdaptiveTTLConfig
	redis  *redis.Client
	logger zerolog.Logger

	current atomic.Int64 // nanoseconds

	mu         sync.Mutex
	lastSample *memorySample
}

// NewAdaptiveTTL creates the TTL state initialized to the fallback value.
func NewAdaptiveTTL(cfg AdaptiveTTLConfig, redisClient *redis.Client, logger zerolog.Logger) *AdaptiveTTL {
	a := &AdaptiveTTL{
		cfg:    cfg,
		redis:  redisClient,
		logger: logger,
	}
	a.store(cfg.Fallback)
	return a
}

// Current returns the TTL to apply to the next L1 write.
func (a *AdaptiveTTL) Current() time.Duration {
	return time.Duration(a.current.Load())
}

// Recompute samples Redis memory state and derives a new TTL: shrink toward
// the minimum under memory pressure, grow toward the maximum otherwise,
// always clamped to the configured bounds. Any sampling failure falls back
// to the fallback TTL.
func (a *AdaptiveTTL) Recompute(ctx context.Context) {
	if a.redis == nil {
		a.store(a.cfg.Fallback)
		return
	}

	info, err := a.redis.Info(ctx, "memory").Result()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Redis memory info failed, using fallback TTL")
		a.store(a.cfg.Fallback)
		return
	}

	sample := parseMemoryInfo(info, a.cfg.MaxBytes, time.Now())
	if sample == nil {
		a.store(a.cfg.Fallback)
		return
	}

	a.mu.Lock()
	prev := a.lastSample
	a.lastSample = sample
	a.mu.Unlock()

	ttl := a.cfg.Fallback
	if sample.maxBytes > 0 {
		target := float64(sample.maxBytes) * a.cfg.TargetUtilization
		headroom := target - float64(sample.usedBytes)
		if headroom <= 0 {
			ttl = a.cfg.Min
		} else if prev != nil {
			elapsed := sample.sampledAt.Sub(prev.sampledAt).Seconds()
			delta := float64(sample.usedBytes - prev.usedBytes)
			if elapsed > 0 && delta > 0 {
				growthPerSecond := delta / elapsed
				timeToTarget := time.Duration(headroom / growthPerSecond * float64(time.Second))
				ttl = time.Duration(float64(timeToTarget) * a.cfg.SafetyFactor)
			}
		}
	}

	ttl = a.clamp(ttl)

	// Evictions since the last sample mean the estimate was optimistic;
	// halve the TTL to shed load faster.
	if prev != nil && sample.evictedKeys > prev.evictedKeys {
		ttl = a.clamp(ttl / 2)
	}

	a.store(ttl)
	a.logger.Debug().
		Dur("ttl", ttl).
		Int64("used_bytes", sample.usedBytes).
		Int64("max_bytes", sample.maxBytes).
		Msg("Adaptive TTL recomputed")
}

func (a *AdaptiveTTL) clamp(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return a.cfg.Fallback
	}
	if ttl < a.cfg.Min {
		return a.cfg.Min
	}
	if ttl > a.cfg.Max {
		return a.cfg.Max
	}
	return ttl
}

func (a *AdaptiveTTL) store(ttl time.Duration) {
	a.current.Store(int64(ttl))
	AdaptiveTTLSeconds.Set(ttl.Seconds())
}

var (
	usedMemoryRe  = regexp.MustCompile(`used_memory:(\d+)`)
	maxMemoryRe   = regexp.MustCompile(`maxmemory:(\d+)`)
	evictedKeysRe = regexp.MustCompile(`evicted_keys:(\d+)`)
)

// parseMemoryInfo extracts the fields the TTL heuristic needs from a Redis
// INFO memory block. Returns nil when used_memory is absent.
func parseMemoryInfo(info string, fallbackMaxBytes int64, sampledAt time.Time) *memorySample {
	usedMatch := usedMemoryRe.FindStringSubmatch(info)
	if usedMatch == nil {
		return nil
	}
	used, err := strconv.ParseInt(usedMatch[1], 10, 64)
	if err != nil {
		return nil
	}

	var maxBytes int64
	if m := maxMemoryRe.FindStringSubmatch(info); m != nil {
		maxBytes, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if maxBytes <= 0 {
		maxBytes = fallbackMaxBytes
	}

	var evicted int64
	if m := evictedKeysRe.FindStringSubmatch(info); m != nil {
		evicted, _ = strconv.ParseInt(m[1], 10, 64)
	}

	return &memorySample{
		usedBytes:   used,
		maxBytes:    maxBytes,
		evictedKeys: evicted,
		sampledAt:   sampledAt,
	}
}
