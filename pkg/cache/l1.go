package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/statrelay/statrelay/pkg/stats"
)

// ErrUnavailable reports that a cache tier's backing store failed, as
// opposed to a negative lookup. Callers degrade it to a miss but may count
// it toward backoff decisions.
var ErrUnavailable = errors.New("cache tier unavailable")

// TierL1 is the fast volatile cache tier backed by Redis. Reads and writes
// never propagate storage failures as anything other than ErrUnavailable;
// a missing key is a plain miss.
type TierL1 struct {
	redis       *redis.Client
	ttl         *AdaptiveTTL
	staleWindow time.Duration
	logger      zerolog.Logger
}

// NewTierL1 creates the fast tier. New entries get the adaptive TTL current
// at write time.
func NewTierL1(redisClient *redis.Client, ttl *AdaptiveTTL, staleWindow time.Duration, logger zerolog.Logger) *TierL1 {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &TierL1{
		redis:       redisClient,
		ttl:         ttl,
		staleWindow: staleWindow,
		logger:      logger,
	}
}

// Get retrieves a fresh entry. Stale and expired entries are treated as
// misses (expired ones are purged).
func (t *TierL1) Get(ctx context.Context, key string) (*Entry, error) {
	swr, err := t.GetWithSWR(ctx, key)
	if err != nil || swr == nil {
		return nil, err
	}
	if swr.IsStale {
		return nil, nil
	}
	return &swr.Entry, nil
}

// GetWithSWR retrieves an entry with its three-way freshness classification.
// Fresh and stale entries are returned; expired-beyond-window entries are
// purged and reported as misses.
func (t *TierL1) GetWithSWR(ctx context.Context, key string) (*SWREntry, error) {
	data, err := t.redis.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		TierMisses.WithLabelValues("l1", "absent").Inc()
		return nil, nil
	}
	if err != nil {
		TierErrors.WithLabelValues("l1", "get").Inc()
		return nil, fmt.Errorf("%w: redis get: %v", ErrUnavailable, err)
	}

	entry, err := t.decode(ctx, key, data)
	if err != nil || entry == nil {
		return nil, err
	}

	return t.classify(ctx, key, entry), nil
}

// GetMany retrieves several keys in one MGET round trip, preserving the
// per-key freshness classification. Keys absent from the result are misses.
func (t *TierL1) GetMany(ctx context.Context, keys []string) (map[string]*SWREntry, error) {
	result := make(map[string]*SWREntry, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = redisKey(key)
	}

	values, err := t.redis.MGet(ctx, redisKeys...).Result()
	if err != nil {
		TierErrors.WithLabelValues("l1", "mget").Inc()
		return nil, fmt.Errorf("%w: redis mget: %v", ErrUnavailable, err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			TierMisses.WithLabelValues("l1", "absent").Inc()
			continue
		}

		entry, err := t.decode(ctx, keys[i], []byte(raw))
		if err != nil || entry == nil {
			continue
		}

		if swr := t.classify(ctx, keys[i], entry); swr != nil {
			result[keys[i]] = swr
		}
	}

	return result, nil
}

// Set writes an entry with the current adaptive TTL. The Redis expiry covers
// the stale window on top of the logical TTL so stale-but-servable entries
// remain readable.
func (t *TierL1) Set(ctx context.Context, key string, value *stats.Minimal, meta Metadata) error {
	ttl := t.ttl.Current()
	now := time.Now()

	entry := Entry{
		Value:        value,
		CachedAt:     now,
		ExpiresAt:    now.Add(ttl),
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		Source:       meta.Source,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		TierErrors.WithLabelValues("l1", "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := t.redis.Set(ctx, redisKey(key), data, ttl+t.staleWindow).Err(); err != nil {
		TierErrors.WithLabelValues("l1", "set").Inc()
		return fmt.Errorf("%w: redis set: %v", ErrUnavailable, err)
	}
	return nil
}

// SetEntry writes a pre-built entry, keeping its original timestamps. Used
// when backfilling from the durable tier so the entry's freshness window
// does not restart.
func (t *TierL1) SetEntry(ctx context.Context, key string, entry *Entry) error {
	remaining := time.Until(entry.ExpiresAt) + t.staleWindow
	if remaining <= 0 {
		return nil
	}
	// Durable-tier entries live much longer than the fast tier should hold
	// them. Cap the Redis expiry at the adaptive TTL; the entry's own
	// timestamps still drive freshness classification.
	if max := t.ttl.Current() + t.staleWindow; remaining > max {
		remaining = max
	}

	data, err := json.Marshal(entry)
	if err != nil {
		TierErrors.WithLabelValues("l1", "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := t.redis.Set(ctx, redisKey(key), data, remaining).Err(); err != nil {
		TierErrors.WithLabelValues("l1", "set").Inc()
		return fmt.Errorf("%w: redis set: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes entries.
func (t *TierL1) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = redisKey(key)
	}
	if err := t.redis.Del(ctx, redisKeys...).Err(); err != nil {
		TierErrors.WithLabelValues("l1", "delete").Inc()
		return fmt.Errorf("%w: redis del: %v", ErrUnavailable, err)
	}
	return nil
}

// GetNameMapping retrieves a name→ID mapping. Expired mappings are purged
// and reported as misses.
func (t *TierL1) GetNameMapping(ctx context.Context, name string) (*NameMapping, error) {
	key := NameKey(name)
	data, err := t.redis.Get(ctx, redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		TierErrors.WithLabelValues("l1", "get").Inc()
		return nil, fmt.Errorf("%w: redis get: %v", ErrUnavailable, err)
	}

	var mapping NameMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		_ = t.redis.Del(ctx, redisKey(key)).Err()
		return nil, nil
	}

	if mapping.IsExpired(time.Now()) {
		_ = t.redis.Del(ctx, redisKey(key)).Err()
		return nil, nil
	}
	return &mapping, nil
}

// SetNameMapping writes a name→ID mapping with the given TTL.
func (t *TierL1) SetNameMapping(ctx context.Context, mapping *NameMapping, ttl time.Duration) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("marshal name mapping: %w", err)
	}
	if err := t.redis.Set(ctx, redisKey(NameKey(mapping.Name)), data, ttl).Err(); err != nil {
		TierErrors.WithLabelValues("l1", "set").Inc()
		return fmt.Errorf("%w: redis set: %v", ErrUnavailable, err)
	}
	return nil
}

// decode unmarshals a stored entry, purging corrupted data.
func (t *TierL1) decode(ctx context.Context, key string, data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.logger.Warn().Str("key", key).Err(err).Msg("Corrupted L1 entry purged")
		_ = t.redis.Del(ctx, redisKey(key)).Err()
		TierMisses.WithLabelValues("l1", "absent").Inc()
		return nil, nil
	}
	return &entry, nil
}

// classify applies the three-way classification, purging entries beyond the
// stale window.
func (t *TierL1) classify(ctx context.Context, key string, entry *Entry) *SWREntry {
	now := time.Now()
	switch entry.Classify(now, t.staleWindow) {
	case Fresh:
		TierHits.WithLabelValues("l1", "fresh").Inc()
		return &SWREntry{Entry: *entry}
	case Stale:
		TierHits.WithLabelValues("l1", "stale").Inc()
		return &SWREntry{Entry: *entry, IsStale: true, StaleAge: entry.Age(now)}
	default:
		TierMisses.WithLabelValues("l1", "expired").Inc()
		_ = t.redis.Del(ctx, redisKey(key)).Err()
		return nil
	}
}
