package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/statrelay/statrelay/pkg/stats"
)

// DB is the slice of pgxpool.Pool the durable tier needs. Tests provide a
// fake; production wires a *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS player_stats_cache (
	cache_key     TEXT PRIMARY KEY,
	payload       JSONB NOT NULL,
	cached_at     BIGINT NOT NULL,
	expires_at    BIGINT NOT NULL,
	etag          TEXT,
	last_modified BIGINT,
	source        TEXT
);
CREATE INDEX IF NOT EXISTS idx_player_stats_cache_expires ON player_stats_cache (expires_at);

CREATE TABLE IF NOT EXISTS name_id_cache (
	name         TEXT PRIMARY KEY,
	player_id    TEXT,
	unresolvable BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_name_id_cache_expires ON name_id_cache (expires_at);
`

// TierL2 is the durable cache tier. Entries persist across restarts under a
// fixed, longer TTL; expired-beyond-window rows are deleted on read.
type TierL2 struct {
	db          DB
	ttl         time.Duration
	nameTTL     time.Duration
	staleWindow time.Duration
	logger      zerolog.Logger
}

// NewTierL2 creates the durable tier.
func NewTierL2(db DB, ttl, nameTTL, staleWindow time.Duration, logger zerolog.Logger) *TierL2 {
	if db == nil {
		panic("database handle cannot be nil")
	}
	return &TierL2{
		db:          db,
		ttl:         ttl,
		nameTTL:     nameTTL,
		staleWindow: staleWindow,
		logger:      logger,
	}
}

// EnsureSchema creates the cache tables if they do not exist.
func (t *TierL2) EnsureSchema(ctx context.Context) error {
	if _, err := t.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create cache schema: %w", err)
	}
	return nil
}

// row is the scanned shape of one player_stats_cache row.
type row struct {
	payload      []byte
	cachedAt     int64
	expiresAt    int64
	etag         *string
	lastModified *int64
	source       *string
}

func (r *row) toEntry() (*Entry, error) {
	var value stats.Minimal
	if err := json.Unmarshal(r.payload, &value); err != nil {
		return nil, err
	}

	entry := &Entry{
		Value:     &value,
		CachedAt:  time.UnixMilli(r.cachedAt),
		ExpiresAt: time.UnixMilli(r.expiresAt),
	}
	if r.etag != nil {
		entry.ETag = *r.etag
	}
	if r.lastModified != nil {
		entry.LastModified = time.UnixMilli(*r.lastModified)
	}
	if r.source != nil && ValidSource(Source(*r.source)) {
		entry.Source = Source(*r.source)
	}
	return entry, nil
}

// GetWithSWR retrieves an entry with its freshness classification. Rows
// beyond the stale window are deleted and reported as misses.
func (t *TierL2) GetWithSWR(ctx context.Context, key string) (*SWREntry, error) {
	var r row
	err := t.db.QueryRow(ctx,
		`SELECT payload, cached_at, expires_at, etag, last_modified, source
		 FROM player_stats_cache WHERE cache_key = $1`, key,
	).Scan(&r.payload, &r.cachedAt, &r.expiresAt, &r.etag, &r.lastModified, &r.source)
	if errors.Is(err, pgx.ErrNoRows) {
		TierMisses.WithLabelValues("l2", "absent").Inc()
		return nil, nil
	}
	if err != nil {
		TierErrors.WithLabelValues("l2", "get").Inc()
		return nil, fmt.Errorf("%w: select cache row: %v", ErrUnavailable, err)
	}

	entry, err := r.toEntry()
	if err != nil {
		t.deleteRows(ctx, []string{key})
		TierMisses.WithLabelValues("l2", "absent").Inc()
		return nil, nil
	}

	return t.classify(ctx, key, entry), nil
}

// GetMany retrieves several keys with one set-membership query, preserving
// the per-key classification. Expired rows are batch-deleted.
func (t *TierL2) GetMany(ctx context.Context, keys []string) (map[string]*SWREntry, error) {
	result := make(map[string]*SWREntry, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	rows, err := t.db.Query(ctx,
		`SELECT cache_key, payload, cached_at, expires_at, etag, last_modified, source
		 FROM player_stats_cache WHERE cache_key = ANY($1)`, keys)
	if err != nil {
		TierErrors.WithLabelValues("l2", "get").Inc()
		return nil, fmt.Errorf("%w: batch select cache rows: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var key string
		var r row
		if err := rows.Scan(&key, &r.payload, &r.cachedAt, &r.expiresAt, &r.etag, &r.lastModified, &r.source); err != nil {
			TierErrors.WithLabelValues("l2", "get").Inc()
			continue
		}

		entry, err := r.toEntry()
		if err != nil {
			expired = append(expired, key)
			continue
		}

		now := time.Now()
		switch entry.Classify(now, t.staleWindow) {
		case Fresh:
			TierHits.WithLabelValues("l2", "fresh").Inc()
			result[key] = &SWREntry{Entry: *entry}
		case Stale:
			TierHits.WithLabelValues("l2", "stale").Inc()
			result[key] = &SWREntry{Entry: *entry, IsStale: true, StaleAge: entry.Age(now)}
		default:
			TierMisses.WithLabelValues("l2", "expired").Inc()
			expired = append(expired, key)
		}
	}
	if err := rows.Err(); err != nil {
		TierErrors.WithLabelValues("l2", "get").Inc()
		return result, fmt.Errorf("%w: read cache rows: %v", ErrUnavailable, err)
	}

	if len(expired) > 0 {
		t.deleteRows(ctx, expired)
	}

	return result, nil
}

// Set upserts an entry under the tier's fixed TTL.
func (t *TierL2) Set(ctx context.Context, key string, value *stats.Minimal, meta Metadata) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache payload: %w", err)
	}

	now := time.Now()
	var lastModified *int64
	if !meta.LastModified.IsZero() {
		ms := meta.LastModified.UnixMilli()
		lastModified = &ms
	}
	var etag *string
	if meta.ETag != "" {
		etag = &meta.ETag
	}
	var source *string
	if meta.Source != "" {
		s := string(meta.Source)
		source = &s
	}

	_, err = t.db.Exec(ctx,
		`INSERT INTO player_stats_cache (cache_key, payload, cached_at, expires_at, etag, last_modified, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (cache_key) DO UPDATE
		 SET payload = EXCLUDED.payload,
		     cached_at = EXCLUDED.cached_at,
		     expires_at = EXCLUDED.expires_at,
		     etag = EXCLUDED.etag,
		     last_modified = EXCLUDED.last_modified,
		     source = EXCLUDED.source`,
		key, payload, now.UnixMilli(), now.Add(t.ttl).UnixMilli(), etag, lastModified, source)
	if err != nil {
		TierErrors.WithLabelValues("l2", "set").Inc()
		return fmt.Errorf("%w: upsert cache row: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes entries, returning how many rows were deleted.
func (t *TierL2) Delete(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tag, err := t.db.Exec(ctx, `DELETE FROM player_stats_cache WHERE cache_key = ANY($1)`, keys)
	if err != nil {
		TierErrors.WithLabelValues("l2", "delete").Inc()
		return 0, fmt.Errorf("%w: delete cache rows: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExpired deletes all rows beyond the stale window. Run periodically by
// the maintenance job when this process holds leadership.
func (t *TierL2) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-t.staleWindow).UnixMilli()

	statsTag, err := t.db.Exec(ctx, `DELETE FROM player_stats_cache WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge stats rows: %w", err)
	}
	nameTag, err := t.db.Exec(ctx, `DELETE FROM name_id_cache WHERE expires_at <= $1`, now.UnixMilli())
	if err != nil {
		return statsTag.RowsAffected(), fmt.Errorf("purge name rows: %w", err)
	}

	purged := statsTag.RowsAffected() + nameTag.RowsAffected()
	PurgedRows.Add(float64(purged))
	return purged, nil
}

// GetNameMapping retrieves a name→ID mapping. Expired rows are deleted and
// reported as misses.
func (t *TierL2) GetNameMapping(ctx context.Context, name string) (*NameMapping, error) {
	mapping := &NameMapping{Name: name}
	var id *string
	var expiresAt int64
	err := t.db.QueryRow(ctx,
		`SELECT player_id, unresolvable, expires_at FROM name_id_cache WHERE name = $1`,
		NameKey(name),
	).Scan(&id, &mapping.Unresolvable, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		TierErrors.WithLabelValues("l2", "get").Inc()
		return nil, fmt.Errorf("%w: select name mapping: %v", ErrUnavailable, err)
	}

	if id != nil {
		mapping.ID = *id
	}
	mapping.ExpiresAt = time.UnixMilli(expiresAt)

	if mapping.IsExpired(time.Now()) {
		_, _ = t.db.Exec(ctx, `DELETE FROM name_id_cache WHERE name = $1`, NameKey(name))
		return nil, nil
	}
	return mapping, nil
}

// SetNameMapping upserts a name→ID mapping under the name-mapping TTL.
func (t *TierL2) SetNameMapping(ctx context.Context, mapping *NameMapping) error {
	var id *string
	if mapping.ID != "" {
		id = &mapping.ID
	}

	_, err := t.db.Exec(ctx,
		`INSERT INTO name_id_cache (name, player_id, unresolvable, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE
		 SET player_id = EXCLUDED.player_id,
		     unresolvable = EXCLUDED.unresolvable,
		     expires_at = EXCLUDED.expires_at`,
		NameKey(mapping.Name), id, mapping.Unresolvable, time.Now().Add(t.nameTTL).UnixMilli())
	if err != nil {
		TierErrors.WithLabelValues("l2", "set").Inc()
		return fmt.Errorf("%w: upsert name mapping: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteNameMappings removes name mappings, returning how many were deleted.
func (t *TierL2) DeleteNameMappings(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = NameKey(name)
	}
	tag, err := t.db.Exec(ctx, `DELETE FROM name_id_cache WHERE name = ANY($1)`, keys)
	if err != nil {
		TierErrors.WithLabelValues("l2", "delete").Inc()
		return 0, fmt.Errorf("%w: delete name mappings: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

// NameTTL exposes the mapping TTL for tier writers above.
func (t *TierL2) NameTTL() time.Duration {
	return t.nameTTL
}

func (t *TierL2) classify(ctx context.Context, key string, entry *Entry) *SWREntry {
	now := time.Now()
	switch entry.Classify(now, t.staleWindow) {
	case Fresh:
		TierHits.WithLabelValues("l2", "fresh").Inc()
		return &SWREntry{Entry: *entry}
	case Stale:
		TierHits.WithLabelValues("l2", "stale").Inc()
		return &SWREntry{Entry: *entry, IsStale: true, StaleAge: entry.Age(now)}
	default:
		TierMisses.WithLabelValues("l2", "expired").Inc()
		t.deleteRows(ctx, []string{key})
		return nil
	}
}

func (t *TierL2) deleteRows(ctx context.Context, keys []string) {
	if _, err := t.db.Exec(ctx, `DELETE FROM player_stats_cache WHERE cache_key = ANY($1)`, keys); err != nil {
		t.logger.Warn().Err(err).Int("keys", len(keys)).Msg("Failed to delete expired L2 rows")
	}
}
