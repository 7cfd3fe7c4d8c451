// Package cache implements the two-tier player-stats cache: a fast volatile
// Redis tier with an adaptively computed TTL and a durable Postgres tier with
// a longer fixed TTL, both applying the same stale-while-revalidate
// classification on read.
package cache

import (
	"time"

	"github.com/statrelay/statrelay/pkg/stats"
)

// Source identifies where a cache entry's value came from.
type Source string

const (
	// SourceUpstream marks values fetched from the upstream API.
	SourceUpstream Source = "upstream"

	// SourceCommunityVerified marks accepted community submissions whose
	// upstream origin was verified.
	SourceCommunityVerified Source = "community_verified"

	// SourceCommunityUnverified marks accepted but unverified community
	// submissions.
	SourceCommunityUnverified Source = "community_unverified"
)

// ValidSource reports whether s is one of the known sources.
func ValidSource(s Source) bool {
	switch s {
	case SourceUpstream, SourceCommunityVerified, SourceCommunityUnverified:
		return true
	}
	return false
}

// Entry is one cached player-stats projection with its revalidation
// metadata. Entries are superseded by the next successful write, never
// mutated in place.
type Entry struct {
	Value        *stats.Minimal `json:"payload"`
	CachedAt     time.Time      `json:"cached_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ETag         string         `json:"etag,omitempty"`
	LastModified time.Time      `json:"last_modified"`
	Source       Source         `json:"source,omitempty"`
}

// Metadata carries the revalidation fields attached to a cache write.
type Metadata struct {
	ETag         string
	LastModified time.Time
	Source       Source
}

// Freshness is the three-way classification applied on every read.
type Freshness int

const (
	// Fresh entries are within their TTL and served as-is.
	Fresh Freshness = iota

	// Stale entries are past their TTL but within the stale window; they
	// are served immediately while a background refresh is enqueued.
	Stale

	// Expired entries are beyond the stale window and treated as misses;
	// the read purges them.
	Expired
)

// Classify places the entry into exactly one freshness state for the given
// stale window.
func (e *Entry) Classify(now time.Time, staleWindow time.Duration) Freshness {
	if now.Before(e.ExpiresAt) {
		return Fresh
	}
	if !now.After(e.ExpiresAt.Add(staleWindow)) {
		return Stale
	}
	return Expired
}

// Age returns how long ago the entry was cached.
func (e *Entry) Age(now time.Time) time.Duration {
	if e.CachedAt.IsZero() {
		return 0
	}
	return now.Sub(e.CachedAt)
}

// SWREntry is a read result annotated with staleness information.
type SWREntry struct {
	Entry

	// IsStale is true exactly when the entry was past its TTL but within
	// the stale window at read time.
	IsStale bool

	// StaleAge is the entry's age at read time; zero for fresh entries.
	StaleAge time.Duration
}

// NameMapping resolves a short name to an opaque player ID. A mapping with
// Unresolvable set (and an empty ID) records a confirmed-unknown name, cached
// to avoid repeated failed lookups.
type NameMapping struct {
	Name         string    `json:"name"`
	ID           string    `json:"id,omitempty"`
	Unresolvable bool      `json:"unresolvable"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired reports whether the mapping is past its TTL.
func (m *NameMapping) IsExpired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}
