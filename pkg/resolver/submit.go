package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/statrelay/statrelay/pkg/cache"
	"github.com/statrelay/statrelay/pkg/stats"
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statrelay_resolver_submissions_total",
	Help: "Accepted community submissions by source",
}, []string{"source"})

// Submit accepts a community-contributed stats update for an opaque player
// ID. Present fields are merged over the cached entry, a full document
// replaces it, and the result is written through both tiers under a
// community source so later reads and refreshes see the contribution.
func (r *Resolver) Submit(ctx context.Context, raw string, sub stats.Submission, verified bool) error {
	ident, err := Classify(raw, r.cfg.MaxIdentifierLen)
	if err != nil {
		return err
	}
	if ident.Kind != KindID {
		return fmt.Errorf("%w: submissions require an opaque ID", ErrInvalidIdentifier)
	}
	id := ident.Value
	key := cache.PlayerKey(id)

	// A stale entry is still the merge base; only a true miss starts empty.
	var existing *stats.Minimal
	swr, err := r.store.GetWithSWR(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		r.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, merging over empty entry")
	}
	if swr != nil {
		existing = swr.Entry.Value
	}

	merged := sub.ApplyTo(existing)

	source := cache.SourceCommunityUnverified
	if verified {
		source = cache.SourceCommunityVerified
	}
	now := time.Now()
	meta := cache.Metadata{
		ETag:         fmt.Sprintf("contrib-%d", now.UnixMilli()),
		LastModified: now,
		Source:       source,
	}
	if err := r.store.SetBoth(ctx, key, merged, meta); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Submission write-through failed")
	}

	r.memo.Remove(key)
	if merged.Displayname != "" {
		r.storeMapping(ctx, &cache.NameMapping{Name: merged.Displayname, ID: id})
	}

	submissionsTotal.WithLabelValues(string(source)).Inc()
	r.logger.Info().
		Str("key", key).
		Str("source", string(source)).
		Msg("Accepted community submission")
	return nil
}
