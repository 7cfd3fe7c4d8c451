package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/statrelay/statrelay/pkg/cache"
	"github.com/statrelay/statrelay/pkg/stats"
	"github.com/statrelay/statrelay/pkg/upstream"
)

var (
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statrelay_resolver_resolutions_total",
		Help: "Resolutions by outcome",
	}, []string{"outcome"})

	singleflightShared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statrelay_resolver_singleflight_shared_total",
		Help: "Resolutions that joined an in-flight upstream fetch",
	})

	memoHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statrelay_resolver_memo_hits_total",
		Help: "Resolutions served from the short-horizon memo",
	})
)

// ResultSource tells the caller whether the payload came from a cache tier
// or a network fetch.
type ResultSource string

const (
	FromCache   ResultSource = "cache"
	FromNetwork ResultSource = "network"
)

// Result is the outcome of one resolution.
type Result struct {
	Value        *stats.Minimal
	ETag         string
	LastModified time.Time
	Source       ResultSource
	// Revalidated is true when an upstream conditional fetch confirmed the
	// cached value unchanged during this resolution.
	Revalidated bool
	IsStale     bool
	// NotModified is true when the caller-supplied validators still match;
	// the HTTP layer maps this to a 304.
	NotModified bool
	// Nicked marks the canned unknown-player result for unresolvable names.
	Nicked bool
}

// StatsFetcher is the slice of the upstream client the resolver needs.
type StatsFetcher interface {
	FetchPlayer(ctx context.Context, id string, cond *upstream.Conditional) (*upstream.FetchResult, error)
}

// NameLookup resolves a player name to an opaque ID, returning
// upstream.ErrUnknownName for confirmed-unknown names.
type NameLookup interface {
	LookupID(ctx context.Context, name string) (string, error)
}

// Config tunes the resolver.
type Config struct {
	MaxIdentifierLen int
	MemoTTL          time.Duration
	MemoSize         int
	RefreshWorkers   int
	RefreshQueueSize int
	BatchConcurrency int
}

// Resolver drives identifier classification and the two-tier cache
// waterfall. All upstream fetches for a key, client-triggered or
// refresh-triggered, flow through one singleflight group.
type Resolver struct {
	store    *cache.Store
	client   StatsFetcher
	profiles NameLookup
	cfg      Config
	logger   zerolog.Logger

	group   singleflight.Group
	memo    *expirable.LRU[string, *Result]
	refresh *refreshPool
}

// New creates a resolver and starts its background refresh pool. Call Close
// to stop the pool.
func New(store *cache.Store, client StatsFetcher, profiles NameLookup, cfg Config, logger zerolog.Logger) *Resolver {
	if store == nil || client == nil {
		panic("store and upstream client are required")
	}
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 4096
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = 2 * time.Minute
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 6
	}

	r := &Resolver{
		store:    store,
		client:   client,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger,
		memo:     expirable.NewLRU[string, *Result](cfg.MemoSize, nil, cfg.MemoTTL),
	}
	r.refresh = newRefreshPool(r, cfg.RefreshWorkers, cfg.RefreshQueueSize, logger)
	return r
}

// Close stops the background refresh pool.
func (r *Resolver) Close() {
	r.refresh.stop()
}

// Resolve answers one identifier. The identifier is validated before any
// cache or network access; names run through the mapping waterfall first and
// unresolvable names short-circuit to the canned nicked result.
func (r *Resolver) Resolve(ctx context.Context, raw string, cond *upstream.Conditional) (*Result, error) {
	ident, err := Classify(raw, r.cfg.MaxIdentifierLen)
	if err != nil {
		resolutionsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	id := ident.Value
	if ident.Kind == KindName {
		resolved, nicked, err := r.resolveName(ctx, ident.Value)
		if err != nil {
			resolutionsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if nicked {
			resolutionsTotal.WithLabelValues("nicked").Inc()
			return &Result{Value: stats.NewNicked(), Source: FromCache, Nicked: true}, nil
		}
		id = resolved
	}

	result, err := r.statsForID(ctx, id)
	if err != nil {
		resolutionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if cond != nil && !result.IsStale && validatorsMatch(cond, result) {
		result.NotModified = true
	}
	return result, nil
}

// BatchResult pairs one input identifier with its resolution outcome.
type BatchResult struct {
	Identifier string
	Result     *Result
	Err        error
}

// ResolveMany resolves several identifiers with bounded fan-out. Per-key
// failures land in the corresponding BatchResult instead of failing the
// batch.
func (r *Resolver) ResolveMany(ctx context.Context, identifiers []string) []BatchResult {
	r.prefetch(ctx, identifiers)

	results := make([]BatchResult, len(identifiers))

	var g errgroup.Group
	g.SetLimit(r.cfg.BatchConcurrency)
	for i, raw := range identifiers {
		g.Go(func() error {
			res, err := r.Resolve(ctx, raw, nil)
			results[i] = BatchResult{Identifier: raw, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// prefetch batch-loads the opaque-ID keys the memo misses through both
// tiers in one round trip, memoizing fresh hits so the fan-out above them
// short-circuits. Stale and missing keys take the full per-key waterfall.
func (r *Resolver) prefetch(ctx context.Context, identifiers []string) {
	seen := make(map[string]struct{}, len(identifiers))
	var keys []string
	for _, raw := range identifiers {
		ident, err := Classify(raw, r.cfg.MaxIdentifierLen)
		if err != nil || ident.Kind != KindID {
			continue
		}
		key := cache.PlayerKey(ident.Value)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := r.memo.Get(key); !ok {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return
	}

	found, err := r.store.GetMany(ctx, keys)
	if err != nil {
		r.logger.Warn().Err(err).Int("keys", len(keys)).Msg("Batch prefetch failed")
		return
	}
	for key, swr := range found {
		if swr.IsStale {
			continue
		}
		r.memoize(key, resultFromEntry(&swr.Entry, FromCache))
	}
}

// statsForID runs the stats waterfall for a normalized opaque ID.
func (r *Resolver) statsForID(ctx context.Context, id string) (*Result, error) {
	key := cache.PlayerKey(id)

	if memoized, ok := r.memo.Get(key); ok {
		memoHits.Inc()
		res := *memoized
		res.Source = FromCache
		return &res, nil
	}

	swr, err := r.store.GetWithSWR(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrUnavailable) {
		r.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
	}
	if swr != nil {
		result := resultFromEntry(&swr.Entry, FromCache)
		if swr.IsStale {
			result.IsStale = true
			r.refresh.enqueue(id)
			resolutionsTotal.WithLabelValues("stale").Inc()
		} else {
			r.memoize(key, result)
			resolutionsTotal.WithLabelValues("fresh").Inc()
		}
		return result, nil
	}

	out, shared, err := r.fetchThroughGroup(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	if shared {
		singleflightShared.Inc()
	}

	result := resultFromEntry(out.entry, FromNetwork)
	result.Revalidated = out.revalidated
	r.memoize(key, result)
	resolutionsTotal.WithLabelValues("network").Inc()
	return result, nil
}

// memoize stores a private snapshot with the per-call flags cleared, so a
// caller mutating its returned Result cannot poison later memo hits.
func (r *Resolver) memoize(key string, result *Result) {
	snapshot := *result
	snapshot.NotModified = false
	snapshot.Revalidated = false
	r.memo.Add(key, &snapshot)
}

// fetchOutcome is the settled result shared by every waiter of one
// single-flighted fetch.
type fetchOutcome struct {
	entry       *cache.Entry
	revalidated bool
}

// fetchThroughGroup collapses concurrent fetches for one key into a single
// upstream call. prior carries the existing entry during a revalidating
// refresh; nil means a cold miss.
func (r *Resolver) fetchThroughGroup(ctx context.Context, id string, prior *cache.Entry) (*fetchOutcome, bool, error) {
	key := cache.PlayerKey(id)
	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.fetchAndStore(ctx, id, prior)
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*fetchOutcome), shared, nil
}

// fetchAndStore performs the upstream fetch, reshapes the payload, and
// writes through both tiers. A not-modified response keeps the prior value
// and only advances the freshness metadata.
func (r *Resolver) fetchAndStore(ctx context.Context, id string, prior *cache.Entry) (*fetchOutcome, error) {
	var cond *upstream.Conditional
	if prior != nil && (prior.ETag != "" || !prior.LastModified.IsZero()) {
		cond = &upstream.Conditional{ETag: prior.ETag, LastModified: prior.LastModified}
	}

	res, err := r.client.FetchPlayer(ctx, id, cond)
	if err != nil {
		return nil, err
	}

	key := cache.PlayerKey(id)
	meta := cache.Metadata{ETag: res.ETag, LastModified: res.LastModified, Source: cache.SourceUpstream}

	var value *stats.Minimal
	if res.NotModified {
		if prior == nil {
			return nil, &upstream.Error{Kind: upstream.KindEmptyPayload, Message: "not-modified response without a prior entry"}
		}
		value = prior.Value
		if cache.ValidSource(prior.Source) {
			meta.Source = prior.Source
		}
	} else {
		value = stats.ExtractMinimal(res.Payload)
	}

	if err := r.store.SetBoth(ctx, key, value, meta); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("Cache write-through failed")
	}

	entry := &cache.Entry{
		Value:        value,
		CachedAt:     time.Now(),
		ETag:         res.ETag,
		LastModified: res.LastModified,
		Source:       meta.Source,
	}
	return &fetchOutcome{entry: entry, revalidated: res.NotModified}, nil
}

// resolveName runs the name-mapping waterfall. Returns the mapped opaque ID,
// or nicked=true for cached-unresolvable names.
func (r *Resolver) resolveName(ctx context.Context, name string) (string, bool, error) {
	mapping, err := r.store.GetNameMapping(ctx, name)
	if err != nil {
		r.logger.Warn().Err(err).Str("name", name).Msg("Name mapping read failed, treating as miss")
	}
	if mapping != nil {
		if mapping.Unresolvable {
			return "", true, nil
		}
		return mapping.ID, false, nil
	}

	if r.profiles == nil {
		return "", true, nil
	}

	key := Identifier{Kind: KindName, Value: name}.Key()
	v, lookupErr, _ := r.group.Do(key, func() (any, error) {
		id, err := r.profiles.LookupID(ctx, name)
		if errors.Is(err, upstream.ErrUnknownName) {
			r.storeMapping(ctx, &cache.NameMapping{Name: name, Unresolvable: true})
			return "", nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve name %q: %w", name, err)
		}
		r.storeMapping(ctx, &cache.NameMapping{Name: name, ID: id})
		return id, nil
	})
	if lookupErr != nil {
		return "", false, lookupErr
	}

	id := v.(string)
	if id == "" {
		return "", true, nil
	}
	return id, false, nil
}

func (r *Resolver) storeMapping(ctx context.Context, mapping *cache.NameMapping) {
	if err := r.store.SetNameMapping(ctx, mapping); err != nil {
		r.logger.Warn().Err(err).Str("name", mapping.Name).Msg("Name mapping write failed")
	}
}

func resultFromEntry(entry *cache.Entry, source ResultSource) *Result {
	return &Result{
		Value:        entry.Value,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
		Source:       source,
	}
}

func validatorsMatch(cond *upstream.Conditional, result *Result) bool {
	if cond.ETag != "" && result.ETag != "" {
		return cond.ETag == result.ETag
	}
	if !cond.LastModified.IsZero() && !result.LastModified.IsZero() {
		return !result.LastModified.After(cond.LastModified)
	}
	return false
}
