package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/statrelay/statrelay/pkg/cache"
	"github.com/statrelay/statrelay/pkg/stats"
	"github.com/statrelay/statrelay/pkg/upstream"
)

const testID = "069a79f444e94726a5befca90e38aaf5"

// memDB is a minimal in-memory stand-in for the durable tier, covering only
// the statements the resolver paths reach.
type memDB struct {
	mu      sync.Mutex
	players map[string]memPlayerRow
	names   map[string]memNameRow

	playerRowReads int
	batchReads     int
}

type memPlayerRow struct {
	payload      []byte
	cachedAt     int64
	expiresAt    int64
	etag         *string
	lastModified *int64
	source       *string
}

type memNameRow struct {
	id           *string
	unresolvable bool
	expiresAt    int64
}

func newMemDB() *memDB {
	return &memDB{
		players: make(map[string]memPlayerRow),
		names:   make(map[string]memNameRow),
	}
}

func (db *memDB) player(key string) (memPlayerRow, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	row, ok := db.players[key]
	return row, ok
}

func (db *memDB) reads() (perKey, batch int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.playerRowReads, db.batchReads
}

func (db *memDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch {
	case strings.Contains(sql, "INSERT INTO player_stats_cache"):
		db.players[args[0].(string)] = memPlayerRow{
			payload:      args[1].([]byte),
			cachedAt:     args[2].(int64),
			expiresAt:    args[3].(int64),
			etag:         args[4].(*string),
			lastModified: args[5].(*int64),
			source:       args[6].(*string),
		}
		return pgconn.NewCommandTag("INSERT 1"), nil

	case strings.Contains(sql, "INSERT INTO name_id_cache"):
		db.names[args[0].(string)] = memNameRow{
			id:           args[1].(*string),
			unresolvable: args[2].(bool),
			expiresAt:    args[3].(int64),
		}
		return pgconn.NewCommandTag("INSERT 1"), nil

	case strings.Contains(sql, "DELETE FROM player_stats_cache WHERE cache_key = ANY"):
		for _, key := range args[0].([]string) {
			delete(db.players, key)
		}
		return pgconn.NewCommandTag("DELETE 1"), nil

	case strings.Contains(sql, "DELETE FROM name_id_cache WHERE name = $1"):
		delete(db.names, args[0].(string))
		return pgconn.NewCommandTag("DELETE 1"), nil
	}

	return pgconn.CommandTag{}, fmt.Errorf("memDB: unexpected exec: %s", sql)
}

func (db *memDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if strings.Contains(sql, "FROM player_stats_cache WHERE cache_key = ANY") {
		db.batchReads++
		rows := &memRows{}
		for _, key := range args[0].([]string) {
			if row, ok := db.players[key]; ok {
				rows.keys = append(rows.keys, key)
				rows.rows = append(rows.rows, row)
			}
		}
		return rows, nil
	}
	return nil, fmt.Errorf("memDB: unexpected query: %s", sql)
}

func (db *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()

	switch {
	case strings.Contains(sql, "FROM player_stats_cache WHERE cache_key = $1"):
		db.playerRowReads++
		row, ok := db.players[args[0].(string)]
		if !ok {
			return memRow{err: pgx.ErrNoRows}
		}
		return memRow{scan: func(dest ...any) error {
			*dest[0].(*[]byte) = row.payload
			*dest[1].(*int64) = row.cachedAt
			*dest[2].(*int64) = row.expiresAt
			*dest[3].(**string) = row.etag
			*dest[4].(**int64) = row.lastModified
			*dest[5].(**string) = row.source
			return nil
		}}

	case strings.Contains(sql, "FROM name_id_cache WHERE name = $1"):
		row, ok := db.names[args[0].(string)]
		if !ok {
			return memRow{err: pgx.ErrNoRows}
		}
		return memRow{scan: func(dest ...any) error {
			*dest[0].(**string) = row.id
			*dest[1].(*bool) = row.unresolvable
			*dest[2].(*int64) = row.expiresAt
			return nil
		}}
	}

	return memRow{err: fmt.Errorf("memDB: unexpected query row: %s", sql)}
}

// memRows serves the batch select over the rows matching the requested keys.
type memRows struct {
	keys []string
	rows []memPlayerRow
	idx  int
}

func (r *memRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *memRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	*dest[0].(*string) = r.keys[r.idx-1]
	*dest[1].(*[]byte) = row.payload
	*dest[2].(*int64) = row.cachedAt
	*dest[3].(*int64) = row.expiresAt
	*dest[4].(**string) = row.etag
	*dest[5].(**int64) = row.lastModified
	*dest[6].(**string) = row.source
	return nil
}

func (r *memRows) Close()                                       {}
func (r *memRows) Err() error                                   { return nil }
func (r *memRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *memRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *memRows) Values() ([]any, error)                       { return nil, nil }
func (r *memRows) RawValues() [][]byte                          { return nil }
func (r *memRows) Conn() *pgx.Conn                              { return nil }

type memRow struct {
	err  error
	scan func(dest ...any) error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.scan(dest...)
}

// fakeFetcher counts upstream calls and can delay to widen concurrency
// windows.
type fakeFetcher struct {
	calls  atomic.Int64
	delay  time.Duration
	result *upstream.FetchResult
	err    error

	mu       sync.Mutex
	lastCond *upstream.Conditional
}

func (f *fakeFetcher) FetchPlayer(ctx context.Context, id string, cond *upstream.Conditional) (*upstream.FetchResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastCond = cond
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &upstream.FetchResult{
		Payload: &stats.PlayerResponse{
			Success: true,
			Player:  &stats.Player{UUID: id, Displayname: "Notch"},
		},
		ETag: `"v1"`,
	}, nil
}

func (f *fakeFetcher) conditional() *upstream.Conditional {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCond
}

type fakeProfiles struct {
	calls atomic.Int64
	id    string
	err   error
}

func (f *fakeProfiles) LookupID(ctx context.Context, name string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

// newTestResolver wires a resolver against an in-memory durable tier and a
// deliberately unreachable fast tier, so tests run without infrastructure.
func newTestResolver(t *testing.T, fetcher StatsFetcher, profiles NameLookup) (*Resolver, *memDB) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { client.Close() })

	adaptive := cache.NewAdaptiveTTL(cache.AdaptiveTTLConfig{
		Min:      time.Millisecond,
		Max:      time.Hour,
		Fallback: time.Minute,
	}, client, zerolog.Nop())

	db := newMemDB()
	l1 := cache.NewTierL1(client, adaptive, 10*time.Minute, zerolog.Nop())
	l2 := cache.NewTierL2(db, 24*time.Hour, 6*time.Hour, 10*time.Minute, zerolog.Nop())
	store := cache.NewStore(l1, l2, cache.NewReadGate(1<<30, time.Second), zerolog.Nop())

	r := New(store, fetcher, profiles, Config{}, zerolog.Nop())
	t.Cleanup(r.Close)
	return r, db
}

func seedPlayerRow(db *memDB, id, displayname, etag string, cachedAt, expiresAt time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()

	row := memPlayerRow{
		payload:   []byte(fmt.Sprintf(`{"displayname":%q}`, displayname)),
		cachedAt:  cachedAt.UnixMilli(),
		expiresAt: expiresAt.UnixMilli(),
	}
	if etag != "" {
		row.etag = &etag
	}
	db.players[cache.PlayerKey(id)] = row
}

func TestResolver_ColdMissFetchesOnce(t *testing.T) {
	fetcher := &fakeFetcher{delay: 100 * time.Millisecond}
	r, _ := newTestResolver(t, fetcher, nil)

	const waiters = 16
	start := make(chan struct{})
	results := make([]*Result, waiters)
	errs := make([]error, waiters)

	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = r.Resolve(context.Background(), testID, nil)
		}()
	}
	close(start)
	wg.Wait()

	if calls := fetcher.calls.Load(); calls != 1 {
		t.Errorf("Expected exactly 1 upstream call for %d concurrent resolutions, got %d", waiters, calls)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("Resolution %d failed: %v", i, errs[i])
		}
		if results[i] == nil || results[i].Value.Displayname != "Notch" {
			t.Fatalf("Resolution %d got wrong value: %+v", i, results[i])
		}
	}
}

func TestResolver_InvalidIdentifierTouchesNothing(t *testing.T) {
	fetcher := &fakeFetcher{}
	profiles := &fakeProfiles{}
	r, _ := newTestResolver(t, fetcher, profiles)

	_, err := r.Resolve(context.Background(), strings.Repeat("a", 100), nil)
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("Expected ErrInvalidIdentifier, got %v", err)
	}
	if fetcher.calls.Load() != 0 {
		t.Error("Expected no upstream calls for invalid input")
	}
	if profiles.calls.Load() != 0 {
		t.Error("Expected no profile lookups for invalid input")
	}
}

func TestResolver_FreshHitSkipsUpstream(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, db := newTestResolver(t, fetcher, nil)

	now := time.Now()
	seedPlayerRow(db, testID, "Cached", `"v1"`, now, now.Add(time.Hour))

	result, err := r.Resolve(context.Background(), testID, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Source != FromCache {
		t.Errorf("Expected cache source, got %q", result.Source)
	}
	if result.Value.Displayname != "Cached" {
		t.Errorf("Expected cached value, got %q", result.Value.Displayname)
	}
	if fetcher.calls.Load() != 0 {
		t.Error("Expected no upstream calls on a fresh hit")
	}
}

func TestResolver_SecondResolveServedFromMemo(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, _ := newTestResolver(t, fetcher, nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, testID, nil)
	if err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}
	if first.Source != FromNetwork {
		t.Errorf("Expected network source on cold miss, got %q", first.Source)
	}

	second, err := r.Resolve(ctx, testID, nil)
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if second.Source != FromCache {
		t.Errorf("Expected cache source on repeat, got %q", second.Source)
	}
	if calls := fetcher.calls.Load(); calls != 1 {
		t.Errorf("Expected 1 upstream call across both resolutions, got %d", calls)
	}
}

func TestResolver_StaleServedThenRefreshed(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, db := newTestResolver(t, fetcher, nil)

	// TTL lapsed five minutes ago, still inside the ten-minute window.
	now := time.Now()
	seedPlayerRow(db, testID, "OldValue", `"v1"`, now.Add(-24*time.Hour), now.Add(-5*time.Minute))

	result, err := r.Resolve(context.Background(), testID, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !result.IsStale {
		t.Fatal("Expected a stale result")
	}
	if result.Value.Displayname != "OldValue" {
		t.Errorf("Expected the stale value served as-is, got %q", result.Value.Displayname)
	}
	if result.Source != FromCache {
		t.Errorf("Expected cache source, got %q", result.Source)
	}

	// The background refresh revalidates with the stored ETag and replaces
	// the durable row.
	deadline := time.Now().Add(2 * time.Second)
	for fetcher.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Background refresh never fetched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if cond := fetcher.conditional(); cond == nil || cond.ETag != `"v1"` {
		t.Errorf("Expected refresh to revalidate with the prior ETag, got %+v", cond)
	}

	for {
		row, ok := db.player(cache.PlayerKey(testID))
		if ok && strings.Contains(string(row.payload), "Notch") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Refresh never replaced the durable row")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolver_NotModifiedWithoutPriorIsAnError(t *testing.T) {
	fetcher := &fakeFetcher{result: &upstream.FetchResult{NotModified: true}}
	r, _ := newTestResolver(t, fetcher, nil)

	_, err := r.Resolve(context.Background(), testID, nil)
	var upErr *upstream.Error
	if !errors.As(err, &upErr) || upErr.Kind != upstream.KindEmptyPayload {
		t.Fatalf("Expected an empty-payload error, got %v", err)
	}
}

func TestResolver_ConditionalMatchReportsNotModified(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, db := newTestResolver(t, fetcher, nil)

	now := time.Now()
	seedPlayerRow(db, testID, "Cached", `"v1"`, now, now.Add(time.Hour))

	result, err := r.Resolve(context.Background(), testID, &upstream.Conditional{ETag: `"v1"`})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !result.NotModified {
		t.Error("Expected NotModified for matching validators")
	}

	result, err = r.Resolve(context.Background(), testID, &upstream.Conditional{ETag: `"v2"`})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.NotModified {
		t.Error("Expected full response for mismatched validators")
	}
	if fetcher.calls.Load() != 0 {
		t.Error("Expected no upstream calls for fresh conditional reads")
	}
}

func TestResolver_ConditionalMatchLeavesMemoClean(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, _ := newTestResolver(t, fetcher, nil)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, testID, nil); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	second, err := r.Resolve(ctx, testID, &upstream.Conditional{ETag: `"v1"`})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !second.NotModified {
		t.Fatal("Expected NotModified for matching validators")
	}

	// The conditional answer above must not leak into this caller, who sent
	// no validators and needs a body.
	third, err := r.Resolve(ctx, testID, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if third.NotModified {
		t.Error("Expected a full response for an unconditional resolve after a conditional one")
	}
	if third.Revalidated {
		t.Error("Expected memo hits to not replay revalidation state")
	}
	if third.Value == nil || third.Value.Displayname != "Notch" {
		t.Errorf("Expected the cached value, got %+v", third.Value)
	}
	if calls := fetcher.calls.Load(); calls != 1 {
		t.Errorf("Expected 1 upstream call, got %d", calls)
	}
}

func TestResolver_NameResolvesThroughProfiles(t *testing.T) {
	fetcher := &fakeFetcher{}
	profiles := &fakeProfiles{id: testID}
	r, db := newTestResolver(t, fetcher, profiles)
	ctx := context.Background()

	result, err := r.Resolve(ctx, "Notch", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Nicked {
		t.Fatal("Expected a resolved name, got the nicked result")
	}
	if result.Value.Displayname != "Notch" {
		t.Errorf("Expected stats for the mapped ID, got %+v", result.Value)
	}
	if profiles.calls.Load() != 1 {
		t.Errorf("Expected 1 profile lookup, got %d", profiles.calls.Load())
	}

	db.mu.Lock()
	_, ok := db.names[cache.NameKey("Notch")]
	db.mu.Unlock()
	if !ok {
		t.Error("Expected the name mapping to be persisted")
	}

	// The cached mapping answers the repeat without a second lookup.
	if _, err := r.Resolve(ctx, "Notch", nil); err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if calls := profiles.calls.Load(); calls != 1 {
		t.Errorf("Expected the mapping to be reused, got %d lookups", calls)
	}
}

func TestResolver_UnknownNameBecomesNicked(t *testing.T) {
	fetcher := &fakeFetcher{}
	profiles := &fakeProfiles{err: upstream.ErrUnknownName}
	r, _ := newTestResolver(t, fetcher, profiles)
	ctx := context.Background()

	result, err := r.Resolve(ctx, "GhostPlayer", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !result.Nicked || !result.Value.Nicked {
		t.Fatalf("Expected the nicked result, got %+v", result)
	}
	if fetcher.calls.Load() != 0 {
		t.Error("Expected no stats fetch for an unresolvable name")
	}

	// The unresolvable mapping is cached; the repeat skips the lookup.
	if _, err := r.Resolve(ctx, "GhostPlayer", nil); err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if calls := profiles.calls.Load(); calls != 1 {
		t.Errorf("Expected 1 profile lookup total, got %d", calls)
	}
}

func TestResolver_CachedUnresolvableMappingShortCircuits(t *testing.T) {
	fetcher := &fakeFetcher{}
	profiles := &fakeProfiles{id: testID}
	r, db := newTestResolver(t, fetcher, profiles)

	db.mu.Lock()
	db.names[cache.NameKey("Hidden")] = memNameRow{
		unresolvable: true,
		expiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
	db.mu.Unlock()

	result, err := r.Resolve(context.Background(), "Hidden", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !result.Nicked {
		t.Fatal("Expected the nicked result for a cached-unresolvable name")
	}
	if profiles.calls.Load() != 0 {
		t.Error("Expected no profile lookup")
	}
	if fetcher.calls.Load() != 0 {
		t.Error("Expected no stats fetch")
	}
}

func TestResolver_NilProfilesTreatsNamesAsNicked(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, _ := newTestResolver(t, fetcher, nil)

	result, err := r.Resolve(context.Background(), "Notch", nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !result.Nicked {
		t.Fatal("Expected the nicked result without a profile backend")
	}
}

func TestResolver_ResolveMany(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, _ := newTestResolver(t, fetcher, nil)

	otherID := strings.Repeat("b", 32)
	identifiers := []string{testID, strings.Repeat("a", 100), otherID}
	results := r.ResolveMany(context.Background(), identifiers)

	if len(results) != len(identifiers) {
		t.Fatalf("Expected %d results, got %d", len(identifiers), len(results))
	}
	for i, res := range results {
		if res.Identifier != identifiers[i] {
			t.Errorf("Result %d: expected identifier %q, got %q", i, identifiers[i], res.Identifier)
		}
	}
	if results[0].Err != nil || results[0].Result == nil {
		t.Errorf("Expected first resolution to succeed, got %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ErrInvalidIdentifier) {
		t.Errorf("Expected per-item invalid error, got %v", results[1].Err)
	}
	if results[2].Err != nil {
		t.Errorf("Expected third resolution to succeed, got %v", results[2].Err)
	}
	if calls := fetcher.calls.Load(); calls != 2 {
		t.Errorf("Expected one fetch per valid identifier, got %d", calls)
	}
}

func TestResolver_ResolveManyPrefetchesBatch(t *testing.T) {
	fetcher := &fakeFetcher{}
	r, db := newTestResolver(t, fetcher, nil)

	otherID := strings.Repeat("b", 32)
	now := time.Now()
	seedPlayerRow(db, testID, "Notch", `"v1"`, now, now.Add(time.Hour))
	seedPlayerRow(db, otherID, "Herobrine", `"v2"`, now, now.Add(time.Hour))

	results := r.ResolveMany(context.Background(), []string{testID, otherID})
	for _, br := range results {
		if br.Err != nil {
			t.Fatalf("Resolution of %s failed: %v", br.Identifier, br.Err)
		}
		if br.Result.Source != FromCache {
			t.Errorf("Expected %s served from cache, got %s", br.Identifier, br.Result.Source)
		}
	}
	if results[0].Result.Value.Displayname != "Notch" || results[1].Result.Value.Displayname != "Herobrine" {
		t.Errorf("Unexpected values: %+v, %+v", results[0].Result.Value, results[1].Result.Value)
	}

	if calls := fetcher.calls.Load(); calls != 0 {
		t.Errorf("Expected no upstream calls for fresh cached entries, got %d", calls)
	}
	perKey, batch := db.reads()
	if batch != 1 {
		t.Errorf("Expected one batched durable read, got %d", batch)
	}
	if perKey != 0 {
		t.Errorf("Expected the batch read to satisfy every key, got %d per-key reads", perKey)
	}
}
