package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T, client *redis.Client, db DB) *Store {
	t.Helper()

	l1 := newTestTierL1(t, client, time.Minute, 10*time.Minute)
	l2 := NewTierL2(db, 24*time.Hour, 6*time.Hour, 10*time.Minute, zerolog.Nop())
	return NewStore(l1, l2, NewReadGate(3, time.Second), zerolog.Nop())
}

func TestStore_SetBothRoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	store := newTestStore(t, client, newFakeDB())
	ctx := context.Background()

	key := PlayerKey("069a79f444e94726a5befca90e38aaf5")
	meta := Metadata{ETag: `"v1"`, Source: SourceUpstream}

	if err := store.SetBoth(ctx, key, testEntryValue("Notch"), meta); err != nil {
		t.Fatalf("SetBoth failed: %v", err)
	}

	swr, err := store.GetWithSWR(ctx, key)
	if err != nil {
		t.Fatalf("GetWithSWR failed: %v", err)
	}
	if swr == nil || swr.IsStale {
		t.Fatalf("Expected fresh hit, got %+v", swr)
	}
	if swr.Value.Displayname != "Notch" {
		t.Errorf("Expected Notch, got %q", swr.Value.Displayname)
	}
	if swr.ETag != `"v1"` {
		t.Errorf("Expected ETag preserved, got %q", swr.ETag)
	}
}

func TestStore_SetBothCoercesInvalidSource(t *testing.T) {
	client := setupTestRedis(t)
	db := newFakeDB()
	store := newTestStore(t, client, db)
	ctx := context.Background()

	key := PlayerKey("069a79f444e94726a5befca90e38aaf5")
	if err := store.SetBoth(ctx, key, testEntryValue("Notch"), Metadata{Source: "bogus"}); err != nil {
		t.Fatalf("SetBoth failed: %v", err)
	}

	swr, err := store.GetWithSWR(ctx, key)
	if err != nil {
		t.Fatalf("GetWithSWR failed: %v", err)
	}
	if swr.Source != SourceUpstream {
		t.Errorf("Expected source coerced to %q, got %q", SourceUpstream, swr.Source)
	}
}

func TestStore_L2HitBackfillsL1(t *testing.T) {
	client := setupTestRedis(t)
	db := newFakeDB()
	store := newTestStore(t, client, db)
	ctx := context.Background()

	// Seed only the durable tier.
	key := PlayerKey("069a79f444e94726a5befca90e38aaf5")
	if err := store.l2.Set(ctx, key, testEntryValue("Notch"), Metadata{Source: SourceUpstream}); err != nil {
		t.Fatalf("L2 Set failed: %v", err)
	}

	swr, err := store.GetWithSWR(ctx, key)
	if err != nil {
		t.Fatalf("GetWithSWR failed: %v", err)
	}
	if swr == nil || swr.Value.Displayname != "Notch" {
		t.Fatalf("Expected durable tier hit, got %+v", swr)
	}

	// The backfill runs off the read path; poll until it lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fromL1, err := store.l1.GetWithSWR(ctx, key)
		if err != nil {
			t.Fatalf("L1 read failed: %v", err)
		}
		if fromL1 != nil {
			if fromL1.Value.Displayname != "Notch" {
				t.Errorf("Expected backfilled value, got %+v", fromL1.Value)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Backfill never reached the fast tier")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStore_L1OutageFallsThroughToL2(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping dial-timeout test in short mode")
	}

	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { dead.Close() })

	db := newFakeDB()
	l1 := newTestTierL1(t, dead, time.Minute, 10*time.Minute)
	l2 := NewTierL2(db, 24*time.Hour, 6*time.Hour, 10*time.Minute, zerolog.Nop())
	store := NewStore(l1, l2, NewReadGate(10, time.Second), zerolog.Nop())
	ctx := context.Background()

	key := PlayerKey("069a79f444e94726a5befca90e38aaf5")
	if err := l2.Set(ctx, key, testEntryValue("Notch"), Metadata{Source: SourceUpstream}); err != nil {
		t.Fatalf("L2 Set failed: %v", err)
	}

	swr, err := store.GetWithSWR(ctx, key)
	if err != nil {
		t.Fatalf("Expected degraded read to succeed, got %v", err)
	}
	if swr == nil || swr.Value.Displayname != "Notch" {
		t.Fatalf("Expected durable tier to serve the read, got %+v", swr)
	}
}

func TestStore_GateSuppressesL2AfterRepeatedL1Errors(t *testing.T) {
	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { dead.Close() })

	l1 := newTestTierL1(t, dead, time.Minute, 10*time.Minute)
	l2 := NewTierL2(newFakeDB(), 24*time.Hour, 6*time.Hour, 10*time.Minute, zerolog.Nop())
	store := NewStore(l1, l2, NewReadGate(2, time.Minute), zerolog.Nop())
	ctx := context.Background()

	key := PlayerKey("069a79f444e94726a5befca90e38aaf5")

	// First failure: under the limit, durable tier still answers.
	if _, err := store.GetWithSWR(ctx, key); err != nil {
		t.Fatalf("Expected first read to fall through, got %v", err)
	}

	// Second failure closes the gate; the read degrades to unavailable.
	if _, err := store.GetWithSWR(ctx, key); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable once the gate closed, got %v", err)
	}
}

func TestStore_GetMany(t *testing.T) {
	client := setupTestRedis(t)
	db := newFakeDB()
	store := newTestStore(t, client, db)
	ctx := context.Background()

	l1Key := PlayerKey("aaaa")
	l2Key := PlayerKey("bbbb")
	missKey := PlayerKey("cccc")

	if err := store.l1.Set(ctx, l1Key, testEntryValue("FastOnly"), Metadata{Source: SourceUpstream}); err != nil {
		t.Fatalf("L1 Set failed: %v", err)
	}
	if err := store.l2.Set(ctx, l2Key, testEntryValue("DurableOnly"), Metadata{Source: SourceUpstream}); err != nil {
		t.Fatalf("L2 Set failed: %v", err)
	}

	result, err := store.GetMany(ctx, []string{l1Key, l2Key, missKey})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("Expected 2 hits, got %d", len(result))
	}
	if result[l1Key].Value.Displayname != "FastOnly" {
		t.Errorf("Expected fast-tier hit, got %+v", result[l1Key].Value)
	}
	if result[l2Key].Value.Displayname != "DurableOnly" {
		t.Errorf("Expected durable-tier hit, got %+v", result[l2Key].Value)
	}
}

func TestStore_NameMappingWaterfall(t *testing.T) {
	client := setupTestRedis(t)
	db := newFakeDB()
	store := newTestStore(t, client, db)
	ctx := context.Background()

	mapping := &NameMapping{Name: "Notch", ID: "069a79f444e94726a5befca90e38aaf5"}
	if err := store.SetNameMapping(ctx, mapping); err != nil {
		t.Fatalf("SetNameMapping failed: %v", err)
	}

	got, err := store.GetNameMapping(ctx, "notch")
	if err != nil {
		t.Fatalf("GetNameMapping failed: %v", err)
	}
	if got == nil || got.ID != mapping.ID {
		t.Fatalf("Expected mapping hit, got %+v", got)
	}

	// A zero ExpiresAt picks up the durable tier's mapping TTL.
	if mapping.ExpiresAt.IsZero() {
		t.Error("Expected SetNameMapping to assign an expiry")
	}

	if _, err := store.DeleteNameMappings(ctx, []string{"Notch"}); err != nil {
		t.Fatalf("DeleteNameMappings failed: %v", err)
	}
	got, err = store.GetNameMapping(ctx, "Notch")
	if err != nil {
		t.Fatalf("GetNameMapping failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected miss after delete, got %+v", got)
	}
}

func TestStore_Delete(t *testing.T) {
	client := setupTestRedis(t)
	store := newTestStore(t, client, newFakeDB())
	ctx := context.Background()

	key := PlayerKey("069a79f444e94726a5befca90e38aaf5")
	if err := store.SetBoth(ctx, key, testEntryValue("Notch"), Metadata{Source: SourceUpstream}); err != nil {
		t.Fatalf("SetBoth failed: %v", err)
	}

	deleted, err := store.Delete(ctx, key)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 durable row deleted, got %d", deleted)
	}

	swr, err := store.GetWithSWR(ctx, key)
	if err != nil {
		t.Fatalf("GetWithSWR failed: %v", err)
	}
	if swr != nil {
		t.Errorf("Expected miss after delete, got %+v", swr)
	}
}
