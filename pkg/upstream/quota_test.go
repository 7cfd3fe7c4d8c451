package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupQuotaRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestQuotaGate_NilRedisNeverBlocks(t *testing.T) {
	gate := NewQuotaGate(nil, zerolog.Nop())
	ctx := context.Background()

	gate.RecordRateLimited(ctx, 30*time.Second)

	if remaining := gate.CooldownRemaining(ctx); remaining != 0 {
		t.Errorf("Expected no cooldown without Redis, got %v", remaining)
	}
}

func TestQuotaGate_RecordAndRead(t *testing.T) {
	client := setupQuotaRedis(t)
	gate := NewQuotaGate(client, zerolog.Nop())
	ctx := context.Background()

	if remaining := gate.CooldownRemaining(ctx); remaining != 0 {
		t.Fatalf("Expected no cooldown initially, got %v", remaining)
	}

	gate.RecordRateLimited(ctx, 5*time.Second)

	remaining := gate.CooldownRemaining(ctx)
	if remaining <= 0 || remaining > 5*time.Second {
		t.Errorf("Expected remaining in (0, 5s], got %v", remaining)
	}
}

func TestQuotaGate_DefaultCooldownWithoutHint(t *testing.T) {
	client := setupQuotaRedis(t)
	gate := NewQuotaGate(client, zerolog.Nop())
	ctx := context.Background()

	gate.RecordRateLimited(ctx, 0)

	remaining := gate.CooldownRemaining(ctx)
	if remaining <= 5*time.Second || remaining > defaultCooldown {
		t.Errorf("Expected the default cooldown applied, got %v", remaining)
	}
}

func TestQuotaGate_CooldownExpires(t *testing.T) {
	client := setupQuotaRedis(t)
	gate := NewQuotaGate(client, zerolog.Nop())
	ctx := context.Background()

	gate.RecordRateLimited(ctx, 200*time.Millisecond)
	if remaining := gate.CooldownRemaining(ctx); remaining <= 0 {
		t.Fatal("Expected an active cooldown")
	}

	time.Sleep(300 * time.Millisecond)

	if remaining := gate.CooldownRemaining(ctx); remaining != 0 {
		t.Errorf("Expected the cooldown to lapse, got %v", remaining)
	}
}

func TestQuotaGate_SharedAcrossGates(t *testing.T) {
	client := setupQuotaRedis(t)
	ctx := context.Background()

	first := NewQuotaGate(client, zerolog.Nop())
	second := NewQuotaGate(client, zerolog.Nop())

	first.RecordRateLimited(ctx, 10*time.Second)

	if remaining := second.CooldownRemaining(ctx); remaining <= 0 {
		t.Error("Expected the cooldown to be visible through a second gate")
	}
}

func TestQuotaGate_UnavailableRedisFailsSoft(t *testing.T) {
	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { dead.Close() })

	gate := NewQuotaGate(dead, zerolog.Nop())
	ctx := context.Background()

	gate.RecordRateLimited(ctx, 30*time.Second)
	if remaining := gate.CooldownRemaining(ctx); remaining != 0 {
		t.Errorf("Expected fail-soft zero cooldown, got %v", remaining)
	}
}
