package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupTestDeduper(t *testing.T) *Deduper {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	config := DefaultConfig()
	config.KeyPrefix = "gobilling_test:"
	deduper, err := New(client, config)
	if err != nil {
		t.Fatalf("failed to create deduper: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return deduper
}

func TestFirstDelivery(t *testing.T) {
	deduper := setupTestDeduper(t)
	ctx := context.Background()

	first, err := deduper.FirstDelivery(ctx, "evt_1")
	if err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}
	if !first {
		t.Error("first delivery should report true")
	}

	second, err := deduper.FirstDelivery(ctx, "evt_1")
	if err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}
	if second {
		t.Error("second delivery should report false")
	}

	other, err := deduper.FirstDelivery(ctx, "evt_2")
	if err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}
	if !other {
		t.Error("different event ID should report true")
	}
}

func TestFirstDeliveryEmptyID(t *testing.T) {
	deduper := setupTestDeduper(t)

	if _, err := deduper.FirstDelivery(context.Background(), ""); err == nil {
		t.Error("empty event ID should be rejected")
	}
}

func TestForget(t *testing.T) {
	deduper := setupTestDeduper(t)
	ctx := context.Background()

	if _, err := deduper.FirstDelivery(ctx, "evt_forget"); err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}
	if err := deduper.Forget(ctx, "evt_forget"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}

	again, err := deduper.FirstDelivery(ctx, "evt_forget")
	if err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}
	if !again {
		t.Error("forgotten event should be treated as first delivery again")
	}
}

func TestEventTTLApplied(t *testing.T) {
	deduper := setupTestDeduper(t)
	ctx := context.Background()

	if _, err := deduper.FirstDelivery(ctx, "evt_ttl"); err != nil {
		t.Fatalf("FirstDelivery failed: %v", err)
	}

	ttl, err := deduper.client.TTL(ctx, deduper.key("evt_ttl")).Result()
	if err != nil {
		t.Fatalf("TTL lookup failed: %v", err)
	}
	if ttl <= 0 || ttl > 96*time.Hour {
		t.Errorf("expected a bounded TTL, got %v", ttl)
	}
}
