// Package redis provides a Redis-backed webhook event deduplicator. It is a
// fast-path filter in front of the transactional processed-events table: a
// SET NX with TTL answers "have I seen this event ID" in one round trip
// before any provider API calls are made.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis deduper configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string

	// EventTTL is how long a seen event ID is remembered. Stripe retries
	// deliveries for up to three days, so the default keeps IDs a little
	// longer than that.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gobilling:",
		EventTTL:  96 * time.Hour,
	}
}

// Deduper implements payments.EventDeduper using Redis
type Deduper struct {
	client redis.UniversalClient
	config Config
}

// New creates a new Redis deduper.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Deduper, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gobilling:"
	}
	if config.EventTTL == 0 {
		config.EventTTL = 96 * time.Hour
	}
	return &Deduper{client: client, config: config}, nil
}

func (d *Deduper) key(eventID string) string {
	return d.config.KeyPrefix + "event:" + eventID
}

// FirstDelivery implements payments.EventDeduper. SET NX both checks and
// records the event ID atomically, so concurrent deliveries of the same
// event see exactly one true result.
func (d *Deduper) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event id is required")
	}
	first, err := d.client.SetNX(ctx, d.key(eventID), time.Now().UTC().Format(time.RFC3339), d.config.EventTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record event id: %w", err)
	}
	return first, nil
}

// Forget removes an event ID so a later delivery is treated as first again.
// Used when processing failed after the fast-path check and the event should
// be retried.
func (d *Deduper) Forget(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, d.key(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to forget event id: %w", err)
	}
	return nil
}

// Ping verifies connectivity
func (d *Deduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
