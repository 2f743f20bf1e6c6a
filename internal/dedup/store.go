// Package dedup records published message identities in Redis so repeated
// webhook deliveries of the same message are not republished.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds configuration for the Redis claim store.
type Config struct {
	Enabled    bool          `env:"DEDUP_ENABLED" envDefault:"false"`
	URL        string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	TTL        time.Duration `env:"DEDUP_TTL" envDefault:"24h"`
	PendingTTL time.Duration `env:"DEDUP_PENDING_TTL" envDefault:"1m"`
}

// State is what a Claim found for a key.
type State int

const (
	// Claimed means the caller now owns the key and must Complete or Release it.
	Claimed State = iota
	// InFlight means another caller owns the key and has not finished publishing.
	InFlight
	// Published means the identity was already published.
	Published
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in_flight"
	case Published:
		return "published"
	default:
		return "unknown"
	}
}

const (
	valuePending = "pending"
	valueDone    = "done"
)

// Store keeps one key per message identity. A claim starts pending with a
// short expiry so a crashed publisher does not block the identity for long,
// and becomes done with the full TTL once the publish succeeded.
type Store struct {
	rdb        *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewStore creates a claim store on an existing client.
func NewStore(rdb *redis.Client, ttl, pendingTTL time.Duration) *Store {
	return &Store{
		rdb:        rdb,
		ttl:        ttl,
		pendingTTL: pendingTTL,
	}
}

// Connect opens a client for url and checks it is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}

	return rdb, nil
}

// Claim takes key when nobody holds it, otherwise reports whether the holder
// is still publishing or already done.
func (s *Store) Claim(ctx context.Context, key string) (State, error) {
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.rdb.SetNX(ctx, key, valuePending, s.pendingTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to claim %s: %w", key, err)
		}
		if ok {
			return Claimed, nil
		}

		v, err := s.rdb.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// expired or released between SETNX and GET
			continue
		case err != nil:
			return 0, fmt.Errorf("failed to read claim %s: %w", key, err)
		case v == valueDone:
			return Published, nil
		default:
			return InFlight, nil
		}
	}

	return InFlight, nil
}

// Complete marks key as published for the full TTL.
func (s *Store) Complete(ctx context.Context, key string) error {
	if err := s.rdb.Set(ctx, key, valueDone, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete %s: %w", key, err)
	}
	return nil
}

// Release removes the claim on key.
func (s *Store) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}
