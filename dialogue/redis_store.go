package dialogue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentwire-dev/agentwire/internal/codec"
)

// RedisStore persists sessions in Redis, suitable for agents that must
// survive process restarts or run behind more than one bureau node
// over time. Entries carry a TTL so an abandoned session eventually
// disappears even without a sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration for a session store.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for session keys (default:
	// "agentwire:session:").
	Prefix string
	// TTL is the session expiry duration (default: 24h).
	TTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("dialogue: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dialogue: redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "agentwire:session:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dialogue: redis get: %w", err)
	}
	var s Session
	if err := codec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("dialogue: decoding session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	data, err := codec.Marshal(s)
	if err != nil {
		return fmt.Errorf("dialogue: encoding session %s: %w", s.ID, err)
	}
	if err := r.client.Set(ctx, r.key(s.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("dialogue: redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("dialogue: redis del: %w", err)
	}
	return nil
}

// SweepIdle scans session keys and drops sessions idle since before
// the cutoff, closed ones included. Redis TTLs bound the damage if the
// sweeper never runs; the scan keeps idle-timeout semantics exact.
func (r *RedisStore) SweepIdle(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	dropped := 0
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue // expired between scan and get
		}
		var s Session
		if err := codec.Unmarshal(data, &s); err != nil {
			continue
		}
		if s.LastActivity.Before(before) {
			if r.client.Del(ctx, key).Err() == nil {
				dropped++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return dropped, fmt.Errorf("dialogue: redis scan: %w", err)
	}
	return dropped, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
