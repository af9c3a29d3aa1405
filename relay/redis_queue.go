package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/internal/codec"
)

// RedisQueue is a QueueStore backed by Redis sorted sets, one per
// target, scored by sequence number. Suitable for a relay that must
// survive restarts.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// RedisQueueConfig holds connection settings for a Redis queue store.
type RedisQueueConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix defaults to "agentwire:mailbox:".
	Prefix string
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("relay: redis address is required")
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
		return nil, fmt.Errorf("relay: redis ping failed: %w", err)
	}
	return NewRedisQueueFromClient(client, cfg.Prefix), nil
}

// NewRedisQueueFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisQueueFromClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "agentwire:mailbox:"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (r *RedisQueue) queueKey(target identity.Address) string {
	return r.prefix + "q:" + string(target)
}

func (r *RedisQueue) seqKey(target identity.Address) string {
	return r.prefix + "seq:" + string(target)
}

func (r *RedisQueue) targetsKey() string {
	return r.prefix + "targets"
}

func (r *RedisQueue) Append(ctx context.Context, e *Entry) (uint64, error) {
	seq, err := r.client.Incr(ctx, r.seqKey(e.Target)).Result()
	if err != nil {
		return 0, fmt.Errorf("relay: redis incr: %w", err)
	}
	dup := *e
	dup.Seq = uint64(seq)
	data, err := codec.Marshal(&dup)
	if err != nil {
		return 0, fmt.Errorf("relay: encoding entry: %w", err)
	}
	if err := r.client.ZAdd(ctx, r.queueKey(e.Target), redis.Z{
		Score:  float64(seq),
		Member: data,
	}).Err(); err != nil {
		return 0, fmt.Errorf("relay: redis zadd: %w", err)
	}
	if err := r.client.SAdd(ctx, r.targetsKey(), string(e.Target)).Err(); err != nil {
		return 0, fmt.Errorf("relay: redis sadd: %w", err)
	}
	return dup.Seq, nil
}

func (r *RedisQueue) After(ctx context.Context, target identity.Address, cursor uint64) ([]*Entry, error) {
	min := "(" + strconv.FormatUint(cursor, 10)
	members, err := r.client.ZRangeByScore(ctx, r.queueKey(target), &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: redis zrangebyscore: %w", err)
	}
	out := make([]*Entry, 0, len(members))
	for _, m := range members {
		var e Entry
		if err := codec.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("relay: decoding entry: %w", err)
		}
		e.Attempts++
		out = append(out, &e)
	}
	return out, nil
}

func (r *RedisQueue) Ack(ctx context.Context, target identity.Address, cursor uint64) error {
	max := strconv.FormatUint(cursor, 10)
	if err := r.client.ZRemRangeByScore(ctx, r.queueKey(target), "-inf", max).Err(); err != nil {
		return fmt.Errorf("relay: redis zremrangebyscore: %w", err)
	}
	return nil
}

func (r *RedisQueue) ExpireBefore(ctx context.Context, cutoff int64) ([]*Entry, error) {
	targets, err := r.client.SMembers(ctx, r.targetsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("relay: redis smembers: %w", err)
	}
	var dropped []*Entry
	for _, t := range targets {
		key := r.queueKey(identity.Address(t))
		members, err := r.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return dropped, fmt.Errorf("relay: redis zrange: %w", err)
		}
		for _, m := range members {
			var e Entry
			if err := codec.Unmarshal([]byte(m), &e); err != nil {
				continue
			}
			if e.EnqueuedAt < cutoff {
				if err := r.client.ZRem(ctx, key, m).Err(); err == nil {
					dropped = append(dropped, &e)
				}
			}
		}
	}
	return dropped, nil
}

func (r *RedisQueue) Depth(ctx context.Context, target identity.Address) (int, error) {
	n, err := r.client.ZCard(ctx, r.queueKey(target)).Result()
	if err != nil {
		return 0, fmt.Errorf("relay: redis zcard: %w", err)
	}
	return int(n), nil
}

func (r *RedisQueue) Close() error { return r.client.Close() }
