package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
)

func setupRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueFromClient(client, "test:mailbox:")

	t.Cleanup(func() { _ = q.Close() })
	return q
}

func redisEntry(target identity.Address, session string, enqueuedAt int64) *Entry {
	return &Entry{
		Target: target,
		Envelope: &envelope.Envelope{
			Target:  target,
			Session: session,
			Schema:  "Hello",
		},
		EnqueuedAt: enqueuedAt,
	}
}

func TestRedisQueueAppendAssignsSequence(t *testing.T) {
	q := setupRedisQueue(t)
	ctx := context.Background()
	target := identity.Address("aw1" + "1111111111111111111111111111111111111111")

	for want := uint64(1); want <= 3; want++ {
		seq, err := q.Append(ctx, redisEntry(target, "s1", time.Now().Unix()))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if seq != want {
			t.Errorf("Append() seq = %d, want %d", seq, want)
		}
	}

	depth, err := q.Depth(ctx, target)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 3 {
		t.Errorf("Depth() = %d, want 3", depth)
	}
}

func TestRedisQueueAfterAndAck(t *testing.T) {
	q := setupRedisQueue(t)
	ctx := context.Background()
	target := identity.Address("aw1" + "1111111111111111111111111111111111111111")

	for i := 0; i < 3; i++ {
		if _, err := q.Append(ctx, redisEntry(target, "s1", time.Now().Unix())); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := q.After(ctx, target, 0)
	if err != nil {
		t.Fatalf("After() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("After(0) = %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Errorf("entry %d has seq %d, want sequence order", i, e.Seq)
		}
	}

	// Cursor excludes what was already seen.
	entries, err = q.After(ctx, target, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Seq != 3 {
		t.Errorf("After(2) = %d entries, want just seq 3", len(entries))
	}

	if err := q.Ack(ctx, target, 2); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	depth, err := q.Depth(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("Depth() after ack = %d, want 1", depth)
	}
}

func TestRedisQueueExpireBefore(t *testing.T) {
	q := setupRedisQueue(t)
	ctx := context.Background()
	target := identity.Address("aw1" + "1111111111111111111111111111111111111111")
	now := time.Now().Unix()

	if _, err := q.Append(ctx, redisEntry(target, "old", now-3600)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Append(ctx, redisEntry(target, "new", now)); err != nil {
		t.Fatal(err)
	}

	dropped, err := q.ExpireBefore(ctx, now-60)
	if err != nil {
		t.Fatalf("ExpireBefore() error = %v", err)
	}
	if len(dropped) != 1 {
		t.Fatalf("ExpireBefore() dropped %d, want 1", len(dropped))
	}
	if dropped[0].Envelope.Session != "old" {
		t.Errorf("dropped session = %s, want old", dropped[0].Envelope.Session)
	}

	remaining, err := q.After(ctx, target, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Envelope.Session != "new" {
		t.Errorf("remaining = %d entries, want just the fresh one", len(remaining))
	}
}

func TestRelayServerOverRedis(t *testing.T) {
	q := setupRedisQueue(t)
	srv := NewServer(q)
	ctx := context.Background()

	sender, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	target, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	for n := uint64(1); n <= 2; n++ {
		if err := srv.Push(ctx, signed(t, sender, target.Address(), "s1", n)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	envs, cursor, err := srv.Pull(ctx, target.Address(), 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("Pull() = %d envelopes, want 2", len(envs))
	}

	envs, _, err = srv.Pull(ctx, target.Address(), cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 0 {
		t.Errorf("Pull() after ack = %d envelopes, want 0", len(envs))
	}
}
