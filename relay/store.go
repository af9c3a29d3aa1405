package relay

import (
	"context"
	"sync"

	"github.com/agentwire-dev/agentwire/identity"
)

// QueueStore persists mailbox entries for a relay server.
type QueueStore interface {
	// Append stores an entry and returns its assigned sequence number.
	Append(ctx context.Context, e *Entry) (uint64, error)
	// After returns entries for target with Seq > cursor, in sequence
	// order, incrementing their attempt counters.
	After(ctx context.Context, target identity.Address, cursor uint64) ([]*Entry, error)
	// Ack drops entries for target with Seq <= cursor.
	Ack(ctx context.Context, target identity.Address, cursor uint64) error
	// ExpireBefore drops entries enqueued before the cutoff and
	// returns them so the server can record notices.
	ExpireBefore(ctx context.Context, cutoff int64) ([]*Entry, error)
	// Depth returns the number of queued entries for target.
	Depth(ctx context.Context, target identity.Address) (int, error)
	// Close releases backend resources.
	Close() error
}

// MemoryQueue is the in-process QueueStore.
type MemoryQueue struct {
	mu      sync.Mutex
	queues  map[identity.Address][]*Entry
	nextSeq map[identity.Address]uint64
}

// NewMemoryQueue creates an empty in-memory queue store.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:  make(map[identity.Address][]*Entry),
		nextSeq: make(map[identity.Address]uint64),
	}
}

func (m *MemoryQueue) Append(_ context.Context, e *Entry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq[e.Target]++
	dup := *e
	dup.Seq = m.nextSeq[e.Target]
	m.queues[e.Target] = append(m.queues[e.Target], &dup)
	return dup.Seq, nil
}

func (m *MemoryQueue) After(_ context.Context, target identity.Address, cursor uint64) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, e := range m.queues[target] {
		if e.Seq > cursor {
			e.Attempts++
			dup := *e
			out = append(out, &dup)
		}
	}
	return out, nil
}

func (m *MemoryQueue) Ack(_ context.Context, target identity.Address, cursor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[target]
	kept := q[:0]
	for _, e := range q {
		if e.Seq > cursor {
			kept = append(kept, e)
		}
	}
	m.queues[target] = kept
	return nil
}

func (m *MemoryQueue) ExpireBefore(_ context.Context, cutoff int64) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []*Entry
	for target, q := range m.queues {
		kept := q[:0]
		for _, e := range q {
			if e.EnqueuedAt < cutoff {
				dropped = append(dropped, e)
			} else {
				kept = append(kept, e)
			}
		}
		m.queues[target] = kept
	}
	return dropped, nil
}

func (m *MemoryQueue) Depth(_ context.Context, target identity.Address) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[target]), nil
}

func (m *MemoryQueue) Close() error { return nil }
