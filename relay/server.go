package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/pkg/observability"
)

// DefaultRetention is how long an entry waits for pickup before it is
// dropped.
const DefaultRetention = 24 * time.Hour

// maxNoticesPerSender bounds the expiry-notice backlog kept per
// sender. Notices are best-effort; old ones get evicted first.
const maxNoticesPerSender = 64

// Server is a mailbox relay. It can serve in-process (tests,
// single-binary deployments) or sit behind the gRPC transport.
type Server struct {
	store     QueueStore
	retention time.Duration

	mu      sync.Mutex
	notices map[identity.Address][]Notice
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) ServerOption {
	return func(s *Server) { s.retention = d }
}

// NewServer creates a relay server over a queue store.
func NewServer(store QueueStore, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		retention: DefaultRetention,
		notices:   make(map[identity.Address][]Notice),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push stores an envelope for later pickup by its target. The
// signature is checked before anything is stored; a relay full of
// garbage helps nobody.
func (s *Server) Push(ctx context.Context, env *envelope.Envelope) error {
	if _, err := envelope.Verify(env); err != nil {
		return fmt.Errorf("relay: rejecting push: %w", err)
	}
	e := &Entry{
		Target:     env.Target,
		Envelope:   env,
		EnqueuedAt: time.Now().Unix(),
	}
	if _, err := s.store.Append(ctx, e); err != nil {
		return err
	}
	if depth, err := s.store.Depth(ctx, env.Target); err == nil {
		observability.SetMailboxDepth(string(env.Target), depth)
	}
	return nil
}

// Pull acknowledges everything at or before cursor, then returns the
// envelopes queued past it in enqueue order together with the new
// cursor. A repeat Pull with the returned cursor yields nothing.
func (s *Server) Pull(ctx context.Context, agent identity.Address, cursor uint64) ([]*envelope.Envelope, uint64, error) {
	if cursor > 0 {
		if err := s.store.Ack(ctx, agent, cursor); err != nil {
			return nil, cursor, err
		}
	}
	entries, err := s.store.After(ctx, agent, cursor)
	if err != nil {
		return nil, cursor, err
	}
	next := cursor
	envs := make([]*envelope.Envelope, 0, len(entries))
	for _, e := range entries {
		envs = append(envs, e.Envelope)
		if e.Seq > next {
			next = e.Seq
		}
	}
	if depth, err := s.store.Depth(ctx, agent); err == nil {
		observability.SetMailboxDepth(string(agent), depth)
	}
	return envs, next, nil
}

// Status returns and clears the expiry notices accumulated for
// envelopes sender pushed.
func (s *Server) Status(_ context.Context, sender identity.Address) ([]Notice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notices[sender]
	delete(s.notices, sender)
	return out, nil
}

// Sweep drops entries past the retention window and records expiry
// notices for their senders.
func (s *Server) Sweep(ctx context.Context, now time.Time) (int, error) {
	dropped, err := s.store.ExpireBefore(ctx, now.Add(-s.retention).Unix())
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, e := range dropped {
		sender := e.Envelope.Sender
		n := append(s.notices[sender], Notice{
			Target:     e.Target,
			Session:    e.Envelope.Session,
			Schema:     e.Envelope.Schema,
			EnqueuedAt: e.EnqueuedAt,
		})
		if len(n) > maxNoticesPerSender {
			n = n[len(n)-maxNoticesPerSender:]
		}
		s.notices[sender] = n
	}
	s.mu.Unlock()
	return len(dropped), nil
}

// Run sweeps periodically until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx, time.Now()); err != nil {
				log.Printf("relay: sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("relay: dropped %d expired entries", n)
			}
		}
	}
}

// Close closes the underlying store.
func (s *Server) Close() error { return s.store.Close() }
