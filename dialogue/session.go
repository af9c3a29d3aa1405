package dialogue

import (
	"context"
	"sync"
	"time"

	"github.com/agentwire-dev/agentwire/identity"
)

// Session is one live instance of a Dialogue between two participants.
// A session is exclusively owned by the agent whose engine created it;
// nothing mutates it across agents.
type Session struct {
	// ID is the conversation identifier carried by every envelope of
	// this session.
	ID string `cbor:"1,keyasint"`

	// Protocol is the digest of the protocol the session runs under.
	Protocol string `cbor:"2,keyasint"`

	// DialogueName names the graph this session instantiates.
	DialogueName string `cbor:"3,keyasint"`

	// State is the current state in the dialogue's arena.
	State StateID `cbor:"4,keyasint"`

	// Initiator sent the first message of the session.
	Initiator identity.Address `cbor:"5,keyasint"`

	// Responder is the other participant.
	Responder identity.Address `cbor:"6,keyasint"`

	// LastSender sent the most recently accepted message. Transitions
	// require alternation against it.
	LastSender identity.Address `cbor:"7,keyasint,omitempty"`

	// LastActivity is when the last message was accepted.
	LastActivity time.Time `cbor:"8,keyasint"`

	// LastNonce records the highest accepted nonce per participant,
	// part of the history that backs replay rejection.
	LastNonce map[identity.Address]uint64 `cbor:"9,keyasint,omitempty"`

	// Closed is set when the session reaches a terminal state. A
	// closed session never reopens; a loop back to the initial state
	// is a new session id.
	Closed bool `cbor:"10,keyasint,omitempty"`
}

// Other returns the participant that is not addr.
func (s *Session) Other(addr identity.Address) identity.Address {
	if addr == s.Initiator {
		return s.Responder
	}
	return s.Initiator
}

// Store persists sessions. Implementations must be safe for use by a
// single engine goroutine plus the idle sweeper.
type Store interface {
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Put creates or replaces a session.
	Put(ctx context.Context, s *Session) error
	// Delete removes a session. Deleting an absent session is not an
	// error.
	Delete(ctx context.Context, id string) error
	// SweepIdle removes sessions idle since before the cutoff, closed
	// ones included, and returns how many were dropped. Dropping a
	// closed session frees its id for a fresh conversation.
	SweepIdle(ctx context.Context, before time.Time) (int, error)
	// Close releases backend resources.
	Close() error
}

// MemoryStore keeps sessions in process memory. It is the default
// store for a bureau-hosted agent.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	dup := *s
	return &dup, nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dup := *s
	m.sessions[s.ID] = &dup
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) SweepIdle(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for id, s := range m.sessions {
		if s.LastActivity.Before(before) {
			delete(m.sessions, id)
			dropped++
		}
	}
	return dropped, nil
}

func (m *MemoryStore) Close() error { return nil }
