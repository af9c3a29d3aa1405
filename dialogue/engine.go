package dialogue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
)

// Handler runs after a session advances over the edge it is bound to.
// msg is the decoded payload; sess is a snapshot of the session after
// the transition.
type Handler func(ctx context.Context, sess *Session, msg any) error

// DefaultIdleTimeout closes sessions that see no traffic for this long.
const DefaultIdleTimeout = 10 * time.Minute

// Engine drives sessions of the dialogues attached to it. One engine
// belongs to one agent; its sessions are never touched by another
// agent. A mutex serializes the load-validate-store step so Observe on
// a sender goroutine cannot interleave with Advance on the agent's
// loop. Handlers run outside the lock and may call back into the
// engine.
type Engine struct {
	dialogues   map[string]*Dialogue // keyed by protocol digest
	store       Store
	idleTimeout time.Duration

	mu sync.Mutex // guards the session read-modify-write in transition
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.idleTimeout = d }
}

// NewEngine creates an engine over the given session store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		dialogues:   make(map[string]*Dialogue),
		store:       store,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attach binds a dialogue to a protocol digest. Envelopes declaring
// that digest are validated against the dialogue's graph.
func (e *Engine) Attach(digest string, d *Dialogue) {
	e.dialogues[digest] = d
}

// Dialogue returns the dialogue attached to a digest.
func (e *Engine) Dialogue(digest string) (*Dialogue, bool) {
	d, ok := e.dialogues[digest]
	return d, ok
}

// Advance validates env against the active session's state and moves
// the session forward. On any error the session is left in its prior
// valid state, so a corrected follow-up can still succeed.
//
// A session id the engine has not seen starts a fresh session at the
// dialogue's initial state; the envelope must then match a transition
// out of that state. Reaching a terminal state closes the session for
// good.
func (e *Engine) Advance(ctx context.Context, env *envelope.Envelope, decoded any) (StateID, error) {
	return e.AdvanceAt(ctx, env, decoded, time.Now())
}

// AdvanceAt is Advance with an explicit clock, for deterministic tests.
func (e *Engine) AdvanceAt(ctx context.Context, env *envelope.Envelope, decoded any, now time.Time) (StateID, error) {
	return e.advanceAt(ctx, env, decoded, now, true)
}

// Observe advances a session for a message this agent is sending,
// without running the edge handler. Handlers fire on the receiving
// side only; the sender just records that its own move was legal.
func (e *Engine) Observe(ctx context.Context, env *envelope.Envelope) (StateID, error) {
	return e.advanceAt(ctx, env, nil, time.Now(), false)
}

func (e *Engine) advanceAt(ctx context.Context, env *envelope.Envelope, decoded any, now time.Time, runHandler bool) (StateID, error) {
	d, ok := e.dialogues[env.Protocol]
	if !ok {
		return NoState, fmt.Errorf("%w: %s", ErrUnknownDialogue, env.Protocol)
	}

	ed, sess, err := e.transition(ctx, d, env, now)
	if err != nil {
		return NoState, err
	}

	if runHandler && ed.handler != nil {
		snapshot := *sess
		if err := ed.handler(ctx, &snapshot, decoded); err != nil {
			return ed.to, fmt.Errorf("dialogue: handler for %s: %w", env.Schema, err)
		}
	}
	return ed.to, nil
}

// transition performs the locked load-validate-store step and returns
// the matched edge plus the session after the move.
func (e *Engine) transition(ctx context.Context, d *Dialogue, env *envelope.Envelope, now time.Time) (edge, *Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, err := e.store.Get(ctx, env.Session)
	fresh := false
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionNotFound):
		fresh = true
		sess = &Session{
			ID:           env.Session,
			Protocol:     env.Protocol,
			DialogueName: d.Name(),
			State:        d.Initial(),
			Initiator:    env.Sender,
			Responder:    env.Target,
			LastActivity: now,
			LastNonce:    make(map[identity.Address]uint64),
		}
	default:
		return edge{}, nil, fmt.Errorf("dialogue: loading session %s: %w", env.Session, err)
	}

	if sess.Closed {
		return edge{}, nil, fmt.Errorf("%w: %s reached %s", ErrSessionClosed, sess.ID, d.StateName(sess.State))
	}
	if !fresh && now.Sub(sess.LastActivity) > e.idleTimeout {
		// Abandoned silently: drop the session, reject the message.
		_ = e.store.Delete(ctx, sess.ID)
		return edge{}, nil, fmt.Errorf("%w: %s idle since %s", ErrSessionExpired, sess.ID, sess.LastActivity.Format(time.RFC3339))
	}

	ed, ok := d.match(sess.State, env.Schema)
	if !ok {
		return edge{}, nil, fmt.Errorf("%w: %s in state %s of %s", ErrNoSuchTransition, env.Schema, d.StateName(sess.State), d.Name())
	}

	expected := sess.Initiator
	if ed.dir == ResponderToInitiator {
		expected = sess.Responder
	}
	if env.Sender != expected {
		return edge{}, nil, fmt.Errorf("%w: %s requires %s, got %s", ErrOutOfTurn, env.Schema, ed.dir, env.Sender)
	}
	if env.Sender == sess.LastSender {
		return edge{}, nil, fmt.Errorf("%w: %s sent twice in a row on %s", ErrOutOfTurn, env.Sender, sess.ID)
	}

	sess.State = ed.to
	sess.LastSender = env.Sender
	sess.LastActivity = now
	if sess.LastNonce == nil {
		sess.LastNonce = make(map[identity.Address]uint64)
	}
	sess.LastNonce[env.Sender] = env.Nonce
	if d.Terminal(ed.to) {
		sess.Closed = true
	}
	if err := e.store.Put(ctx, sess); err != nil {
		return edge{}, nil, fmt.Errorf("dialogue: saving session %s: %w", sess.ID, err)
	}

	return ed, sess, nil
}

// SweepIdle drops sessions idle past the engine's timeout, closed
// ones included.
func (e *Engine) SweepIdle(ctx context.Context, now time.Time) (int, error) {
	return e.store.SweepIdle(ctx, now.Add(-e.idleTimeout))
}
