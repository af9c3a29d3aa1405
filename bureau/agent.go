// Package bureau hosts and concurrently drives multiple agents'
// event loops inside one process.
//
// Each agent runs a single-consumer loop: inbound envelopes, interval
// callbacks and session sweeps all execute on the one goroutine, so no
// two handlers of the same agent ever run concurrently. Agents share
// no mutable state; even co-located agents talk exclusively through
// the envelope/router path, which keeps agent code transport-agnostic.
package bureau

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwire-dev/agentwire/dialogue"
	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/pkg/observability"
	"github.com/agentwire-dev/agentwire/protocol"
	"github.com/agentwire-dev/agentwire/relay"
	"github.com/agentwire-dev/agentwire/router"
)

// DefaultEnvelopeTTL is how long a signed envelope stays valid.
const DefaultEnvelopeTTL = 5 * time.Minute

// defaultInboxSize buffers inbound envelopes per agent.
const defaultInboxSize = 100

// IntervalFunc is a periodic callback, executed on the agent's loop.
type IntervalFunc func(ctx context.Context) error

type interval struct {
	period time.Duration
	fn     IntervalFunc
}

// Agent is one addressable participant: an identity, its held
// protocols, its dialogue engine and an optional mailbox.
type Agent struct {
	name     string
	id       *identity.Identity
	registry *protocol.Registry
	engine   *dialogue.Engine
	inbox    chan *envelope.Envelope
	work     chan func(context.Context)

	intervals []interval
	ttl       time.Duration

	mailboxSvc  relay.Service
	mailboxOpts []relay.ClientOption

	nonceMu sync.Mutex
	nonces  map[identity.Address]uint64

	rt *router.Router // set when added to a bureau
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSessionStore sets the dialogue session store (default: memory).
func WithSessionStore(s dialogue.Store) AgentOption {
	return func(a *Agent) { a.engine = dialogue.NewEngine(s) }
}

// WithEngine replaces the whole dialogue engine, for callers that need
// engine options like a custom idle timeout.
func WithEngine(e *dialogue.Engine) AgentOption {
	return func(a *Agent) { a.engine = e }
}

// WithEnvelopeTTL overrides DefaultEnvelopeTTL.
func WithEnvelopeTTL(d time.Duration) AgentOption {
	return func(a *Agent) { a.ttl = d }
}

// WithInboxSize overrides the inbox buffer size.
func WithInboxSize(n int) AgentOption {
	return func(a *Agent) { a.inbox = make(chan *envelope.Envelope, n) }
}

// WithMailbox gives the agent a mailbox relay. The bureau runs the
// polling client alongside the agent's loop.
func WithMailbox(svc relay.Service, opts ...relay.ClientOption) AgentOption {
	return func(a *Agent) {
		a.mailboxSvc = svc
		a.mailboxOpts = opts
	}
}

// NewAgent creates an agent around an identity.
func NewAgent(name string, id *identity.Identity, opts ...AgentOption) *Agent {
	a := &Agent{
		name:     name,
		id:       id,
		registry: protocol.NewRegistry(),
		engine:   dialogue.NewEngine(dialogue.NewMemoryStore()),
		inbox:    make(chan *envelope.Envelope, defaultInboxSize),
		work:     make(chan func(context.Context)),
		ttl:      DefaultEnvelopeTTL,
		nonces:   make(map[identity.Address]uint64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent's configured name.
func (a *Agent) Name() string { return a.name }

// Address returns the agent's wire address.
func (a *Agent) Address() identity.Address { return a.id.Address() }

// Registry returns the agent's protocol registry.
func (a *Agent) Registry() *protocol.Registry { return a.registry }

// Engine returns the agent's dialogue engine.
func (a *Agent) Engine() *dialogue.Engine { return a.engine }

// RegisterProtocol registers a protocol spec and returns its digest.
func (a *Agent) RegisterProtocol(spec protocol.Spec) (string, error) {
	return a.registry.Register(spec)
}

// Bind attaches a decode prototype and handler to a schema. See
// protocol.Registry.Bind.
func (a *Agent) Bind(digest, schema string, factory func() any, handler protocol.Handler) error {
	return a.registry.Bind(digest, schema, factory, handler)
}

// AttachDialogue binds a dialogue to a protocol digest. Envelopes on
// that digest then go through the state machine instead of the plain
// schema handlers.
func (a *Agent) AttachDialogue(digest string, d *dialogue.Dialogue) {
	a.engine.Attach(digest, d)
}

// OnInterval schedules fn to run on the agent's loop every period.
func (a *Agent) OnInterval(period time.Duration, fn IntervalFunc) {
	a.intervals = append(a.intervals, interval{period: period, fn: fn})
}

// NewSession mints a fresh session id for starting a conversation.
func (a *Agent) NewSession() string {
	return uuid.New().String()
}

// nextNonce returns a monotonically increasing nonce for the target.
// Seeding from the wall clock keeps the sequence increasing across
// restarts.
func (a *Agent) nextNonce(target identity.Address) uint64 {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	n := uint64(time.Now().UnixNano())
	if prev := a.nonces[target]; prev >= n {
		n = prev + 1
	}
	a.nonces[target] = n
	return n
}

// Send validates, signs and dispatches one message. When a dialogue is
// attached to the digest, the local engine checks the transition
// before anything leaves the agent, so an illegal message fails here
// rather than at the peer. Send may be called from any goroutine; the
// engine serializes session updates against the agent's loop.
func (a *Agent) Send(ctx context.Context, target identity.Address, session, digest, schema string, payload any) (router.DeliveryResult, error) {
	if a.rt == nil {
		return router.DeliveryResult{}, errors.New("bureau: agent not added to a bureau")
	}
	env, err := envelope.Sign(envelope.Fields{
		Target:   target,
		Session:  session,
		Protocol: digest,
		Schema:   schema,
		Payload:  payload,
		Nonce:    a.nextNonce(target),
		Expires:  time.Now().Add(a.ttl),
	}, a.id)
	if err != nil {
		return router.DeliveryResult{}, err
	}

	if _, ok := a.engine.Dialogue(digest); ok {
		if _, err := a.engine.Observe(ctx, env); err != nil {
			return router.DeliveryResult{}, fmt.Errorf("bureau: outbound %s rejected: %w", schema, err)
		}
	}
	return a.rt.Dispatch(ctx, env)
}

// handle processes one admitted inbound envelope on the agent's loop.
func (a *Agent) handle(ctx context.Context, env *envelope.Envelope) {
	start := time.Now()
	defer func() {
		observability.RecordHandlerDuration(a.name, time.Since(start))
	}()

	decoded, err := a.registry.Decode(env.Protocol, env.Schema, env.Payload)
	if err != nil {
		observability.RecordInboundRejected("schema")
		log.Printf("bureau: %s dropping %s: %v", a.name, env, err)
		return
	}

	if _, ok := a.engine.Dialogue(env.Protocol); ok {
		_, err := a.engine.Advance(ctx, env, decoded)
		switch {
		case err == nil:
			observability.RecordSessionAdvance("ok")
		case errors.Is(err, dialogue.ErrNoSuchTransition):
			observability.RecordSessionAdvance("no_transition")
			log.Printf("bureau: %s rejecting %s: %v", a.name, env, err)
		case errors.Is(err, dialogue.ErrOutOfTurn):
			observability.RecordSessionAdvance("out_of_turn")
			log.Printf("bureau: %s rejecting %s: %v", a.name, env, err)
		case errors.Is(err, dialogue.ErrSessionClosed):
			observability.RecordSessionAdvance("closed")
			log.Printf("bureau: %s rejecting %s: %v", a.name, env, err)
		case errors.Is(err, dialogue.ErrSessionExpired):
			observability.RecordSessionAdvance("expired")
			log.Printf("bureau: %s rejecting %s: %v", a.name, env, err)
		default:
			observability.RecordSessionAdvance("error")
			log.Printf("bureau: %s handler error on %s: %v", a.name, env, err)
		}
		return
	}

	if h, ok := a.registry.Handler(env.Protocol, env.Schema); ok {
		if err := h(ctx, env.Sender, env.Session, decoded); err != nil {
			log.Printf("bureau: %s handler error on %s: %v", a.name, env, err)
		}
		return
	}
	log.Printf("bureau: %s has no handler for %s/%s", a.name, env.Protocol[:8], env.Schema)
}

// run is the agent's event loop. Interval timers post work into the
// loop so periodic callbacks and message handlers never overlap.
func (a *Agent) run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, iv := range a.intervals {
		wg.Add(1)
		go func(iv interval) {
			defer wg.Done()
			t := time.NewTicker(iv.period)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					task := func(ctx context.Context) {
						if err := iv.fn(ctx); err != nil {
							log.Printf("bureau: %s interval callback: %v", a.name, err)
						}
					}
					select {
					case a.work <- task:
					case <-ctx.Done():
						return
					}
				}
			}
		}(iv)
	}

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case env := <-a.inbox:
			a.handle(ctx, env)
		case task := <-a.work:
			task(ctx)
		case <-sweep.C:
			if n, err := a.engine.SweepIdle(ctx, time.Now()); err != nil {
				log.Printf("bureau: %s session sweep: %v", a.name, err)
			} else if n > 0 {
				log.Printf("bureau: %s dropped %d idle sessions", a.name, n)
			}
		}
	}
}
