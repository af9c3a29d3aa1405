// Package router resolves destination addresses to transports and
// dispatches envelopes: in-process handoff for agents hosted by the
// same bureau, direct network delivery for resolvable endpoints, and
// mailbox relay enqueue for everything else.
//
// The router also owns inbound admission: signature verification,
// replay rejection and protocol-support checks all happen here, before
// any dialogue engine or handler sees the envelope.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/pkg/observability"
	"github.com/agentwire-dev/agentwire/protocol"
)

var (
	// ErrReplay reports a nonce already seen for the (sender, target)
	// pair. Replays are dropped without a wire-visible error so an
	// attacker cannot tell a rejection from ordinary loss.
	ErrReplay = errors.New("router: replayed envelope")

	// ErrUnsupportedProtocol reports a digest the target never
	// registered. No handler is invoked.
	ErrUnsupportedProtocol = errors.New("router: unsupported protocol digest")

	// ErrUnknownAgent reports delivery to an address not hosted here
	// and not resolvable anywhere else.
	ErrUnknownAgent = errors.New("router: unknown agent")

	// ErrNoRoute reports a target with no endpoint and no mailbox.
	ErrNoRoute = errors.New("router: no route to target")
)

// DeliveryStatus classifies the outcome of a dispatch.
type DeliveryStatus int

const (
	// StatusDelivered: the envelope reached the target's inbox or a
	// live endpoint acknowledged it.
	StatusDelivered DeliveryStatus = iota
	// StatusPending: the envelope is queued at a mailbox relay and
	// will reach the target on its next poll.
	StatusPending
)

func (s DeliveryStatus) String() string {
	if s == StatusDelivered {
		return "delivered"
	}
	return "pending"
}

// DeliveryResult describes how an envelope left the router.
type DeliveryResult struct {
	Status DeliveryStatus
	// Route is "local", "endpoint" or "mailbox".
	Route string
}

// Deliverer performs direct network delivery to one endpoint. The
// transport package provides the gRPC implementation.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, env *envelope.Envelope) error
}

// Pusher enqueues an envelope at a mailbox relay endpoint.
type Pusher interface {
	Push(ctx context.Context, relayEndpoint string, env *envelope.Envelope) error
}

type localAgent struct {
	registry *protocol.Registry
	inbox    chan<- *envelope.Envelope
}

// Router dispatches envelopes. Safe for concurrent use by all agents
// of a bureau.
type Router struct {
	mu        sync.RWMutex
	locals    map[identity.Address]*localAgent
	directory Directory
	transport Deliverer
	relay     Pusher
	replays   *replayGuard
}

// Option configures a Router.
type Option func(*Router)

// WithDirectory sets the discovery directory used to resolve
// non-local targets.
func WithDirectory(d Directory) Option {
	return func(r *Router) { r.directory = d }
}

// WithTransport sets the direct-delivery transport.
func WithTransport(t Deliverer) Option {
	return func(r *Router) { r.transport = t }
}

// WithRelay sets the mailbox relay pusher.
func WithRelay(p Pusher) Option {
	return func(r *Router) { r.relay = p }
}

// WithReplayWindow overrides the per-pair replay window size.
func WithReplayWindow(size int) Option {
	return func(r *Router) { r.replays = newReplayGuard(size) }
}

// New creates a Router.
func New(opts ...Option) *Router {
	r := &Router{
		locals:  make(map[identity.Address]*localAgent),
		replays: newReplayGuard(defaultWindowSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes addr locally deliverable. registry decides which
// protocol digests are admitted; inbox is the agent's single-consumer
// channel.
func (r *Router) Register(addr identity.Address, registry *protocol.Registry, inbox chan<- *envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.locals[addr]; dup {
		return fmt.Errorf("router: %s already registered", addr)
	}
	r.locals[addr] = &localAgent{registry: registry, inbox: inbox}
	return nil
}

// Unregister removes addr. Further deliveries to it fail with
// ErrUnknownAgent. Envelopes already queued at a relay are not
// retracted.
func (r *Router) Unregister(addr identity.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locals[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, addr)
	}
	delete(r.locals, addr)
	r.replays.forget(addr)
	return nil
}

// Hosts reports whether addr is registered locally.
func (r *Router) Hosts(addr identity.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.locals[addr]
	return ok
}

// Dispatch routes an outbound envelope. Resolution order: local
// handoff, then direct endpoint delivery, then mailbox enqueue.
// Delivery is at-most-once per attempt; the router never retries on
// its own.
func (r *Router) Dispatch(ctx context.Context, env *envelope.Envelope) (DeliveryResult, error) {
	ctx, span := observability.StartSpan(ctx, "router.dispatch",
		trace.WithAttributes(
			attribute.String("message.target", string(env.Target)),
			attribute.String("message.schema", env.Schema),
		),
	)
	defer span.End()

	res, err := r.dispatch(ctx, env)
	span.SetAttributes(
		attribute.String("message.route", res.Route),
		attribute.Bool("message.delivered", err == nil),
	)
	return res, err
}

func (r *Router) dispatch(ctx context.Context, env *envelope.Envelope) (DeliveryResult, error) {
	r.mu.RLock()
	_, isLocal := r.locals[env.Target]
	r.mu.RUnlock()

	if isLocal {
		if err := r.Receive(ctx, env); err != nil {
			observability.RecordDispatch("local", "error")
			return DeliveryResult{}, err
		}
		observability.RecordDispatch("local", "ok")
		return DeliveryResult{Status: StatusDelivered, Route: "local"}, nil
	}

	var rec *Record
	if r.directory != nil {
		var err error
		rec, err = r.directory.Resolve(ctx, env.Target)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return DeliveryResult{}, fmt.Errorf("router: resolving %s: %w", env.Target, err)
		}
	}
	if rec != nil && rec.Expired(time.Now()) {
		// A stale record is as good as none: the endpoints it names may
		// have moved since the agent last advertised.
		rec = nil
	}
	if rec == nil {
		observability.RecordDispatch("none", "error")
		return DeliveryResult{}, fmt.Errorf("%w: %s", ErrUnknownAgent, env.Target)
	}

	if r.transport != nil {
		for _, ep := range rec.Endpoints {
			if err := r.transport.Deliver(ctx, ep, env); err != nil {
				log.Printf("router: delivery to %s via %s failed: %v", env.Target, ep, err)
				continue
			}
			observability.RecordDispatch("endpoint", "ok")
			return DeliveryResult{Status: StatusDelivered, Route: "endpoint"}, nil
		}
	}

	if r.relay != nil && rec.Mailbox != "" {
		if err := r.relay.Push(ctx, rec.Mailbox, env); err != nil {
			observability.RecordDispatch("mailbox", "error")
			return DeliveryResult{}, fmt.Errorf("router: relay enqueue for %s: %w", env.Target, err)
		}
		observability.RecordDispatch("mailbox", "ok")
		return DeliveryResult{Status: StatusPending, Route: "mailbox"}, nil
	}

	observability.RecordDispatch("none", "error")
	return DeliveryResult{}, fmt.Errorf("%w: %s has no reachable endpoint and no mailbox", ErrNoRoute, env.Target)
}

// Receive admits an inbound envelope to a locally hosted agent. It
// verifies the signature, checks the target and its protocol support,
// rejects replays, then hands the envelope to the target's inbox.
// The nonce is recorded only once the envelope is otherwise admitted:
// a delivery that bounces off an unregistered target must not burn the
// nonce, or the sender's retransmission would be dropped as a replay.
func (r *Router) Receive(ctx context.Context, env *envelope.Envelope) error {
	ctx, span := observability.StartSpan(ctx, "router.receive",
		trace.WithAttributes(
			attribute.String("message.sender", string(env.Sender)),
			attribute.String("message.schema", env.Schema),
		),
	)
	defer span.End()

	if _, err := envelope.Verify(env); err != nil {
		observability.RecordInboundRejected("integrity")
		return err
	}

	r.mu.RLock()
	la, ok := r.locals[env.Target]
	r.mu.RUnlock()
	if !ok {
		observability.RecordInboundRejected("unknown_agent")
		return fmt.Errorf("%w: %s", ErrUnknownAgent, env.Target)
	}
	if !la.registry.Supports(env.Protocol) {
		observability.RecordInboundRejected("unsupported_protocol")
		return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, env.Protocol)
	}

	if r.replays.observe(env.Sender, env.Target, env.Nonce) {
		observability.RecordReplayRejected()
		return fmt.Errorf("%w: nonce %d from %s", ErrReplay, env.Nonce, env.Sender)
	}

	select {
	case la.inbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
