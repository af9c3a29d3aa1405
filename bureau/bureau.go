package bureau

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentwire-dev/agentwire/pkg/observability"
	"github.com/agentwire-dev/agentwire/relay"
	"github.com/agentwire-dev/agentwire/router"
)

// ErrAlreadyRunning is returned by Run when the bureau is running.
var ErrAlreadyRunning = errors.New("bureau: already running")

// Bureau owns a router and a set of agents and drives their loops.
type Bureau struct {
	rt *router.Router

	mu      sync.RWMutex
	agents  map[string]*Agent
	running bool
}

// Option configures a Bureau.
type Option func(*Bureau)

// WithRouter plugs in a preconfigured router, typically one carrying
// a directory, transport and relay for cross-process delivery.
func WithRouter(rt *router.Router) Option {
	return func(b *Bureau) { b.rt = rt }
}

// New creates a bureau. Without WithRouter it gets a process-local
// router: agents can only reach each other inside this bureau.
func New(opts ...Option) *Bureau {
	b := &Bureau{
		agents: make(map[string]*Agent),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.rt == nil {
		b.rt = router.New()
	}
	return b
}

// Router returns the bureau's router.
func (b *Bureau) Router() *router.Router { return b.rt }

// AddAgent registers an agent with the bureau and its router. The
// agent's loop starts on the next Run; adding while running is not
// supported.
func (b *Bureau) AddAgent(a *Agent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return ErrAlreadyRunning
	}
	if _, ok := b.agents[a.name]; ok {
		return fmt.Errorf("bureau: agent %q already added", a.name)
	}
	if err := b.rt.Register(a.Address(), a.registry, a.inbox); err != nil {
		return err
	}
	a.rt = b.rt
	b.agents[a.name] = a
	observability.SetBureauAgents(len(b.agents))
	return nil
}

// Agent returns a hosted agent by name.
func (b *Bureau) Agent(name string) (*Agent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.agents[name]
	return a, ok
}

// Run starts every agent's loop and blocks until ctx is cancelled.
// In-flight handler invocations complete before Run returns. The
// returned error is ctx.Err() on a clean shutdown.
func (b *Bureau) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.running = true
	agents := make([]*Agent, 0, len(b.agents))
	for _, a := range b.agents {
		agents = append(agents, a)
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	log.Printf("bureau: running %d agents", len(agents))
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error { return a.run(ctx) })
		if a.mailboxSvc != nil {
			client := relay.NewClient(a.mailboxSvc, a.Address(), b.rt.Receive, a.mailboxOpts...)
			g.Go(func() error { return client.Run(ctx) })
		}
	}
	err := g.Wait()

	b.mu.Lock()
	for _, a := range agents {
		b.rt.Unregister(a.Address())
		delete(b.agents, a.name)
	}
	observability.SetBureauAgents(len(b.agents))
	b.mu.Unlock()
	return err
}
