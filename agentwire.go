// Package agentwire assembles a bureau of agents from configuration:
// identities, router, transport and optional mailbox relay, wired
// together and run until interrupted.
package agentwire

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/agentwire-dev/agentwire/bureau"
	"github.com/agentwire-dev/agentwire/dialogue"
	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/pkg/config"
	"github.com/agentwire-dev/agentwire/pkg/observability"
	"github.com/agentwire-dev/agentwire/relay"
	"github.com/agentwire-dev/agentwire/router"
	"github.com/agentwire-dev/agentwire/transport"
)

// Node is one assembled process: its bureau plus the network-facing
// pieces built from config.
type Node struct {
	Bureau    *bureau.Bureau
	Directory *router.StaticDirectory
	Relay     *relay.Server

	cfg       *config.Config
	transport *transport.Client
	server    *transport.Server
}

// Setup is called after agents are constructed but before the node
// runs, to register protocols, bind handlers and attach dialogues.
type Setup func(n *Node) error

// Run loads a config file, builds a node and runs it until SIGINT or
// SIGTERM.
func Run(configPath string, setup Setup) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("agentwire: invalid config: %w", err)
	}
	return RunWithConfig(cfg, setup)
}

// RunWithConfig builds a node from an already-loaded config and runs
// it until SIGINT or SIGTERM.
func RunWithConfig(cfg *config.Config, setup Setup) error {
	node, err := Build(cfg)
	if err != nil {
		return err
	}
	if setup != nil {
		if err := setup(node); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("agentwire: shutting down")
		cancel()
	}()

	return node.Run(ctx)
}

// Build constructs a node from config: one identity and agent per
// agents entry, a router over the configured directory, and transport
// and relay when configured.
func Build(cfg *config.Config) (*Node, error) {
	n := &Node{cfg: cfg, Directory: router.NewStaticDirectory()}

	// The static directory is populated from config; dispatch resolves
	// through the cache so a future remote directory slots in behind it.
	routerOpts := []router.Option{
		router.WithDirectory(router.NewCachingDirectory(n.Directory)),
		router.WithReplayWindow(cfg.Runtime.ReplayWindow),
	}

	var tlsCfg *transport.TLSConfig
	if cfg.Transport.TLS.Enabled {
		tlsCfg = &transport.TLSConfig{
			Enabled:            true,
			CertFile:           cfg.Transport.TLS.CertFile,
			KeyFile:            cfg.Transport.TLS.KeyFile,
			CAFile:             cfg.Transport.TLS.CAFile,
			ServerName:         cfg.Transport.TLS.ServerName,
			InsecureSkipVerify: cfg.Transport.TLS.InsecureSkipVerify,
		}
	}
	n.transport = transport.NewClient(tlsCfg)
	routerOpts = append(routerOpts, router.WithTransport(n.transport))

	// Mailbox relay: either served from this node or reached over the
	// transport.
	var mailbox relay.Service
	if cfg.Relay.Enabled {
		if cfg.Relay.Serve {
			store, err := relayQueue(cfg)
			if err != nil {
				return nil, err
			}
			n.Relay = relay.NewServer(store, relay.WithRetention(cfg.Relay.Retention))
			mailbox = n.Relay
		} else {
			mailbox = transport.NewMailboxService(n.transport, cfg.Relay.Endpoint)
		}
		routerOpts = append(routerOpts, router.WithRelay(boundMailboxPusher{mailbox}))
	}

	n.Bureau = bureau.New(bureau.WithRouter(router.New(routerOpts...)))

	for name, def := range cfg.Agents {
		if def.Name == "" {
			def.Name = name
		}
		keyDir := def.KeyDir
		if keyDir == "" {
			keyDir = cfg.KeyDir + "/" + def.Name
		}
		id, created, err := identity.LoadOrGenerate(keyDir)
		if err != nil {
			return nil, fmt.Errorf("agentwire: keys for %s: %w", def.Name, err)
		}
		if created {
			log.Printf("agentwire: generated identity %s for %s", id.Address(), def.Name)
		}

		opts := []bureau.AgentOption{
			bureau.WithEnvelopeTTL(cfg.Runtime.EnvelopeTTL),
			bureau.WithInboxSize(cfg.Runtime.InboxSize),
		}
		store, err := sessionStore(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bureau.WithEngine(
			dialogue.NewEngine(store, dialogue.WithIdleTimeout(cfg.Runtime.SessionIdle))))
		if def.Mailbox != "" && mailbox != nil {
			opts = append(opts, bureau.WithMailbox(mailbox,
				relay.WithPollInterval(cfg.Relay.PollBase),
				relay.WithMaxInterval(cfg.Relay.PollMax)))
		}

		a := bureau.NewAgent(def.Name, id, opts...)
		if err := n.Bureau.AddAgent(a); err != nil {
			return nil, err
		}
		log.Printf("agentwire: created agent %s (%s)", def.Name, id.Address())
	}

	// Peer endpoints from config become directory records.
	for addr, endpoint := range cfg.Transport.Endpoints {
		n.Directory.Set(identity.Address(addr), router.Record{
			Endpoints: []string{endpoint},
		})
	}

	if cfg.Transport.ListenAddr != "" || (cfg.Relay.Enabled && cfg.Relay.Serve) {
		srv, err := transport.NewServer(transport.ServerConfig{
			ListenAddr: cfg.Transport.ListenAddr,
			Router:     n.Bureau.Router(),
			Relay:      n.Relay,
			TLS:        tlsCfg,
		})
		if err != nil {
			return nil, err
		}
		n.server = srv
	}
	return n, nil
}

// boundMailboxPusher satisfies router.Pusher with a relay.Service that
// is already bound to its destination (the in-process relay server or
// the configured relay endpoint); the record's endpoint is ignored.
type boundMailboxPusher struct {
	svc relay.Service
}

func (p boundMailboxPusher) Push(ctx context.Context, relayEndpoint string, env *envelope.Envelope) error {
	return p.svc.Push(ctx, env)
}

// Agent returns a hosted agent by name.
func (n *Node) Agent(name string) (*bureau.Agent, bool) {
	return n.Bureau.Agent(name)
}

// Run starts the bureau, the transport listener, the relay sweeper
// and the observability server, and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if n.cfg.Runtime.EnableMetrics {
		observability.InitMetrics()
		if err := observability.InitTracingFromEnv(); err != nil {
			log.Printf("agentwire: tracing init: %v", err)
		}
		defer func() {
			if err := observability.ShutdownTracing(context.Background()); err != nil {
				log.Printf("agentwire: tracing shutdown: %v", err)
			}
		}()
		obs := observability.NewServer(n.cfg.Observability.Port, observability.PingCheck())
		go func() {
			log.Printf("agentwire: observability on :%d", n.cfg.Observability.Port)
			if err := obs.Start(); err != nil {
				log.Printf("agentwire: observability server: %v", err)
			}
		}()
		defer func() {
			if err := obs.Shutdown(context.Background()); err != nil {
				log.Printf("agentwire: observability shutdown: %v", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Bureau.Run(ctx) })
	if n.server != nil {
		g.Go(func() error { return n.server.Serve(ctx) })
	}
	if n.Relay != nil {
		g.Go(func() error { return n.Relay.Run(ctx) })
		defer func() {
			if err := n.Relay.Close(); err != nil {
				log.Printf("agentwire: relay close: %v", err)
			}
		}()
	}

	err := g.Wait()
	if closeErr := n.transport.Close(); closeErr != nil {
		log.Printf("agentwire: transport close: %v", closeErr)
	}
	if err != nil && ctx.Err() != nil {
		// Cancellation is the normal way down.
		return nil
	}
	return err
}

func sessionStore(cfg *config.Config) (dialogue.Store, error) {
	if cfg.Redis.Addr == "" {
		return dialogue.NewMemoryStore(), nil
	}
	return dialogue.NewRedisStore(dialogue.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	})
}

func relayQueue(cfg *config.Config) (relay.QueueStore, error) {
	if cfg.Redis.Addr == "" {
		return relay.NewMemoryQueue(), nil
	}
	return relay.NewRedisQueue(relay.RedisQueueConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
