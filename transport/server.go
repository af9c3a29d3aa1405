package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/relay"
	"github.com/agentwire-dev/agentwire/router"
)

// courierService exposes a router's inbound path as the Courier RPC.
type courierService struct {
	router *router.Router
}

func (s *courierService) Deliver(ctx context.Context, req *DeliverRequest) (*DeliverResponse, error) {
	if req.Envelope == nil {
		return nil, status.Error(codes.InvalidArgument, "missing envelope")
	}
	err := s.router.Receive(ctx, req.Envelope)
	switch {
	case err == nil:
		return &DeliverResponse{Accepted: true}, nil
	case errors.Is(err, router.ErrReplay):
		// Replays acknowledge like ordinary deliveries. A sender that
		// could distinguish rejection from loss gains a replay oracle.
		log.Printf("transport: dropped replay from %s", req.Envelope.Sender)
		return &DeliverResponse{Accepted: true}, nil
	case errors.Is(err, router.ErrUnknownAgent):
		return nil, status.Error(codes.NotFound, err.Error())
	case errors.Is(err, router.ErrUnsupportedProtocol):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	default:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
}

// mailboxService exposes a relay server over the Mailbox RPCs.
type mailboxService struct {
	relay *relay.Server
}

func (s *mailboxService) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if req.Envelope == nil {
		return nil, status.Error(codes.InvalidArgument, "missing envelope")
	}
	if err := s.relay.Push(ctx, req.Envelope); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &PushResponse{Accepted: true}, nil
}

func (s *mailboxService) Pull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	envs, next, err := s.relay.Pull(ctx, identity.Address(req.Agent), req.Cursor)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &PullResponse{Envelopes: envs, Next: next}, nil
}

func (s *mailboxService) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	notices, err := s.relay.Status(ctx, identity.Address(req.Sender))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &StatusResponse{Notices: notices}, nil
}

// Server hosts the Courier and/or Mailbox services on one listener.
type Server struct {
	grpcServer *grpc.Server
	listenAddr string
}

// ServerConfig configures a transport server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g. ":7946").
	ListenAddr string
	// Router receives Courier deliveries. Optional.
	Router *router.Router
	// Relay serves the Mailbox API. Optional.
	Relay *relay.Server
	// TLS configures transport security. Nil means plaintext.
	TLS *TLSConfig
}

// NewServer builds a transport server. At least one of Router and
// Relay must be set.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Router == nil && cfg.Relay == nil {
		return nil, errors.New("transport: server needs a router or a relay")
	}

	var opts []grpc.ServerOption
	if cfg.TLS != nil && cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: loading server keypair: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})))
	}

	s := grpc.NewServer(opts...)
	if cfg.Router != nil {
		RegisterCourierServer(s, &courierService{router: cfg.Router})
	}
	if cfg.Relay != nil {
		RegisterMailboxServer(s, &mailboxService{relay: cfg.Relay})
	}
	return &Server{grpcServer: s, listenAddr: cfg.ListenAddr}, nil
}

// Serve listens and blocks until the context is cancelled or the
// listener fails.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", s.listenAddr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on an already-bound listener. Useful when the
// caller needs the ephemeral port before serving starts.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()
	log.Printf("transport: serving on %s", lis.Addr())
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("transport: serve: %w", err)
	}
	return nil
}
