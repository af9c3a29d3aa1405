package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/pkg/observability"
	"github.com/agentwire-dev/agentwire/relay"
)

// TLSConfig holds TLS settings for transport connections.
type TLSConfig struct {
	// Enabled turns on TLS.
	Enabled bool
	// CertFile is the path to the certificate.
	CertFile string
	// KeyFile is the path to the private key.
	KeyFile string
	// CAFile is the path to the CA certificate (for mTLS).
	CAFile string
	// ServerName is used for SNI verification.
	ServerName string
	// InsecureSkipVerify skips certificate verification. Development
	// only; a warning is logged.
	InsecureSkipVerify bool
}

func (c *TLSConfig) clientCredentials() (credentials.TransportCredentials, error) {
	if c == nil || !c.Enabled {
		return insecure.NewCredentials(), nil
	}
	cfg := &tls.Config{
		ServerName: c.ServerName,
		MinVersion: tls.VersionTLS12,
	}
	if c.InsecureSkipVerify {
		log.Printf("transport: WARNING: certificate verification disabled")
		cfg.InsecureSkipVerify = true
	}
	if c.CAFile != "" {
		ca, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("transport: no certificates in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("transport: loading client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(cfg), nil
}

// Client dials agent endpoints and relay endpoints, caching
// connections per endpoint. It implements the router's Deliverer and
// Pusher interfaces.
type Client struct {
	tlsConfig *TLSConfig

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a transport client. tlsConfig may be nil for
// plaintext connections.
func NewClient(tlsConfig *TLSConfig) *Client {
	return &Client{
		tlsConfig: tlsConfig,
		conns:     make(map[string]*grpc.ClientConn),
	}
}

func (c *Client) conn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[endpoint]; ok {
		return conn, nil
	}
	creds, err := c.tlsConfig.clientCredentials()
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", endpoint, err)
	}
	c.conns[endpoint] = conn
	return conn, nil
}

// Deliver sends an envelope to an agent endpoint.
func (c *Client) Deliver(ctx context.Context, endpoint string, env *envelope.Envelope) error {
	ctx, span := observability.StartSpan(ctx, "transport.deliver",
		trace.WithAttributes(
			attribute.String("rpc.endpoint", endpoint),
			attribute.String("message.target", string(env.Target)),
		),
	)
	defer span.End()

	conn, err := c.conn(endpoint)
	if err != nil {
		return err
	}
	_, err = NewCourierClient(conn).Deliver(ctx, &DeliverRequest{Envelope: env})
	if err != nil {
		return fmt.Errorf("transport: deliver to %s: %w", endpoint, err)
	}
	return nil
}

// Push enqueues an envelope at a relay endpoint.
func (c *Client) Push(ctx context.Context, relayEndpoint string, env *envelope.Envelope) error {
	conn, err := c.conn(relayEndpoint)
	if err != nil {
		return err
	}
	_, err = NewMailboxClient(conn).Push(ctx, &PushRequest{Envelope: env})
	if err != nil {
		return fmt.Errorf("transport: push to %s: %w", relayEndpoint, err)
	}
	return nil
}

// Close closes all cached connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for ep, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, ep)
	}
	return firstErr
}

// MailboxService adapts a relay endpoint to the relay.Service
// interface so a relay.Client can poll it.
type MailboxService struct {
	client   *Client
	endpoint string
}

// NewMailboxService binds a transport client to one relay endpoint.
func NewMailboxService(client *Client, endpoint string) *MailboxService {
	return &MailboxService{client: client, endpoint: endpoint}
}

func (m *MailboxService) Push(ctx context.Context, env *envelope.Envelope) error {
	return m.client.Push(ctx, m.endpoint, env)
}

func (m *MailboxService) Pull(ctx context.Context, agent identity.Address, cursor uint64) ([]*envelope.Envelope, uint64, error) {
	conn, err := m.client.conn(m.endpoint)
	if err != nil {
		return nil, cursor, err
	}
	resp, err := NewMailboxClient(conn).Pull(ctx, &PullRequest{Agent: string(agent), Cursor: cursor})
	if err != nil {
		return nil, cursor, fmt.Errorf("%w: %v", relay.ErrUnreachable, err)
	}
	return resp.Envelopes, resp.Next, nil
}

func (m *MailboxService) Status(ctx context.Context, sender identity.Address) ([]relay.Notice, error) {
	conn, err := m.client.conn(m.endpoint)
	if err != nil {
		return nil, err
	}
	resp, err := NewMailboxClient(conn).Status(ctx, &StatusRequest{Sender: string(sender)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrUnreachable, err)
	}
	return resp.Notices, nil
}
