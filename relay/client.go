package relay

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/pkg/observability"
)

const (
	// DefaultPollInterval is the base poll interval when the relay is
	// healthy.
	DefaultPollInterval = 2 * time.Second
	// DefaultMaxInterval caps exponential backoff after repeated
	// relay-unreachable errors.
	DefaultMaxInterval = 2 * time.Minute
)

// Deliver hands a pulled envelope to the local delivery pipeline,
// typically Router.Receive.
type Deliver func(ctx context.Context, env *envelope.Envelope) error

// Client is the mailbox relay client a connected agent runs. It
// pushes outbound envelopes for offline recipients and polls its own
// queue, with exponential backoff while the relay is unreachable.
type Client struct {
	svc     Service
	self    identity.Address
	deliver Deliver

	base    time.Duration
	max     time.Duration
	limiter *rate.Limiter

	cursor uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPollInterval overrides the base poll interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.base = d }
}

// WithMaxInterval overrides the backoff cap.
func WithMaxInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.max = d }
}

// NewClient creates a relay client for the agent at self. deliver is
// invoked for each pulled envelope, in enqueue order.
func NewClient(svc Service, self identity.Address, deliver Deliver, opts ...ClientOption) *Client {
	c := &Client{
		svc:     svc,
		self:    self,
		deliver: deliver,
		base:    DefaultPollInterval,
		max:     DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The limiter floors the poll rate at one per base interval even
	// if callers tighten the loop.
	c.limiter = rate.NewLimiter(rate.Every(c.base), 1)
	return c
}

// Enqueue pushes an outbound envelope to the relay for its target.
func (c *Client) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if err := c.svc.Push(ctx, env); err != nil {
		return fmt.Errorf("relay: enqueue: %w", err)
	}
	return nil
}

// PollOnce pulls everything queued since the last successful poll and
// delivers it locally. The returned count is the number of envelopes
// pulled.
func (c *Client) PollOnce(ctx context.Context) (int, error) {
	envs, next, err := c.svc.Pull(ctx, c.self, c.cursor)
	if err != nil {
		observability.RecordMailboxPoll("error")
		return 0, err
	}
	c.cursor = next
	observability.RecordMailboxPoll("ok")
	for _, env := range envs {
		if err := c.deliver(ctx, env); err != nil {
			// Local admission rejected the envelope (bad signature,
			// replay, closed session). That is terminal for the
			// envelope, not for the poll.
			log.Printf("relay: dropping pulled envelope %s: %v", env, err)
		}
	}
	return len(envs), nil
}

// Status queries the relay for expiry notices on envelopes this agent
// pushed. Each notice wraps ErrDeliveryExpired.
func (c *Client) Status(ctx context.Context) ([]error, error) {
	notices, err := c.svc.Status(ctx, c.self)
	if err != nil {
		return nil, err
	}
	errs := make([]error, 0, len(notices))
	for _, n := range notices {
		errs = append(errs, fmt.Errorf("%w: %s for %s enqueued %s",
			ErrDeliveryExpired, n.Schema, n.Target,
			time.Unix(n.EnqueuedAt, 0).UTC().Format(time.RFC3339)))
	}
	return errs, nil
}

// backoff doubles the poll interval, capped at the client's max.
func (c *Client) backoff(d time.Duration) time.Duration {
	d *= 2
	if d > c.max {
		d = c.max
	}
	return d
}

// Run polls until the context is cancelled. Poll failures back off
// exponentially up to the cap; a successful poll resets the interval
// to base.
func (c *Client) Run(ctx context.Context) error {
	interval := c.base
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		if _, err := c.PollOnce(ctx); err != nil {
			interval = c.backoff(interval)
			log.Printf("relay: poll failed, next attempt in %s: %v", interval, err)
		} else {
			interval = c.base
		}
		observability.SetMailboxPollInterval(interval)
		timer.Reset(interval)
	}
}
