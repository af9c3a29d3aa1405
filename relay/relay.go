// Package relay implements the mailbox store-and-forward layer:
// the client every agent with a mailbox runs, plus a relay server
// usable in-process or behind the gRPC transport.
//
// A mailbox is a bounded-retention relay, not a durable queue.
// Entries older than the retention window are dropped and surfaced to
// the sender as a best-effort expiry notice on its next status query.
package relay

import (
	"context"
	"errors"

	"github.com/agentwire-dev/agentwire/envelope"
	"github.com/agentwire-dev/agentwire/identity"
)

var (
	// ErrDeliveryExpired marks an enqueued envelope dropped after the
	// retention window without being pulled.
	ErrDeliveryExpired = errors.New("relay: delivery expired before pickup")

	// ErrUnreachable reports a relay that could not be contacted. The
	// client retries with backoff.
	ErrUnreachable = errors.New("relay: unreachable")
)

// Entry is one queued envelope, owned by the relay until pulled or
// expired.
type Entry struct {
	// Seq is the relay-assigned cursor ordinal, increasing per target.
	Seq uint64 `cbor:"1,keyasint"`
	// Target is the offline recipient.
	Target identity.Address `cbor:"2,keyasint"`
	// Envelope is the stored message.
	Envelope *envelope.Envelope `cbor:"3,keyasint"`
	// EnqueuedAt is the Unix timestamp of enqueue.
	EnqueuedAt int64 `cbor:"4,keyasint"`
	// Attempts counts delivery attempts (pulls that included the
	// entry before it was acknowledged).
	Attempts int `cbor:"5,keyasint"`
}

// Notice is a best-effort report that an enqueued envelope expired
// undelivered.
type Notice struct {
	Target     identity.Address `cbor:"1,keyasint"`
	Session    string           `cbor:"2,keyasint"`
	Schema     string           `cbor:"3,keyasint"`
	EnqueuedAt int64            `cbor:"4,keyasint"`
}

// Service is the relay API agents consume. Push stores an envelope for
// its target; Pull returns everything queued for agent past the
// cursor, acknowledging everything at or before the cursor so it is
// never redelivered; Status returns expiry notices for envelopes the
// sender pushed.
type Service interface {
	Push(ctx context.Context, env *envelope.Envelope) error
	Pull(ctx context.Context, agent identity.Address, cursor uint64) ([]*envelope.Envelope, uint64, error)
	Status(ctx context.Context, sender identity.Address) ([]Notice, error)
}
