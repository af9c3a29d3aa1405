// Package envelope defines the signed, addressed unit of transport for
// a single agent-to-agent message, and the codec that signs and
// verifies it.
//
// Envelopes are encoded with canonical CBOR so that the bytes under
// the signature are identical on every node. An envelope is immutable
// after signing; mutate-and-resend is a fresh envelope with a fresh
// nonce.
package envelope

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/internal/codec"
)

var (
	// ErrIntegrity reports a signature that does not verify, or a
	// sender address that was not derived from the bundled public key.
	// Always fatal to the envelope, never retried.
	ErrIntegrity = errors.New("envelope: integrity check failed")

	// ErrExpired reports an envelope past its expiry timestamp.
	ErrExpired = errors.New("envelope: expired")

	// ErrMalformed reports a structurally invalid envelope.
	ErrMalformed = errors.New("envelope: malformed")
)

// Envelope is the wire message unit. Field numbers are the CBOR map
// keys; they are part of the signed encoding and must never be reused.
type Envelope struct {
	// Sender is the address derived from SenderKey.
	Sender identity.Address `cbor:"1,keyasint"`

	// Target is the destination agent address.
	Target identity.Address `cbor:"2,keyasint"`

	// Session identifies the conversation instance this message
	// belongs to.
	Session string `cbor:"3,keyasint"`

	// Protocol is the digest of the protocol the payload belongs to.
	// The receiver rejects envelopes declaring a digest it has not
	// registered.
	Protocol string `cbor:"4,keyasint"`

	// Schema names the message schema within the protocol. Dialogue
	// transitions are keyed on it.
	Schema string `cbor:"5,keyasint"`

	// Payload is the opaque, schema-specific message body.
	Payload codec.RawMessage `cbor:"6,keyasint"`

	// Nonce increases monotonically per (sender, target) pair. The
	// codec checks only structure; replay rejection belongs to the
	// router.
	Nonce uint64 `cbor:"7,keyasint"`

	// Expires is a Unix timestamp (seconds) after which the envelope
	// must be rejected.
	Expires int64 `cbor:"8,keyasint"`

	// SenderKey is the sender's Ed25519 public key.
	SenderKey []byte `cbor:"9,keyasint"`

	// Signature is the Ed25519 signature over the canonical encoding
	// of all preceding fields.
	Signature []byte `cbor:"10,keyasint,omitempty"`
}

// Fields carries everything the application supplies when producing an
// envelope. Sender, SenderKey and Signature are filled in by Sign.
type Fields struct {
	Target   identity.Address
	Session  string
	Protocol string
	Schema   string
	Payload  any
	Nonce    uint64
	Expires  time.Time
}

// Sign builds and signs an envelope. The payload is encoded with the
// canonical codec; pass a codec.RawMessage to supply pre-encoded bytes.
func Sign(f Fields, id *identity.Identity) (*Envelope, error) {
	if f.Target == "" || f.Session == "" || f.Protocol == "" || f.Schema == "" {
		return nil, fmt.Errorf("%w: target, session, protocol and schema are required", ErrMalformed)
	}
	payload, err := codec.Marshal(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding payload: %w", err)
	}
	env := &Envelope{
		Sender:    id.Address(),
		Target:    f.Target,
		Session:   f.Session,
		Protocol:  f.Protocol,
		Schema:    f.Schema,
		Payload:   payload,
		Nonce:     f.Nonce,
		Expires:   f.Expires.Unix(),
		SenderKey: append([]byte(nil), id.PublicKey()...),
	}
	signed, err := env.signingBytes()
	if err != nil {
		return nil, err
	}
	env.Signature = id.Sign(signed)
	return env, nil
}

// signingBytes returns the canonical encoding of the envelope with the
// signature field absent. These are the bytes that get signed.
func (e *Envelope) signingBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	data, err := codec.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonical encoding: %w", err)
	}
	return data, nil
}

// Verify checks structure, expiry, sender address derivation and
// signature, in that order. On success it returns the verified sender
// address.
func Verify(e *Envelope) (identity.Address, error) {
	return VerifyAt(e, time.Now())
}

// VerifyAt is Verify with an explicit clock, for deterministic tests.
func VerifyAt(e *Envelope, now time.Time) (identity.Address, error) {
	if e == nil {
		return "", fmt.Errorf("%w: nil envelope", ErrMalformed)
	}
	if e.Sender == "" || e.Target == "" || e.Session == "" || e.Protocol == "" || e.Schema == "" {
		return "", fmt.Errorf("%w: missing required field", ErrMalformed)
	}
	if err := e.Sender.Validate(); err != nil {
		return "", fmt.Errorf("%w: sender: %v", ErrMalformed, err)
	}
	if len(e.SenderKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: sender key has %d bytes, want %d", ErrMalformed, len(e.SenderKey), ed25519.PublicKeySize)
	}
	if len(e.Signature) != ed25519.SignatureSize {
		return "", fmt.Errorf("%w: signature has %d bytes, want %d", ErrMalformed, len(e.Signature), ed25519.SignatureSize)
	}
	if now.Unix() > e.Expires {
		return "", fmt.Errorf("%w: at %d, expired %d", ErrExpired, now.Unix(), e.Expires)
	}
	pub := ed25519.PublicKey(e.SenderKey)
	if !e.Sender.Matches(pub) {
		return "", fmt.Errorf("%w: sender address not derived from bundled key", ErrIntegrity)
	}
	signed, err := e.signingBytes()
	if err != nil {
		return "", err
	}
	if !ed25519.Verify(pub, signed, e.Signature) {
		return "", fmt.Errorf("%w: bad signature", ErrIntegrity)
	}
	return e.Sender, nil
}

// Open decodes the payload into v. Call only after Verify.
func (e *Envelope) Open(v any) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: payload does not match schema %s: %v", ErrMalformed, e.Schema, err)
	}
	return nil
}

// Encode returns the full wire encoding of a signed envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return codec.Marshal(e)
}

// Decode parses a wire encoding. It does not verify; callers must run
// Verify before trusting any field.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope{%s->%s session=%s schema=%s nonce=%d}", e.Sender, e.Target, e.Session, e.Schema, e.Nonce)
}
