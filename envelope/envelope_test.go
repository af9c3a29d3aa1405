package envelope

import (
	"errors"
	"testing"
	"time"

	"github.com/agentwire-dev/agentwire/identity"
)

type greeting struct {
	Text  string `cbor:"1,keyasint"`
	Count int    `cbor:"2,keyasint"`
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	return id
}

func signedEnvelope(t *testing.T, sender *identity.Identity) *Envelope {
	t.Helper()
	target := testIdentity(t)
	env, err := Sign(Fields{
		Target:   target.Address(),
		Session:  "sess-1",
		Protocol: "deadbeef",
		Schema:   "Greeting",
		Payload:  greeting{Text: "hello", Count: 3},
		Nonce:    42,
		Expires:  time.Now().Add(time.Minute),
	}, sender)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return env
}

func TestSignVerifyRoundTrip(t *testing.T) {
	sender := testIdentity(t)
	env := signedEnvelope(t, sender)

	from, err := Verify(env)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if from != sender.Address() {
		t.Errorf("Verify() sender = %s, want %s", from, sender.Address())
	}

	var got greeting
	if err := env.Open(&got); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got.Text != "hello" || got.Count != 3 {
		t.Errorf("Open() = %+v, want {hello 3}", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sender := testIdentity(t)
	env := signedEnvelope(t, sender)

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, err := Verify(decoded); err != nil {
		t.Fatalf("Verify() after decode error = %v", err)
	}
	if decoded.Nonce != env.Nonce || decoded.Session != env.Session {
		t.Errorf("Decode() = %s, want %s", decoded, env)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	sender := testIdentity(t)

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"payload swap", func(e *Envelope) {
			e.Payload = append([]byte(nil), e.Payload...)
			e.Payload[len(e.Payload)-1] ^= 0xFF
		}},
		{"nonce bump", func(e *Envelope) { e.Nonce++ }},
		{"session swap", func(e *Envelope) { e.Session = "sess-2" }},
		{"schema swap", func(e *Envelope) { e.Schema = "Farewell" }},
		{"signature flip", func(e *Envelope) { e.Signature[0] ^= 0xFF }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := signedEnvelope(t, sender)
			tt.mutate(env)
			if _, err := Verify(env); !errors.Is(err, ErrIntegrity) {
				t.Errorf("Verify() error = %v, want ErrIntegrity", err)
			}
		})
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	sender := testIdentity(t)
	impostor := testIdentity(t)
	env := signedEnvelope(t, sender)

	// Re-sign with a different key but keep the claimed sender address.
	env.SenderKey = append([]byte(nil), impostor.PublicKey()...)
	signed, err := env.signingBytes()
	if err != nil {
		t.Fatal(err)
	}
	env.Signature = impostor.Sign(signed)

	if _, err := Verify(env); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Verify() error = %v, want ErrIntegrity", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	sender := testIdentity(t)
	env := signedEnvelope(t, sender)

	later := time.Now().Add(2 * time.Minute)
	if _, err := VerifyAt(env, later); !errors.Is(err, ErrExpired) {
		t.Errorf("VerifyAt() error = %v, want ErrExpired", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	sender := testIdentity(t)

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"nil envelope", nil},
		{"no sender", func(e *Envelope) { e.Sender = "" }},
		{"no session", func(e *Envelope) { e.Session = "" }},
		{"bad sender address", func(e *Envelope) { e.Sender = "bogus" }},
		{"short key", func(e *Envelope) { e.SenderKey = e.SenderKey[:8] }},
		{"short signature", func(e *Envelope) { e.Signature = e.Signature[:8] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env *Envelope
			if tt.mutate != nil {
				env = signedEnvelope(t, sender)
				tt.mutate(env)
			}
			if _, err := VerifyAt(env, time.Now()); !errors.Is(err, ErrMalformed) {
				t.Errorf("VerifyAt() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestSignRequiresAddressing(t *testing.T) {
	sender := testIdentity(t)
	_, err := Sign(Fields{
		Session:  "sess-1",
		Protocol: "deadbeef",
		Schema:   "Greeting",
		Expires:  time.Now().Add(time.Minute),
	}, sender)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("Sign() without target error = %v, want ErrMalformed", err)
	}
}

func TestCanonicalEncodingIsStable(t *testing.T) {
	sender := testIdentity(t)
	env := signedEnvelope(t, sender)

	a, err := env.signingBytes()
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.signingBytes()
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("signing bytes differ between encodings of the same envelope")
	}
}
