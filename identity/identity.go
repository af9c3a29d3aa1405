// Package identity holds an agent's Ed25519 key material and derives
// its stable wire address from the public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// addressPrefix marks an agentwire address. The remainder is the
// lowercase hex of the 20-byte BLAKE3 digest of the Ed25519 public key.
const addressPrefix = "aw1"

// addressDigestSize is the truncated digest length in bytes.
const addressDigestSize = 20

var (
	ErrInvalidAddress = errors.New("identity: invalid address")
	ErrInvalidKey     = errors.New("identity: invalid key material")
)

// Address is the stable identifier of an agent, derived
// deterministically from its public key. Equality is byte-exact.
type Address string

// AddressOf derives the address for an Ed25519 public key.
func AddressOf(pub ed25519.PublicKey) Address {
	sum := blake3.Sum256(pub)
	return Address(addressPrefix + hex.EncodeToString(sum[:addressDigestSize]))
}

// Validate checks that the address has the expected prefix and digest
// length. It cannot check that a matching public key exists.
func (a Address) Validate() error {
	s := string(a)
	if !strings.HasPrefix(s, addressPrefix) {
		return fmt.Errorf("%w: missing %q prefix", ErrInvalidAddress, addressPrefix)
	}
	body := s[len(addressPrefix):]
	if len(body) != addressDigestSize*2 {
		return fmt.Errorf("%w: digest is %d hex chars, want %d", ErrInvalidAddress, len(body), addressDigestSize*2)
	}
	if _, err := hex.DecodeString(body); err != nil {
		return fmt.Errorf("%w: digest is not hex", ErrInvalidAddress)
	}
	return nil
}

func (a Address) String() string { return string(a) }

// Matches reports whether the address was derived from pub.
func (a Address) Matches(pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return a == AddressOf(pub)
}

// Identity is an agent's signing identity. The private key is
// exclusively owned by the agent that holds the Identity value.
type Identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
	address Address
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating Ed25519 keypair: %w", err)
	}
	return &Identity{public: pub, private: priv, address: AddressOf(pub)}, nil
}

// FromPrivateKey builds an Identity from existing key material.
func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key has %d bytes, want %d", ErrInvalidKey, len(priv), ed25519.PrivateKeySize)
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{public: pub, private: priv, address: AddressOf(pub)}, nil
}

// Address returns the agent address derived from the public key.
func (id *Identity) Address() Address { return id.address }

// PublicKey returns the Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.public }

// Sign signs data with the private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.private, data)
}
