package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "agent-key"
	publicKeyFile  = "agent-key.pub"
)

// Save writes the identity's keypair under dir. The private key file
// gets 0600 permissions, the public key file 0644.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: creating key dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), id.private, 0600); err != nil {
		return fmt.Errorf("identity: writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), id.public, 0644); err != nil {
		return fmt.Errorf("identity: writing public key: %w", err)
	}
	return nil
}

// Load reads an identity previously written by Save.
func Load(dir string) (*Identity, error) {
	priv, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("identity: reading private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key has %d bytes, want %d", ErrInvalidKey, len(priv), ed25519.PrivateKeySize)
	}
	return FromPrivateKey(ed25519.PrivateKey(priv))
}

// LoadOrGenerate loads an identity from dir, or generates and saves a
// new one if no key file exists. Returns whether a new identity was
// created.
func LoadOrGenerate(dir string) (*Identity, bool, error) {
	id, err := Load(dir)
	if err == nil {
		return id, false, nil
	}
	if _, statErr := os.Stat(filepath.Join(dir, privateKeyFile)); statErr == nil {
		// File exists but didn't load: corruption or permissions.
		// Refuse to overwrite it.
		return nil, false, err
	}
	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(dir); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
