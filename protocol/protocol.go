// Package protocol models named, versioned sets of message schemas and
// the content digest that decides interoperability.
//
// Two agents can converse only if each has registered a protocol whose
// digest exactly matches what the incoming envelope declares. The
// digest is a content hash over the canonicalized (name, version,
// schema shapes) tuple: order-independent over the schema set,
// order-sensitive within each schema's field list. Reordering fields
// is a breaking change on purpose — it surfaces silent
// incompatibility instead of hiding it.
package protocol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/agentwire-dev/agentwire/identity"
	"github.com/agentwire-dev/agentwire/internal/codec"
)

var (
	ErrInvalidSpec     = errors.New("protocol: invalid spec")
	ErrUnknownDigest   = errors.New("protocol: unknown digest")
	ErrUnknownSchema   = errors.New("protocol: unknown schema")
	ErrAlreadyBound    = errors.New("protocol: schema already bound")
	ErrDuplicateSchema = errors.New("protocol: duplicate schema name")
)

// Field is one named, typed slot in a message schema. Type is a free
// label ("string", "uint64", "bytes", ...) — it participates in the
// digest but is not enforced at decode time; the bound prototype does
// that.
type Field struct {
	Name string `cbor:"1,keyasint" yaml:"name"`
	Type string `cbor:"2,keyasint" yaml:"type"`
}

// Schema is a named message shape. Field order is significant.
type Schema struct {
	Name   string  `cbor:"1,keyasint" yaml:"name"`
	Fields []Field `cbor:"2,keyasint" yaml:"fields"`
}

// Spec is an immutable protocol definition: a name, a semantic
// version, and its message schemas.
type Spec struct {
	Name    string   `cbor:"1,keyasint" yaml:"name"`
	Version string   `cbor:"2,keyasint" yaml:"version"`
	Schemas []Schema `cbor:"3,keyasint" yaml:"schemas"`
}

// Digest computes the content digest of a spec. It is a pure function:
// the same logical spec always yields the same digest, regardless of
// the order schemas were listed in.
func Digest(spec Spec) (string, error) {
	if spec.Name == "" || spec.Version == "" {
		return "", fmt.Errorf("%w: name and version are required", ErrInvalidSpec)
	}
	if len(spec.Schemas) == 0 {
		return "", fmt.Errorf("%w: at least one schema is required", ErrInvalidSpec)
	}
	canonical := Spec{
		Name:    spec.Name,
		Version: spec.Version,
		Schemas: make([]Schema, len(spec.Schemas)),
	}
	copy(canonical.Schemas, spec.Schemas)
	sort.Slice(canonical.Schemas, func(i, j int) bool {
		return canonical.Schemas[i].Name < canonical.Schemas[j].Name
	})
	seen := make(map[string]struct{}, len(canonical.Schemas))
	for _, s := range canonical.Schemas {
		if s.Name == "" {
			return "", fmt.Errorf("%w: schema with empty name", ErrInvalidSpec)
		}
		if _, dup := seen[s.Name]; dup {
			return "", fmt.Errorf("%w: %s", ErrDuplicateSchema, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	data, err := codec.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("protocol: canonical encoding: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Handler processes one decoded message. from is the verified sender
// address, session the conversation instance the message arrived on.
type Handler func(ctx context.Context, from identity.Address, session string, msg any) error

// binding ties a schema name to its decode prototype and handler.
type binding struct {
	factory func() any
	handler Handler
}

type entry struct {
	spec     Spec
	bindings map[string]binding
	schemas  map[string]Schema
}
