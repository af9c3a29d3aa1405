package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentwire-dev/agentwire/internal/codec"
)

// Registry is the closed schema table an agent advertises and decodes
// against. Payloads are decoded by tagged-variant dispatch on the
// envelope's (protocol digest, schema name) pair — a schema that was
// never registered cannot be decoded, by construction.
//
// Registries are read-heavy and shared across all agents in a bureau;
// reads take a shared lock, registration a exclusive one.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register computes the spec's digest and records the spec. Registering
// the same spec twice is a no-op returning the same digest.
func (r *Registry) Register(spec Spec) (string, error) {
	digest, err := Digest(spec)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[digest]; exists {
		return digest, nil
	}
	e := &entry{
		spec:     spec,
		bindings: make(map[string]binding),
		schemas:  make(map[string]Schema, len(spec.Schemas)),
	}
	for _, s := range spec.Schemas {
		e.schemas[s.Name] = s
	}
	r.entries[digest] = e
	return digest, nil
}

// Bind attaches a decode prototype and handler to one schema of a
// registered protocol. factory must return a pointer to a fresh zero
// value of the payload type. handler may be nil when the schema is
// only ever sent, never received.
func (r *Registry) Bind(digest, schema string, factory func() any, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[digest]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDigest, digest)
	}
	if _, ok := e.schemas[schema]; !ok {
		return fmt.Errorf("%w: %s in protocol %s", ErrUnknownSchema, schema, e.spec.Name)
	}
	if _, dup := e.bindings[schema]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, schema)
	}
	e.bindings[schema] = binding{factory: factory, handler: handler}
	return nil
}

// Supports reports whether the digest was registered here.
func (r *Registry) Supports(digest string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[digest]
	return ok
}

// Spec returns the registered spec for a digest.
func (r *Registry) Spec(digest string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[digest]
	if !ok {
		return Spec{}, false
	}
	return e.spec, true
}

// Digests lists all registered digests in stable order.
func (r *Registry) Digests() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for d := range r.entries {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Decode materializes a payload through the schema's bound prototype.
func (r *Registry) Decode(digest, schema string, payload codec.RawMessage) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[digest]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDigest, digest)
	}
	b, ok := e.bindings[schema]
	r.mu.RUnlock()
	if !ok || b.factory == nil {
		return nil, fmt.Errorf("%w: no binding for %s", ErrUnknownSchema, schema)
	}
	msg := b.factory()
	if err := codec.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("protocol: decoding %s payload: %w", schema, err)
	}
	return msg, nil
}

// Handler returns the handler bound to (digest, schema), if any.
func (r *Registry) Handler(digest, schema string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[digest]
	if !ok {
		return nil, false
	}
	b, ok := e.bindings[schema]
	if !ok || b.handler == nil {
		return nil, false
	}
	return b.handler, true
}
