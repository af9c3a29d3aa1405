package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentwire-dev/agentwire/identity"
)

// ErrNotFound is returned by directories for unknown addresses.
var ErrNotFound = errors.New("router: address not in directory")

// Record is a discovery directory entry for one agent address.
type Record struct {
	// Endpoints are network endpoints (host:port) where the agent
	// accepts direct delivery, in preference order.
	Endpoints []string
	// Mailbox is the agent's relay endpoint, or "" when the agent has
	// no mailbox.
	Mailbox string
	// Protocols lists the digests the agent advertised.
	Protocols []string
	// Expires is the Unix timestamp after which the record is stale
	// and must be re-resolved.
	Expires int64
}

// Expired reports whether the record is past its expiry.
func (r *Record) Expired(now time.Time) bool {
	return now.Unix() > r.Expires
}

// Directory resolves an agent address to its discovery record. The
// directory service itself is external; implementations here are
// clients of it.
type Directory interface {
	Resolve(ctx context.Context, addr identity.Address) (*Record, error)
}

// StaticDirectory is an in-memory directory populated from
// configuration. Records never expire unless given an explicit expiry.
type StaticDirectory struct {
	mu      sync.RWMutex
	records map[identity.Address]*Record
}

// NewStaticDirectory creates an empty static directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{records: make(map[identity.Address]*Record)}
}

// Set installs or replaces a record. A zero Expires means "never".
func (d *StaticDirectory) Set(addr identity.Address, rec Record) {
	if rec.Expires == 0 {
		rec.Expires = time.Now().AddDate(100, 0, 0).Unix()
	}
	d.mu.Lock()
	d.records[addr] = &rec
	d.mu.Unlock()
}

func (d *StaticDirectory) Resolve(_ context.Context, addr identity.Address) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[addr]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *rec
	return &dup, nil
}

// defaultCacheAge bounds how long a cached record is served without
// asking the upstream again, independent of the record's own expiry,
// so upstream replacements propagate.
const defaultCacheAge = time.Minute

// CachingDirectory wraps another directory with an expiry-honoring
// cache. A cached record is served until its own expiry or the cache
// age bound, whichever comes first; past either it is re-resolved from
// the upstream.
type CachingDirectory struct {
	upstream Directory
	maxAge   time.Duration

	mu    sync.RWMutex
	cache map[identity.Address]cachedRecord
}

type cachedRecord struct {
	rec     *Record
	fetched time.Time
}

// NewCachingDirectory wraps upstream with a cache.
func NewCachingDirectory(upstream Directory) *CachingDirectory {
	return &CachingDirectory{
		upstream: upstream,
		maxAge:   defaultCacheAge,
		cache:    make(map[identity.Address]cachedRecord),
	}
}

func (d *CachingDirectory) Resolve(ctx context.Context, addr identity.Address) (*Record, error) {
	now := time.Now()

	d.mu.RLock()
	c, ok := d.cache[addr]
	d.mu.RUnlock()
	if ok && !c.rec.Expired(now) && now.Sub(c.fetched) < d.maxAge {
		dup := *c.rec
		return &dup, nil
	}

	rec, err := d.upstream.Resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.cache[addr] = cachedRecord{rec: rec, fetched: now}
	d.mu.Unlock()
	dup := *rec
	return &dup, nil
}
