package router

import (
	"sync"

	"github.com/agentwire-dev/agentwire/identity"
)

// defaultWindowSize bounds the per-pair nonce history. Nonces are
// monotonically increasing per (sender, target) pair, so a small
// recent window is enough to catch replays inside any sane expiry.
const defaultWindowSize = 128

type pairKey struct {
	sender, target identity.Address
}

// nonceWindow is a bounded set of recently seen nonces with FIFO
// eviction.
type nonceWindow struct {
	seen  map[uint64]struct{}
	order []uint64
	next  int
}

func newNonceWindow(size int) *nonceWindow {
	return &nonceWindow{
		seen:  make(map[uint64]struct{}, size),
		order: make([]uint64, size),
	}
}

// observe records nonce and reports whether it was already present.
func (w *nonceWindow) observe(nonce uint64) bool {
	if _, dup := w.seen[nonce]; dup {
		return true
	}
	if len(w.seen) == len(w.order) {
		delete(w.seen, w.order[w.next])
	}
	w.seen[nonce] = struct{}{}
	w.order[w.next] = nonce
	w.next = (w.next + 1) % len(w.order)
	return false
}

// replayGuard keeps one nonce window per (sender, target) pair. It is
// shared across all agents in a bureau: reads and writes both happen
// under one mutex because every observation mutates the window.
type replayGuard struct {
	mu    sync.Mutex
	size  int
	pairs map[pairKey]*nonceWindow
}

func newReplayGuard(size int) *replayGuard {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &replayGuard{size: size, pairs: make(map[pairKey]*nonceWindow)}
}

// observe records (sender, target, nonce) and reports a replay.
func (g *replayGuard) observe(sender, target identity.Address, nonce uint64) bool {
	key := pairKey{sender: sender, target: target}
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.pairs[key]
	if !ok {
		w = newNonceWindow(g.size)
		g.pairs[key] = w
	}
	return w.observe(nonce)
}

// forget drops all windows involving addr, used when an agent
// unregisters.
func (g *replayGuard) forget(addr identity.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.pairs {
		if key.sender == addr || key.target == addr {
			delete(g.pairs, key)
		}
	}
}
