// Package admission enforces the concurrency ceiling against a live
// count of in-flight agents. A bounded counter needs no third-party
// library: sync.Mutex plus two ints is the entire concern.
package admission

import "sync"

// Gate answers "may I spawn now?" against a fixed ceiling.
type Gate struct {
	mu            sync.Mutex
	active        int
	maxConcurrent int
}

// NewGate creates a gate with the given concurrency ceiling.
func NewGate(maxConcurrent int) *Gate {
	return &Gate{maxConcurrent: maxConcurrent}
}

// TryReserve attempts to claim one slot. Returns false (a soft "queue
// full" signal, not an error) when the ceiling is already reached.
func (g *Gate) TryReserve() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active >= g.maxConcurrent {
		return false
	}
	g.active++
	return true
}

// Release frees one slot. Safe to call even if nothing is reserved,
// though callers should pair every successful TryReserve with exactly
// one Release.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
}

// Active returns the current live count, for status reporting and tests.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
