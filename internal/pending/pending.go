// Package pending implements the pending-request correlation table:
// a map of correlation id to a one-shot reply slot, used to match an
// inbound Response/Error envelope back to the goroutine awaiting it
// (spec §3, §4.1).
package pending

import (
	"sync"

	"github.com/nugget/hsipc/internal/herrors"
)

// Result is what a waiter receives: either a successful payload or a
// categorized error (e.g. the remote handler's Error envelope, or a
// timeout synthesized by the caller).
type Result struct {
	Payload []byte
	Err     *herrors.Error
}

// Table holds one-shot reply slots keyed by correlation id. Insertion
// is concurrent-safe; each slot is consumed by exactly one caller
// (spec §8 invariant 1: at most one completion per correlation id).
type Table struct {
	mu      sync.Mutex
	waiters map[string]chan Result
}

// New creates an empty pending-request table.
func New() *Table {
	return &Table{waiters: make(map[string]chan Result)}
}

// Register allocates a one-shot reply channel for id. Calling
// Register twice for the same id replaces the previous slot — callers
// are expected to use fresh correlation ids per call.
func (t *Table) Register(id string) <-chan Result {
	ch := make(chan Result, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

// Complete delivers res to the waiter registered under id and removes
// the slot. Returns false if no waiter was registered (a late or
// duplicate reply, silently discarded by the caller per spec §7).
func (t *Table) Complete(id string, res Result) bool {
	t.mu.Lock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Remove discards the slot for id without completing it, used when a
// caller times out and the pending entry must not linger.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// Len reports the number of in-flight correlation ids, for tests and
// diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
