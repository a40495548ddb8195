// Package nonce tracks per-sender nonce allocation: a mutex-guarded map
// seeded from the chain's pending transaction count on first use, then
// incremented locally for every further allocation so concurrent sends
// never collide.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"txcoordinator/internal/model"
	"txcoordinator/internal/rpc"
)

// PendingNonceSource is the subset of internal/rpc.Client the allocator
// needs, kept narrow so it can be faked in tests.
type PendingNonceSource interface {
	GetTransactionCount(ctx context.Context, sender model.Sender, tag rpc.BlockTag) (uint64, error)
}

// Allocator hands out the next unused nonce for each sender.
type Allocator struct {
	mu     sync.Mutex
	source PendingNonceSource
	next   map[model.Sender]uint64
}

func NewAllocator(source PendingNonceSource) *Allocator {
	return &Allocator{source: source, next: map[model.Sender]uint64{}}
}

// GetNextNonce returns the next nonce to use for sender, seeding from the
// node's pending transaction count on the first call, then incrementing in
// memory. It reads the chain only on a sender's first call, and again on
// the first call after Reset.
func (a *Allocator) GetNextNonce(ctx context.Context, sender model.Sender) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n, ok := a.next[sender]; ok {
		a.next[sender] = n + 1
		return n, nil
	}
	seed, err := a.source.GetTransactionCount(ctx, sender, rpc.Pending())
	if err != nil {
		return 0, fmt.Errorf("seed nonce for %s: %w", sender, err)
	}
	a.next[sender] = seed + 1
	return seed, nil
}

// Reset discards in-memory allocation state for sender, forcing the next
// call to GetNextNonce to reseed from the chain.
func (a *Allocator) Reset(sender model.Sender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.next, sender)
}

// Observe records that nonce has already been consumed for sender (e.g. a
// transaction the sync engine discovered was replaced by the user),
// ensuring future allocations don't reuse it.
func (a *Allocator) Observe(sender model.Sender, nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.next[sender]; !ok || nonce >= cur {
		a.next[sender] = nonce + 1
	}
}
