package nonce

import (
	"context"
	"testing"

	"txcoordinator/internal/model"
	"txcoordinator/internal/rpc"
)

type fakeSource struct {
	seed  uint64
	calls int
}

func (f *fakeSource) GetTransactionCount(ctx context.Context, sender model.Sender, tag rpc.BlockTag) (uint64, error) {
	f.calls++
	return f.seed, nil
}

func TestGetNextNonceSeedsOnceThenIncrements(t *testing.T) {
	source := &fakeSource{seed: 7}
	alloc := NewAllocator(source)
	sender := model.Sender{}

	first, err := alloc.GetNextNonce(context.Background(), sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 7 {
		t.Fatalf("expected seeded nonce 7, got %d", first)
	}

	second, err := alloc.GetNextNonce(context.Background(), sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != 8 {
		t.Fatalf("expected incremented nonce 8, got %d", second)
	}

	if source.calls != 1 {
		t.Fatalf("expected the chain to be consulted exactly once, got %d calls", source.calls)
	}
}

func TestResetForcesReseed(t *testing.T) {
	source := &fakeSource{seed: 3}
	alloc := NewAllocator(source)
	sender := model.Sender{}

	if _, err := alloc.GetNextNonce(context.Background(), sender); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	alloc.Reset(sender)

	source.seed = 9
	next, err := alloc.GetNextNonce(context.Background(), sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 9 {
		t.Fatalf("expected reseeded nonce 9, got %d", next)
	}
	if source.calls != 2 {
		t.Fatalf("expected the chain to be consulted twice, got %d calls", source.calls)
	}
}

func TestObserveAdvancesPastExternallyConsumedNonce(t *testing.T) {
	source := &fakeSource{seed: 0}
	alloc := NewAllocator(source)
	sender := model.Sender{}

	alloc.Observe(sender, 4)
	next, err := alloc.GetNextNonce(context.Background(), sender)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 5 {
		t.Fatalf("expected nonce 5 after observing 4, got %d", next)
	}
}
