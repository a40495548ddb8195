// Package fees computes the fees for each send of an on-chain interaction:
// the network's current quote on a first send, and a bumped replacement
// quote on every resend. The network quote is cached and refreshed
// periodically so a burst of sends doesn't hammer the fee endpoints.
package fees

import (
	"context"
	"math/big"
	"sync"
	"time"

	"txcoordinator/internal/model"
)

// NetworkFeeSource is the subset of internal/rpc.Client the policy needs.
type NetworkFeeSource interface {
	GetNetworkFees(ctx context.Context) (model.NetworkFees, error)
}

// Policy decides what fees the next broadcast of an interaction pays.
type Policy struct {
	source      NetworkFeeSource
	bumpPercent int64
	minPriority *big.Int

	mu          sync.RWMutex
	cached      model.NetworkFees
	lastFetched time.Time
	refresh     time.Duration
}

// Options tunes the policy. Zero values fall back to defaults.
type Options struct {
	RefreshInterval time.Duration
	BumpPercent     int64    // replacement bump percentage, floored at 110
	MinPriorityFee  *big.Int // wei floor applied to EIP-1559 priority fees
}

func NewPolicy(source NetworkFeeSource, opts Options) *Policy {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Second
	}
	// Below 110% most nodes refuse the replacement outright.
	if opts.BumpPercent < 110 {
		opts.BumpPercent = 110
	}
	return &Policy{
		source:      source,
		bumpPercent: opts.BumpPercent,
		minPriority: opts.MinPriorityFee,
		refresh:     opts.RefreshInterval,
	}
}

// Start primes the cache and then refreshes it on an interval until ctx is
// done.
func (p *Policy) Start(ctx context.Context) error {
	if err := p.Refresh(ctx); err != nil {
		return err
	}
	go func() {
		ticker := time.NewTicker(p.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = p.Refresh(ctx)
			}
		}
	}()
	return nil
}

// Refresh re-fetches the network's current fee quote.
func (p *Policy) Refresh(ctx context.Context) error {
	quote, err := p.source.GetNetworkFees(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cached = quote
	p.lastFetched = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *Policy) snapshot() model.NetworkFees {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cached
}

// NextFees computes the fees for an interaction about to be (re)sent:
//
//  1. Fetch the cached network quote.
//  2. If this is the interaction's first send, use the network quote as-is.
//  3. Otherwise take the prior transaction's fees.
//  4. Bump the prior fees by the configured percentage (integer rounding
//     down, never below 110%).
//  5. Use the field-wise maximum of the network quote and the bumped prior
//     fees, so a resend never goes backward and never ignores a rising
//     market.
//
// Cross-type handling: a prior legacy transaction is reinterpreted as
// EIP-1559 before combining when the network has since moved to EIP-1559.
// The reverse transition — the network regressing to legacy after we've
// sent EIP-1559 — is a hard error.
func (p *Policy) NextFees(ctx context.Context, interaction *model.OnchainInteraction) (model.NetworkFees, error) {
	network := p.snapshot()
	if network.IsZero() {
		if err := p.Refresh(ctx); err != nil {
			return model.NetworkFees{}, err
		}
		network = p.snapshot()
	}
	network = p.applyPriorityFloor(network)

	last, hasPrior := interaction.LastTransaction()
	if !hasPrior {
		return network, nil
	}

	prior := last.Fees
	if prior.Kind == model.FeeKindEIP1559 && network.Kind == model.FeeKindLegacy {
		return model.NetworkFees{}, ErrEIP1559Downgrade
	}
	if prior.Kind == model.FeeKindLegacy && network.Kind == model.FeeKindEIP1559 {
		prior = prior.AsEIP1559()
	}

	bumped := prior.BumpBy(p.bumpPercent)
	return network.FieldMax(bumped), nil
}

// applyPriorityFloor lifts an EIP-1559 quote's priority fee to the
// configured minimum. Nodes with an empty mempool can suggest a tip too low
// for timely inclusion on a busy network.
func (p *Policy) applyPriorityFloor(q model.NetworkFees) model.NetworkFees {
	if p.minPriority == nil || q.Kind != model.FeeKindEIP1559 {
		return q
	}
	if q.MaxPriorityFeePerGas.Cmp(p.minPriority) >= 0 {
		return q
	}
	maxFee := q.MaxFeePerGas
	if maxFee.Cmp(p.minPriority) < 0 {
		maxFee = p.minPriority
	}
	return model.EIP1559Fees(maxFee, p.minPriority)
}

// ErrEIP1559Downgrade is raised when the network has regressed from
// EIP-1559 to legacy pricing between sends of the same interaction. There
// is no sound way to compare quotes across that transition, so it needs
// operator intervention rather than a guess.
var ErrEIP1559Downgrade = &downgradeError{}

type downgradeError struct{}

func (*downgradeError) Error() string {
	return "network fees regressed from eip1559 to legacy between sends"
}
