// Package sync reconciles what the coordinator believes it has broadcast
// against what the chain actually shows: for each sender, classify every
// vanished transaction as dropped or replaced-by-user, or block until the
// user's own transactions confirm. Senders are independent, so each one's
// pass runs in its own goroutine.
package sync

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"txcoordinator/internal/model"
	"txcoordinator/internal/rpc"
)

// EventKind discriminates the two reconciliation outcomes.
type EventKind uint8

const (
	EventDropped EventKind = iota
	EventReplacedByUser
)

// Event is one reconciliation finding, addressed to the future/interaction
// it concerns.
type Event struct {
	Kind          EventKind
	FutureID      int
	InteractionID int
}

// WaitingForConfirmations is raised when a sender we have nothing pending
// for still has unconfirmed transactions of the user's own. The caller
// waits and re-runs the sync pass.
type WaitingForConfirmations struct {
	Sender                model.Sender
	RequiredConfirmations uint64
}

func (e *WaitingForConfirmations) Error() string {
	return fmt.Sprintf("waiting for confirmations: sender %s has unconfirmed transactions (need %d confirmations)", e.Sender, e.RequiredConfirmations)
}

// WaitingForNonce is raised when the user replaced a nonce we owned, or
// submitted transactions above our range, without enough confirmations yet.
// The caller waits and re-runs the sync pass.
type WaitingForNonce struct {
	Sender                model.Sender
	Nonce                 uint64
	RequiredConfirmations uint64
}

func (e *WaitingForNonce) Error() string {
	return fmt.Sprintf("waiting for nonce: sender %s nonce %d not yet confirmed (need %d confirmations)", e.Sender, e.Nonce, e.RequiredConfirmations)
}

// TransactionSource is the narrow view of internal/rpc.Client the engine
// needs for reads.
type TransactionSource interface {
	GetLatestBlock(ctx context.Context) (rpc.Block, error)
	GetTransactionCount(ctx context.Context, sender model.Sender, tag rpc.BlockTag) (uint64, error)
	GetTransaction(ctx context.Context, hash common.Hash) (rpc.TransactionInfo, bool, error)
}

// pendingEntry is one execution state's worth of still-open interaction, as
// prepared by buildPending.
type pendingEntry struct {
	Nonce         uint64
	TxHashes      []common.Hash
	FutureID      int
	InteractionID int
}

// Engine runs the reconciliation pass.
type Engine struct {
	source TransactionSource
}

func NewEngine(source TransactionSource) *Engine {
	return &Engine{source: source}
}

// Sync reconciles every sender's locally-tracked pending transactions with
// the node's view, emitting dropped/replaced events or raising a blocking
// error. accounts and defaultSender resolve futures that have not yet
// entered state, so the engine also inspects senders that have not
// transacted yet — a user transaction there still constrains our future
// nonces.
func (e *Engine) Sync(
	ctx context.Context,
	state *model.DeploymentState,
	module model.IgnitionModule,
	accounts []model.Sender,
	defaultSender model.Sender,
	requiredConfirmations uint64,
) ([]Event, error) {
	pending := buildPending(state, module, accounts, defaultSender)

	g, gctx := errgroup.WithContext(ctx)
	type outcome struct {
		sender model.Sender
		events []Event
	}
	outcomes := make(chan outcome, len(pending))

	for sender, list := range pending {
		sender, list := sender, list
		g.Go(func() error {
			events, err := e.syncSender(gctx, sender, list, requiredConfirmations)
			if err != nil {
				return err
			}
			outcomes <- outcome{sender: sender, events: events}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(outcomes)

	var all []Event
	for o := range outcomes {
		all = append(all, o.events...)
	}
	return all, nil
}

// buildPending selects transaction-producing, not-yet-successful execution
// states with a nonce already assigned, grouped by sender and sorted by
// ascending nonce, then ensures every future's resolved sender has an
// entry even if empty.
func buildPending(state *model.DeploymentState, module model.IgnitionModule, accounts []model.Sender, defaultSender model.Sender) map[model.Sender][]pendingEntry {
	pending := map[model.Sender][]pendingEntry{}

	for _, es := range state.All() {
		if !es.Type.ProducesTransactions() {
			continue
		}
		// Timed-out and failed states may still hold a mempool transaction;
		// only a confirmed success takes a state out of the sync pass.
		if es.Status == model.StatusSuccess {
			continue
		}
		interaction := es.PendingInteraction()
		if interaction == nil {
			continue
		}
		nonceVal, ok := interaction.Nonce()
		if !ok {
			continue
		}
		hashes := make([]common.Hash, 0, len(interaction.Transactions()))
		for _, tx := range interaction.Transactions() {
			hashes = append(hashes, tx.Hash)
		}
		pending[es.From] = append(pending[es.From], pendingEntry{
			Nonce:         nonceVal,
			TxHashes:      hashes,
			FutureID:      es.ID,
			InteractionID: interaction.ID,
		})
	}

	for _, list := range pending {
		sort.Slice(list, func(i, j int) bool { return list[i].Nonce < list[j].Nonce })
	}

	for _, future := range module.Futures() {
		if _, started := state.Get(future.ID); started {
			continue
		}
		sender, produces := future.Resolve(accounts, defaultSender)
		if !produces {
			continue
		}
		if _, ok := pending[sender]; !ok {
			pending[sender] = nil
		}
	}

	return pending
}

// syncSender takes one consistent snapshot for a sender — latest block,
// safe count, pending count, latest count, in that order — then classifies
// each entry against it. Reads for a single sender are never interleaved
// with another pass for the same sender, since each sender's work runs in
// its own goroutine and makes synchronous calls throughout.
func (e *Engine) syncSender(ctx context.Context, sender model.Sender, list []pendingEntry, requiredConfirmations uint64) ([]Event, error) {
	block, err := e.source.GetLatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync %s: get latest block: %w", sender, err)
	}

	var safeCount *uint64
	if block.Number+1 >= requiredConfirmations {
		safeBlockNumber := block.Number - requiredConfirmations + 1
		count, err := e.source.GetTransactionCount(ctx, sender, rpc.AtNumber(new(big.Int).SetUint64(safeBlockNumber)))
		if err != nil {
			return nil, fmt.Errorf("sync %s: get safe count: %w", sender, err)
		}
		safeCount = &count
	}

	pendingCount, err := e.source.GetTransactionCount(ctx, sender, rpc.Pending())
	if err != nil {
		return nil, fmt.Errorf("sync %s: get pending count: %w", sender, err)
	}
	latestCount, err := e.source.GetTransactionCount(ctx, sender, rpc.Latest())
	if err != nil {
		return nil, fmt.Errorf("sync %s: get latest count: %w", sender, err)
	}

	hasUnconfirmed := pendingCount > 0
	if safeCount != nil {
		hasUnconfirmed = *safeCount != pendingCount
	}

	if len(list) == 0 {
		if hasUnconfirmed {
			return nil, &WaitingForConfirmations{Sender: sender, RequiredConfirmations: requiredConfirmations}
		}
		return nil, nil
	}

	var events []Event
	for _, entry := range list {
		stillLive, err := e.anyStillLive(ctx, entry.TxHashes)
		if err != nil {
			return nil, fmt.Errorf("sync %s nonce %d: %w", sender, entry.Nonce, err)
		}
		if stillLive {
			continue
		}

		switch {
		case latestCount > entry.Nonce:
			// A transaction with this nonce has been mined, but it isn't
			// ours. The replacement is only final once the safe count has
			// moved past the nonce itself.
			if safeCount != nil && *safeCount > entry.Nonce {
				events = append(events, Event{Kind: EventReplacedByUser, FutureID: entry.FutureID, InteractionID: entry.InteractionID})
			} else {
				return nil, &WaitingForNonce{Sender: sender, Nonce: entry.Nonce, RequiredConfirmations: requiredConfirmations}
			}
		case pendingCount > entry.Nonce:
			// The user's replacement sits in the mempool but hasn't
			// confirmed.
			return nil, &WaitingForNonce{Sender: sender, Nonce: entry.Nonce, RequiredConfirmations: requiredConfirmations}
		default:
			// Genuinely dropped: no other transaction took the nonce.
			events = append(events, Event{Kind: EventDropped, FutureID: entry.FutureID, InteractionID: entry.InteractionID})
		}
	}

	// User transactions above our range: a nonce past our highest one is
	// taken, so our future allocations are constrained until it confirms.
	maxNonce := list[len(list)-1].Nonce
	if maxNonce+1 < pendingCount && hasUnconfirmed {
		return nil, &WaitingForNonce{Sender: sender, Nonce: pendingCount - 1, RequiredConfirmations: requiredConfirmations}
	}

	return events, nil
}

func (e *Engine) anyStillLive(ctx context.Context, hashes []common.Hash) (bool, error) {
	for _, h := range hashes {
		_, known, err := e.source.GetTransaction(ctx, h)
		if err != nil {
			return false, err
		}
		if known {
			return true, nil
		}
	}
	return false, nil
}
