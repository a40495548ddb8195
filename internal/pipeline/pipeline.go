// Package pipeline is the per-call path that turns an OnchainInteraction
// into a signed, simulated, journaled, and broadcast transaction: nonce
// acquisition, fee computation, gas estimation, pre-send simulation, a
// durable intent record, then transmission.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"txcoordinator/internal/fees"
	"txcoordinator/internal/journal"
	"txcoordinator/internal/model"
	"txcoordinator/internal/nonce"
	"txcoordinator/internal/quirks"
	"txcoordinator/internal/rpc"
	"txcoordinator/internal/signer"
	"txcoordinator/internal/simulation"
)

// Sentinel errors for the three fatal gas-estimation outcomes. The typed
// wrappers below unwrap to these so callers can branch with errors.Is.
var (
	ErrGasEstimationFailed          = errors.New("gas estimation failed")
	ErrInsufficientFundsForTransfer = errors.New("insufficient funds for transfer")
	ErrInsufficientFundsForDeploy   = errors.New("insufficient funds for deploy: contract creation ran out of gas")
)

// InsufficientFundsError is raised when the node's gas estimation reports
// that the sender cannot cover the transfer value (or, for a contract
// creation, the code storage cost). It carries the sender and amount so the
// caller can produce a diagnostic without re-deriving them.
type InsufficientFundsError struct {
	Sender  model.Sender
	Amount  *big.Int
	Deploy  bool
	Message string
}

func (e *InsufficientFundsError) Error() string {
	kind := "transfer"
	if e.Deploy {
		kind = "deploy"
	}
	return fmt.Sprintf("insufficient funds for %s: sender %s amount %s: %s", kind, e.Sender, e.Amount, e.Message)
}

func (e *InsufficientFundsError) Unwrap() error {
	if e.Deploy {
		return ErrInsufficientFundsForDeploy
	}
	return ErrInsufficientFundsForTransfer
}

// GasEstimationError wraps any estimation failure the re-simulation could
// not explain, preserving the node's raw message.
type GasEstimationError struct {
	Sender  model.Sender
	Message string
}

func (e *GasEstimationError) Error() string {
	return fmt.Sprintf("gas estimation failed for sender %s: %s", e.Sender, e.Message)
}

func (e *GasEstimationError) Unwrap() error { return ErrGasEstimationFailed }

// Outcome is what SendFor returns: either a successfully broadcast
// transaction record, or a simulation diagnosis explaining why it wasn't
// sent. A diagnosis is a returned value, never an error — the caller
// surfaces it to the user and decides what to do with the interaction.
type Outcome struct {
	Sent      *model.TransactionRecord
	Diagnosis *simulation.Diagnosis
}

// GasEstimator is the subset of internal/rpc.Client used for estimation and
// pre-send simulation.
type GasEstimator interface {
	EstimateGas(ctx context.Context, p rpc.SendParams) (uint64, error)
	Call(ctx context.Context, p rpc.SendParams, tag rpc.BlockTag) rpc.RawResult
	SendTransaction(ctx context.Context, signed *types.Transaction) (common.Hash, error)
}

// Pipeline orchestrates one broadcast attempt end to end.
type Pipeline struct {
	rpcClient     GasEstimator
	nonces        *nonce.Allocator
	feePolicy     *fees.Policy
	sink          journal.Sink
	signerFor     func(sender model.Sender) signer.ExternalSigner
	decode        simulation.DecodeSimulation
	chainID       *big.Int
	gasMultiplier float64
}

type Config struct {
	RPC           GasEstimator
	Nonces        *nonce.Allocator
	Fees          *fees.Policy
	Sink          journal.Sink
	SignerFor     func(sender model.Sender) signer.ExternalSigner
	Decode        simulation.DecodeSimulation
	ChainID       *big.Int
	GasMultiplier float64 // applied to the estimated gas limit, e.g. 1.2
}

func New(cfg Config) *Pipeline {
	decode := cfg.Decode
	if decode == nil {
		decode = simulation.RevertDecoder
	}
	mult := cfg.GasMultiplier
	if mult <= 0 {
		mult = 1.2
	}
	return &Pipeline{
		rpcClient:     cfg.RPC,
		nonces:        cfg.Nonces,
		feePolicy:     cfg.Fees,
		sink:          cfg.Sink,
		signerFor:     cfg.SignerFor,
		decode:        decode,
		chainID:       cfg.ChainID,
		gasMultiplier: mult,
	}
}

// SendFor drives one broadcast attempt for an OnchainInteraction:
//
//  1. Allocate (or reuse) the interaction's nonce.
//  2. Compute the fees for this attempt via the fee policy.
//  3. Assemble the unsigned transaction params.
//  4. Estimate gas; on failure, re-simulate at the pending block to
//     diagnose why — a decoded revert becomes the returned outcome,
//     anything else is classified (insufficient funds, or unexplained) and
//     raised as a typed error.
//  5. Simulate once more with the final gas limit; a decoded revert is
//     returned as the outcome and nothing is broadcast.
//  6. Sign the transaction.
//  7. Journal the record — write before broadcast, so a crash here is
//     recoverable by replaying the journal.
//  8. Broadcast.
func (p *Pipeline) SendFor(ctx context.Context, correlationID string, futureID int, interaction *model.OnchainInteraction) (Outcome, error) {
	nonceVal, ok := interaction.Nonce()
	if !ok {
		allocated, err := p.nonces.GetNextNonce(ctx, interaction.From)
		if err != nil {
			return Outcome{}, fmt.Errorf("allocate nonce: %w", err)
		}
		if err := interaction.SetNonce(allocated); err != nil {
			return Outcome{}, err
		}
		nonceVal = allocated
	}

	quote, err := p.feePolicy.NextFees(ctx, interaction)
	if err != nil {
		return Outcome{}, err
	}

	params := rpc.SendParams{
		From:  interaction.From,
		To:    interaction.To,
		Data:  interaction.Data,
		Value: interaction.Value,
		Nonce: &nonceVal,
		Fees:  &quote,
	}

	gasLimit, err := p.rpcClient.EstimateGas(ctx, params)
	if err != nil {
		// Drop fees before re-simulating: with fees attached the node assumes
		// the block gas limit and can falsely report insufficient balance.
		paramsNoFees := params
		paramsNoFees.Fees = nil
		if diag := p.decode(p.rpcClient.Call(ctx, paramsNoFees, rpc.Pending())); diag.Reverted {
			return Outcome{Diagnosis: &diag}, nil
		}
		return Outcome{}, classifyEstimateError(interaction, err)
	}
	gasLimit = applyGasMultiplier(gasLimit, p.gasMultiplier)
	params.GasLimit = &gasLimit

	result := p.rpcClient.Call(ctx, params, rpc.Pending())
	if result.Err != nil && !result.Reverted {
		return Outcome{}, fmt.Errorf("pre-send simulation: %w", result.Err)
	}
	if diag := p.decode(result); diag.Reverted {
		return Outcome{Diagnosis: &diag}, nil
	}

	unsigned := p.buildUnsignedTx(interaction, nonceVal, gasLimit, quote)

	sign := p.signerFor(interaction.From)
	signed, err := sign.SignTransaction(interaction.From, unsigned)
	if err != nil {
		return Outcome{}, fmt.Errorf("sign transaction: %w", err)
	}

	rec := journal.Record{
		Kind:           journal.KindTransactionPrepareSend,
		CorrelationID:  correlationID,
		FutureID:       futureID,
		InteractionID:  interaction.ID,
		From:           interaction.From,
		Nonce:          nonceVal,
		Hash:           signed.Hash(),
		FeeKind:        quote.Kind,
		GasPrice:       quote.GasPrice,
		MaxFeePerGas:   quote.MaxFeePerGas,
		MaxPriorityFee: quote.MaxPriorityFeePerGas,
		WrittenAt:      time.Now(),
	}
	if err := p.sink.Record(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("journal record: %w", err)
	}

	hash, err := p.rpcClient.SendTransaction(ctx, signed)
	if err != nil {
		return Outcome{}, fmt.Errorf("broadcast transaction: %w", err)
	}

	txRecord := model.TransactionRecord{Hash: hash, Fees: quote}
	if err := interaction.AppendTransaction(txRecord); err != nil {
		return Outcome{}, err
	}

	return Outcome{Sent: &txRecord}, nil
}

func (p *Pipeline) buildUnsignedTx(interaction *model.OnchainInteraction, nonceVal, gasLimit uint64, quote model.NetworkFees) *types.Transaction {
	if quote.Kind == model.FeeKindLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonceVal,
			To:       interaction.To,
			Value:    interaction.Value,
			Gas:      gasLimit,
			GasPrice: quote.GasPrice,
			Data:     interaction.Data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonceVal,
		To:        interaction.To,
		Value:     interaction.Value,
		Gas:       gasLimit,
		GasFeeCap: quote.MaxFeePerGas,
		GasTipCap: quote.MaxPriorityFeePerGas,
		Data:      interaction.Data,
	})
}

// classifyEstimateError maps the node's estimation failure message onto the
// closed error taxonomy, via the centralized patterns in internal/quirks.
func classifyEstimateError(interaction *model.OnchainInteraction, err error) error {
	msg := err.Error()
	switch {
	case quirks.IsInsufficientFundsForTransfer(msg):
		return &InsufficientFundsError{Sender: interaction.From, Amount: interaction.Value, Message: msg}
	case quirks.IsInsufficientFundsForDeploy(msg):
		return &InsufficientFundsError{Sender: interaction.From, Amount: interaction.Value, Deploy: true, Message: msg}
	default:
		return &GasEstimationError{Sender: interaction.From, Message: msg}
	}
}

func applyGasMultiplier(gas uint64, mult float64) uint64 {
	if mult <= 0 {
		return gas
	}
	adjusted := uint64(float64(gas) * mult)
	if adjusted < gas {
		return gas
	}
	return adjusted
}
