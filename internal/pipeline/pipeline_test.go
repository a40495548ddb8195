package pipeline

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoordinator/internal/fees"
	"txcoordinator/internal/journal"
	"txcoordinator/internal/model"
	"txcoordinator/internal/nonce"
	"txcoordinator/internal/rpc"
	"txcoordinator/internal/signer"
)

type fakeNonceSource struct{ seed uint64 }

func (f *fakeNonceSource) GetTransactionCount(ctx context.Context, sender model.Sender, tag rpc.BlockTag) (uint64, error) {
	return f.seed, nil
}

type fakeFeeSource struct{ quote model.NetworkFees }

func (f *fakeFeeSource) GetNetworkFees(ctx context.Context) (model.NetworkFees, error) {
	return f.quote, nil
}

type fakeSink struct{ records []journal.Record }

func (f *fakeSink) Record(ctx context.Context, rec journal.Record) error {
	f.records = append(f.records, rec)
	return nil
}

type fakeSigner struct{}

func (fakeSigner) SignTransaction(sender model.Sender, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

type fakeRPC struct {
	estimateGasErr error
	gas            uint64
	callResult     rpc.RawResult
	sentHash       common.Hash
	sendErr        error
	sendCalls      int
}

func (f *fakeRPC) EstimateGas(ctx context.Context, p rpc.SendParams) (uint64, error) {
	if f.estimateGasErr != nil {
		return 0, f.estimateGasErr
	}
	return f.gas, nil
}

func (f *fakeRPC) Call(ctx context.Context, p rpc.SendParams, tag rpc.BlockTag) rpc.RawResult {
	return f.callResult
}

func (f *fakeRPC) SendTransaction(ctx context.Context, signed *types.Transaction) (common.Hash, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	return f.sentHash, nil
}

func newTestPipeline(rpcClient *fakeRPC, nonceSeed uint64, feeQuote model.NetworkFees, sink *fakeSink) *Pipeline {
	nonceAlloc := nonce.NewAllocator(&fakeNonceSource{seed: nonceSeed})
	feePolicy := fees.NewPolicy(&fakeFeeSource{quote: feeQuote}, fees.Options{RefreshInterval: time.Hour})
	_ = feePolicy.Refresh(context.Background())

	return New(Config{
		RPC:       rpcClient,
		Nonces:    nonceAlloc,
		Fees:      feePolicy,
		Sink:      sink,
		SignerFor: func(model.Sender) signer.ExternalSigner { return fakeSigner{} },
		ChainID:   big.NewInt(1),
	})
}

func TestSendForHappyPathFirstSend(t *testing.T) {
	// First send: pending_count=5, recommended Eip1559{100,2}, estimate_gas
	// ok, call ok, send returns 0xaa.
	sentHash := common.HexToHash("0xaa")
	rpcClient := &fakeRPC{gas: 21000, sentHash: sentHash}
	sink := &fakeSink{}
	p := newTestPipeline(rpcClient, 5, model.EIP1559Fees(big.NewInt(100), big.NewInt(2)), sink)

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, big.NewInt(0))
	outcome, err := p.SendFor(context.Background(), "corr-1", 7, interaction)

	require.NoError(t, err)
	require.NotNil(t, outcome.Sent)
	assert.Equal(t, sentHash, outcome.Sent.Hash)
	nonceVal, ok := interaction.Nonce()
	require.True(t, ok)
	assert.Equal(t, uint64(5), nonceVal)
	require.Len(t, sink.records, 1)
	assert.Equal(t, journal.KindTransactionPrepareSend, sink.records[0].Kind)
	assert.Equal(t, 7, sink.records[0].FutureID)
	assert.Equal(t, uint64(5), sink.records[0].Nonce)
}

func TestSendForFeeBump(t *testing.T) {
	// Resend: interaction already has nonce=5 and a prior send at
	// {100,2}; network has since dropped to {90,1}; expected next fees are
	// max(network, bumped-prior) = max({90,1}, {110,2}) = {110,2}.
	sentHash := common.HexToHash("0xbb")
	rpcClient := &fakeRPC{gas: 21000, sentHash: sentHash}
	sink := &fakeSink{}
	p := newTestPipeline(rpcClient, 99, model.EIP1559Fees(big.NewInt(90), big.NewInt(1)), sink)

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, big.NewInt(0))
	_ = interaction.SetNonce(5)
	_ = interaction.AppendTransaction(model.TransactionRecord{
		Hash: common.HexToHash("0xaa"),
		Fees: model.EIP1559Fees(big.NewInt(100), big.NewInt(2)),
	})

	outcome, err := p.SendFor(context.Background(), "corr-2", 1, interaction)
	require.NoError(t, err)
	require.NotNil(t, outcome.Sent)
	assert.Equal(t, 0, outcome.Sent.Fees.MaxFeePerGas.Cmp(big.NewInt(110)))
	assert.Equal(t, 0, outcome.Sent.Fees.MaxPriorityFeePerGas.Cmp(big.NewInt(2)))
}

func TestSendForInsufficientFundsForTransfer(t *testing.T) {
	// estimate_gas fails with the insufficient-funds message;
	// the follow-up call comes back empty.
	rpcClient := &fakeRPC{
		estimateGasErr: assertionError("insufficient funds for transfer"),
		callResult:     rpc.RawResult{},
	}
	sink := &fakeSink{}
	p := newTestPipeline(rpcClient, 0, model.EIP1559Fees(big.NewInt(100), big.NewInt(2)), sink)

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, big.NewInt(1))
	outcome, err := p.SendFor(context.Background(), "corr-3", 1, interaction)
	require.ErrorIs(t, err, ErrInsufficientFundsForTransfer)
	var fundsErr *InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.Equal(t, 0, fundsErr.Amount.Cmp(big.NewInt(1)))
	assert.Nil(t, outcome.Diagnosis)
	assert.Empty(t, sink.records, "a failed estimate must never be journaled")
}

func TestSendForReturnsDecodedRevertFromFailedEstimate(t *testing.T) {
	// Gas estimation fails and the diagnostic re-simulation comes back with
	// a decodable revert: the diagnosis is the outcome, not an error, and no
	// transaction is sent.
	rpcClient := &fakeRPC{
		estimateGasErr: assertionError("execution reverted"),
		callResult:     rpc.RawResult{Reverted: true, Data: packRevert(t, "paused")},
	}
	sink := &fakeSink{}
	p := newTestPipeline(rpcClient, 0, model.EIP1559Fees(big.NewInt(100), big.NewInt(2)), sink)

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, big.NewInt(0))
	outcome, err := p.SendFor(context.Background(), "corr-4", 1, interaction)
	require.NoError(t, err)
	require.NotNil(t, outcome.Diagnosis)
	assert.Equal(t, "paused", outcome.Diagnosis.RevertReason)
	assert.Nil(t, outcome.Sent)
	assert.Zero(t, rpcClient.sendCalls)
	assert.Empty(t, sink.records)
}

func TestSendForPreSendSimulationRevertIsReturnedNotSent(t *testing.T) {
	// Estimation succeeds but the pre-send simulation reverts; the
	// diagnosis is returned and the broadcast never happens.
	rpcClient := &fakeRPC{
		gas:        21000,
		callResult: rpc.RawResult{Reverted: true, Data: packRevert(t, "deadline passed")},
	}
	sink := &fakeSink{}
	p := newTestPipeline(rpcClient, 0, model.EIP1559Fees(big.NewInt(100), big.NewInt(2)), sink)

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, big.NewInt(0))
	outcome, err := p.SendFor(context.Background(), "corr-5", 1, interaction)
	require.NoError(t, err)
	require.NotNil(t, outcome.Diagnosis)
	assert.Equal(t, "deadline passed", outcome.Diagnosis.RevertReason)
	assert.Nil(t, outcome.Sent)
	assert.Zero(t, rpcClient.sendCalls)
	assert.Empty(t, sink.records, "a diagnosed revert must never be journaled")
}

func TestSendForUnexplainedEstimateFailure(t *testing.T) {
	rpcClient := &fakeRPC{
		estimateGasErr: assertionError("intrinsic gas too low"),
		callResult:     rpc.RawResult{},
	}
	sink := &fakeSink{}
	p := newTestPipeline(rpcClient, 0, model.EIP1559Fees(big.NewInt(100), big.NewInt(2)), sink)

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, big.NewInt(0))
	_, err := p.SendFor(context.Background(), "corr-6", 1, interaction)
	require.ErrorIs(t, err, ErrGasEstimationFailed)
	assert.Contains(t, err.Error(), "intrinsic gas too low")
}

// packRevert builds the standard Error(string) revert encoding for fixtures.
func packRevert(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
}

type assertionError string

func (e assertionError) Error() string { return string(e) }
