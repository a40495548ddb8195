// Package rpc is the thin, typed wrapper over a JSON-RPC endpoint: block
// and transaction-count queries, gas estimation, call simulation, fee
// suggestion, and raw-transaction broadcast. Every network call is retried
// with jittered exponential backoff so callers never see a bare transport
// hiccup; the one exception is GetTransaction's best-effort receipt lookup,
// which is attempted once.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"txcoordinator/internal/model"
	"txcoordinator/internal/quirks"
)

// BlockTag selects the block a query is evaluated against: "latest",
// "pending", or a specific block number.
type BlockTag struct {
	tag    string
	number *big.Int
}

func Latest() BlockTag             { return BlockTag{tag: "latest"} }
func Pending() BlockTag            { return BlockTag{tag: "pending"} }
func AtNumber(n *big.Int) BlockTag { return BlockTag{number: n} }

func (t BlockTag) String() string {
	if t.number != nil {
		return t.number.String()
	}
	return t.tag
}

func (t BlockTag) blockNumberArg() *big.Int {
	return t.number
}

// SendParams carries a transaction's fields: from, optional to (absent for
// contract creation), data, value, an optional nonce, and either explicit
// fees or none (for estimation without fee constraints).
type SendParams struct {
	From     model.Sender
	To       *common.Address
	Data     []byte
	Value    *big.Int
	Nonce    *uint64
	GasLimit *uint64
	Fees     *model.NetworkFees
}

// Block is the subset of block-header data the coordinator needs.
type Block struct {
	Number uint64
}

// TransactionInfo is what GetTransaction reports for a hash the node still
// knows about.
type TransactionInfo struct {
	Hash        common.Hash
	BlockNumber *uint64 // nil while still pending
}

// RawResult is the opaque byte string plus success/revert flag returned by
// eth_call. Decoding is the caller's responsibility
// (internal/simulation.DecodeSimulation).
type RawResult struct {
	Data     []byte
	Reverted bool
	Err      error
}

// Client pairs a raw JSON-RPC connection with the typed ethclient wrapper
// built on top of it.
type Client struct {
	rpc          *gethrpc.Client
	eth          *ethclient.Client
	retryMax     int
	retryBackoff time.Duration
}

// Config bundles the dial + retry parameters used to construct a Client.
type Config struct {
	HTTPEndpoint string
	UserAgent    string
	RetryMax     int
	RetryBackoff time.Duration
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	rpcClient, err := gethrpc.DialHTTPWithClient(cfg.HTTPEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if cfg.UserAgent != "" {
		rpcClient.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{
		rpc:          rpcClient,
		eth:          ethclient.NewClient(rpcClient),
		retryMax:     cfg.RetryMax,
		retryBackoff: cfg.RetryBackoff,
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// retry runs fn up to retryMax additional times with exponential backoff,
// adding up to half a period of jitter per wait so many senders retrying
// against the same endpoint don't fall into lockstep. It returns
// immediately on success or when ctx is done.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	var err error
	backoff := c.retryBackoff
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == c.retryMax {
			break
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return err
}

// GetLatestBlock returns the chain head via eth_getBlockByNumber("latest").
func (c *Client) GetLatestBlock(ctx context.Context) (Block, error) {
	var header *types.Header
	err := c.retry(ctx, func() error {
		var innerErr error
		header, innerErr = c.eth.HeaderByNumber(ctx, nil)
		return innerErr
	})
	if err != nil {
		return Block{}, fmt.Errorf("get latest block: %w", err)
	}
	return Block{Number: header.Number.Uint64()}, nil
}

// GetTransactionCount returns the sender's transaction count at "latest",
// "pending", or a specific block number, via eth_getTransactionCount.
func (c *Client) GetTransactionCount(ctx context.Context, sender model.Sender, tag BlockTag) (uint64, error) {
	addr := common.Address(sender)
	var count uint64
	err := c.retry(ctx, func() error {
		var innerErr error
		switch {
		case tag.tag == "pending":
			count, innerErr = c.eth.PendingNonceAt(ctx, addr)
		case tag.tag == "latest":
			count, innerErr = c.eth.NonceAt(ctx, addr, nil)
		default:
			count, innerErr = c.eth.NonceAt(ctx, addr, tag.blockNumberArg())
		}
		return innerErr
	})
	if err != nil {
		return 0, fmt.Errorf("get transaction count for %s at %s: %w", sender, tag, err)
	}
	return count, nil
}

// GetTransaction looks a hash up via eth_getTransactionByHash. A hash not
// currently known to this node's mempool or recent chain is reported as
// (TransactionInfo{}, false, nil), never as an error. For a mined
// transaction the receipt that fills BlockNumber is fetched once, without
// retry; if that lookup fails BlockNumber stays nil.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (TransactionInfo, bool, error) {
	var (
		tx       *types.Transaction
		pending  bool
		notFound bool
	)
	err := c.retry(ctx, func() error {
		var innerErr error
		tx, pending, innerErr = c.eth.TransactionByHash(ctx, hash)
		if errors.Is(innerErr, ethereum.NotFound) {
			// A definitive answer, not a transport failure.
			notFound = true
			return nil
		}
		return innerErr
	})
	if err != nil {
		return TransactionInfo{}, false, fmt.Errorf("get transaction %s: %w", hash, err)
	}
	if notFound {
		return TransactionInfo{}, false, nil
	}
	info := TransactionInfo{Hash: tx.Hash()}
	if !pending {
		receipt, rerr := c.eth.TransactionReceipt(ctx, hash)
		if rerr == nil && receipt != nil {
			blockNum := receipt.BlockNumber.Uint64()
			info.BlockNumber = &blockNum
		}
	}
	return info, true, nil
}

// Call runs an eth_call at the given block tag, reporting revert as a flag
// rather than an error where possible.
func (c *Client) Call(ctx context.Context, p SendParams, tag BlockTag) RawResult {
	msg := toCallMsg(p)
	var (
		out []byte
		err error
	)
	retryErr := c.retry(ctx, func() error {
		var innerErr error
		if tag.tag == "pending" {
			out, innerErr = c.eth.PendingCallContract(ctx, msg)
		} else {
			out, innerErr = c.eth.CallContract(ctx, msg, tag.blockNumberArg())
		}
		err = innerErr
		if isRevert(innerErr) {
			// Reverts are not transient; don't retry them.
			return nil
		}
		return innerErr
	})
	if retryErr != nil {
		return RawResult{Err: retryErr}
	}
	if err != nil {
		return RawResult{Reverted: true, Data: revertData(err), Err: err}
	}
	return RawResult{Data: out}
}

// EstimateGas runs eth_estimateGas. It fails when the transaction would
// revert or funds are insufficient; the error message is passed through
// unwrapped so internal/quirks can classify it.
func (c *Client) EstimateGas(ctx context.Context, p SendParams) (uint64, error) {
	msg := toCallMsg(p)
	var gas uint64
	var terminal error
	err := c.retry(ctx, func() error {
		var innerErr error
		gas, innerErr = c.eth.EstimateGas(ctx, msg)
		if isRevert(innerErr) || isBalanceError(innerErr) {
			terminal = innerErr
			return nil // not transient, don't retry
		}
		return innerErr
	})
	if terminal != nil {
		return 0, terminal
	}
	if err != nil {
		return 0, err
	}
	return gas, nil
}

// GetNetworkFees returns the fee variant the node currently prefers:
// EIP-1559 when the head block carries a base fee (max fee = twice the base
// fee plus the suggested eth_maxPriorityFeePerGas tip, priority fee = that
// tip), legacy eth_gasPrice otherwise.
func (c *Client) GetNetworkFees(ctx context.Context) (model.NetworkFees, error) {
	var header *types.Header
	err := c.retry(ctx, func() error {
		var innerErr error
		header, innerErr = c.eth.HeaderByNumber(ctx, nil)
		return innerErr
	})
	if err != nil {
		return model.NetworkFees{}, fmt.Errorf("get network fees: %w", err)
	}
	if header.BaseFee == nil {
		var gasPrice *big.Int
		err := c.retry(ctx, func() error {
			var innerErr error
			gasPrice, innerErr = c.eth.SuggestGasPrice(ctx)
			return innerErr
		})
		if err != nil {
			return model.NetworkFees{}, fmt.Errorf("suggest gas price: %w", err)
		}
		return model.LegacyFees(gasPrice), nil
	}
	var tip *big.Int
	err = c.retry(ctx, func() error {
		var innerErr error
		tip, innerErr = c.eth.SuggestGasTipCap(ctx)
		return innerErr
	})
	if err != nil {
		return model.NetworkFees{}, fmt.Errorf("suggest gas tip cap: %w", err)
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
	return model.EIP1559Fees(maxFee, tip), nil
}

// SendTransaction broadcasts a pre-signed transaction via
// eth_sendRawTransaction.
func (c *Client) SendTransaction(ctx context.Context, signed *types.Transaction) (common.Hash, error) {
	err := c.retry(ctx, func() error {
		return c.eth.SendTransaction(ctx, signed)
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), nil
}

func toCallMsg(p SendParams) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From:  common.Address(p.From),
		To:    p.To,
		Data:  p.Data,
		Value: p.Value,
	}
	if p.GasLimit != nil {
		msg.Gas = *p.GasLimit
	}
	if p.Fees != nil {
		switch p.Fees.Kind {
		case model.FeeKindLegacy:
			msg.GasPrice = p.Fees.GasPrice
		default:
			msg.GasFeeCap = p.Fees.MaxFeePerGas
			msg.GasTipCap = p.Fees.MaxPriorityFeePerGas
		}
	}
	return msg
}

func isRevert(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(interface{ ErrorData() interface{} })
	return ok
}

func isBalanceError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return quirks.IsInsufficientFundsForTransfer(msg) || quirks.IsInsufficientFundsForDeploy(msg)
}

func revertData(err error) []byte {
	dataErr, ok := err.(interface{ ErrorData() interface{} })
	if !ok {
		return nil
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		if b, derr := hexutil.Decode(v); derr == nil {
			return b
		}
	case []byte:
		return v
	}
	return nil
}
