// Package model holds the data types shared by every component of the
// execution coordinator: senders, fee quotes, transaction records, and the
// on-chain interactions and execution states the planner hands to it.
package model

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Sender is the 20-byte account identifier that keys all nonce state.
type Sender common.Address

func (s Sender) Hex() string {
	return common.Address(s).Hex()
}

func (s Sender) String() string {
	return s.Hex()
}

// ParseSender accepts a hex-encoded address, with or without the 0x prefix.
func ParseSender(hex string) (Sender, error) {
	if !common.IsHexAddress(hex) {
		return Sender{}, fmt.Errorf("invalid sender address %q", hex)
	}
	return Sender(common.HexToAddress(hex)), nil
}

func (s Sender) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Hex())
}

func (s *Sender) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseSender(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FeeKind discriminates the two fee markets the coordinator understands.
type FeeKind uint8

const (
	FeeKindLegacy FeeKind = iota
	FeeKindEIP1559
)

func (k FeeKind) String() string {
	if k == FeeKindEIP1559 {
		return "eip1559"
	}
	return "legacy"
}

// NetworkFees is either a legacy gas price or the two-field EIP-1559
// priority/max quote. Exactly one field set is meaningful, selected by Kind.
type NetworkFees struct {
	Kind FeeKind

	GasPrice *big.Int // legacy

	MaxFeePerGas         *big.Int // eip1559
	MaxPriorityFeePerGas *big.Int // eip1559
}

func LegacyFees(gasPrice *big.Int) NetworkFees {
	return NetworkFees{Kind: FeeKindLegacy, GasPrice: new(big.Int).Set(gasPrice)}
}

func EIP1559Fees(maxFee, maxPriority *big.Int) NetworkFees {
	return NetworkFees{
		Kind:                 FeeKindEIP1559,
		MaxFeePerGas:         new(big.Int).Set(maxFee),
		MaxPriorityFeePerGas: new(big.Int).Set(maxPriority),
	}
}

func (f NetworkFees) IsZero() bool {
	return f.Kind == FeeKindLegacy && f.GasPrice == nil &&
		f.MaxFeePerGas == nil && f.MaxPriorityFeePerGas == nil
}

// Bump returns 110% of every field, rounded down via integer division —
// the minimum increase most nodes accept for a mempool replacement.
func (f NetworkFees) Bump() NetworkFees {
	return f.BumpBy(110)
}

// BumpBy returns percent% of every field, rounded down via integer
// division.
func (f NetworkFees) BumpBy(percent int64) NetworkFees {
	bump := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		out := new(big.Int).Mul(v, big.NewInt(percent))
		return out.Div(out, big.NewInt(100))
	}
	switch f.Kind {
	case FeeKindLegacy:
		return NetworkFees{Kind: FeeKindLegacy, GasPrice: bump(f.GasPrice)}
	default:
		return NetworkFees{
			Kind:                 FeeKindEIP1559,
			MaxFeePerGas:         bump(f.MaxFeePerGas),
			MaxPriorityFeePerGas: bump(f.MaxPriorityFeePerGas),
		}
	}
}

// AsEIP1559 reinterprets a legacy quote as an EIP-1559 quote by using the
// gas price for both fields, so a resend can cross from a legacy prior
// transaction into an EIP-1559 fee market.
func (f NetworkFees) AsEIP1559() NetworkFees {
	if f.Kind == FeeKindEIP1559 {
		return f
	}
	return EIP1559Fees(f.GasPrice, f.GasPrice)
}

// FieldMax returns the field-wise maximum of two same-kind fee quotes.
func (f NetworkFees) FieldMax(other NetworkFees) NetworkFees {
	max := func(a, b *big.Int) *big.Int {
		if a == nil {
			return b
		}
		if b == nil {
			return a
		}
		if a.Cmp(b) >= 0 {
			return a
		}
		return b
	}
	switch f.Kind {
	case FeeKindLegacy:
		return NetworkFees{Kind: FeeKindLegacy, GasPrice: max(f.GasPrice, other.GasPrice)}
	default:
		return NetworkFees{
			Kind:                 FeeKindEIP1559,
			MaxFeePerGas:         max(f.MaxFeePerGas, other.MaxFeePerGas),
			MaxPriorityFeePerGas: max(f.MaxPriorityFeePerGas, other.MaxPriorityFeePerGas),
		}
	}
}

// AtLeast reports whether every field of f is greater than or equal to the
// corresponding field of other. A resend must satisfy this against the
// bumped prior fees or the node will reject the replacement. Note the bump
// itself rounds down, so a low-valued field can legitimately stay equal
// across a resend.
func (f NetworkFees) AtLeast(other NetworkFees) bool {
	switch f.Kind {
	case FeeKindLegacy:
		if other.Kind != FeeKindLegacy {
			return false
		}
		return f.GasPrice.Cmp(other.GasPrice) >= 0
	default:
		o := other.AsEIP1559()
		return f.MaxFeePerGas.Cmp(o.MaxFeePerGas) >= 0 &&
			f.MaxPriorityFeePerGas.Cmp(o.MaxPriorityFeePerGas) >= 0
	}
}

// TransactionRecord is immutable once created: one broadcast attempt for an
// interaction, at a fixed nonce, with the fees it was sent at.
type TransactionRecord struct {
	Hash common.Hash
	Fees NetworkFees
}

// OnchainInteraction is the logical on-chain action being driven to
// completion. Its nonce is set at most once; every re-send appends a new
// TransactionRecord whose fees must reach at least 110% of the previous
// one's.
type OnchainInteraction struct {
	ID    int
	From  Sender
	To    *common.Address // nil => contract creation
	Data  []byte
	Value *big.Int

	nonce        *uint64
	transactions []TransactionRecord
}

func NewOnchainInteraction(id int, from Sender, to *common.Address, data []byte, value *big.Int) *OnchainInteraction {
	if value == nil {
		value = big.NewInt(0)
	}
	return &OnchainInteraction{ID: id, From: from, To: to, Data: data, Value: value}
}

// Nonce returns the assigned nonce, if any.
func (oi *OnchainInteraction) Nonce() (uint64, bool) {
	if oi.nonce == nil {
		return 0, false
	}
	return *oi.nonce, true
}

// SetNonce assigns the interaction's nonce. Once set it is immutable;
// calling this a second time is an error.
func (oi *OnchainInteraction) SetNonce(nonce uint64) error {
	if oi.nonce != nil {
		return fmt.Errorf("interaction %d: nonce already set to %d", oi.ID, *oi.nonce)
	}
	oi.nonce = &nonce
	return nil
}

// Transactions returns the ordered sequence of broadcast attempts.
func (oi *OnchainInteraction) Transactions() []TransactionRecord {
	return oi.transactions
}

// LastTransaction returns the most recently appended record, if any.
func (oi *OnchainInteraction) LastTransaction() (TransactionRecord, bool) {
	if len(oi.transactions) == 0 {
		return TransactionRecord{}, false
	}
	return oi.transactions[len(oi.transactions)-1], true
}

// AppendTransaction records a new broadcast attempt, enforcing that its
// fees reach at least 110% of the prior attempt's, field-wise.
func (oi *OnchainInteraction) AppendTransaction(rec TransactionRecord) error {
	if last, ok := oi.LastTransaction(); ok && !rec.Fees.AtLeast(last.Fees.Bump()) {
		return fmt.Errorf("interaction %d: fees %v do not bump prior fees %v", oi.ID, rec.Fees, last.Fees)
	}
	oi.transactions = append(oi.transactions, rec)
	return nil
}

// ReplayTransaction reconstructs a historical broadcast attempt (e.g. from
// a journal or a persisted deployment state) without enforcing the
// increasing-fees invariant, which only constrains transactions appended
// during a live run.
func (oi *OnchainInteraction) ReplayTransaction(rec TransactionRecord) {
	oi.transactions = append(oi.transactions, rec)
}

// ExecutionStateType enumerates every future variant the planner may create.
// The four read-only variants never allocate a nonce or produce a
// transaction.
type ExecutionStateType string

const (
	ExecutionStateDeployment ExecutionStateType = "deployment"
	ExecutionStateCall       ExecutionStateType = "call"
	ExecutionStateSendData   ExecutionStateType = "send-data"
	ExecutionStateStaticCall ExecutionStateType = "static-call"

	ExecutionStateReadEventArgument  ExecutionStateType = "read-event-argument"
	ExecutionStateContractAtByName   ExecutionStateType = "contract-at-by-name"
	ExecutionStateContractAtArtifact ExecutionStateType = "contract-at-by-artifact"
	ExecutionStateEncodeFunctionCall ExecutionStateType = "encode-function-call"
)

// ProducesTransactions reports whether a future of this type can ever hold
// an OnchainInteraction.
func (t ExecutionStateType) ProducesTransactions() bool {
	switch t {
	case ExecutionStateDeployment, ExecutionStateCall, ExecutionStateSendData, ExecutionStateStaticCall:
		return true
	default:
		return false
	}
}

// ExecutionStatus is one of the five lifecycle states of an execution
// state, from started through one of the three terminal outcomes.
type ExecutionStatus string

const (
	StatusStarted ExecutionStatus = "started"
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusTimeout ExecutionStatus = "timeout"
	StatusFailure ExecutionStatus = "failure"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusTimeout || s == StatusFailure
}

// ExecutionState is one future's worth of coordinator-visible state.
type ExecutionState struct {
	ID                  int
	Type                ExecutionStateType
	Status              ExecutionStatus
	From                Sender
	NetworkInteractions []*OnchainInteraction
}

// PendingInteraction returns the interaction the coordinator still needs to
// drive to completion, i.e. the last one that hasn't been superseded, or nil
// if there is none.
func (es *ExecutionState) PendingInteraction() *OnchainInteraction {
	if len(es.NetworkInteractions) == 0 {
		return nil
	}
	return es.NetworkInteractions[len(es.NetworkInteractions)-1]
}

// DeploymentState maps execution-state IDs to their current state, one
// entry per future in the plan that has started.
type DeploymentState struct {
	states map[int]*ExecutionState
}

func NewDeploymentState() *DeploymentState {
	return &DeploymentState{states: map[int]*ExecutionState{}}
}

func (ds *DeploymentState) Get(id int) (*ExecutionState, bool) {
	es, ok := ds.states[id]
	return es, ok
}

func (ds *DeploymentState) Put(es *ExecutionState) {
	if ds.states == nil {
		ds.states = map[int]*ExecutionState{}
	}
	ds.states[es.ID] = es
}

func (ds *DeploymentState) All() map[int]*ExecutionState {
	return ds.states
}

// Future is one node the IgnitionModule exposes to the coordinator: an ID
// and a resolver from (accounts, defaultSender) to a concrete sender.
// Resolve returns ok=false for the four read-only variants, which never
// allocate a nonce.
type Future struct {
	ID      int
	Type    ExecutionStateType
	Resolve func(accounts []Sender, defaultSender Sender) (Sender, bool)
}

// IgnitionModule is the opaque planner view the coordinator consumes: a
// finite set of futures.
type IgnitionModule interface {
	Futures() []Future
}
