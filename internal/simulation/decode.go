// Package simulation turns the raw bytes a pre-send eth_call returns into a
// human-readable diagnosis.
package simulation

import (
	"github.com/ethereum/go-ethereum/accounts/abi"

	"txcoordinator/internal/rpc"
)

// Diagnosis is what the send pipeline reports back to the caller when a
// pre-send simulation fails. Reverted false means the simulation passed
// and there is nothing to report.
type Diagnosis struct {
	Reverted     bool
	RevertReason string // decoded Error(string) reason, if any
	RawData      []byte
}

// DecodeSimulation is the seam where the strategy engine injects ABI
// knowledge: given the raw call result, produce a diagnosis. Callers that
// know their contracts' custom errors can wrap RevertDecoder to also match
// those ABIs.
type DecodeSimulation func(result rpc.RawResult) Diagnosis

// RevertDecoder decodes the standard Solidity Error(string) revert encoding
// via go-ethereum's abi.UnpackRevert. Panic(uint256) and custom errors come
// back undecoded in RawData for the caller's own decoder to interpret.
func RevertDecoder(result rpc.RawResult) Diagnosis {
	if !result.Reverted {
		return Diagnosis{}
	}
	d := Diagnosis{Reverted: true, RawData: result.Data}
	if reason, err := abi.UnpackRevert(result.Data); err == nil {
		d.RevertReason = reason
	}
	return d
}
