package simulation

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"txcoordinator/internal/rpc"
)

func TestRevertDecoderReturnsEmptyForNonRevert(t *testing.T) {
	d := RevertDecoder(rpc.RawResult{})
	if d.Reverted {
		t.Fatalf("expected Reverted=false for a non-revert result")
	}
}

func TestRevertDecoderDecodesErrorString(t *testing.T) {
	packed, err := abiPackRevert("insufficient balance")
	if err != nil {
		t.Fatalf("pack revert: %v", err)
	}
	d := RevertDecoder(rpc.RawResult{Reverted: true, Data: packed})
	if !d.Reverted {
		t.Fatalf("expected Reverted=true")
	}
	if d.RevertReason != "insufficient balance" {
		t.Fatalf("expected decoded reason, got %q", d.RevertReason)
	}
}

// abiPackRevert builds the standard Error(string) revert encoding, the
// inverse of abi.UnpackRevert, for test fixtures.
func abiPackRevert(reason string) ([]byte, error) {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		return nil, err
	}
	args := abi.Arguments{{Type: stringType}}
	packed, err := args.Pack(reason)
	if err != nil {
		return nil, err
	}
	selector := []byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	return append(selector, packed...), nil
}
