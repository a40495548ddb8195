package fees

import (
	"context"
	"math/big"
	"testing"
	"time"

	"txcoordinator/internal/model"
)

type fakeSource struct {
	quote model.NetworkFees
}

func (f *fakeSource) GetNetworkFees(ctx context.Context) (model.NetworkFees, error) {
	return f.quote, nil
}

func TestNextFeesFirstSendUsesNetworkQuote(t *testing.T) {
	source := &fakeSource{quote: model.EIP1559Fees(big.NewInt(1000), big.NewInt(100))}
	policy := NewPolicy(source, Options{RefreshInterval: time.Minute})
	if err := policy.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, nil)
	got, err := policy.NextFees(context.Background(), interaction)
	if err != nil {
		t.Fatalf("NextFees: %v", err)
	}
	if got.MaxFeePerGas.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected first send to use the network quote as-is, got %s", got.MaxFeePerGas)
	}
}

func TestNextFeesResendTakesFieldwiseMaxOfBumpedAndNetwork(t *testing.T) {
	// Network has since dropped to 500/50; our prior bumped fees (1100/110)
	// should still win since a resend must never regress.
	source := &fakeSource{quote: model.EIP1559Fees(big.NewInt(500), big.NewInt(50))}
	policy := NewPolicy(source, Options{RefreshInterval: time.Minute})
	_ = policy.Refresh(context.Background())

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, nil)
	_ = interaction.SetNonce(0)
	_ = interaction.AppendTransaction(model.TransactionRecord{
		Fees: model.EIP1559Fees(big.NewInt(1000), big.NewInt(100)),
	})

	got, err := policy.NextFees(context.Background(), interaction)
	if err != nil {
		t.Fatalf("NextFees: %v", err)
	}
	if got.MaxFeePerGas.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("expected bumped prior fee 1100 to win, got %s", got.MaxFeePerGas)
	}
}

func TestNextFeesResendPicksUpRisingNetworkQuote(t *testing.T) {
	source := &fakeSource{quote: model.EIP1559Fees(big.NewInt(5000), big.NewInt(500))}
	policy := NewPolicy(source, Options{RefreshInterval: time.Minute})
	_ = policy.Refresh(context.Background())

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, nil)
	_ = interaction.SetNonce(0)
	_ = interaction.AppendTransaction(model.TransactionRecord{
		Fees: model.EIP1559Fees(big.NewInt(1000), big.NewInt(100)),
	})

	got, err := policy.NextFees(context.Background(), interaction)
	if err != nil {
		t.Fatalf("NextFees: %v", err)
	}
	if got.MaxFeePerGas.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("expected the higher network quote to win, got %s", got.MaxFeePerGas)
	}
}

func TestNextFeesConfiguredBumpPercent(t *testing.T) {
	// A 150% bump beats a flat network quote: 1000 -> 1500, 100 -> 150.
	source := &fakeSource{quote: model.EIP1559Fees(big.NewInt(500), big.NewInt(50))}
	policy := NewPolicy(source, Options{RefreshInterval: time.Minute, BumpPercent: 150})
	_ = policy.Refresh(context.Background())

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, nil)
	_ = interaction.SetNonce(0)
	_ = interaction.AppendTransaction(model.TransactionRecord{
		Fees: model.EIP1559Fees(big.NewInt(1000), big.NewInt(100)),
	})

	got, err := policy.NextFees(context.Background(), interaction)
	if err != nil {
		t.Fatalf("NextFees: %v", err)
	}
	if got.MaxFeePerGas.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("expected 150%% bumped max fee 1500, got %s", got.MaxFeePerGas)
	}
	if got.MaxPriorityFeePerGas.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected 150%% bumped priority fee 150, got %s", got.MaxPriorityFeePerGas)
	}
}

func TestNextFeesBumpPercentBelowMinimumIsFloored(t *testing.T) {
	source := &fakeSource{quote: model.EIP1559Fees(big.NewInt(500), big.NewInt(50))}
	policy := NewPolicy(source, Options{RefreshInterval: time.Minute, BumpPercent: 50})
	_ = policy.Refresh(context.Background())

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, nil)
	_ = interaction.SetNonce(0)
	_ = interaction.AppendTransaction(model.TransactionRecord{
		Fees: model.EIP1559Fees(big.NewInt(1000), big.NewInt(100)),
	})

	got, err := policy.NextFees(context.Background(), interaction)
	if err != nil {
		t.Fatalf("NextFees: %v", err)
	}
	if got.MaxFeePerGas.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("expected the bump floored at 110%%, got %s", got.MaxFeePerGas)
	}
}

func TestNextFeesPriorityFeeFloor(t *testing.T) {
	// The node suggests a 1-wei tip; the configured floor of 100 wins and
	// the max fee is lifted alongside it when it would otherwise fall below.
	source := &fakeSource{quote: model.EIP1559Fees(big.NewInt(50), big.NewInt(1))}
	policy := NewPolicy(source, Options{RefreshInterval: time.Minute, MinPriorityFee: big.NewInt(100)})
	_ = policy.Refresh(context.Background())

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, nil)
	got, err := policy.NextFees(context.Background(), interaction)
	if err != nil {
		t.Fatalf("NextFees: %v", err)
	}
	if got.MaxPriorityFeePerGas.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected floored priority fee 100, got %s", got.MaxPriorityFeePerGas)
	}
	if got.MaxFeePerGas.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected max fee lifted to the floor, got %s", got.MaxFeePerGas)
	}
}

func TestNextFeesPriorityFloorLeavesLegacyAlone(t *testing.T) {
	source := &fakeSource{quote: model.LegacyFees(big.NewInt(30))}
	policy := NewPolicy(source, Options{RefreshInterval: time.Minute, MinPriorityFee: big.NewInt(100)})
	_ = policy.Refresh(context.Background())

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, nil)
	got, err := policy.NextFees(context.Background(), interaction)
	if err != nil {
		t.Fatalf("NextFees: %v", err)
	}
	if got.Kind != model.FeeKindLegacy || got.GasPrice.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected the legacy quote untouched, got %+v", got)
	}
}

func TestNextFeesEIP1559DowngradeIsAnError(t *testing.T) {
	source := &fakeSource{quote: model.LegacyFees(big.NewInt(100))}
	policy := NewPolicy(source, Options{RefreshInterval: time.Minute})
	_ = policy.Refresh(context.Background())

	interaction := model.NewOnchainInteraction(1, model.Sender{}, nil, nil, nil)
	_ = interaction.SetNonce(0)
	_ = interaction.AppendTransaction(model.TransactionRecord{
		Fees: model.EIP1559Fees(big.NewInt(1000), big.NewInt(100)),
	})

	_, err := policy.NextFees(context.Background(), interaction)
	if err != ErrEIP1559Downgrade {
		t.Fatalf("expected ErrEIP1559Downgrade, got %v", err)
	}
}
