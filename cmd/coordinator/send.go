package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"txcoordinator/internal/model"
)

func newSendCmd(configPath *string, debug *bool) *cobra.Command {
	var (
		from     string
		to       string
		dataHex  string
		valueStr string
	)

	var futureID int

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Build, simulate, journal, and broadcast a single on-chain interaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := wireUp(ctx, *configPath, *debug)
			if err != nil {
				return err
			}

			sender, err := model.ParseSender(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}

			var toAddr *common.Address
			if to != "" {
				parsed, err := model.ParseSender(to)
				if err != nil {
					return fmt.Errorf("--to: %w", err)
				}
				addr := common.Address(parsed)
				toAddr = &addr
			}

			data := common.FromHex(dataHex)
			value := new(big.Int)
			if valueStr != "" {
				if _, ok := value.SetString(valueStr, 10); !ok {
					return fmt.Errorf("--value: invalid integer %q", valueStr)
				}
			}

			interaction := model.NewOnchainInteraction(1, sender, toAddr, data, value)
			outcome, err := w.coordinator.SendFor(ctx, futureID, interaction)
			if err != nil {
				color.New(color.FgRed).Fprintf(os.Stderr, "send failed: %v\n", err)
				return err
			}
			if outcome.Diagnosis != nil {
				color.New(color.FgYellow).Fprintln(os.Stderr, "simulation failed, nothing was sent")
				if outcome.Diagnosis.RevertReason != "" {
					color.New(color.FgYellow).Fprintf(os.Stderr, "revert reason: %s\n", outcome.Diagnosis.RevertReason)
				}
				return fmt.Errorf("simulation failed")
			}

			color.New(color.FgGreen).Printf("sent: %s (fees kind=%s)\n", outcome.Sent.Hash.Hex(), outcome.Sent.Fees.Kind)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "sender address")
	cmd.Flags().StringVar(&to, "to", "", "recipient address (omit for contract creation)")
	cmd.Flags().StringVar(&dataHex, "data", "0x", "call data, hex-encoded")
	cmd.Flags().StringVar(&valueStr, "value", "0", "value in wei, base-10")
	cmd.Flags().IntVar(&futureID, "future", 1, "future ID to journal this send under")
	cmd.MarkFlagRequired("from")
	return cmd
}
