package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"txcoordinator/internal/model"
	"txcoordinator/internal/sync"
)

func newSyncCmd(configPath *string, debug *bool) *cobra.Command {
	var (
		stateFilePath string
		defaultFrom   string
		confirmations uint64
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile journaled transactions against on-chain state for every sender in a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := wireUp(ctx, *configPath, *debug)
			if err != nil {
				return err
			}

			state, module, err := loadStateFile(stateFilePath)
			if err != nil {
				return err
			}

			defaultSender, err := model.ParseSender(defaultFrom)
			if err != nil {
				return fmt.Errorf("--default-from: %w", err)
			}

			if confirmations == 0 {
				confirmations = w.cfg.Confirmations
			}

			events, err := w.coordinator.Sync(ctx, state, module, nil, defaultSender, confirmations)
			if err != nil {
				switch e := err.(type) {
				case *sync.WaitingForConfirmations, *sync.WaitingForNonce:
					color.New(color.FgYellow).Fprintln(os.Stderr, e.Error())
				default:
					color.New(color.FgRed).Fprintf(os.Stderr, "sync failed: %v\n", err)
				}
				return err
			}

			for _, ev := range events {
				label := "dropped"
				if ev.Kind == sync.EventReplacedByUser {
					label = "replaced-by-user"
				}
				color.New(color.FgGreen).Printf("%s: future=%d interaction=%d\n", label, ev.FutureID, ev.InteractionID)
			}
			if len(events) == 0 {
				fmt.Println("no reconciliation events")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stateFilePath, "state", "state.json", "path to the deployment state JSON file")
	cmd.Flags().StringVar(&defaultFrom, "default-from", "", "default sender for futures not yet started")
	cmd.Flags().Uint64Var(&confirmations, "confirmations", 0, "required confirmations (defaults to config)")
	cmd.MarkFlagRequired("default-from")
	return cmd
}
