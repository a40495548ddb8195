package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/params"

	"txcoordinator/internal/config"
	"txcoordinator/internal/coordinator"
	"txcoordinator/internal/fees"
	"txcoordinator/internal/journal"
	"txcoordinator/internal/model"
	"txcoordinator/internal/nonce"
	"txcoordinator/internal/pipeline"
	"txcoordinator/internal/rpc"
	"txcoordinator/internal/signer"
	"txcoordinator/internal/sync"
)

// buildLogger selects JSON output for production runs and a text handler
// when --debug is set, both to stdout.
func buildLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if debug {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// wired bundles every component the coordinator assembles from config, for
// the send and sync subcommands to share.
type wired struct {
	cfg         *config.Config
	rpcClient   *rpc.Client
	coordinator *coordinator.Coordinator
	keystore    *signer.KeystoreSigner
	logger      *slog.Logger
}

func wireUp(ctx context.Context, configPath string, debug bool) (*wired, error) {
	logger := buildLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	rpcClient, err := rpc.Dial(ctx, rpc.Config{
		HTTPEndpoint: cfg.RPC.HTTP,
		UserAgent:    "txcoordinator",
		RetryMax:     cfg.Retry.Max,
		RetryBackoff: cfg.Retry.Backoff.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	passphrase := os.Getenv(cfg.KeyStore.PassphraseEnv)
	if passphrase == "" {
		logger.Warn("keystore passphrase env is empty", "env", cfg.KeyStore.PassphraseEnv)
	}
	keystoreSigner, err := signer.NewKeystoreSigner(cfg.KeyStore.Dir, passphrase, new(big.Int).SetUint64(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("init keystore: %w", err)
	}

	var sink journal.Sink
	switch cfg.Journal.Backend {
	case "postgres":
		sink, err = journal.NewPostgresSink(cfg.Journal.Postgres.DSN, "db/migrations")
	default:
		sink, err = journal.NewFileSink(cfg.Journal.FilePath)
	}
	if err != nil {
		return nil, fmt.Errorf("init journal sink: %w", err)
	}

	nonceAllocator := nonce.NewAllocator(rpcClient)
	var minPriority *big.Int
	if cfg.Fees.MinPriorityFeeGwei > 0 {
		gwei := new(big.Float).Mul(big.NewFloat(cfg.Fees.MinPriorityFeeGwei), big.NewFloat(params.GWei))
		minPriority, _ = gwei.Int(nil)
	}
	feePolicy := fees.NewPolicy(rpcClient, fees.Options{
		RefreshInterval: cfg.Fees.RefreshInterval.Duration,
		BumpPercent:     cfg.Fees.BumpPercent,
		MinPriorityFee:  minPriority,
	})
	if err := feePolicy.Start(ctx); err != nil {
		return nil, fmt.Errorf("start fee policy: %w", err)
	}

	p := pipeline.New(pipeline.Config{
		RPC:       rpcClient,
		Nonces:    nonceAllocator,
		Fees:      feePolicy,
		Sink:      sink,
		SignerFor: func(_ model.Sender) signer.ExternalSigner { return keystoreSigner },
		ChainID:   new(big.Int).SetUint64(cfg.ChainID),
	})
	engine := sync.NewEngine(rpcClient)
	coord := coordinator.New(p, engine, logger)

	return &wired{cfg: cfg, rpcClient: rpcClient, coordinator: coord, keystore: keystoreSigner, logger: logger}, nil
}
