// Package coordinator wires the send pipeline and the nonce sync engine
// into the two operations exposed downstream. Every call is stamped with a
// correlation ID attached to all of its log output, so one send or sync
// pass can be traced end-to-end across the journal and the logs.
package coordinator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"txcoordinator/internal/model"
	"txcoordinator/internal/pipeline"
	"txcoordinator/internal/sync"
)

// Coordinator is the assembled system: the send pipeline and the sync
// engine, sharing nothing but the deployment state the caller owns.
type Coordinator struct {
	pipeline *pipeline.Pipeline
	engine   *sync.Engine
	logger   *slog.Logger
}

func New(p *pipeline.Pipeline, e *sync.Engine, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{pipeline: p, engine: e, logger: logger}
}

// SendFor stamps a correlation ID onto the call and delegates to the send
// pipeline.
func (c *Coordinator) SendFor(ctx context.Context, futureID int, interaction *model.OnchainInteraction) (pipeline.Outcome, error) {
	correlationID := uuid.NewString()
	logger := c.logger.With("correlation_id", correlationID, "future_id", futureID, "interaction_id", interaction.ID, "from", interaction.From.Hex())
	logger.Debug("send_for starting")

	outcome, err := c.pipeline.SendFor(ctx, correlationID, futureID, interaction)
	if err != nil {
		logger.Warn("send_for failed", "error", err)
		return outcome, err
	}
	if outcome.Diagnosis != nil {
		logger.Info("send_for diagnosed revert, nothing sent", "reason", outcome.Diagnosis.RevertReason)
	}
	if outcome.Sent != nil {
		logger.Info("send_for broadcast", "hash", outcome.Sent.Hash.Hex())
	}
	return outcome, nil
}

// Sync stamps a correlation ID onto the call and delegates to the nonce
// sync engine.
func (c *Coordinator) Sync(
	ctx context.Context,
	state *model.DeploymentState,
	module model.IgnitionModule,
	accounts []model.Sender,
	defaultSender model.Sender,
	requiredConfirmations uint64,
) ([]sync.Event, error) {
	correlationID := uuid.NewString()
	logger := c.logger.With("correlation_id", correlationID)
	logger.Debug("sync starting")

	events, err := c.engine.Sync(ctx, state, module, accounts, defaultSender, requiredConfirmations)
	if err != nil {
		logger.Warn("sync raised", "error", err)
		return nil, err
	}
	logger.Info("sync complete", "events", len(events))
	return events, nil
}
