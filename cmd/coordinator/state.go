package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"txcoordinator/internal/model"
)

// stateFile is the on-disk JSON shape the sync subcommand reads its
// deployment state and module view from, standing in for the execution
// engine's own in-memory state in a standalone CLI run.
type stateFile struct {
	Futures         []futureJSON `json:"futures"`
	ExecutionStates []stateJSON  `json:"execution_states"`
}

type futureJSON struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	From string `json:"from,omitempty"` // empty => resolves to default_sender
}

type stateJSON struct {
	ID     int      `json:"id"`
	Type   string   `json:"type"`
	Status string   `json:"status"`
	From   string   `json:"from"`
	Nonce  uint64   `json:"nonce"`
	Hashes []string `json:"tx_hashes"`
}

func loadStateFile(path string) (*model.DeploymentState, model.IgnitionModule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read state file: %w", err)
	}
	var sf stateFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, nil, fmt.Errorf("parse state file: %w", err)
	}

	state := model.NewDeploymentState()
	for _, s := range sf.ExecutionStates {
		from, err := model.ParseSender(s.From)
		if err != nil {
			return nil, nil, fmt.Errorf("execution state %d: %w", s.ID, err)
		}
		es := &model.ExecutionState{
			ID:     s.ID,
			Type:   model.ExecutionStateType(s.Type),
			Status: model.ExecutionStatus(s.Status),
			From:   from,
		}
		if es.Type.ProducesTransactions() && es.Status != model.StatusSuccess {
			interaction := model.NewOnchainInteraction(s.ID, from, nil, nil, nil)
			if err := interaction.SetNonce(s.Nonce); err != nil {
				return nil, nil, err
			}
			for _, h := range s.Hashes {
				interaction.ReplayTransaction(model.TransactionRecord{Hash: common.HexToHash(h)})
			}
			es.NetworkInteractions = []*model.OnchainInteraction{interaction}
		}
		state.Put(es)
	}

	return state, &jsonModule{futures: sf.Futures}, nil
}

type jsonModule struct {
	futures []futureJSON
}

func (m *jsonModule) Futures() []model.Future {
	out := make([]model.Future, 0, len(m.futures))
	for _, f := range m.futures {
		f := f
		out = append(out, model.Future{
			ID:   f.ID,
			Type: model.ExecutionStateType(f.Type),
			Resolve: func(accounts []model.Sender, defaultSender model.Sender) (model.Sender, bool) {
				if !model.ExecutionStateType(f.Type).ProducesTransactions() {
					return model.Sender{}, false
				}
				if f.From == "" {
					return defaultSender, true
				}
				sender, err := model.ParseSender(f.From)
				if err != nil {
					return defaultSender, true
				}
				return sender, true
			},
		})
	}
	return out
}
