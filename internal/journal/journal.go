// Package journal is the durable, append-only record of every transaction
// the pipeline is about to broadcast, written before the broadcast happens
// so a crash between the two never loses track of an in-flight nonce.
// FileSink serves single-process deployments; PostgresSink serves
// coordinators running across multiple processes.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"txcoordinator/internal/model"
)

// KindTransactionPrepareSend tags the one record type this core writes: the
// pre-broadcast intent carrying the nonce reservation a crash-recovery
// replay must observe.
const KindTransactionPrepareSend = "transaction-prepare-send"

// Record is one journaled broadcast attempt, written before the
// corresponding eth_sendRawTransaction call.
type Record struct {
	Kind           string        `json:"kind"`
	CorrelationID  string        `json:"correlation_id"`
	FutureID       int           `json:"future_id"`
	InteractionID  int           `json:"network_interaction_id"`
	From           model.Sender  `json:"from"`
	Nonce          uint64        `json:"nonce"`
	Hash           common.Hash   `json:"hash"`
	FeeKind        model.FeeKind `json:"fee_kind"`
	GasPrice       *big.Int      `json:"gas_price,omitempty"`
	MaxFeePerGas   *big.Int      `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFee *big.Int      `json:"max_priority_fee,omitempty"`
	WrittenAt      time.Time     `json:"written_at"`
}

// Sink is the append-only journal. Record returns only after the entry is
// persisted sufficiently that a post-crash replay will see it.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// FileSink appends one JSON line per record to a local file. Every write is
// serialized behind a mutex, the directory is created on demand, and each
// append is fsynced before Record returns so the durability contract holds
// across a crash.
type FileSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Record(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	b = append(b, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return f.Sync()
}

// Replay reads every record currently in the file, in write order, for
// crash recovery.
func (s *FileSink) Replay() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []Record
	dec := json.NewDecoder(bytes.NewReader(b))
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}
