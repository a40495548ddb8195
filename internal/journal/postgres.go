package journal

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"txcoordinator/internal/model"
)

// journalRow is the gorm model backing the postgres journal table, used
// when multiple coordinator processes share one durable sink.
type journalRow struct {
	ID             uint   `gorm:"primaryKey"`
	Kind           string
	CorrelationID  string `gorm:"index"`
	FutureID       int    `gorm:"index"`
	InteractionID  int    `gorm:"index"`
	FromAddress    string
	Nonce          uint64 `gorm:"index:idx_from_nonce"`
	Hash           string
	FeeKind        uint8
	GasPrice       string
	MaxFeePerGas   string
	MaxPriorityFee string
	WrittenAt      time.Time
}

func (journalRow) TableName() string { return "journal_records" }

// PostgresSink is the journal backend for deployments where several
// coordinator processes share one durable sink, so a crash-recovery replay
// is visible to a peer process, not just the one that crashed.
type PostgresSink struct {
	db *gorm.DB
}

// NewPostgresSink opens the database and runs pending migrations from
// migrationsDir before returning, so a fresh deployment is ready to accept
// records immediately.
func NewPostgresSink(dsn string, migrationsDir string) (*PostgresSink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if migrationsDir != "" {
		if err := runMigrations(dsn, migrationsDir); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return &PostgresSink{db: db}, nil
}

func runMigrations(dsn string, migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, dsn)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, rec Record) error {
	row := journalRow{
		Kind:          rec.Kind,
		CorrelationID: rec.CorrelationID,
		FutureID:      rec.FutureID,
		InteractionID: rec.InteractionID,
		FromAddress:   rec.From.Hex(),
		Nonce:         rec.Nonce,
		Hash:          rec.Hash.Hex(),
		FeeKind:       uint8(rec.FeeKind),
		WrittenAt:     rec.WrittenAt,
	}
	if rec.GasPrice != nil {
		row.GasPrice = rec.GasPrice.String()
	}
	if rec.MaxFeePerGas != nil {
		row.MaxFeePerGas = rec.MaxFeePerGas.String()
	}
	if rec.MaxPriorityFee != nil {
		row.MaxPriorityFee = rec.MaxPriorityFee.String()
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// ReplayFor returns every journaled nonce for sender, ascending.
func (s *PostgresSink) ReplayFor(ctx context.Context, sender model.Sender) ([]Record, error) {
	var rows []journalRow
	if err := s.db.WithContext(ctx).
		Where("from_address = ?", sender.Hex()).
		Order("nonce asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			Kind:          row.Kind,
			CorrelationID: row.CorrelationID,
			FutureID:      row.FutureID,
			InteractionID: row.InteractionID,
			Nonce:         row.Nonce,
			FeeKind:       model.FeeKind(row.FeeKind),
			WrittenAt:     row.WrittenAt,
		}
		if row.GasPrice != "" {
			rec.GasPrice, _ = new(big.Int).SetString(row.GasPrice, 10)
		}
		if row.MaxFeePerGas != "" {
			rec.MaxFeePerGas, _ = new(big.Int).SetString(row.MaxFeePerGas, 10)
		}
		if row.MaxPriorityFee != "" {
			rec.MaxPriorityFee, _ = new(big.Int).SetString(row.MaxPriorityFee, 10)
		}
		out = append(out, rec)
	}
	return out, nil
}
