// Package config loads the coordinator's YAML configuration: a typed
// struct, a human-friendly Duration type, and a Load/applyDefaults/validate
// pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals either a Go duration string ("5s") or a bare integer
// number of milliseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

// Config is the coordinator's full configuration surface.
type Config struct {
	ChainID uint64 `yaml:"chain_id"`

	RPC struct {
		HTTP string `yaml:"http"`
	} `yaml:"rpc"`

	Confirmations uint64 `yaml:"confirmations"`

	Fees struct {
		BumpPercent        int64    `yaml:"bump_percent"`
		RefreshInterval    Duration `yaml:"refresh_interval"`
		MinPriorityFeeGwei float64  `yaml:"min_priority_fee_gwei"`
	} `yaml:"fees"`

	Retry struct {
		Max     int      `yaml:"max"`
		Backoff Duration `yaml:"backoff"`
	} `yaml:"retry"`

	Journal struct {
		Backend  string `yaml:"backend"` // "file" | "postgres"
		FilePath string `yaml:"file_path"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
	} `yaml:"journal"`

	KeyStore struct {
		Dir           string `yaml:"dir"`
		PassphraseEnv string `yaml:"passphrase_env"`
	} `yaml:"keystore"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Confirmations == 0 {
		c.Confirmations = 2
	}
	if c.Fees.BumpPercent == 0 {
		c.Fees.BumpPercent = 110
	}
	if c.Fees.RefreshInterval.Duration == 0 {
		c.Fees.RefreshInterval = Duration{Duration: 5 * time.Second}
	}
	if c.Retry.Max == 0 {
		c.Retry.Max = 3
	}
	if c.Retry.Backoff.Duration == 0 {
		c.Retry.Backoff = Duration{Duration: 500 * time.Millisecond}
	}
	if c.Journal.Backend == "" {
		c.Journal.Backend = "file"
	}
	if c.Journal.FilePath == "" {
		c.Journal.FilePath = "data/journal.jsonl"
	}
	if c.KeyStore.Dir == "" {
		c.KeyStore.Dir = "data/keystore"
	}
	if c.KeyStore.PassphraseEnv == "" {
		c.KeyStore.PassphraseEnv = "COORDINATOR_KEYSTORE_PASSPHRASE"
	}
}

func (c *Config) validate() error {
	if c.RPC.HTTP == "" {
		return fmt.Errorf("rpc.http is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id is required")
	}
	if c.Fees.BumpPercent < 110 {
		return fmt.Errorf("fees.bump_percent must be at least 110, got %d", c.Fees.BumpPercent)
	}
	switch c.Journal.Backend {
	case "file":
		if c.Journal.FilePath == "" {
			return fmt.Errorf("journal.file_path is required for the file backend")
		}
	case "postgres":
		if c.Journal.Postgres.DSN == "" {
			return fmt.Errorf("journal.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("journal.backend must be \"file\" or \"postgres\", got %q", c.Journal.Backend)
	}
	return nil
}
