package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/microsoft/onefuzz/internal/eventbus"
)

// InstanceConfig is the single process-wide configuration record (spec.md
// §5): admins, proxy SKUs, default image, feature flags. There is exactly
// one row, keyed by a fixed singleton id.
type InstanceConfig struct {
	Admins       []string          `json:"admins,omitempty"`
	ProxySKUs    map[string]string `json:"proxy_skus,omitempty"`
	DefaultImage string            `json:"default_image,omitempty"`
	Features     map[string]bool   `json:"features,omitempty"`
	RowVer       int64             `json:"-"`
}

const instanceConfigSingletonID = "singleton"

const instanceConfigSchema = `
CREATE TABLE IF NOT EXISTS instance_config (
	id TEXT PRIMARY KEY,
	config TEXT NOT NULL,
	row_version INTEGER NOT NULL DEFAULT 1
);
`

// GetInstanceConfig returns the singleton record, or ErrNotFound if it has
// never been written.
func (s *Store) GetInstanceConfig(ctx context.Context) (*InstanceConfig, error) {
	var configJSON string
	var rowVer int64
	err := s.db.QueryRowContext(ctx, `SELECT config, row_version FROM instance_config WHERE id = ?;`, instanceConfigSingletonID).Scan(&configJSON, &rowVer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance config: %w", err)
	}
	var cfg InstanceConfig
	if err := unmarshalJSON(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal instance config: %w", err)
	}
	cfg.RowVer = rowVer
	return &cfg, nil
}

// ReplaceInstanceConfig writes the singleton record with optimistic
// concurrency; version 0 means "create if absent". After a successful
// write it publishes instanceconfig.invalidated on the event bus (when one
// is set) so read-through caches drop their copy (spec.md §5: explicit
// invalidation on write).
func (s *Store) ReplaceInstanceConfig(ctx context.Context, cfg InstanceConfig, version int64) error {
	configJSON, err := marshalJSON(cfg)
	if err != nil {
		return fmt.Errorf("marshal instance config: %w", err)
	}
	err = s.withRetryTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM instance_config WHERE id = ?;`, instanceConfigSingletonID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			if version != 0 {
				return ErrConflict
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO instance_config (id, config, row_version) VALUES (?, ?, 1);`, instanceConfigSingletonID, configJSON)
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE instance_config SET config = ?, row_version = row_version + 1 WHERE id = ? AND row_version = ?;
		`, configJSON, instanceConfigSingletonID, version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicInstanceCfg, nil)
	}
	return nil
}
