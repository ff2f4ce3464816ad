package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"growchamber"
)

type SettingsSQLite struct {
	db *sql.DB
}

func NewSettingsSQLite(db *sql.DB) *SettingsSQLite { return &SettingsSQLite{db: db} }

var _ SettingsRepo = (*SettingsSQLite)(nil)

const (
	upsertSettingsSQL = `
		INSERT INTO chamber_settings (chamber, config, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chamber) DO UPDATE SET
			config=excluded.config,
			updated_at=excluded.updated_at
	`

	selectAllSettingsSQL = `SELECT chamber, config FROM chamber_settings`
)

// Save upserts the configuration row for one chamber. The config is
// stored as a JSON document; the schema only cares about the key.
func (r *SettingsSQLite) Save(ctx context.Context, chamber int, cfg growchamber.ChamberConfig) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config for chamber %d: %w", chamber, err)
	}
	_, err = r.db.ExecContext(ctx, upsertSettingsSQL,
		chamber,
		string(b),
		time.Now().UTC(),
	)
	return err
}

// LoadAll returns every stored chamber configuration. A malformed row
// fails the whole load and names the chamber.
func (r *SettingsSQLite) LoadAll(ctx context.Context) (map[int]growchamber.ChamberConfig, error) {
	rows, err := r.db.QueryContext(ctx, selectAllSettingsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]growchamber.ChamberConfig)
	for rows.Next() {
		var chamber int
		var raw string
		if err := rows.Scan(&chamber, &raw); err != nil {
			return nil, err
		}
		var cfg growchamber.ChamberConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("stored config for chamber %d: %w", chamber, err)
		}
		out[chamber] = cfg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
