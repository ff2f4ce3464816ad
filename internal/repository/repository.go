package repository

import (
	"context"
	"database/sql"
	"time"

	"growchamber"
)

type Authorization interface {
	Create(username, hash string) (int, error)
	GetByUsername(username string) (*growchamber.User, error)
}

// EventRepo is the append-only fleet event log. A zero chamber filter
// matches all chambers.
type EventRepo interface {
	Append(ctx context.Context, e growchamber.ChamberEvent) error
	List(ctx context.Context, from, to time.Time, typ string, chamber int) ([]growchamber.ChamberEvent, error)
}

// SettingsRepo durably stores per-chamber configuration so channel
// levels, fan settings and schedules survive restarts.
type SettingsRepo interface {
	Save(ctx context.Context, chamber int, cfg growchamber.ChamberConfig) error
	LoadAll(ctx context.Context) (map[int]growchamber.ChamberConfig, error)
}

type Repository struct {
	Events   EventRepo
	Settings SettingsRepo
	Auth     Authorization
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Events:   NewEventSQLite(db),
		Settings: NewSettingsSQLite(db),
		Auth:     NewUserRepository(db),
	}
}
