package service

import (
	"context"

	"growchamber"
	"growchamber/internal/logger"
)

// settingsFleet is the slice of the fleet the settings service needs.
type settingsFleet interface {
	ExportConfigs(ctx context.Context) map[int]growchamber.ChamberConfig
	ImportConfigs(ctx context.Context, configs map[int]growchamber.ChamberConfig) error
}

// SettingsService translates between a fleet's desired configuration
// and the portable snapshot format. Imports are all-or-nothing: every
// entry is validated before any chamber is touched.
type SettingsService struct {
	fleet settingsFleet
	log   *logger.Logger
}

func NewSettingsService(fleet settingsFleet, log *logger.Logger) *SettingsService {
	return &SettingsService{fleet: fleet, log: log}
}

// Export snapshots every chamber's desired configuration, including
// chambers that are currently disconnected.
func (s *SettingsService) Export(ctx context.Context) (growchamber.SettingsSnapshot, error) {
	return growchamber.SettingsSnapshot(s.fleet.ExportConfigs(ctx)), nil
}

// Import validates the whole snapshot, then merges it into the fleet.
// A single invalid entry rejects the import with the chamber named.
func (s *SettingsService) Import(ctx context.Context, snap growchamber.SettingsSnapshot) error {
	for n, cfg := range snap {
		if n < growchamber.MinChamber || n > growchamber.MaxChamber {
			return growchamber.Validationf("chamber number %d out of range [%d,%d]",
				n, growchamber.MinChamber, growchamber.MaxChamber)
		}
		if err := cfg.Validate(); err != nil {
			return growchamber.Validationf("chamber %d: %v", n, err)
		}
	}
	if err := s.fleet.ImportConfigs(ctx, snap); err != nil {
		return err
	}
	if s.log != nil {
		s.log.Infow("settings snapshot imported", "chambers", len(snap))
	}
	return nil
}
