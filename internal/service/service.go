package service

import (
	"context"
	"time"

	"growchamber"
	"growchamber/internal/identity"
	"growchamber/internal/logger"
	"growchamber/internal/repository"
	"growchamber/internal/transport"
)

type Authorization interface {
	SignUp(username, password string) (int, error)
	GenerateToken(username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Fleet exposes chamber orchestration: discovery, per-chamber and
// fan-out apply operations, and read-only status accessors.
type Fleet interface {
	Scan(ctx context.Context) ([]growchamber.ChamberIdentity, error)
	ApplyChannels(ctx context.Context, chamber int, st growchamber.ChannelState) error
	ApplyFan(ctx context.Context, chamber int, st growchamber.FanState) error
	ApplyChannelsAll(ctx context.Context, st growchamber.ChannelState) map[int]error
	ApplyFanAll(ctx context.Context, st growchamber.FanState) map[int]error
	SetFansOn(ctx context.Context) map[int]error
	SetFansOff(ctx context.Context) map[int]error
	SetSchedule(ctx context.Context, chamber int, w growchamber.ScheduleWindow) error
	RefreshStatus(ctx context.Context, chamber int) (growchamber.ChamberStatus, error)
	Chambers(ctx context.Context) []growchamber.ChamberStatus
	Chamber(ctx context.Context, chamber int) (growchamber.ChamberStatus, error)
	Restore(ctx context.Context) error
	Close() error
}

// Settings exposes export/import of the full fleet configuration,
// independent of live connectivity.
type Settings interface {
	Export(ctx context.Context) (growchamber.SettingsSnapshot, error)
	Import(ctx context.Context, snap growchamber.SettingsSnapshot) error
}

// Scheduler runs the background tick loop that turns chamber lights on
// and off by their configured windows. Stop via context cancellation in
// main() for graceful shutdown.
type Scheduler interface {
	Run(ctx context.Context, tick time.Duration)
	TickOnce(ctx context.Context, now time.Time) int
}

// EventLog exposes append-only chamber history with filtering access.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]growchamber.ChamberEvent, error)
}

//
// Root Service aggregates all sub-services.
//

type Service struct {
	Fleet
	Settings
	Scheduler
	EventLog
	Authorization
}

// Config carries the engine tuning knobs plus hooks for port discovery
// and dialing so tests can run without hardware. Zero-value hooks fall
// back to the real serial implementations.
type Config struct {
	Log             *logger.Logger
	MappingPath     string
	SerialTimeout   time.Duration
	FaultThreshold  int
	DefaultFanSpeed int
	ScanWorkers     int
	AuthSigningKey  string

	Detect DetectFunc
	Dial   DialFunc
}

// NewService wires the repository layer, identity map and transport
// hooks into concrete services.
func NewService(repos *repository.Repository, ids *identity.Map, cfg Config) *Service {
	if cfg.Detect == nil {
		cfg.Detect = transport.DetectPorts
	}
	if cfg.Dial == nil {
		cfg.Dial = dialSerial
	}
	fleet := NewFleetService(repos, ids, cfg)
	return &Service{
		Fleet:         fleet,
		Settings:      NewSettingsService(fleet, cfg.Log),
		Scheduler:     NewSchedulerService(fleet, repos.Events, cfg.Log),
		EventLog:      NewEventLogService(repos.Events),
		Authorization: NewAuthService(repos.Auth, cfg.AuthSigningKey),
	}
}
