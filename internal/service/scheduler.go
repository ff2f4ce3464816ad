package service

import (
	"context"
	"time"

	"growchamber"
	"growchamber/internal/logger"
	"growchamber/internal/repository"
	"growchamber/internal/scheduler"
)

// ScheduleTarget is one chamber the scheduler considers on a tick.
type ScheduleTarget struct {
	Chamber    int
	Window     growchamber.ScheduleWindow
	OnChannels growchamber.ChannelState
}

// schedulerFleet is the slice of the fleet the scheduler needs.
type schedulerFleet interface {
	ScheduleTargets(ctx context.Context) []ScheduleTarget
	ApplyScheduled(ctx context.Context, chamber int, st growchamber.ChannelState) error
}

// SchedulerService evaluates every enabled schedule window on a fixed
// tick and issues lights-on/lights-off commands only on transitions. A
// command is only counted as applied once the device acknowledged it,
// so a chamber that failed mid-transition is retried on the next tick.
type SchedulerService struct {
	fleet  schedulerFleet
	events repository.EventRepo
	engine *scheduler.Engine
	log    *logger.Logger
}

func NewSchedulerService(fleet schedulerFleet, events repository.EventRepo, log *logger.Logger) *SchedulerService {
	return &SchedulerService{
		fleet:  fleet,
		events: events,
		engine: scheduler.NewEngine(),
		log:    log,
	}
}

// Run ticks until ctx is cancelled. One immediate tick fires at start
// so a restart re-asserts the correct lighting state right away.
func (s *SchedulerService) Run(ctx context.Context, tick time.Duration) {
	if s.log != nil {
		s.log.Infow("scheduler started", "tick", tick)
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.TickOnce(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			if s.log != nil {
				s.log.Infow("scheduler stopped")
			}
			return
		case now := <-ticker.C:
			s.TickOnce(ctx, now)
		}
	}
}

// TickOnce evaluates all schedule targets at the given instant and
// returns how many commands were issued.
func (s *SchedulerService) TickOnce(ctx context.Context, now time.Time) int {
	issued := 0
	targets := s.fleet.ScheduleTargets(ctx)
	active := make(map[int]bool, len(targets))
	for _, target := range targets {
		active[target.Chamber] = true
	}
	s.engine.Retain(active)

	for _, target := range targets {
		active, err := scheduler.WindowActive(target.Window, now)
		if err != nil {
			if s.log != nil {
				s.log.Errorw("schedule window unreadable", "chamber", target.Chamber, "err", err)
			}
			continue
		}
		if !s.engine.Changed(target.Chamber, active) {
			continue
		}

		desired := growchamber.ChannelState{}
		if active {
			desired = target.OnChannels
		}
		if err := s.fleet.ApplyScheduled(ctx, target.Chamber, desired); err != nil {
			if s.log != nil {
				s.log.Warnw("scheduled transition failed", "chamber", target.Chamber,
					"lights_on", active, "err", err)
			}
			continue
		}
		s.engine.Commit(target.Chamber, active)
		issued++

		typ := growchamber.EventScheduleOff
		desc := "lights off by schedule"
		if active {
			typ = growchamber.EventScheduleOn
			desc = "lights on by schedule"
		}
		s.recordTransition(ctx, target.Chamber, typ, desc, target.Window)
	}
	return issued
}

func (s *SchedulerService) recordTransition(ctx context.Context, chamber int, typ, desc string, w growchamber.ScheduleWindow) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(ctx, growchamber.ChamberEvent{
		Chamber:     chamber,
		Type:        typ,
		Description: desc,
		Metadata:    w,
	}); err != nil && s.log != nil {
		s.log.Errorw("append schedule event failed", "chamber", chamber, "err", err)
	}
}
