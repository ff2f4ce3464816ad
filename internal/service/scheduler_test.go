package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"growchamber"
)

// fakeSchedFleet scripts schedule targets and records applied states.
type fakeSchedFleet struct {
	targets []ScheduleTarget
	applied []appliedCmd
	fail    map[int]error
}

type appliedCmd struct {
	chamber int
	state   growchamber.ChannelState
}

func (f *fakeSchedFleet) ScheduleTargets(context.Context) []ScheduleTarget {
	return f.targets
}

func (f *fakeSchedFleet) ApplyScheduled(_ context.Context, chamber int, st growchamber.ChannelState) error {
	if err := f.fail[chamber]; err != nil {
		return err
	}
	f.applied = append(f.applied, appliedCmd{chamber: chamber, state: st})
	return nil
}

func at(t *testing.T, clock string) time.Time {
	t.Helper()
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		t.Fatalf("bad clock %q: %v", clock, err)
	}
	return time.Date(2026, 3, 14, parsed.Hour(), parsed.Minute(), 0, 0, time.Local)
}

func TestTickOnce_IssuesCommandOnlyOnTransition(t *testing.T) {
	day := growchamber.ChannelState{Red: 80, White: 100}
	fleet := &fakeSchedFleet{targets: []ScheduleTarget{{
		Chamber:    1,
		Window:     growchamber.ScheduleWindow{OnTime: "08:00", OffTime: "20:00", Enabled: true},
		OnChannels: day,
	}}}
	events := &memEvents{}
	s := NewSchedulerService(fleet, events, nil)
	ctx := context.Background()

	if n := s.TickOnce(ctx, at(t, "09:00")); n != 1 {
		t.Fatalf("first tick inside window: expected 1 command, got %d", n)
	}
	if fleet.applied[0].state != day {
		t.Fatalf("lights-on used wrong levels: %+v", fleet.applied[0].state)
	}

	// Same window state: no further commands.
	if n := s.TickOnce(ctx, at(t, "12:00")); n != 0 {
		t.Fatalf("steady state issued %d commands", n)
	}

	// Crossing offTime turns the lights off.
	if n := s.TickOnce(ctx, at(t, "20:00")); n != 1 {
		t.Fatalf("off transition: expected 1 command, got %d", n)
	}
	if (fleet.applied[1].state != growchamber.ChannelState{}) {
		t.Fatalf("lights-off should zero all channels: %+v", fleet.applied[1].state)
	}

	on := events.ofType(growchamber.EventScheduleOn)
	off := events.ofType(growchamber.EventScheduleOff)
	if len(on) != 1 || len(off) != 1 {
		t.Fatalf("expected one on and one off event, got %d/%d", len(on), len(off))
	}
}

func TestTickOnce_MidnightWrapWindow(t *testing.T) {
	fleet := &fakeSchedFleet{targets: []ScheduleTarget{{
		Chamber:    2,
		Window:     growchamber.ScheduleWindow{OnTime: "22:00", OffTime: "06:00", Enabled: true},
		OnChannels: growchamber.ChannelState{FarRed: 30},
	}}}
	s := NewSchedulerService(fleet, nil, nil)
	ctx := context.Background()

	if n := s.TickOnce(ctx, at(t, "23:30")); n != 1 {
		t.Fatalf("23:30 should be lights-on in a 22:00-06:00 window")
	}
	if n := s.TickOnce(ctx, at(t, "05:59")); n != 0 {
		t.Fatalf("05:59 is still inside the window, issued %d commands", n)
	}
	if n := s.TickOnce(ctx, at(t, "06:00")); n != 1 {
		t.Fatalf("06:00 should turn lights off")
	}
}

func TestTickOnce_FailedTransitionIsRetried(t *testing.T) {
	fleet := &fakeSchedFleet{
		targets: []ScheduleTarget{{
			Chamber:    3,
			Window:     growchamber.ScheduleWindow{OnTime: "08:00", OffTime: "20:00", Enabled: true},
			OnChannels: growchamber.ChannelState{Red: 50},
		}},
		fail: map[int]error{3: errors.New("port wedged")},
	}
	s := NewSchedulerService(fleet, nil, nil)
	ctx := context.Background()

	if n := s.TickOnce(ctx, at(t, "09:00")); n != 0 {
		t.Fatalf("failed apply counted as issued")
	}

	// The chamber recovers; the transition fires on the next tick
	// because the failure was never committed.
	fleet.fail = nil
	if n := s.TickOnce(ctx, at(t, "09:01")); n != 1 {
		t.Fatalf("recovered chamber not retried")
	}
	if len(fleet.applied) != 1 {
		t.Fatalf("expected exactly one applied command, got %d", len(fleet.applied))
	}
}

func TestTickOnce_EqualOnOffTimesStaysOff(t *testing.T) {
	fleet := &fakeSchedFleet{targets: []ScheduleTarget{{
		Chamber:    4,
		Window:     growchamber.ScheduleWindow{OnTime: "10:00", OffTime: "10:00", Enabled: true},
		OnChannels: growchamber.ChannelState{Red: 50},
	}}}
	s := NewSchedulerService(fleet, nil, nil)
	ctx := context.Background()

	// First evaluation asserts the off state once, then stays quiet.
	if n := s.TickOnce(ctx, at(t, "10:00")); n != 1 {
		t.Fatalf("initial off assertion expected")
	}
	if (fleet.applied[0].state != growchamber.ChannelState{}) {
		t.Fatalf("equal on/off times must keep lights off: %+v", fleet.applied[0].state)
	}
	for _, clock := range []string{"09:59", "10:00", "23:00"} {
		if n := s.TickOnce(ctx, at(t, clock)); n != 0 {
			t.Fatalf("equal on/off window issued a command at %s", clock)
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	fleet := &fakeSchedFleet{}
	s := NewSchedulerService(fleet, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on context cancellation")
	}
}
