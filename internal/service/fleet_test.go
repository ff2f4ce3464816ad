package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"growchamber"
	"growchamber/internal/device"
	"growchamber/internal/identity"
	"growchamber/internal/repository"
	"growchamber/internal/transport"
)

// scriptConn scripts Send behavior per connection and records requests.
type scriptConn struct {
	mu       sync.Mutex
	name     string
	requests []transport.Request
	send     func(transport.Request) (transport.Response, error)
	closed   bool
}

func (c *scriptConn) Send(req transport.Request) (transport.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	send := c.send
	c.mu.Unlock()
	if send != nil {
		return send(req)
	}
	return transport.Response{OK: true}, nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptConn) Name() string { return c.name }

func (c *scriptConn) sent() []transport.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// memEvents collects appended events in memory.
type memEvents struct {
	mu     sync.Mutex
	events []growchamber.ChamberEvent
}

func (m *memEvents) Append(_ context.Context, e growchamber.ChamberEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) List(_ context.Context, _, _ time.Time, typ string, chamber int) ([]growchamber.ChamberEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []growchamber.ChamberEvent
	for _, e := range m.events {
		if typ != "" && e.Type != typ {
			continue
		}
		if chamber > 0 && e.Chamber != chamber {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memEvents) ofType(typ string) []growchamber.ChamberEvent {
	out, _ := m.List(context.Background(), time.Time{}, time.Time{}, typ, 0)
	return out
}

// memSettings stores per-chamber configs in memory.
type memSettings struct {
	mu      sync.Mutex
	configs map[int]growchamber.ChamberConfig
}

func newMemSettings() *memSettings {
	return &memSettings{configs: make(map[int]growchamber.ChamberConfig)}
}

func (m *memSettings) Save(_ context.Context, chamber int, cfg growchamber.ChamberConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[chamber] = cfg
	return nil
}

func (m *memSettings) LoadAll(_ context.Context) (map[int]growchamber.ChamberConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]growchamber.ChamberConfig, len(m.configs))
	for n, cfg := range m.configs {
		out[n] = cfg
	}
	return out, nil
}

// testRig wires a FleetService against fake ports.
type testRig struct {
	fleet    *FleetService
	events   *memEvents
	settings *memSettings
	ids      *identity.Map
	conns    map[string]*scriptConn
	ports    []transport.PortInfo
}

func newRig(t *testing.T, serials ...string) *testRig {
	t.Helper()
	rig := &testRig{
		events:   &memEvents{},
		settings: newMemSettings(),
		ids:      identity.NewMap(),
		conns:    make(map[string]*scriptConn),
	}
	for i, sn := range serials {
		port := "/dev/ttyACM" + string(rune('0'+i))
		rig.ports = append(rig.ports, transport.PortInfo{Name: port, SerialNumber: sn})
	}
	repos := &repository.Repository{Events: rig.events, Settings: rig.settings}
	cfg := Config{
		SerialTimeout: 100 * time.Millisecond,
		Detect:        func() ([]transport.PortInfo, error) { return rig.ports, nil },
		Dial: func(portName string, _ time.Duration) (device.Conn, error) {
			conn := &scriptConn{name: portName}
			rig.conns[portName] = conn
			return conn, nil
		},
	}
	rig.fleet = NewFleetService(repos, rig.ids, cfg)
	return rig
}

func TestScan_BindsNewControllersToLowestFreeChambers(t *testing.T) {
	rig := newRig(t, "SN-B", "SN-A")
	found, err := rig.fleet.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 bound chambers, got %d", len(found))
	}
	for i, id := range found {
		if id.ChamberNumber != i+1 {
			t.Fatalf("identities not sorted by chamber: %+v", found)
		}
	}
	// Bindings are persistent: the same serials resolve to the same
	// chambers on a second scan.
	again, err := rig.fleet.Scan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	for i := range found {
		if again[i] != found[i] {
			t.Fatalf("binding changed across scans: %+v vs %+v", again[i], found[i])
		}
	}
	if len(rig.events.ofType(growchamber.EventScan)) != 2 {
		t.Fatalf("expected one scan event per scan")
	}
}

func TestScan_RespectsExistingIdentityMap(t *testing.T) {
	rig := newRig(t, "SN-A")
	if err := rig.ids.Assign(7, "SN-A"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	found, err := rig.fleet.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 1 || found[0].ChamberNumber != 7 {
		t.Fatalf("expected chamber 7 from prior binding, got %+v", found)
	}
}

func TestScan_MissingChamberIsFaultedNotRemoved(t *testing.T) {
	rig := newRig(t, "SN-A", "SN-B")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if err := rig.fleet.SetSchedule(ctx, 2, growchamber.ScheduleWindow{OnTime: "08:00", OffTime: "20:00", Enabled: true}); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}

	// Chamber 2's controller disappears.
	rig.ports = rig.ports[:1]
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}

	st, err := rig.fleet.Chamber(ctx, 2)
	if err != nil {
		t.Fatalf("missing chamber dropped entirely: %v", err)
	}
	if st.ConnectionState != growchamber.Faulted {
		t.Fatalf("expected Faulted, got %s", st.ConnectionState)
	}
	if !st.Config.Schedule.Enabled {
		t.Fatalf("settings lost for missing chamber")
	}
}

func TestScan_RestoresFaultedChamberOnSuccessfulPing(t *testing.T) {
	rig := newRig(t, "SN-A")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	rig.fleet.sessions[1].MarkFaulted()

	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	st, err := rig.fleet.Chamber(ctx, 1)
	if err != nil {
		t.Fatalf("Chamber: %v", err)
	}
	if st.ConnectionState != growchamber.Connected {
		t.Fatalf("rescan did not restore chamber: %s", st.ConnectionState)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("failure counter not reset: %d", st.ConsecutiveFailures)
	}
}

func TestImportBeforeConnect_ConfigAppliesToLateSession(t *testing.T) {
	rig := newRig(t, "SN-A")
	ctx := context.Background()
	if err := rig.ids.Assign(1, "SN-A"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	want := growchamber.ChamberConfig{
		Channels: growchamber.ChannelState{Red: 70},
		Fan:      growchamber.FanState{SpeedPercent: 35},
		Schedule: growchamber.ScheduleWindow{OnTime: "07:00", OffTime: "19:00", Enabled: true},
	}
	if err := rig.fleet.ImportConfigs(ctx, map[int]growchamber.ChamberConfig{1: want}); err != nil {
		t.Fatalf("ImportConfigs: %v", err)
	}

	// The hardware shows up afterwards; its desired config is already
	// waiting for it.
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	st, err := rig.fleet.Chamber(ctx, 1)
	if err != nil {
		t.Fatalf("Chamber: %v", err)
	}
	if st.ConnectionState != growchamber.Connected {
		t.Fatalf("expected Connected, got %s", st.ConnectionState)
	}
	if st.Config != want {
		t.Fatalf("imported config not carried to session:\n got %+v\nwant %+v", st.Config, want)
	}
	targets := rig.fleet.ScheduleTargets(ctx)
	if len(targets) != 1 || targets[0].OnChannels != want.Channels {
		t.Fatalf("imported schedule not visible to scheduler: %+v", targets)
	}
}

func TestScan_UnresponsivePortIsSkipped(t *testing.T) {
	rig := newRig(t, "SN-A", "SN-DEAD")
	dial := rig.fleet.dial
	rig.fleet.dial = func(portName string, timeout time.Duration) (device.Conn, error) {
		conn, err := dial(portName, timeout)
		if err != nil {
			return nil, err
		}
		if portName == "/dev/ttyACM1" {
			rig.conns[portName].send = func(transport.Request) (transport.Response, error) {
				return transport.Response{}, transport.ErrTimeout
			}
		}
		return conn, nil
	}
	found, err := rig.fleet.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(found) != 1 || found[0].HardwareID != "SN-A" {
		t.Fatalf("expected only the responsive controller, got %+v", found)
	}
	if !rig.conns["/dev/ttyACM1"].closed {
		t.Fatalf("unresponsive port left open")
	}
}

func TestApplyChannels_UpdatesConfigAndPersists(t *testing.T) {
	rig := newRig(t, "SN-A")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	st := growchamber.ChannelState{Red: 60, White: 90}
	if err := rig.fleet.ApplyChannels(ctx, 1, st); err != nil {
		t.Fatalf("ApplyChannels: %v", err)
	}

	status, err := rig.fleet.Chamber(ctx, 1)
	if err != nil {
		t.Fatalf("Chamber: %v", err)
	}
	if status.Config.Channels != st {
		t.Fatalf("desired config not updated: %+v", status.Config.Channels)
	}
	stored, _ := rig.settings.LoadAll(ctx)
	if stored[1].Channels != st {
		t.Fatalf("config not persisted: %+v", stored[1])
	}
	if len(rig.events.ofType(growchamber.EventApply)) == 0 {
		t.Fatalf("no apply event recorded")
	}
}

func TestApplyChannels_ValidationErrorNeverReachesDevice(t *testing.T) {
	rig := newRig(t, "SN-A")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	conn := rig.conns["/dev/ttyACM0"]
	before := len(conn.sent())

	err := rig.fleet.ApplyChannels(ctx, 1, growchamber.ChannelState{Blue: 101})
	if !growchamber.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(conn.sent()) != before {
		t.Fatalf("invalid command reached the transport")
	}
}

func TestApplyChannels_UnknownChamber(t *testing.T) {
	rig := newRig(t)
	err := rig.fleet.ApplyChannels(context.Background(), 9, growchamber.ChannelState{Red: 10})
	if !errors.Is(err, ErrUnknownChamber) {
		t.Fatalf("expected ErrUnknownChamber, got %v", err)
	}
}

func TestApplyChannelsAll_PartialFailureIsIsolated(t *testing.T) {
	rig := newRig(t, "SN-A", "SN-B", "SN-C")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// Chamber 2's controller stops answering.
	rig.conns["/dev/ttyACM1"].send = func(transport.Request) (transport.Response, error) {
		return transport.Response{}, transport.ErrTimeout
	}

	st := growchamber.ChannelState{Red: 50}
	results := rig.fleet.ApplyChannelsAll(ctx, st)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[1] != nil || results[3] != nil {
		t.Fatalf("healthy chambers failed: %v, %v", results[1], results[3])
	}
	if !errors.Is(results[2], transport.ErrTimeout) {
		t.Fatalf("expected timeout for chamber 2, got %v", results[2])
	}

	// One timeout must not fault the chamber or taint the others.
	st2, _ := rig.fleet.Chamber(ctx, 2)
	if st2.ConnectionState == growchamber.Faulted {
		t.Fatalf("single timeout faulted chamber 2")
	}
	st1, _ := rig.fleet.Chamber(ctx, 1)
	if st1.Config.Channels != st {
		t.Fatalf("successful chamber config not updated: %+v", st1.Config.Channels)
	}
	stored, _ := rig.settings.LoadAll(ctx)
	if _, ok := stored[2]; ok {
		t.Fatalf("failed chamber's config was persisted")
	}
}

func TestApplyChannelsAll_SkipsFaultedChambers(t *testing.T) {
	rig := newRig(t, "SN-A", "SN-B")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	rig.fleet.sessions[2].MarkFaulted()

	results := rig.fleet.ApplyChannelsAll(ctx, growchamber.ChannelState{Red: 30})
	if _, ok := results[2]; ok {
		t.Fatalf("faulted chamber was targeted")
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
}

func TestSetFansOn_UsesConfiguredSpeedOrDefault(t *testing.T) {
	rig := newRig(t, "SN-A", "SN-B")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// Chamber 1 has a configured speed; chamber 2 does not.
	if err := rig.fleet.ApplyFan(ctx, 1, growchamber.FanState{SpeedPercent: 75}); err != nil {
		t.Fatalf("ApplyFan: %v", err)
	}

	results := rig.fleet.SetFansOn(ctx)
	if results[1] != nil || results[2] != nil {
		t.Fatalf("SetFansOn: %v", results)
	}

	fanSpeed := func(conn *scriptConn) int {
		reqs := conn.sent()
		for i := len(reqs) - 1; i >= 0; i-- {
			if reqs[i].Op == transport.OpSetFan {
				return reqs[i].FanPercent
			}
		}
		t.Fatalf("no fan command sent")
		return 0
	}
	if got := fanSpeed(rig.conns["/dev/ttyACM0"]); got != 75 {
		t.Fatalf("configured speed not used: %d", got)
	}
	if got := fanSpeed(rig.conns["/dev/ttyACM1"]); got != DefaultFanOnSpeed {
		t.Fatalf("default speed not used: %d", got)
	}
}

func TestSetFansOff_StopsEveryFan(t *testing.T) {
	rig := newRig(t, "SN-A")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if results := rig.fleet.SetFansOff(ctx); results[1] != nil {
		t.Fatalf("SetFansOff: %v", results)
	}
	reqs := rig.conns["/dev/ttyACM0"].sent()
	last := reqs[len(reqs)-1]
	if last.Op != transport.OpSetFan || last.FanPercent != 0 {
		t.Fatalf("expected fan-off command, got %+v", last)
	}
}

func TestSetSchedule_ValidatesWindow(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	err := rig.fleet.SetSchedule(ctx, 1, growchamber.ScheduleWindow{OnTime: "25:00", OffTime: "20:00"})
	if !growchamber.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	err = rig.fleet.SetSchedule(ctx, 99, growchamber.ScheduleWindow{OnTime: "08:00", OffTime: "20:00"})
	if !growchamber.IsValidation(err) {
		t.Fatalf("expected ValidationError for chamber range, got %v", err)
	}
	// Schedules can be stored for chambers that are not connected.
	if err := rig.fleet.SetSchedule(ctx, 5, growchamber.ScheduleWindow{OnTime: "08:00", OffTime: "20:00", Enabled: true}); err != nil {
		t.Fatalf("SetSchedule for disconnected chamber: %v", err)
	}
	st, err := rig.fleet.Chamber(ctx, 5)
	if err != nil {
		t.Fatalf("Chamber: %v", err)
	}
	if st.ConnectionState != growchamber.Disconnected {
		t.Fatalf("config-only chamber should read Disconnected, got %s", st.ConnectionState)
	}
}

func TestRepeatedFailuresFaultChamberAndRecordEvent(t *testing.T) {
	rig := newRig(t, "SN-A")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	rig.conns["/dev/ttyACM0"].send = func(transport.Request) (transport.Response, error) {
		return transport.Response{}, transport.ErrTimeout
	}

	st := growchamber.ChannelState{Red: 10}
	for i := 0; i < device.DefaultFaultThreshold; i++ {
		if err := rig.fleet.ApplyChannels(ctx, 1, st); err == nil {
			t.Fatalf("expected timeout on attempt %d", i+1)
		}
	}
	status, _ := rig.fleet.Chamber(ctx, 1)
	if status.ConnectionState != growchamber.Faulted {
		t.Fatalf("expected Faulted after %d failures, got %s",
			device.DefaultFaultThreshold, status.ConnectionState)
	}
	if len(rig.events.ofType(growchamber.EventFault)) == 0 {
		t.Fatalf("no fault event recorded")
	}
}

func TestRestoreAndImportRoundTrip(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	want := growchamber.ChamberConfig{
		Channels: growchamber.ChannelState{Red: 70, Blue: 20},
		Fan:      growchamber.FanState{SpeedPercent: 40},
		Schedule: growchamber.ScheduleWindow{OnTime: "06:00", OffTime: "22:00", Enabled: true},
	}
	if err := rig.fleet.ImportConfigs(ctx, map[int]growchamber.ChamberConfig{3: want}); err != nil {
		t.Fatalf("ImportConfigs: %v", err)
	}

	// A fresh fleet built over the same settings store restores the
	// imported configuration.
	repos := &repository.Repository{Events: rig.events, Settings: rig.settings}
	fresh := NewFleetService(repos, identity.NewMap(), Config{
		Detect: func() ([]transport.PortInfo, error) { return nil, nil },
		Dial:   func(string, time.Duration) (device.Conn, error) { return nil, errors.New("no hardware") },
	})
	if err := fresh.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got := fresh.ExportConfigs(ctx)
	if got[3] != want {
		t.Fatalf("restored config mismatch:\n got %+v\nwant %+v", got[3], want)
	}
}

func TestScheduleTargets_OnlyEnabledConnectedChambers(t *testing.T) {
	rig := newRig(t, "SN-A", "SN-B", "SN-C")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	w := growchamber.ScheduleWindow{OnTime: "08:00", OffTime: "20:00", Enabled: true}
	for _, n := range []int{1, 2} {
		if err := rig.fleet.SetSchedule(ctx, n, w); err != nil {
			t.Fatalf("SetSchedule(%d): %v", n, err)
		}
	}
	rig.fleet.sessions[2].MarkFaulted()

	targets := rig.fleet.ScheduleTargets(ctx)
	if len(targets) != 1 || targets[0].Chamber != 1 {
		t.Fatalf("expected only chamber 1, got %+v", targets)
	}
}

func TestApplyScheduled_DoesNotRewriteDesiredConfig(t *testing.T) {
	rig := newRig(t, "SN-A")
	ctx := context.Background()
	if _, err := rig.fleet.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	day := growchamber.ChannelState{Red: 80, White: 100}
	if err := rig.fleet.ApplyChannels(ctx, 1, day); err != nil {
		t.Fatalf("ApplyChannels: %v", err)
	}

	// Lights off by schedule: the hardware goes dark but the stored
	// lights-on levels survive for the next transition.
	if err := rig.fleet.ApplyScheduled(ctx, 1, growchamber.ChannelState{}); err != nil {
		t.Fatalf("ApplyScheduled: %v", err)
	}
	st, _ := rig.fleet.Chamber(ctx, 1)
	if st.Config.Channels != day {
		t.Fatalf("schedule overwrote desired levels: %+v", st.Config.Channels)
	}
	if (st.Channels != growchamber.ChannelState{}) {
		t.Fatalf("observed state should be dark: %+v", st.Channels)
	}
}
