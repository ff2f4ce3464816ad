package device

import (
	"errors"
	"testing"

	"growchamber"
	"growchamber/internal/transport"
)

// fakeConn scripts Send results and records requests.
type fakeConn struct {
	requests []transport.Request
	resp     transport.Response
	err      error
	closed   bool
}

func (f *fakeConn) Send(req transport.Request) (transport.Response, error) {
	f.requests = append(f.requests, req)
	return f.resp, f.err
}
func (f *fakeConn) Close() error { f.closed = true; return nil }
func (f *fakeConn) Name() string { return "fake0" }

func okConn() *fakeConn { return &fakeConn{resp: transport.Response{OK: true}} }

func TestApplyChannels_OutOfRangeIsRejectedBeforeTransport(t *testing.T) {
	conn := okConn()
	s := NewSession(4, "SN-4", conn, 0)

	// Seed a known state first.
	good := growchamber.ChannelState{Red: 40, White: 80}
	if err := s.ApplyChannels(good); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	bad := growchamber.ChannelState{Red: 150}
	err := s.ApplyChannels(bad)
	if !growchamber.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(conn.requests) != 1 {
		t.Fatalf("invalid state reached the transport: %d requests", len(conn.requests))
	}
	if ch, _ := s.Observed(); ch != good {
		t.Fatalf("lastKnownChannelState changed on rejected apply: %+v", ch)
	}
	if _, failures, _ := s.Health(); failures != 0 {
		t.Fatalf("validation failure must not count toward faulting, got %d", failures)
	}
}

func TestApplyChannels_OptimisticUpdateAndDutyScaling(t *testing.T) {
	conn := okConn()
	s := NewSession(1, "SN-1", conn, 0)

	st := growchamber.ChannelState{UV: 0, FarRed: 10, Red: 50, White: 100, Green: 1, Blue: 99}
	if err := s.ApplyChannels(st); err != nil {
		t.Fatalf("ApplyChannels: %v", err)
	}
	if ch, _ := s.Observed(); ch != st {
		t.Fatalf("optimistic update missing: %+v", ch)
	}

	req := conn.requests[0]
	if req.Op != transport.OpSetChannels {
		t.Fatalf("op %v", req.Op)
	}
	want := [growchamber.NumChannels]int{0, 409, 2047, 4095, 40, 4054}
	if req.Duties != want {
		t.Fatalf("duties %v, want %v", req.Duties, want)
	}
}

func TestApplyFan_KeepsStaleTachometer(t *testing.T) {
	conn := &fakeConn{resp: transport.Response{OK: true, Status: &transport.Status{
		FanPercent: 30, TachometerRPM: 900,
	}}}
	s := NewSession(2, "SN-2", conn, 0)
	if _, _, err := s.RefreshStatus(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	conn.resp = transport.Response{OK: true}
	if err := s.ApplyFan(growchamber.FanState{SpeedPercent: 60}); err != nil {
		t.Fatalf("ApplyFan: %v", err)
	}
	_, fan := s.Observed()
	if fan.SpeedPercent != 60 {
		t.Fatalf("speed %d", fan.SpeedPercent)
	}
	if fan.TachometerRPM != 900 {
		t.Fatalf("tachometer should stay until next status query, got %d", fan.TachometerRPM)
	}
}

func TestRefreshStatus_RoundTripsDutyScaling(t *testing.T) {
	conn := &fakeConn{resp: transport.Response{OK: true, Status: &transport.Status{
		Duties:        [growchamber.NumChannels]int{0, 409, 2047, 4095, 40, 4054},
		FanPercent:    50,
		TachometerRPM: 1450,
	}}}
	s := NewSession(3, "SN-3", conn, 0)
	ch, fan, err := s.RefreshStatus()
	if err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	want := growchamber.ChannelState{UV: 0, FarRed: 10, Red: 50, White: 100, Green: 1, Blue: 99}
	if ch != want {
		t.Fatalf("channels %+v, want %+v", ch, want)
	}
	if fan.SpeedPercent != 50 || fan.TachometerRPM != 1450 {
		t.Fatalf("fan %+v", fan)
	}
}

func TestConsecutiveFailures_FaultAndRecover(t *testing.T) {
	conn := &fakeConn{err: transport.ErrTimeout}
	s := NewSession(5, "SN-5", conn, 3)

	for i := 1; i <= 3; i++ {
		if err := s.Ping(); !errors.Is(err, transport.ErrTimeout) {
			t.Fatalf("ping %d: %v", i, err)
		}
		_, failures, _ := s.Health()
		if failures != i {
			t.Fatalf("failures=%d after attempt %d", failures, i)
		}
		wantFaulted := i >= 3
		if s.Faulted() != wantFaulted {
			t.Fatalf("faulted=%v after attempt %d", s.Faulted(), i)
		}
	}

	// A successful exchange restores Connected and resets the counter.
	conn.err = nil
	conn.resp = transport.Response{OK: true}
	if err := s.Ping(); err != nil {
		t.Fatalf("recovery ping: %v", err)
	}
	state, failures, _ := s.Health()
	if state != growchamber.Connected || failures != 0 {
		t.Fatalf("state=%s failures=%d after recovery", state, failures)
	}
}

func TestNackCountsAsFailure(t *testing.T) {
	conn := &fakeConn{resp: transport.Response{Reason: "duty out of range"}}
	s := NewSession(6, "SN-6", conn, 3)
	err := s.ApplyChannels(growchamber.ChannelState{Red: 10})
	if err == nil {
		t.Fatalf("expected error on nack")
	}
	if ch, _ := s.Observed(); ch != (growchamber.ChannelState{}) {
		t.Fatalf("state updated despite nack: %+v", ch)
	}
	if _, failures, _ := s.Health(); failures != 1 {
		t.Fatalf("failures=%d", failures)
	}
}

func TestMarkFaulted(t *testing.T) {
	s := NewSession(7, "SN-7", okConn(), 0)
	if s.State() != growchamber.Connected {
		t.Fatalf("new session should be Connected")
	}
	s.MarkFaulted()
	if s.State() != growchamber.Faulted {
		t.Fatalf("MarkFaulted did not take")
	}
}
