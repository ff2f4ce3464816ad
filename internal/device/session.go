package device

import (
	"fmt"
	"sync"
	"time"

	"growchamber"
	"growchamber/internal/transport"
)

// Conn is the transport exchange a session drives. *transport.Session
// satisfies it; tests substitute fakes.
type Conn interface {
	Send(transport.Request) (transport.Response, error)
	Close() error
	Name() string
}

var _ Conn = (*transport.Session)(nil)

// DefaultFaultThreshold is how many consecutive command failures move a
// session to Faulted.
const DefaultFaultThreshold = 3

// Session binds one chamber to its serial transport and tracks the last
// acknowledged hardware state. All operations on one session are
// mutually exclusive: a single command/acknowledgement exchange holds
// the session lock for its full duration.
type Session struct {
	chamber    int
	hardwareID string
	conn       Conn
	threshold  int

	mu          sync.Mutex
	state       growchamber.ConnectionState
	channels    growchamber.ChannelState
	fan         growchamber.FanState
	failures    int
	lastAttempt time.Time
}

// NewSession wraps a freshly probed connection. The session starts
// Connected; discovery only creates sessions for controllers that
// answered a ping.
func NewSession(chamber int, hardwareID string, conn Conn, threshold int) *Session {
	if threshold <= 0 {
		threshold = DefaultFaultThreshold
	}
	return &Session{
		chamber:    chamber,
		hardwareID: hardwareID,
		conn:       conn,
		threshold:  threshold,
		state:      growchamber.Connected,
	}
}

func (s *Session) ChamberNumber() int { return s.chamber }
func (s *Session) HardwareID() string { return s.hardwareID }
func (s *Session) Port() string       { return s.conn.Name() }

// State returns the current connection state.
func (s *Session) State() growchamber.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Faulted reports whether the session has crossed the failure threshold.
func (s *Session) Faulted() bool {
	return s.State() == growchamber.Faulted
}

// MarkFaulted forces the session to Faulted; used when a rescan no
// longer sees the controller's hardware identity.
func (s *Session) MarkFaulted() {
	s.mu.Lock()
	s.state = growchamber.Faulted
	s.mu.Unlock()
}

// Observed returns the last acknowledged channel and fan state.
func (s *Session) Observed() (growchamber.ChannelState, growchamber.FanState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels, s.fan
}

// Health returns the connection state, consecutive failure count, and
// last command attempt time.
func (s *Session) Health() (growchamber.ConnectionState, int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.failures, s.lastAttempt
}

// ApplyChannels sends the six intensities to the controller. Validation
// happens before anything touches the transport, and the last-known
// state is only updated once the controller acknowledges. Reapplying an
// identical state is always safe.
func (s *Session) ApplyChannels(st growchamber.ChannelState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	req := transport.Request{Op: transport.OpSetChannels}
	for i, pct := range st.Levels() {
		req.Duties[i] = percentToDuty(pct)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.exchange(req); err != nil {
		return err
	}
	s.channels = st
	return nil
}

// ApplyFan sets the fan speed. The tachometer reading is left as-is; it
// only changes on a status refresh.
func (s *Session) ApplyFan(st growchamber.FanState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	req := transport.Request{Op: transport.OpSetFan, FanPercent: st.SpeedPercent}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.exchange(req); err != nil {
		return err
	}
	s.fan.SpeedPercent = st.SpeedPercent
	return nil
}

// RefreshStatus queries the controller for its observed channel, fan
// and tachometer values and updates the last-known state.
func (s *Session) RefreshStatus() (growchamber.ChannelState, growchamber.FanState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.exchange(transport.Request{Op: transport.OpGetStatus})
	if err != nil {
		return growchamber.ChannelState{}, growchamber.FanState{}, err
	}
	if resp.Status == nil {
		s.noteFailure()
		return growchamber.ChannelState{}, growchamber.FanState{},
			fmt.Errorf("chamber %d: ack without status payload: %w", s.chamber, transport.ErrProtocol)
	}
	var levels [growchamber.NumChannels]int
	for i, d := range resp.Status.Duties {
		levels[i] = dutyToPercent(d)
	}
	s.channels = growchamber.ChannelsFromLevels(levels)
	s.fan = growchamber.FanState{
		SpeedPercent:  resp.Status.FanPercent,
		TachometerRPM: resp.Status.TachometerRPM,
	}
	return s.channels, s.fan, nil
}

// Ping checks liveness with a bare round trip.
func (s *Session) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.exchange(transport.Request{Op: transport.OpPing})
	return err
}

// Close releases the underlying transport.
func (s *Session) Close() error {
	return s.conn.Close()
}

// exchange runs one command/acknowledgement round trip and maintains
// the failure counter. Caller holds s.mu.
func (s *Session) exchange(req transport.Request) (transport.Response, error) {
	s.lastAttempt = time.Now()
	resp, err := s.conn.Send(req)
	if err != nil {
		s.noteFailure()
		return transport.Response{}, err
	}
	if !resp.OK {
		s.noteFailure()
		return transport.Response{}, fmt.Errorf("chamber %d: controller rejected %s: %s",
			s.chamber, req.Op, resp.Reason)
	}
	s.failures = 0
	s.state = growchamber.Connected
	return resp, nil
}

func (s *Session) noteFailure() {
	s.failures++
	if s.failures >= s.threshold {
		s.state = growchamber.Faulted
	}
}

// percentToDuty maps an intensity percentage onto the PWM duty range.
func percentToDuty(pct int) int {
	return pct * transport.MaxDuty / 100
}

// dutyToPercent is the rounded inverse of percentToDuty.
func dutyToPercent(duty int) int {
	return (duty*100 + transport.MaxDuty/2) / transport.MaxDuty
}
