package growchamber

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Chamber numbers are fixed by the rack layout: sixteen addressable
// growth chambers at most.
const (
	MinChamber = 1
	MaxChamber = 16
)

// NumChannels is the number of LED channels per chamber controller.
const NumChannels = 6

// ChannelNames lists the LED channels in wire order (SETALL d0..d5).
var ChannelNames = [NumChannels]string{"UV", "FAR_RED", "RED", "WHITE", "GREEN", "BLUE"}

// ChannelState holds the six LED channel intensities as percentages [0,100].
type ChannelState struct {
	UV     int `json:"uv"`
	FarRed int `json:"far_red"`
	Red    int `json:"red"`
	White  int `json:"white"`
	Green  int `json:"green"`
	Blue   int `json:"blue"`
}

// Levels returns the intensities in wire order.
func (s ChannelState) Levels() [NumChannels]int {
	return [NumChannels]int{s.UV, s.FarRed, s.Red, s.White, s.Green, s.Blue}
}

// ChannelsFromLevels builds a ChannelState from intensities in wire order.
func ChannelsFromLevels(levels [NumChannels]int) ChannelState {
	return ChannelState{
		UV:     levels[0],
		FarRed: levels[1],
		Red:    levels[2],
		White:  levels[3],
		Green:  levels[4],
		Blue:   levels[5],
	}
}

// Validate rejects intensities outside [0,100].
func (s ChannelState) Validate() error {
	for i, pct := range s.Levels() {
		if pct < 0 || pct > 100 {
			return Validationf("channel %s: intensity %d%% out of range [0,100]", ChannelNames[i], pct)
		}
	}
	return nil
}

// FanState is the chamber fan setting plus the last reported tachometer
// reading. The RPM may be stale; it is only refreshed by a status query.
type FanState struct {
	SpeedPercent  int `json:"speed_percent"`
	TachometerRPM int `json:"tachometer_rpm,omitempty"`
}

// Validate rejects fan speeds outside [0,100].
func (f FanState) Validate() error {
	if f.SpeedPercent < 0 || f.SpeedPercent > 100 {
		return Validationf("fan: speed %d%% out of range [0,100]", f.SpeedPercent)
	}
	return nil
}

// ScheduleWindow is a daily recurring lights-on interval. Times are
// "HH:MM" wall clock; OnTime > OffTime wraps past midnight, and equal
// times mean an empty window (always off).
type ScheduleWindow struct {
	OnTime  string `json:"on_time"`
	OffTime string `json:"off_time"`
	Enabled bool   `json:"enabled"`
}

// Validate checks the window's clock times. Both must parse whenever the
// window is enabled; a disabled window may leave them empty.
func (w ScheduleWindow) Validate() error {
	if !w.Enabled && w.OnTime == "" && w.OffTime == "" {
		return nil
	}
	if _, err := ParseClock(w.OnTime); err != nil {
		return err
	}
	if _, err := ParseClock(w.OffTime); err != nil {
		return err
	}
	return nil
}

// ParseClock parses an "HH:MM" time of day into minutes since midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, Validationf("schedule time %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, Validationf("schedule time %q: hour out of range", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, Validationf("schedule time %q: minute out of range", s)
	}
	return h*60 + m, nil
}

// ConnectionState is the lifecycle state of a chamber's device session.
type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connected    ConnectionState = "CONNECTED"
	Faulted      ConnectionState = "FAULTED"
)

// ChamberIdentity binds a chamber number to a controller's stable
// hardware identity (the board's USB serial number).
type ChamberIdentity struct {
	ChamberNumber int    `json:"chamber_number"`
	HardwareID    string `json:"hardware_id"`
}

// ChamberConfig is the desired, durable configuration of one chamber:
// the lights-on channel intensities, the fan setting, and the schedule.
// It exists independently of any live connection.
type ChamberConfig struct {
	Channels ChannelState   `json:"channels"`
	Fan      FanState       `json:"fan"`
	Schedule ScheduleWindow `json:"schedule"`
}

// Validate checks every part of the configuration.
func (c ChamberConfig) Validate() error {
	if err := c.Channels.Validate(); err != nil {
		return err
	}
	if err := c.Fan.Validate(); err != nil {
		return err
	}
	return c.Schedule.Validate()
}

// ChamberStatus is the read-only view of one chamber for GUI polling.
// Channels and Fan reflect the last acknowledged hardware state; Config
// is the desired configuration, which may not be applied yet.
type ChamberStatus struct {
	ChamberNumber       int             `json:"chamber_number"`
	HardwareID          string          `json:"hardware_id,omitempty"`
	Port                string          `json:"port,omitempty"`
	ConnectionState     ConnectionState `json:"connection_state"`
	Channels            ChannelState    `json:"channels"`
	Fan                 FanState        `json:"fan"`
	Config              ChamberConfig   `json:"config"`
	ConsecutiveFailures int             `json:"consecutive_failures,omitempty"`
	LastCommandAt       time.Time       `json:"last_command_at,omitempty"`
}

// SettingsSnapshot aggregates every chamber's configuration keyed by
// chamber number. Serialized as a JSON object with "chamber_<n>" keys.
type SettingsSnapshot map[int]ChamberConfig

const chamberKeyPrefix = "chamber_"

func (s SettingsSnapshot) MarshalJSON() ([]byte, error) {
	m := make(map[string]ChamberConfig, len(s))
	for n, cfg := range s {
		m[chamberKeyPrefix+strconv.Itoa(n)] = cfg
	}
	return json.Marshal(m)
}

func (s *SettingsSnapshot) UnmarshalJSON(data []byte) error {
	var m map[string]ChamberConfig
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(SettingsSnapshot, len(m))
	for key, cfg := range m {
		n, err := strconv.Atoi(strings.TrimPrefix(key, chamberKeyPrefix))
		if err != nil || !strings.HasPrefix(key, chamberKeyPrefix) {
			return Validationf("settings: invalid chamber key %q", key)
		}
		out[n] = cfg
	}
	*s = out
	return nil
}

// ChamberEvent is a single entry in the fleet event log. Chamber 0
// means the event concerns the whole fleet.
type ChamberEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Chamber     int       `json:"chamber,omitempty"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Metadata    any       `json:"metadata,omitempty"`
}

// Event types appended by the engine.
const (
	EventScan        = "SCAN"
	EventApply       = "APPLY"
	EventFault       = "FAULT"
	EventScheduleOn  = "SCHEDULE_ON"
	EventScheduleOff = "SCHEDULE_OFF"
	EventScheduleSet = "SCHEDULE_SET"
	EventImport      = "IMPORT"
)

type User struct {
	ID           int    `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"` // don't expose hash
}

// ValidationError marks input rejected before any command is sent to a
// controller: out-of-range intensities, malformed schedule times,
// malformed mapping or settings records.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
