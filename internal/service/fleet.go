package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"growchamber"
	"growchamber/internal/device"
	"growchamber/internal/identity"
	"growchamber/internal/logger"
	"growchamber/internal/repository"
	"growchamber/internal/transport"
)

// DetectFunc lists candidate controller ports.
type DetectFunc func() ([]transport.PortInfo, error)

// DialFunc opens a transport connection to one port.
type DialFunc func(portName string, timeout time.Duration) (device.Conn, error)

func dialSerial(portName string, timeout time.Duration) (device.Conn, error) {
	return transport.Open(portName, timeout)
}

// ErrUnknownChamber is returned for chamber numbers with neither a live
// session nor stored configuration.
var ErrUnknownChamber = errors.New("unknown chamber")

// DefaultFanOnSpeed is used by SetFansOn for chambers whose configured
// fan speed is zero.
const DefaultFanOnSpeed = 50

const defaultScanWorkers = 4

// FleetService owns the set of device sessions and the per-chamber
// desired configuration. Membership changes hold the coarse fleet lock;
// command execution only holds a snapshot reference to the target
// session, whose own lock serializes the exchange.
type FleetService struct {
	log         *logger.Logger
	events      repository.EventRepo
	store       repository.SettingsRepo
	ids         *identity.Map
	mappingPath string
	timeout     time.Duration
	threshold   int
	fanOnSpeed  int
	scanWorkers int
	detect      DetectFunc
	dial        DialFunc

	mu       sync.RWMutex
	sessions map[int]*device.Session
	configs  map[int]growchamber.ChamberConfig
}

func NewFleetService(repos *repository.Repository, ids *identity.Map, cfg Config) *FleetService {
	fanOn := cfg.DefaultFanSpeed
	if fanOn <= 0 {
		fanOn = DefaultFanOnSpeed
	}
	workers := cfg.ScanWorkers
	if workers <= 0 {
		workers = defaultScanWorkers
	}
	return &FleetService{
		log:         cfg.Log,
		events:      repos.Events,
		store:       repos.Settings,
		ids:         ids,
		mappingPath: cfg.MappingPath,
		timeout:     cfg.SerialTimeout,
		threshold:   cfg.FaultThreshold,
		fanOnSpeed:  fanOn,
		scanWorkers: workers,
		detect:      cfg.Detect,
		dial:        cfg.Dial,
		sessions:    make(map[int]*device.Session),
		configs:     make(map[int]growchamber.ChamberConfig),
	}
}

// Restore loads the durable per-chamber configuration saved by earlier
// runs. Called once at startup, before the scheduler starts ticking.
func (s *FleetService) Restore(ctx context.Context) error {
	stored, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("restore chamber settings: %w", err)
	}
	s.mu.Lock()
	for n, cfg := range stored {
		s.configs[n] = cfg
	}
	s.mu.Unlock()
	return nil
}

// Scan probes every detected port in parallel, binds responding
// controllers to chamber numbers via the identity map, and refreshes
// the session set. Previously-known chambers that no longer answer are
// marked Faulted, not removed, so their settings survive until the
// hardware reappears.
func (s *FleetService) Scan(ctx context.Context) ([]growchamber.ChamberIdentity, error) {
	ports, err := s.detect()
	if err != nil {
		return nil, err
	}

	type probe struct {
		info transport.PortInfo
		conn device.Conn
		err  error
	}
	probes := make([]probe, len(ports))

	// Each probe times out independently; one wedged port cannot stall
	// discovery of the others.
	sem := make(chan struct{}, s.scanWorkers)
	var wg sync.WaitGroup
	for i, p := range ports {
		wg.Add(1)
		go func(i int, p transport.PortInfo) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			conn, err := s.dial(p.Name, s.timeout)
			if err != nil {
				probes[i] = probe{info: p, err: err}
				return
			}
			if _, err := conn.Send(transport.Request{Op: transport.OpPing}); err != nil {
				_ = conn.Close()
				probes[i] = probe{info: p, err: err}
				return
			}
			probes[i] = probe{info: p, conn: conn}
		}(i, p)
	}
	wg.Wait()

	var found []growchamber.ChamberIdentity
	seen := make(map[int]bool)

	s.mu.Lock()
	for _, pr := range probes {
		if pr.err != nil {
			if s.log != nil {
				s.log.Warnw("port probe failed", "port", pr.info.Name, "err", pr.err)
			}
			continue
		}
		chamber, err := s.bindChamber(pr.info.SerialNumber)
		if err != nil {
			if s.log != nil {
				s.log.Warnw("identity binding failed", "hardware_id", pr.info.SerialNumber, "err", err)
			}
			_ = pr.conn.Close()
			continue
		}
		if old := s.sessions[chamber]; old != nil {
			_ = old.Close()
		}
		s.sessions[chamber] = device.NewSession(chamber, pr.info.SerialNumber, pr.conn, s.threshold)
		seen[chamber] = true
		found = append(found, growchamber.ChamberIdentity{
			ChamberNumber: chamber,
			HardwareID:    pr.info.SerialNumber,
		})
	}
	for n, sess := range s.sessions {
		if !seen[n] {
			sess.MarkFaulted()
		}
	}
	s.mu.Unlock()

	sort.Slice(found, func(i, j int) bool { return found[i].ChamberNumber < found[j].ChamberNumber })
	s.appendEvent(ctx, 0, growchamber.EventScan,
		fmt.Sprintf("scan complete: %d controllers responding", len(found)),
		map[string]any{"ports_checked": len(ports)})
	return found, nil
}

// bindChamber resolves a hardware identity to its chamber number,
// assigning the lowest free number when the identity map has never seen
// it. Caller holds s.mu.
func (s *FleetService) bindChamber(hardwareID string) (int, error) {
	chamber, err := s.ids.Resolve(hardwareID)
	if err == nil {
		return chamber, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return 0, err
	}
	for n := growchamber.MinChamber; n <= growchamber.MaxChamber; n++ {
		if _, taken := s.ids.HardwareID(n); taken {
			continue
		}
		if err := s.ids.Assign(n, hardwareID); err != nil {
			return 0, err
		}
		s.persistMapping()
		return n, nil
	}
	return 0, fmt.Errorf("no free chamber number for controller %s", hardwareID)
}

func (s *FleetService) persistMapping() {
	if s.mappingPath == "" {
		return
	}
	if err := s.ids.SaveFile(s.mappingPath); err != nil && s.log != nil {
		s.log.Errorw("persist identity mapping failed", "path", s.mappingPath, "err", err)
	}
}

// session returns a snapshot reference without holding the fleet lock
// during the command.
func (s *FleetService) session(chamber int) (*device.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[chamber]
	if !ok {
		return nil, fmt.Errorf("chamber %d: %w", chamber, ErrUnknownChamber)
	}
	return sess, nil
}

// ApplyChannels applies channel intensities to one chamber and records
// them as the chamber's desired lights-on levels.
func (s *FleetService) ApplyChannels(ctx context.Context, chamber int, st growchamber.ChannelState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	if err := s.applyChannelsLive(ctx, chamber, st); err != nil {
		return err
	}
	s.updateConfig(ctx, chamber, func(c *growchamber.ChamberConfig) { c.Channels = st })
	s.appendEvent(ctx, chamber, growchamber.EventApply, "channel intensities applied", st)
	return nil
}

// applyChannelsLive sends intensities to the session without touching
// the desired configuration. The scheduler uses this directly so that
// turning lights off does not erase the configured levels.
func (s *FleetService) applyChannelsLive(ctx context.Context, chamber int, st growchamber.ChannelState) error {
	sess, err := s.session(chamber)
	if err != nil {
		return err
	}
	if err := sess.ApplyChannels(st); err != nil {
		s.noteCommandFailure(ctx, chamber, sess, err)
		return err
	}
	return nil
}

// ApplyFan applies a fan speed to one chamber and records it as the
// chamber's desired fan setting.
func (s *FleetService) ApplyFan(ctx context.Context, chamber int, st growchamber.FanState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	sess, err := s.session(chamber)
	if err != nil {
		return err
	}
	if err := sess.ApplyFan(st); err != nil {
		s.noteCommandFailure(ctx, chamber, sess, err)
		return err
	}
	s.updateConfig(ctx, chamber, func(c *growchamber.ChamberConfig) { c.Fan.SpeedPercent = st.SpeedPercent })
	s.appendEvent(ctx, chamber, growchamber.EventApply, "fan speed applied", st)
	return nil
}

// targets snapshots the non-Faulted sessions for a fan-out.
func (s *FleetService) targets() []*device.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*device.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Faulted() {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// fanOut runs op against every non-Faulted session concurrently and
// reports per-chamber results. Partial failure is expected and never
// aggregated into a single error.
func (s *FleetService) fanOut(op func(*device.Session) error) map[int]error {
	sessions := s.targets()
	results := make(map[int]error, len(sessions))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *device.Session) {
			defer wg.Done()
			err := op(sess)
			mu.Lock()
			results[sess.ChamberNumber()] = err
			mu.Unlock()
		}(sess)
	}
	wg.Wait()
	return results
}

// ApplyChannelsAll fans the same channel state out to every non-Faulted
// chamber.
func (s *FleetService) ApplyChannelsAll(ctx context.Context, st growchamber.ChannelState) map[int]error {
	if err := st.Validate(); err != nil {
		return map[int]error{0: err}
	}
	results := s.fanOut(func(sess *device.Session) error {
		return sess.ApplyChannels(st)
	})
	s.recordFanOut(ctx, results, func(c *growchamber.ChamberConfig) { c.Channels = st },
		"channel intensities applied to all chambers")
	return results
}

// ApplyFanAll fans the same fan state out to every non-Faulted chamber.
func (s *FleetService) ApplyFanAll(ctx context.Context, st growchamber.FanState) map[int]error {
	if err := st.Validate(); err != nil {
		return map[int]error{0: err}
	}
	results := s.fanOut(func(sess *device.Session) error {
		return sess.ApplyFan(st)
	})
	s.recordFanOut(ctx, results, func(c *growchamber.ChamberConfig) { c.Fan.SpeedPercent = st.SpeedPercent },
		"fan speed applied to all chambers")
	return results
}

// SetFansOn turns every chamber's fan on at its configured speed,
// falling back to the default for chambers configured at zero.
func (s *FleetService) SetFansOn(ctx context.Context) map[int]error {
	results := s.fanOut(func(sess *device.Session) error {
		speed := s.configuredFanSpeed(sess.ChamberNumber())
		if speed <= 0 {
			speed = s.fanOnSpeed
		}
		return sess.ApplyFan(growchamber.FanState{SpeedPercent: speed})
	})
	s.recordFanOut(ctx, results, nil, "fans turned on")
	return results
}

// SetFansOff stops every chamber's fan.
func (s *FleetService) SetFansOff(ctx context.Context) map[int]error {
	results := s.fanOut(func(sess *device.Session) error {
		return sess.ApplyFan(growchamber.FanState{SpeedPercent: 0})
	})
	s.recordFanOut(ctx, results, nil, "fans turned off")
	return results
}

func (s *FleetService) configuredFanSpeed(chamber int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs[chamber].Fan.SpeedPercent
}

func (s *FleetService) recordFanOut(ctx context.Context, results map[int]error,
	update func(*growchamber.ChamberConfig), desc string) {
	failed := 0
	for chamber, err := range results {
		if err != nil {
			failed++
			continue
		}
		if update != nil {
			s.updateConfig(ctx, chamber, update)
		}
	}
	s.appendEvent(ctx, 0, growchamber.EventApply, desc,
		map[string]any{"targets": len(results), "failed": failed})
}

// SetSchedule validates and stores a chamber's schedule window. No
// command is sent; the scheduler tick picks the change up.
func (s *FleetService) SetSchedule(ctx context.Context, chamber int, w growchamber.ScheduleWindow) error {
	if chamber < growchamber.MinChamber || chamber > growchamber.MaxChamber {
		return growchamber.Validationf("chamber number %d out of range [%d,%d]",
			chamber, growchamber.MinChamber, growchamber.MaxChamber)
	}
	if err := w.Validate(); err != nil {
		return err
	}
	s.updateConfig(ctx, chamber, func(c *growchamber.ChamberConfig) { c.Schedule = w })
	s.appendEvent(ctx, chamber, growchamber.EventScheduleSet, "schedule window updated", w)
	return nil
}

// RefreshStatus queries live hardware state and returns the refreshed
// chamber view.
func (s *FleetService) RefreshStatus(ctx context.Context, chamber int) (growchamber.ChamberStatus, error) {
	sess, err := s.session(chamber)
	if err != nil {
		return growchamber.ChamberStatus{}, err
	}
	if _, _, err := sess.RefreshStatus(); err != nil {
		s.noteCommandFailure(ctx, chamber, sess, err)
		return growchamber.ChamberStatus{}, err
	}
	return s.status(chamber, sess), nil
}

// Chambers returns the status of every chamber the engine knows about:
// live sessions plus chambers that only have stored configuration.
func (s *FleetService) Chambers(ctx context.Context) []growchamber.ChamberStatus {
	s.mu.RLock()
	numbers := make(map[int]bool, len(s.sessions)+len(s.configs))
	for n := range s.sessions {
		numbers[n] = true
	}
	for n := range s.configs {
		numbers[n] = true
	}
	sessions := make(map[int]*device.Session, len(s.sessions))
	for n, sess := range s.sessions {
		sessions[n] = sess
	}
	s.mu.RUnlock()

	out := make([]growchamber.ChamberStatus, 0, len(numbers))
	for n := range numbers {
		out = append(out, s.status(n, sessions[n]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChamberNumber < out[j].ChamberNumber })
	return out
}

// Chamber returns one chamber's status.
func (s *FleetService) Chamber(ctx context.Context, chamber int) (growchamber.ChamberStatus, error) {
	s.mu.RLock()
	sess := s.sessions[chamber]
	_, hasConfig := s.configs[chamber]
	s.mu.RUnlock()
	if sess == nil && !hasConfig {
		return growchamber.ChamberStatus{}, fmt.Errorf("chamber %d: %w", chamber, ErrUnknownChamber)
	}
	return s.status(chamber, sess), nil
}

// status builds the polling view for one chamber. sess may be nil for
// chambers known only from stored configuration.
func (s *FleetService) status(chamber int, sess *device.Session) growchamber.ChamberStatus {
	s.mu.RLock()
	cfg := s.configs[chamber]
	s.mu.RUnlock()

	st := growchamber.ChamberStatus{
		ChamberNumber:   chamber,
		ConnectionState: growchamber.Disconnected,
		Config:          cfg,
	}
	if hw, ok := s.ids.HardwareID(chamber); ok {
		st.HardwareID = hw
	}
	if sess != nil {
		state, failures, lastAttempt := sess.Health()
		st.ConnectionState = state
		st.ConsecutiveFailures = failures
		st.LastCommandAt = lastAttempt
		st.Port = sess.Port()
		st.Channels, st.Fan = sess.Observed()
	}
	return st
}

// ScheduleTargets lists the chambers the scheduler should drive this
// tick: connected sessions whose schedule is enabled.
func (s *FleetService) ScheduleTargets(ctx context.Context) []ScheduleTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduleTarget, 0, len(s.sessions))
	for n, sess := range s.sessions {
		cfg := s.configs[n]
		if !cfg.Schedule.Enabled || sess.Faulted() {
			continue
		}
		out = append(out, ScheduleTarget{
			Chamber:    n,
			Window:     cfg.Schedule,
			OnChannels: cfg.Channels,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chamber < out[j].Chamber })
	return out
}

// ApplyScheduled is the scheduler's command path: it drives the lights
// without rewriting the chamber's desired configuration.
func (s *FleetService) ApplyScheduled(ctx context.Context, chamber int, st growchamber.ChannelState) error {
	return s.applyChannelsLive(ctx, chamber, st)
}

// ExportConfigs snapshots every chamber's desired configuration.
func (s *FleetService) ExportConfigs(ctx context.Context) map[int]growchamber.ChamberConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]growchamber.ChamberConfig, len(s.configs))
	for n, cfg := range s.configs {
		out[n] = cfg
	}
	return out
}

// ImportConfigs merges configurations in: chambers present in the
// snapshot are overwritten (and stored durably, whether or not they are
// connected); chambers absent from it keep their current settings.
func (s *FleetService) ImportConfigs(ctx context.Context, configs map[int]growchamber.ChamberConfig) error {
	for n, cfg := range configs {
		s.updateConfig(ctx, n, func(c *growchamber.ChamberConfig) { *c = cfg })
	}
	s.appendEvent(ctx, 0, growchamber.EventImport,
		fmt.Sprintf("settings imported for %d chambers", len(configs)), nil)
	return nil
}

// updateConfig mutates one chamber's desired configuration and persists
// the result. Persistence failures are logged, never fatal.
func (s *FleetService) updateConfig(ctx context.Context, chamber int, update func(*growchamber.ChamberConfig)) {
	s.mu.Lock()
	cfg := s.configs[chamber]
	update(&cfg)
	s.configs[chamber] = cfg
	s.mu.Unlock()

	if err := s.store.Save(ctx, chamber, cfg); err != nil && s.log != nil {
		s.log.Errorw("persist chamber settings failed", "chamber", chamber, "err", err)
	}
}

// noteCommandFailure logs a failed exchange and records a FAULT event
// when the failure tipped the session over its threshold.
func (s *FleetService) noteCommandFailure(ctx context.Context, chamber int, sess *device.Session, err error) {
	if s.log != nil {
		s.log.Warnw("chamber command failed", "chamber", chamber, "err", err)
	}
	if sess.Faulted() {
		s.appendEvent(ctx, chamber, growchamber.EventFault,
			"chamber faulted after repeated command failures",
			map[string]any{"err": err.Error()})
	}
}

func (s *FleetService) appendEvent(ctx context.Context, chamber int, typ, desc string, meta any) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(ctx, growchamber.ChamberEvent{
		Chamber:     chamber,
		Type:        typ,
		Description: desc,
		Metadata:    meta,
	}); err != nil && s.log != nil {
		s.log.Errorw("append event failed", "type", typ, "err", err)
	}
}

// Close releases every session's port. The fleet is unusable afterwards.
func (s *FleetService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for n, sess := range s.sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close chamber %d: %w", n, err)
		}
		delete(s.sessions, n)
	}
	return firstErr
}
