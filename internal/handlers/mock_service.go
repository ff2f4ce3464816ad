package handlers

import (
	"context"
	"net/http"
	"time"

	"growchamber"
	"growchamber/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastSignUpUsername string
	lastSignUpPassword string
	lastGenUsername    string
	lastGenPassword    string
	lastParseToken     string
}

func (m *mockAuth) SignUp(username, password string) (int, error) {
	m.lastSignUpUsername = username
	m.lastSignUpPassword = password
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockFleet struct {
	scanResult   []growchamber.ChamberIdentity
	scanErr      error
	applyErr     error
	scheduleErr  error
	refreshState growchamber.ChamberStatus
	refreshErr   error
	statuses     []growchamber.ChamberStatus
	chamberErr   error
	allResults   map[int]error

	scanCalls    int
	lastChamber  int
	lastChannels growchamber.ChannelState
	lastFan      growchamber.FanState
	lastSchedule growchamber.ScheduleWindow
}

func (m *mockFleet) Scan(ctx context.Context) ([]growchamber.ChamberIdentity, error) {
	m.scanCalls++
	return m.scanResult, m.scanErr
}
func (m *mockFleet) ApplyChannels(ctx context.Context, chamber int, st growchamber.ChannelState) error {
	m.lastChamber = chamber
	m.lastChannels = st
	return m.applyErr
}
func (m *mockFleet) ApplyFan(ctx context.Context, chamber int, st growchamber.FanState) error {
	m.lastChamber = chamber
	m.lastFan = st
	return m.applyErr
}
func (m *mockFleet) ApplyChannelsAll(ctx context.Context, st growchamber.ChannelState) map[int]error {
	m.lastChannels = st
	return m.allResults
}
func (m *mockFleet) ApplyFanAll(ctx context.Context, st growchamber.FanState) map[int]error {
	m.lastFan = st
	return m.allResults
}
func (m *mockFleet) SetFansOn(ctx context.Context) map[int]error  { return m.allResults }
func (m *mockFleet) SetFansOff(ctx context.Context) map[int]error { return m.allResults }
func (m *mockFleet) SetSchedule(ctx context.Context, chamber int, w growchamber.ScheduleWindow) error {
	m.lastChamber = chamber
	m.lastSchedule = w
	return m.scheduleErr
}
func (m *mockFleet) RefreshStatus(ctx context.Context, chamber int) (growchamber.ChamberStatus, error) {
	m.lastChamber = chamber
	return m.refreshState, m.refreshErr
}
func (m *mockFleet) Chambers(ctx context.Context) []growchamber.ChamberStatus { return m.statuses }
func (m *mockFleet) Chamber(ctx context.Context, chamber int) (growchamber.ChamberStatus, error) {
	m.lastChamber = chamber
	if m.chamberErr != nil {
		return growchamber.ChamberStatus{}, m.chamberErr
	}
	for _, st := range m.statuses {
		if st.ChamberNumber == chamber {
			return st, nil
		}
	}
	return growchamber.ChamberStatus{}, service.ErrUnknownChamber
}
func (m *mockFleet) Restore(ctx context.Context) error { return nil }
func (m *mockFleet) Close() error                      { return nil }

type mockSettings struct {
	snap      growchamber.SettingsSnapshot
	exportErr error
	importErr error
	imported  growchamber.SettingsSnapshot
}

func (m *mockSettings) Export(ctx context.Context) (growchamber.SettingsSnapshot, error) {
	return m.snap, m.exportErr
}
func (m *mockSettings) Import(ctx context.Context, snap growchamber.SettingsSnapshot) error {
	m.imported = snap
	return m.importErr
}

type mockEventLog struct {
	resp       []growchamber.ChamberEvent
	err        error
	lastFilter service.LogFilter
}

func (m *mockEventLog) List(ctx context.Context, f service.LogFilter) ([]growchamber.ChamberEvent, error) {
	m.lastFilter = f
	return m.resp, m.err
}

type mockScheduler struct{}

func (mockScheduler) Run(ctx context.Context, tick time.Duration)   {}
func (mockScheduler) TickOnce(ctx context.Context, _ time.Time) int { return 0 }

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil)
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
