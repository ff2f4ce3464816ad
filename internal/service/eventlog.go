package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"growchamber"
	"growchamber/internal/repository"
)

// LogFilter narrows an event-log query. Zero fields mean "any".
type LogFilter struct {
	From    time.Time
	To      time.Time
	Type    string
	Chamber int
}

var errInvalidTimeRange = errors.New("from must not be after to")

// EventLogService reads the append-only chamber history.
type EventLogService struct {
	repo repository.EventRepo
}

func NewEventLogService(repo repository.EventRepo) *EventLogService {
	return &EventLogService{repo: repo}
}

// List returns events matching the filter in chronological order.
func (s *EventLogService) List(ctx context.Context, f LogFilter) ([]growchamber.ChamberEvent, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return nil, errInvalidTimeRange
	}
	if f.Chamber != 0 &&
		(f.Chamber < growchamber.MinChamber || f.Chamber > growchamber.MaxChamber) {
		return nil, growchamber.Validationf("chamber number %d out of range [%d,%d]",
			f.Chamber, growchamber.MinChamber, growchamber.MaxChamber)
	}
	from := f.From.UTC()
	to := f.To.UTC()
	typ := strings.ToUpper(strings.TrimSpace(f.Type))
	return s.repo.List(ctx, from, to, typ, f.Chamber)
}
