package trading

import (
	"time"

	"delta-hedger/internal/models"
	"delta-hedger/pkg/utils"
)

// SessionConfig holds the session window and expiry rules.
type SessionConfig struct {
	EntryTime     models.TimeOfDay
	ExitTime      models.TimeOfDay
	Expiry        ExpiryType
	ExpiryWeekday time.Weekday
	Location      *time.Location
	Holidays      []time.Time
}

// DefaultSessionConfig returns the 09:17-15:00 weekly Thursday session.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		EntryTime:     models.TimeOfDay{Hour: 9, Minute: 17},
		ExitTime:      models.TimeOfDay{Hour: 15, Minute: 0},
		Expiry:        ExpiryWeekly,
		ExpiryWeekday: time.Thursday,
		Location:      utils.IndiaLocation,
	}
}

// SessionManager evaluates session window and expiry rules in the exchange
// timezone.
type SessionManager struct {
	location *time.Location
	entry    models.TimeOfDay
	exit     models.TimeOfDay
	expiry   ExpiryType
	weekday  time.Weekday
	holidays map[string]bool // Date string -> is holiday
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	loc := cfg.Location
	if loc == nil {
		loc = utils.IndiaLocation
	}
	m := &SessionManager{
		location: loc,
		entry:    cfg.EntryTime,
		exit:     cfg.ExitTime,
		expiry:   cfg.Expiry,
		weekday:  cfg.ExpiryWeekday,
		holidays: make(map[string]bool),
	}
	for _, h := range cfg.Holidays {
		m.AddHoliday(h)
	}
	return m
}

// AddHoliday adds a market holiday.
func (m *SessionManager) AddHoliday(date time.Time) {
	m.holidays[date.In(m.location).Format("2006-01-02")] = true
}

// IsHoliday checks if a date is a market holiday.
func (m *SessionManager) IsHoliday(date time.Time) bool {
	return m.holidays[date.In(m.location).Format("2006-01-02")]
}

// Location returns the exchange timezone.
func (m *SessionManager) Location() *time.Location {
	return m.location
}

// EntryAt returns the entry instant on t's exchange date.
func (m *SessionManager) EntryAt(t time.Time) time.Time {
	return m.entry.On(t.In(m.location))
}

// ExitAt returns the exit instant on t's exchange date.
func (m *SessionManager) ExitAt(t time.Time) time.Time {
	return m.exit.On(t.In(m.location))
}

// InEntryWindow reports whether entryTime <= t < exitTime.
func (m *SessionManager) InEntryWindow(t time.Time) bool {
	return !t.Before(m.EntryAt(t)) && t.Before(m.ExitAt(t))
}

// PastExit reports whether t >= exitTime.
func (m *SessionManager) PastExit(t time.Time) bool {
	return !t.Before(m.ExitAt(t))
}

// SessionDate returns midnight of t's exchange date.
func (m *SessionManager) SessionDate(t time.Time) time.Time {
	return dateOf(t.In(m.location))
}

// ExpiryFor returns the expiry traded on t's exchange date.
func (m *SessionManager) ExpiryFor(t time.Time) time.Time {
	date := m.SessionDate(t)
	if m.expiry == ExpiryMonthly {
		return NearestMonthlyExpiry(date, m.weekday, m.IsHoliday)
	}
	return NearestWeeklyExpiry(date, m.weekday, m.IsHoliday)
}

// SessionState is the mutable state of one trading session. It is owned by
// the engine and replaced wholesale on reset.
type SessionState struct {
	State       HedgeState
	Call        *models.Leg
	Put         *models.Leg
	Vega        *models.Leg
	Adjustments int
	RunningPnL  float64
	ExitReason  models.ExitReason
	SessionDate time.Time
	optionData  map[string]models.OptionGreeksSnapshot
}

// NewSessionState returns a fresh LIVE session.
func NewSessionState() *SessionState {
	return &SessionState{
		State:      StateLive,
		optionData: make(map[string]models.OptionGreeksSnapshot),
	}
}

// Greeks returns the snapshot of symbol for the current tick.
func (s *SessionState) Greeks(symbol string) (models.OptionGreeksSnapshot, bool) {
	g, ok := s.optionData[symbol]
	return g, ok
}

// Legs returns the non-nil leg references.
func (s *SessionState) Legs() []*models.Leg {
	legs := make([]*models.Leg, 0, 3)
	for _, l := range []*models.Leg{s.Call, s.Put, s.Vega} {
		if l != nil {
			legs = append(legs, l)
		}
	}
	return legs
}
