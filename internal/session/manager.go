// Package session classifies wall-clock time into US equity trading sessions.
// Classification is a pure function of the clock and a static market calendar,
// so the manager is restartable and side-effect-free.
//
// US equity sessions (Eastern Time):
//
//	pre-market  04:00 - 09:30
//	regular     09:30 - 16:00 (13:00 on early-close days)
//	after-hours 16:00 - 20:00 (none on early-close days)
package session

import (
	"fmt"
	"time"

	"stockHftBot/internal/domain"
)

// Config holds the session policy and an injectable clock.
type Config struct {
	AllowPreMarket  bool
	AllowAfterHours bool
	Now             func() time.Time // defaults to time.Now
}

// Manager answers session queries against the US equity calendar.
type Manager struct {
	cfg Config
	loc *time.Location
}

// New creates a session manager. The Eastern Time zone must resolve from the
// tz database; a fixed-offset substitute would misplace every session boundary
// for half the year, so a missing database is a startup failure, not a
// fallback.
func New(cfg Config) (*Manager, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading America/New_York tz data: %w", err)
	}
	return &Manager{cfg: cfg, loc: loc}, nil
}

// Current returns the session active right now.
func (m *Manager) Current() domain.Session {
	return m.At(m.cfg.Now())
}

// At returns the session active at the given instant.
func (m *Manager) At(t time.Time) domain.Session {
	et := t.In(m.loc)
	if !m.IsTradingDay(et) {
		return domain.SessionClosed
	}

	mins := et.Hour()*60 + et.Minute()
	regularEnd := 16 * 60
	early := isEarlyClose(et)
	if early {
		regularEnd = 13 * 60
	}

	switch {
	case mins >= 4*60 && mins < 9*60+30:
		return domain.SessionPreMarket
	case mins >= 9*60+30 && mins < regularEnd:
		return domain.SessionRegular
	case !early && mins >= 16*60 && mins < 20*60:
		return domain.SessionAfterHours
	default:
		return domain.SessionClosed
	}
}

// IsTradeable reports whether order submission is permitted in the session
// under the configured policy.
func (m *Manager) IsTradeable(s domain.Session) bool {
	switch s {
	case domain.SessionRegular:
		return true
	case domain.SessionPreMarket:
		return m.cfg.AllowPreMarket
	case domain.SessionAfterHours:
		return m.cfg.AllowAfterHours
	default:
		return false
	}
}

// MarketOrdersAllowed reports whether market orders are accepted in the
// session. Pre-market and after-hours are limit-only.
func (m *Manager) MarketOrdersAllowed(s domain.Session) bool {
	return s == domain.SessionRegular
}

// IsTradingDay reports whether the date (interpreted in ET) is a trading day.
func (m *Manager) IsTradingDay(t time.Time) bool {
	et := t.In(m.loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !usHolidays[et.Format("2006-01-02")]
}

// NextTradingDay returns the first trading day strictly after the given date.
func (m *Manager) NextTradingDay(t time.Time) time.Time {
	et := t.In(m.loc)
	d := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, m.loc)
	for {
		d = d.AddDate(0, 0, 1)
		if m.IsTradingDay(d) {
			return d
		}
	}
}

// TimeUntilSessionChange returns the session that becomes active at the next
// boundary and the time remaining until it. Schedulers use this to re-poll.
func (m *Manager) TimeUntilSessionChange() (domain.Session, time.Duration) {
	now := m.cfg.Now().In(m.loc)
	next := m.nextBoundary(now)
	// The instant of the boundary belongs to the new session.
	return m.At(next), next.Sub(now)
}

// nextBoundary finds the first session boundary strictly after t.
func (m *Manager) nextBoundary(t time.Time) time.Time {
	day := t
	for i := 0; i < 366; i++ {
		if m.IsTradingDay(day) {
			for _, b := range m.boundariesFor(day) {
				if b.After(t) {
					return b
				}
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, m.loc).AddDate(0, 0, 1)
	}
	// Calendar data exhausted; re-poll in a day.
	return t.AddDate(0, 0, 1)
}

func (m *Manager) boundariesFor(day time.Time) []time.Time {
	at := func(h, min int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), h, min, 0, 0, m.loc)
	}
	if isEarlyClose(day) {
		return []time.Time{at(4, 0), at(9, 30), at(13, 0)}
	}
	return []time.Time{at(4, 0), at(9, 30), at(16, 0), at(20, 0)}
}

func isEarlyClose(t time.Time) bool {
	return usEarlyClose[t.Format("2006-01-02")]
}

// US market holidays, 2024-2026.
var usHolidays = map[string]bool{
	"2024-01-01": true, "2024-01-15": true, "2024-02-19": true,
	"2024-03-29": true, "2024-05-27": true, "2024-06-19": true,
	"2024-07-04": true, "2024-09-02": true, "2024-11-28": true,
	"2024-12-25": true,
	"2025-01-01": true, "2025-01-20": true, "2025-02-17": true,
	"2025-04-18": true, "2025-05-26": true, "2025-06-19": true,
	"2025-07-04": true, "2025-09-01": true, "2025-11-27": true,
	"2025-12-25": true,
	"2026-01-01": true, "2026-01-19": true, "2026-02-16": true,
	"2026-04-03": true, "2026-05-25": true, "2026-06-19": true,
	"2026-07-03": true, "2026-09-07": true, "2026-11-26": true,
	"2026-12-25": true,
}

// Early-close days (regular session ends 13:00 ET, no after-hours).
var usEarlyClose = map[string]bool{
	"2024-07-03": true, "2024-11-29": true, "2024-12-24": true,
	"2025-07-03": true, "2025-11-28": true, "2025-12-24": true,
	"2026-07-02": true, "2026-11-27": true, "2026-12-24": true,
}
