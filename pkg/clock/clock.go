// Package clock provides the process-wide time source for the control plane.
// Billing periods, credit expiry, spending-limit windows and LM freshness all
// consult an injected Clock so tests can step time explicitly instead of
// sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current instant and the current calendar day.
// Now is non-decreasing within a single process.
type Clock interface {
	// Now returns the current instant in UTC.
	Now() time.Time
	// Today returns midnight UTC of the current day.
	Today() time.Time
}

// System is the production clock backed by time.Now.
type System struct{}

// NewSystem returns the real clock.
func NewSystem() *System {
	return &System{}
}

func (*System) Now() time.Time {
	return time.Now().UTC()
}

func (s *System) Today() time.Time {
	return Midnight(s.Now())
}

// Mock is a settable clock for tests and the dev-only clock-control endpoint.
// It may be stepped forward explicitly; stepping backward mid-test is the
// caller's bug, not something Mock prevents across separate Set calls.
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMock returns a mock clock pinned at start (converted to UTC).
func NewMock(start time.Time) *Mock {
	return &Mock{now: start.UTC()}
}

func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *Mock) Today() time.Time {
	return Midnight(m.Now())
}

// Set pins the clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// AdvanceDays moves the clock forward by whole days.
func (m *Mock) AdvanceDays(days int) {
	m.Advance(time.Duration(days) * 24 * time.Hour)
}

// Midnight truncates t to midnight UTC of its calendar day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonth returns midnight UTC on the 1st of t's calendar month.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// StartOfNextMonth returns midnight UTC on the 1st of the month after t.
func StartOfNextMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0)
}

// DaysInMonth returns the number of calendar days in t's month.
func DaysInMonth(t time.Time) int {
	return StartOfNextMonth(t).Add(-24 * time.Hour).Day()
}

// WholeDaysBetween returns the count of whole 24h days from a to b,
// never negative.
func WholeDaysBetween(a, b time.Time) int {
	if b.Before(a) {
		return 0
	}
	return int(b.Sub(a) / (24 * time.Hour))
}
