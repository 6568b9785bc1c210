package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mario4tier/suiftly-co-sub006/pkg/clock"
)

func TestMock_AdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 3, 10, 12, 30, 0, 0, time.UTC)
	c := clock.NewMock(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), c.Today())

	c.Advance(36 * time.Hour)
	assert.Equal(t, start.Add(36*time.Hour), c.Now())

	c.AdvanceDays(2)
	assert.Equal(t, 14, c.Now().Day())

	pinned := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	c.Set(pinned)
	assert.Equal(t, pinned, c.Now())
}

func TestSystem_NowIsUTC(t *testing.T) {
	c := clock.NewSystem()
	now := c.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.False(t, c.Today().After(now))
}

func TestCalendarHelpers(t *testing.T) {
	tests := []struct {
		in          time.Time
		daysInMonth int
		nextMonth   time.Time
	}{
		{time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC), 29, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), 28, time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), 31, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC), 30, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.daysInMonth, clock.DaysInMonth(tt.in), "DaysInMonth(%v)", tt.in)
		assert.Equal(t, tt.nextMonth, clock.StartOfNextMonth(tt.in), "StartOfNextMonth(%v)", tt.in)
		assert.Equal(t, 1, clock.StartOfMonth(tt.in).Day())
	}
}

func TestWholeDaysBetween(t *testing.T) {
	a := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, clock.WholeDaysBetween(a, a))
	assert.Equal(t, 0, clock.WholeDaysBetween(a, a.Add(23*time.Hour)))
	assert.Equal(t, 1, clock.WholeDaysBetween(a, a.Add(24*time.Hour)))
	assert.Equal(t, 8, clock.WholeDaysBetween(a, a.AddDate(0, 0, 9).Add(-time.Minute)))
	assert.Equal(t, 0, clock.WholeDaysBetween(a.Add(time.Hour), a), "never negative")
}
