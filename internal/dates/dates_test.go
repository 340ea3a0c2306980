package dates_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"closeloop/internal/dates"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"2026-01-01":                "2026-01-01",
		"  2026-01-01  ":            "2026-01-01",
		"2026-01-01T13:45:00Z":      "2026-01-01",
		"2026-01-01 08:00":          "2026-01-01",
		"2024-02-29":                "2024-02-29",
		"2026-02-30":                "",
		"2025-02-29":                "",
		"2026-13-01":                "",
		"2026-00-10":                "",
		"1899-12-31":                "",
		"2101-01-01":                "",
		"2026-1-1":                  "",
		"01/02/2026":                "",
		"not a date":                "",
		"":                          "",
		"2026-01-0x":                "",
		"2026-04-31T00:00:00+02:00": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, dates.Normalize(in), "input %q", in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, in := range []string{"2026-01-01T10:00:00Z", "2026-02-30", "garbage", "", "2100-12-31"} {
		once := dates.Normalize(in)
		assert.Equal(t, once, dates.Normalize(once), "input %q", in)
	}
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 2, dates.DaysBetween("2026-01-01", "2026-01-03"))
	assert.Equal(t, 2, dates.DaysBetween("2026-01-03", "2026-01-01"))
	assert.Equal(t, 366, dates.DaysBetween("2024-01-01", "2025-01-01"))
	assert.Equal(t, 0, dates.DaysBetween("2026-01-01", "2026-02-30"))
	assert.Equal(t, 0, dates.DaysBetween("", "2026-01-01"))
}

func TestIsBefore(t *testing.T) {
	assert.True(t, dates.IsBefore("2025-12-31", "2026-01-01"))
	assert.False(t, dates.IsBefore("2026-01-01", "2026-01-01"))
	assert.False(t, dates.IsBefore("2026-01-02", "2026-01-01"))
	assert.False(t, dates.IsBefore("", "2026-01-01"))
	assert.False(t, dates.IsBefore("2026-01-01", "bogus"))
}

func TestAddDays(t *testing.T) {
	assert.Equal(t, "2026-01-03", dates.AddDays("2026-01-01", 2))
	assert.Equal(t, "2026-03-01", dates.AddDays("2026-02-28", 1))
	assert.Equal(t, "2025-12-25", dates.AddDays("2026-01-01", -7))
	assert.Equal(t, "", dates.AddDays("2026-02-30", 1))
	assert.Equal(t, "", dates.AddDays("2100-12-31", 1))
}

func TestTodayUsesClock(t *testing.T) {
	clock := dates.ClockFunc(func() time.Time {
		return time.Date(2026, 1, 1, 23, 30, 0, 0, time.FixedZone("x", -5*3600))
	})
	// 23:30 at UTC-5 is already the next day in UTC.
	assert.Equal(t, "2026-01-02", dates.Today(clock))
	assert.Equal(t, "", dates.FromTime(time.Time{}))
}
