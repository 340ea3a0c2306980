// Package dates handles the calendar dates that arrive from imports and
// manual entry. Every function degrades to a sentinel (empty string, 0,
// false) on malformed input instead of returning an error.
package dates

import (
	"strconv"
	"strings"
	"time"
)

const (
	// Layout is the only date format stored or returned.
	Layout = "2006-01-02"

	minYear = 1900
	maxYear = 2100
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Normalize returns the ISO calendar date contained in s, or "" when s is not
// a valid date between 1900 and 2100. A trailing time component is dropped.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "T "); i >= 0 {
		s = s[:i]
	}
	if len(s) != len(Layout) || s[4] != '-' || s[7] != '-' {
		return ""
	}
	y, ok := digits(s[0:4])
	if !ok {
		return ""
	}
	m, ok := digits(s[5:7])
	if !ok {
		return ""
	}
	d, ok := digits(s[8:10])
	if !ok {
		return ""
	}
	if y < minYear || y > maxYear || m < 1 || m > 12 || d < 1 || d > 31 {
		return ""
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	// time.Date rolls Feb 30 into March; a round trip catches it.
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return ""
	}
	return t.Format(Layout)
}

func digits(s string) (int, bool) {
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func parse(s string) (time.Time, bool) {
	n := Normalize(s)
	if n == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(Layout, n, time.UTC)
	return t, err == nil
}

// DaysBetween returns the absolute number of days between a and b, or 0 if
// either is not a valid date.
func DaysBetween(a, b string) int {
	ta, ok := parse(a)
	if !ok {
		return 0
	}
	tb, ok := parse(b)
	if !ok {
		return 0
	}
	days := int(tb.Sub(ta).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

// IsBefore reports whether a is strictly earlier than b. Invalid dates are
// never before anything.
func IsBefore(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	// ISO dates order lexicographically.
	return na < nb
}

// AddDays shifts date by n days. It returns "" when date is invalid or the
// result leaves the supported range.
func AddDays(date string, n int) string {
	t, ok := parse(date)
	if !ok {
		return ""
	}
	return Normalize(t.AddDate(0, 0, n).Format(Layout))
}

// FromTime returns the UTC calendar date of t.
func FromTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return Normalize(t.UTC().Format(Layout))
}

// Today returns the UTC calendar date reported by c, falling back to the
// wall clock when c is nil.
func Today(c Clock) string {
	if c == nil {
		return FromTime(time.Now())
	}
	return FromTime(c.Now())
}
