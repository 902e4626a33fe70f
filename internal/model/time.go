package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidClock is returned by ParseClock for tokens that are not HH:MM:SS.
var ErrInvalidClock = errors.New("model: clock time must be HH:MM:SS")

// Date is a civil calendar date without a timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("model: parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// AddDays returns the date n days later (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// In returns local midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d == Date{}
}

// Clock is a wall-clock time of day with second precision.
type Clock struct {
	Hour   int
	Minute int
	Second int
}

// ParseClock parses a token of three colon-separated numeric fields.
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	var vals [3]int
	for i, p := range parts {
		if p == "" || len(p) > 2 || !allDigits(p) {
			return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
		}
		vals[i] = n
	}
	c := Clock{Hour: vals[0], Minute: vals[1], Second: vals[2]}
	if c.Hour > 23 || c.Minute > 59 || c.Second > 59 {
		return Clock{}, fmt.Errorf("%w: %q out of range", ErrInvalidClock, s)
	}
	return c, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
}

// LocalDateTime is a timezone-naive date and time, pending localization.
type LocalDateTime struct {
	Date  Date
	Clock Clock
}

// In localizes the value in loc.
func (l LocalDateTime) In(loc *time.Location) time.Time {
	return time.Date(l.Date.Year, l.Date.Month, l.Date.Day, l.Clock.Hour, l.Clock.Minute, l.Clock.Second, 0, loc)
}

func (l LocalDateTime) String() string {
	return l.Date.String() + "T" + l.Clock.String()
}
