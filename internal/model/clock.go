package model

import (
	"fmt"
	"time"
)

// Clock resolves "now" and "today" in the deployment's time zone.
type Clock struct {
	Loc *time.Location
	Now func() time.Time
}

// NewClock loads the named zone; an empty name means UTC.
func NewClock(zone string) (Clock, error) {
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return Clock{}, fmt.Errorf("clock: load zone %q: %w", zone, err)
		}
		loc = l
	}
	return Clock{Loc: loc, Now: time.Now}, nil
}

func (c Clock) location() *time.Location {
	if c.Loc == nil {
		return time.UTC
	}
	return c.Loc
}

// Timestamp returns the current instant truncated to microseconds, the
// resolution Postgres keeps, so memory and SQL stores round-trip identically.
func (c Clock) Timestamp() time.Time {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().UTC().Truncate(time.Microsecond)
}

// Today is the current delivery date.
func (c Clock) Today() string { return c.DateOf(c.Timestamp()) }

// DateOf formats t as a delivery date in the clock's zone.
func (c Clock) DateOf(t time.Time) string { return t.In(c.location()).Format(DateLayout) }

// ResolveDate validates an explicit date or falls back to today.
func (c Clock) ResolveDate(date string) (string, error) {
	if date == "" {
		return c.Today(), nil
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return "", fmt.Errorf("date %q is not YYYY-MM-DD", date)
	}
	return date, nil
}
