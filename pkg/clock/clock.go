package clock

import (
	"time"
)

// Clock produces the current instant. Engines take a Clock instead of
// calling time.Now so tests can pin the wall clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// New returns a Clock backed by the system clock, normalized to UTC.
func New() Clock { return realClock{} }

// Fixed is a Clock pinned to a settable instant.
type Fixed struct {
	Instant time.Time
}

func (f *Fixed) Now() time.Time { return f.Instant }

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) { f.Instant = f.Instant.Add(d) }

// LoadLocation resolves an IANA timezone name. Empty or invalid names
// resolve to the fallback location.
func LoadLocation(name string, fallback *time.Location) *time.Location {
	if name == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}
	return loc
}
