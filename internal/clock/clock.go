// Package clock provides the server-synchronized time source the engine
// schedules against. Each mode instance receives its own Clock; there is no
// process-wide cached offset.
package clock

import "time"

// Clock supplies the current server time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by the local wall clock.
func System() Clock { return systemClock{} }

type offsetClock struct {
	base   Clock
	offset time.Duration
}

func (c offsetClock) Now() time.Time { return c.base.Now().Add(c.offset) }

// WithOffset returns a Clock shifted by a fixed drift relative to base,
// typically the measured server-minus-local difference.
func WithOffset(base Clock, offset time.Duration) Clock {
	return offsetClock{base: base, offset: offset}
}

// NextMinuteBoundary returns the next whole-minute mark strictly after now,
// rounded to whole seconds.
func NextMinuteBoundary(now time.Time) time.Time {
	return now.Truncate(time.Second).Add(time.Duration(60-now.Second()) * time.Second)
}
