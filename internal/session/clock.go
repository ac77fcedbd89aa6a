package session

import "time"

// Clock supplies wall-clock reads. Remaining time is always derived from a
// fresh Now() against the attempt's immutable start anchor, never from a
// stored countdown, so reloads and suspended tabs cannot drift the timer.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }
