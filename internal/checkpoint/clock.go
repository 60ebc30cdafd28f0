package checkpoint

import "time"

// Clock supplies wall-clock time to the manager and workflow drivers.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// stamp normalises a time to the precision stored in checkpoints.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
