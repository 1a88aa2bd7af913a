package realtime

import "time"

// Timer is a pending AfterFunc call
type Timer interface {
	Stop() bool
}

// Clock abstracts time so retry scheduling can be driven by tests
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// SystemClock is the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
