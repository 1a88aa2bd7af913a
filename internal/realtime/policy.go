package realtime

import (
	"math"
	"time"

	"github.com/quillpress/realtime/internal/transport"
)

const (
	maxShift = 20
	maxDelay = time.Duration(math.MaxInt64)
)

// Policy decides whether and when to retry a failed connection.
// MaxAttempts bounds the total number of connection attempts.
type Policy struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultPolicy is one second base, five attempts
var DefaultPolicy = Policy{Base: time.Second, MaxAttempts: 5}

// Delay returns Base * 2^failures, saturating instead of overflowing
func (p Policy) Delay(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > maxShift {
		failures = maxShift
	}
	if p.Base <= 0 {
		return 0
	}
	if p.Base > maxDelay>>uint(failures) {
		return maxDelay
	}
	return p.Base << uint(failures)
}

// Next reports the delay before the next attempt after the given number of
// consecutive failures, or false when retrying must stop.
func (p Policy) Next(failures int, err error) (time.Duration, bool) {
	if transport.IsAuthError(err) {
		return 0, false
	}
	if failures < 1 || failures >= p.MaxAttempts {
		return 0, false
	}
	return p.Delay(failures), true
}
