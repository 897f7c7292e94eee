// Package clock is a minimal injectable time source, adapted from
// go/clock: internal/ratelimit's token bucket needs a fake clock under
// test, and a real UTC clock in cmd/pintrain.
package clock

import "time"

// Clock abstracts time.Now so rate-limiter tests can advance time
// deterministically instead of sleeping.
type Clock interface {
	Now() time.Time
}

// SystemUTCClock is the real wall-clock implementation.
type SystemUTCClock struct{}

func (SystemUTCClock) Now() time.Time { return time.Now().UTC() }

// NewSystemUTCClock returns the real clock.
func NewSystemUTCClock() Clock { return SystemUTCClock{} }

// TestClock is a manually-advanced clock for tests.
type TestClock struct {
	unixSeconds int64
}

func NewTestClock() *TestClock { return &TestClock{} }

func (c *TestClock) Now() time.Time { return time.Unix(c.unixSeconds, 0) }

// Tick advances the test clock by secs seconds.
func (c *TestClock) Tick(secs int64) { c.unixSeconds += secs }
