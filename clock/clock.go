// Package clock abstracts time and randomness behind small interfaces so
// that backoff and wait logic stays testable without real sleeps.
package clock

import (
	"math/rand"
	"time"
)

// Clock provides the time operations used by the lock engine and the retry
// wrapper.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// After waits for d to elapse and then sends the current time on the
	// returned channel.
	After(d time.Duration) <-chan time.Time

	// NewTimer creates a Timer that fires after at least d.
	NewTimer(d time.Duration) Timer

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer wraps time.Timer for mocking. Stop does not close the channel.
type Timer interface {
	Chan() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Rand supplies the randomness used for backoff jitter.
type Rand interface {
	// Float64 returns a pseudo-random number in [0.0, 1.0).
	Float64() float64
}

// New returns a Clock backed by the standard time package.
func New() Clock {
	return standardClock{}
}

// NewRand returns a Rand backed by math/rand's shared source.
func NewRand() Rand {
	return standardRand{}
}

type standardClock struct{}

func (standardClock) Now() time.Time                         { return time.Now() }
func (standardClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (standardClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (standardClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (standardClock) NewTimer(d time.Duration) Timer {
	return standardTimer{timer: time.NewTimer(d)}
}

type standardTimer struct {
	timer *time.Timer
}

func (t standardTimer) Chan() <-chan time.Time     { return t.timer.C }
func (t standardTimer) Stop() bool                 { return t.timer.Stop() }
func (t standardTimer) Reset(d time.Duration) bool { return t.timer.Reset(d) }

type standardRand struct{}

func (standardRand) Float64() float64 { return rand.Float64() }
