// Package clock injects the passage of time into the update engine so
// tests can freeze it instead of racing wall-clock sleeps, per the
// "global mutable monotonic clock" design note.
package clock

import "time"

// Clock abstracts time.Now and time.Sleep for testability.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real is the production Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Frozen is a test Clock that never advances on its own; callers move
// it forward explicitly with Advance.
type Frozen struct {
	now time.Time
}

// NewFrozen returns a Frozen clock starting at t.
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{now: t}
}

func (f *Frozen) Now() time.Time { return f.now }

// Sleep on a Frozen clock advances time immediately rather than
// blocking, so module polling-interval and retry-backoff logic can be
// driven deterministically in tests.
func (f *Frozen) Sleep(d time.Duration) { f.now = f.now.Add(d) }

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) { f.now = f.now.Add(d) }
