// Package clock provides a pluggable time source so that the scheduler and
// round timers can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every timer-driven component.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall-clock implementation.
type Real struct{}

func NewReal() *Real { return &Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually advanced clock for tests.
//
// With AutoAdvance set, After() advances the clock by the requested duration
// and fires immediately, which lets retry/backoff loops run synchronously.
type Fake struct {
	mu          sync.Mutex
	now         time.Time
	AutoAdvance bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the clock to an absolute instant.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if f.AutoAdvance {
		f.now = f.now.Add(d)
		ch <- f.now
	}
	return ch
}
