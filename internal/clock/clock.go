// Package clock separates the two notions of time the engine needs: a
// monotonic-bearing "now" for TTL arithmetic and a wall-clock "server now"
// that is embedded into signed policy anchors.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock is the time source consumed by every engine component.
type Clock interface {
	// Now carries the monotonic reading; use it for expiry and cooldown math.
	Now() time.Time
	// WallNow is UTC wall-clock time with the monotonic reading stripped.
	WallNow() time.Time
}

type realClock struct {
	c bclock.Clock
}

// Real returns the process clock.
func Real() Clock {
	return realClock{c: bclock.New()}
}

func (r realClock) Now() time.Time { return r.c.Now() }

func (r realClock) WallNow() time.Time { return r.c.Now().Round(0).UTC() }

// Mock is a manually advanced clock for tests.
type Mock struct {
	*bclock.Mock
}

// NewMock returns a Mock set to t.
func NewMock(t time.Time) *Mock {
	m := bclock.NewMock()
	m.Set(t)
	return &Mock{Mock: m}
}

// WallNow implements Clock.
func (m *Mock) WallNow() time.Time { return m.Mock.Now().Round(0).UTC() }

// Func adapts a Clock to the func() time.Time shape used by option helpers.
func Func(c Clock) func() time.Time {
	return c.Now
}
