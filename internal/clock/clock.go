package clock

import "time"

// Clock supplies the current instant. Injected everywhere reset and
// session arithmetic happens so tests can drive time by hand.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Manual is a hand-driven clock for tests.
type Manual struct {
	now time.Time
}

// NewManual starts a manual clock at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time { return m.now }

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) { m.now = t }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) { m.now = m.now.Add(d) }
