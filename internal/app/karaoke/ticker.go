package karaoke

import "time"

// TickerFactory creates the countdown's tick source. The returned func stops it.
type TickerFactory func(d time.Duration) (<-chan time.Time, func())

// NewTicker is the default TickerFactory backed by time.Ticker.
func NewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// ManualTicker hands out tick channels that fire only when Tick is called.
// Useful in tests and for replaying a countdown step by step.
type ManualTicker struct {
	ticks   chan time.Time
	created chan struct{}
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		ticks:   make(chan time.Time),
		created: make(chan struct{}, 16),
	}
}

// Factory is the TickerFactory to inject.
func (m *ManualTicker) Factory(time.Duration) (<-chan time.Time, func()) {
	select {
	case m.created <- struct{}{}:
	default:
	}
	return m.ticks, func() {}
}

// Created returns a channel that receives once per created ticker.
func (m *ManualTicker) Created() <-chan struct{} { return m.created }

// Tick delivers one tick, waiting until a countdown receives it or the
// timeout elapses. It reports whether the tick was consumed.
func (m *ManualTicker) Tick(timeout time.Duration) bool {
	select {
	case m.ticks <- time.Now():
		return true
	case <-time.After(timeout):
		return false
	}
}
