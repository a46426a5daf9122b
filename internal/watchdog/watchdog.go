// Package watchdog detects silence on an open event stream.
package watchdog

import (
	"sync"
	"time"
)

// DefaultThreshold is the idle period used when none is configured.
const DefaultThreshold = 30 * time.Second

type clock interface {
	AfterFunc(d time.Duration, f func()) timer
}

type timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

// Watchdog fires its idle callback when Touch has not been called for the
// threshold. It fires at most once per idle period and re-arms on the next
// Touch. It never closes anything; what to do on idle is up to the callback.
type Watchdog struct {
	mu sync.Mutex

	threshold time.Duration
	onIdle    func()

	timer   timer
	gen     uint64
	stopped bool

	clock clock
}

// New creates a stopped-until-touched watchdog. A non-positive threshold
// selects DefaultThreshold.
func New(threshold time.Duration) *Watchdog {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Watchdog{
		threshold: threshold,
		clock:     realClock{},
	}
}

// Threshold returns the configured idle period.
func (w *Watchdog) Threshold() time.Duration {
	return w.threshold
}

// OnIdle registers the callback. It runs on the timer goroutine, so it must
// not block for long.
func (w *Watchdog) OnIdle(cb func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onIdle = cb
}

// Touch records activity and restarts the idle period.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.threshold, func() { w.fire(gen) })
}

// Stop disarms the watchdog permanently. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	// A timer that lost the race with Touch or Stop is stale.
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	cb := w.onIdle
	w.mu.Unlock()

	if cb != nil {
		cb()
	}
}
