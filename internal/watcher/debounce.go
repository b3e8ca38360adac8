package watcher

import (
	"sync"
	"time"

	"github.com/changshengEVA/M-Agent/internal/broker"
)

// debouncer coalesces a burst of triggers into a single firing.
//
// Each Hit restarts the quiet-period timer (sliding window, not a
// fixed-rate tick); the fire callback runs once the window passes with
// no further hits, carrying the most recent trigger. Keeping this
// separate from the fsnotify plumbing lets the coalescing behavior be
// tested without touching the filesystem.
type debouncer struct {
	quiet time.Duration
	fire  func(broker.Trigger)

	mu      sync.Mutex
	timer   *time.Timer
	lastHit time.Time
	last    broker.Trigger
}

func newDebouncer(quiet time.Duration, fire func(broker.Trigger)) *debouncer {
	return &debouncer{quiet: quiet, fire: fire}
}

// Hit records a qualifying event and restarts the quiet period.
func (d *debouncer) Hit(trig broker.Trigger) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = trig
	d.lastHit = time.Now()
	if d.timer == nil {
		d.timer = time.AfterFunc(d.quiet, d.flush)
		return
	}
	d.timer.Reset(d.quiet)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	// The timer can fire concurrently with a Hit that is about to Reset
	// it: that Hit re-armed the timer, so this firing is stale and must
	// not cut the quiet period short.
	if time.Since(d.lastHit) < d.quiet {
		d.mu.Unlock()
		return
	}
	trig := d.last
	d.timer = nil
	d.mu.Unlock()

	d.fire(trig)
}

// Stop cancels any pending firing.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
