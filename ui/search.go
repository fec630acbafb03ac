package ui

import (
	"sync"
	"time"
)

const findDebounce = 250 * time.Millisecond

// debouncer runs the most recently triggered function once input has been
// quiet for the delay, keeping lookups off every keystroke.
type debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	fn      func()
	stopped bool
	fired   uint64
}

func newDebouncer(delay time.Duration) *debouncer {
	if delay <= 0 {
		delay = findDebounce
	}
	return &debouncer{delay: delay}
}

// Trigger replaces the pending function and restarts the delay.
func (d *debouncer) Trigger(fn func()) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.fn = fn
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
	} else {
		d.timer.Reset(d.delay)
	}
}

// Fired returns how many times a function actually ran.
func (d *debouncer) Fired() uint64 {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

func (d *debouncer) Stop() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	fn := d.fn
	d.fn = nil
	if fn != nil {
		d.fired++
	}
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}
