package cache

import (
	"sync"
	"time"
)

// debouncer coalesces triggers into one call of fn. Each trigger pushes the
// call back by wait, but never past maxDelay after the first pending trigger.
type debouncer struct {
	mu       sync.Mutex
	wait     time.Duration
	maxDelay time.Duration
	fn       func()

	timer   *time.Timer
	gen     uint64
	first   time.Time
	stopped bool
}

func newDebouncer(wait, maxDelay time.Duration, fn func()) *debouncer {
	if maxDelay < wait {
		maxDelay = wait
	}
	return &debouncer{wait: wait, maxDelay: maxDelay, fn: fn}
}

// Trigger schedules fn, replacing any pending schedule.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	now := time.Now()
	if d.timer == nil {
		d.first = now
	} else {
		d.timer.Stop()
	}

	delay := d.wait
	if remaining := d.first.Add(d.maxDelay).Sub(now); remaining < delay {
		delay = max(remaining, 0)
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(delay, func() { d.fire(gen) })
}

// Cancel drops a pending call and reports whether one was pending.
func (d *debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

// Stop cancels any pending call and ignores later triggers.
func (d *debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return d.cancelLocked()
}

// Pending reports whether a call is scheduled
func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

func (d *debouncer) cancelLocked() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	return true
}

func (d *debouncer) fire(gen uint64) {
	d.mu.Lock()
	// A superseded timer may still fire after Stop lost the race.
	if d.stopped || d.timer == nil || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.fn()
}
