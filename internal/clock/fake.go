package clock

import (
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time only moves on Advance, and due
// callbacks run synchronously inside Advance in deadline order.
// Callbacks must not call Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	seq      uint64
	f        func()
	done     bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), seq: c.seq, f: f}
	c.waiters = append(c.waiters, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.clock.removeLocked(t)
	return true
}

// Advance moves the clock forward by d. Every timer due within the window
// fires with Now() set to its own deadline; timers scheduled by those
// callbacks fire too when they fall inside the window.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.earliestLocked()
		if next == nil || next.deadline.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		c.removeLocked(next)
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns the delays, relative to Now, of all scheduled timers in
// firing order.
func (c *Fake) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	sorted := make([]*fakeTimer, len(c.waiters))
	copy(sorted, c.waiters)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].before(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	out := make([]time.Duration, 0, len(sorted))
	for _, t := range sorted {
		out = append(out, t.deadline.Sub(c.now))
	}
	return out
}

func (c *Fake) earliestLocked() *fakeTimer {
	var first *fakeTimer
	for _, t := range c.waiters {
		if first == nil || t.before(first) {
			first = t
		}
	}
	return first
}

func (c *Fake) removeLocked(t *fakeTimer) {
	for i, w := range c.waiters {
		if w == t {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (t *fakeTimer) before(o *fakeTimer) bool {
	if t.deadline.Equal(o.deadline) {
		return t.seq < o.seq
	}
	return t.deadline.Before(o.deadline)
}
