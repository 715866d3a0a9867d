// Package simclock provides the single source of "now" used by every core
// component. Production code binds to WallClock; tests bind to a SimClock and
// drive it by hand so multi-device scenarios stay deterministic.
package simclock

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrInvalidTime is returned when advancing a clock by a negative delta.
var ErrInvalidTime = errors.New("simclock: time cannot move backwards")

// Clock is the "now()" handle every core component is parameterized by.
// There is no global clock singleton; a Clock is passed explicitly wherever
// a component needs to read or schedule time.
type Clock interface {
	// Now returns the current time in milliseconds.
	Now() int64

	// ScheduleAt registers task to run when the clock reaches when. If when
	// has already passed, the task fires on the next Advance/tick.
	ScheduleAt(when int64, task func())

	// ScheduleAfter registers task to run delta milliseconds from now.
	ScheduleAfter(delta int64, task func())
}

type scheduledTask struct {
	when int64
	seq  uint64
	task func()
}

// SimClock is a monotonic integer clock measured in milliseconds, advanced
// explicitly by a test or simulation driver.
type SimClock struct {
	mu      sync.Mutex
	now     int64
	seq     uint64
	pending []scheduledTask
	speed   float64
}

// NewSimClock creates a SimClock starting at t0 milliseconds.
func NewSimClock(t0 int64) *SimClock {
	return &SimClock{now: t0, speed: 1.0}
}

// Now returns the current simulated time.
func (c *SimClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// ScheduleAt registers task to fire once the clock reaches when.
func (c *SimClock) ScheduleAt(when int64, task func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.pending = append(c.pending, scheduledTask{when: when, seq: c.seq, task: task})
}

// ScheduleAfter registers task to fire delta milliseconds from now.
func (c *SimClock) ScheduleAfter(delta int64, task func()) {
	c.ScheduleAt(c.Now()+delta, task)
}

// SetSpeed binds a multiplier a driver can use to convert wall-clock ticks
// into simulated deltas. It has no semantic effect on the clock itself.
func (c *SimClock) SetSpeed(multiplier float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = multiplier
}

// Speed returns the last multiplier set via SetSpeed.
func (c *SimClock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Advance moves the clock forward by delta milliseconds, firing every
// scheduled task whose deadline has been reached, in ascending deadline
// order and FIFO within a tick (ties broken by registration order).
func (c *SimClock) Advance(delta int64) error {
	if delta < 0 {
		return ErrInvalidTime
	}
	c.mu.Lock()
	target := c.now + delta
	c.now = target
	var due []scheduledTask
	remaining := c.pending[:0:0]
	for _, t := range c.pending {
		if t.when <= target {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].when != due[j].when {
			return due[i].when < due[j].when
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		t.task()
	}
	return nil
}

// WallClock binds Clock to the real, monotonically advancing system clock.
type WallClock struct {
	start time.Time
}

// NewWallClock creates a production clock anchored to time.Now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

func (w *WallClock) Now() int64 {
	return time.Since(w.start).Milliseconds()
}

func (w *WallClock) ScheduleAt(when int64, task func()) {
	delta := when - w.Now()
	w.ScheduleAfter(delta, task)
}

func (w *WallClock) ScheduleAfter(delta int64, task func()) {
	if delta < 0 {
		delta = 0
	}
	time.AfterFunc(time.Duration(delta)*time.Millisecond, task)
}
