// Copyright 2015 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Clock implements clock.Clock for tests of code that polls. Unlike
// testclock.Clock nothing needs to advance it from another goroutine:
// asking for a timer advances the clock to the timer's deadline, so a
// polling loop that sleeps an hour between checks runs instantly while
// still observing the passage of time through Now.
type Clock struct {
	mu             sync.Mutex
	now            time.Time
	alarms         []alarm
	currentAlarmID int

	// slept accumulates every duration the clock was asked to wait.
	slept time.Duration
}

// Timer implements clock.Timer for Clock.
type Timer struct {
	clock *Clock
	ID    int
	ch    chan time.Time
}

// Chan is part of the clock.Timer interface.
func (t *Timer) Chan() <-chan time.Time {
	return t.ch
}

// Reset is part of the clock.Timer interface.
func (t *Timer) Reset(d time.Duration) bool {
	stopped := t.Stop()
	t.clock.mu.Lock()
	t.clock.setAlarm(t.ID, t.clock.now.Add(d), t.fire)
	t.clock.mu.Unlock()
	t.clock.Advance(d)
	return stopped
}

// Stop is part of the clock.Timer interface.
func (t *Timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	for i, alarm := range t.clock.alarms {
		if t.ID == alarm.ID {
			t.clock.alarms = removeFromSlice(t.clock.alarms, i)
			return true
		}
	}
	return false
}

func (t *Timer) fire(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}

// Alarm implements clock.Alarm for Clock.
type Alarm struct {
	timer *Timer
}

// Chan is part of the clock.Alarm interface.
func (a *Alarm) Chan() <-chan time.Time {
	return a.timer.ch
}

// Reset is part of the clock.Alarm interface.
func (a *Alarm) Reset(t time.Time) bool {
	return a.timer.Reset(t.Sub(a.timer.clock.Now()))
}

// Stop is part of the clock.Alarm interface.
func (a *Alarm) Stop() bool {
	return a.timer.Stop()
}

var _ clock.Clock = (*Clock)(nil)

// NewClock returns a new clock set to the supplied time.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now is part of the clock.Clock interface.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Slept returns the total time the clock was asked to wait for.
func (c *Clock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// After is part of the clock.Clock interface.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).Chan()
}

// AfterFunc is part of the clock.Clock interface.
func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	t := c.newTimer(d, func(time.Time) { f() })
	c.Advance(d)
	return t
}

// NewTimer is part of the clock.Clock interface.
func (c *Clock) NewTimer(d time.Duration) clock.Timer {
	t := c.newTimer(d, nil)
	c.Advance(d)
	return t
}

// At is part of the clock.Clock interface.
func (c *Clock) At(t time.Time) <-chan time.Time {
	return c.NewAlarm(t).Chan()
}

// AtFunc is part of the clock.Clock interface.
func (c *Clock) AtFunc(t time.Time, f func()) clock.Alarm {
	d := t.Sub(c.Now())
	timer := c.newTimer(d, func(time.Time) { f() })
	c.Advance(d)
	return &Alarm{timer: timer}
}

// NewAlarm is part of the clock.Clock interface.
func (c *Clock) NewAlarm(t time.Time) clock.Alarm {
	d := t.Sub(c.Now())
	timer := c.newTimer(d, nil)
	c.Advance(d)
	return &Alarm{timer: timer}
}

func (c *Clock) newTimer(d time.Duration, trigger func(time.Time)) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentAlarmID++
	t := &Timer{clock: c, ID: c.currentAlarmID, ch: make(chan time.Time, 1)}
	if trigger == nil {
		trigger = t.fire
	}
	c.setAlarm(t.ID, c.now.Add(d), trigger)
	return t
}

func (c *Clock) setAlarm(id int, t time.Time, trigger func(time.Time)) {
	c.alarms = append(c.alarms, alarm{
		time:    t,
		trigger: trigger,
		ID:      id,
	})
	sort.Sort(byTime(c.alarms))
}

// Advance advances the result of Now by the supplied duration, and fires
// all alarms which are no longer in the future.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
	now := c.now
	var due []alarm
	for len(c.alarms) > 0 && !now.Before(c.alarms[0].time) {
		due = append(due, c.alarms[0])
		c.alarms = c.alarms[1:]
	}
	c.mu.Unlock()

	for _, a := range due {
		a.trigger(now)
	}
}

// alarm records the time at which we're expected to execute trigger.
type alarm struct {
	time    time.Time
	trigger func(time.Time)
	ID      int
}

// removeFromSlice removes item at the specified index from the slice.
// This doesn't check that index is valid, so the caller needs to check that.
func removeFromSlice(sl []alarm, index int) []alarm {
	return append(sl[:index], sl[index+1:]...)
}

// byTime is used to sort alarms by time.
type byTime []alarm

func (a byTime) Len() int           { return len(a) }
func (a byTime) Less(i, j int) bool { return a[i].time.Before(a[j].time) }
func (a byTime) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
