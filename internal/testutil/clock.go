package testutil

import (
	"sync"
	"time"

	"github.com/roach88/stocktake/internal/clock"
)

// Epoch is the default start time for FakeClock.
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced clock.Clock for tests.
//
// Timers and tickers fire only from Advance, in due order, on the calling
// goroutine. Callbacks run without the clock's lock held so they may schedule
// new timers.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFakeClock creates a clock starting at start, or Epoch if start is zero.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// NewTicker returns a ticker that delivers on every elapsed period.
// Ticks are dropped when the channel is full, matching time.Ticker.
func (c *FakeClock) NewTicker(d time.Duration) clock.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{c: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing due timers and tickers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		timer, ticker, at := c.nextDueLocked(target)
		if timer == nil && ticker == nil {
			break
		}
		c.now = at
		if timer != nil {
			timer.done = true
			f := timer.f
			c.mu.Unlock()
			f()
			c.mu.Lock()
			continue
		}
		ticker.next = ticker.next.Add(ticker.period)
		select {
		case ticker.ch <- at:
		default:
		}
	}
	c.now = target
	c.compactLocked()
	c.mu.Unlock()
}

func (c *FakeClock) nextDueLocked(target time.Time) (*fakeTimer, *fakeTicker, time.Time) {
	var (
		bestTimer  *fakeTimer
		bestTicker *fakeTicker
		bestAt     time.Time
	)
	for _, t := range c.timers {
		if t.done || t.at.After(target) {
			continue
		}
		if bestTimer == nil || t.at.Before(bestAt) {
			bestTimer, bestAt = t, t.at
		}
	}
	for _, t := range c.tickers {
		if t.stopped || t.period <= 0 || t.next.After(target) {
			continue
		}
		if (bestTimer == nil && bestTicker == nil) || t.next.Before(bestAt) {
			bestTimer, bestTicker, bestAt = nil, t, t.next
		}
	}
	return bestTimer, bestTicker, bestAt
}

func (c *FakeClock) compactLocked() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.done {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(c.timers); i++ {
		c.timers[i] = nil
	}
	c.timers = live
}

type fakeTimer struct {
	c    *FakeClock
	at   time.Time
	f    func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

type fakeTicker struct {
	c       *FakeClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	t.stopped = true
}
