package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock supplies observation time. The session stamps every load and
// refresh with Clock.Now so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant unless moved with Set/Advance.
type FixedClock struct {
	mu sync.RWMutex
	t  time.Time
}

// NewFixedClock returns a clock pinned at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// TimeController fires registered listeners on a fixed wall-clock tick,
// passing the clock's current time. It drives periodic position refresh.
type TimeController struct {
	mu        sync.RWMutex
	Clock     Clock
	Tick      time.Duration
	listeners []func(context.Context, time.Time)
}

// NewTimeController constructs a controller. A nil clock uses SystemClock.
func NewTimeController(clock Clock, tick time.Duration) *TimeController {
	if clock == nil {
		clock = SystemClock{}
	}
	return &TimeController{Clock: clock, Tick: tick}
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(context.Context, time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Run ticks until ctx is done. Listeners run sequentially on the ticking
// goroutine, so a slow listener delays the next tick rather than
// overlapping with it. The returned channel is closed on exit.
func (tc *TimeController) Run(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if tc.Tick <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)

		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			now := tc.Clock.Now()
			tc.mu.RLock()
			listeners := append([]func(context.Context, time.Time){}, tc.listeners...)
			tc.mu.RUnlock()
			for _, fn := range listeners {
				fn(ctx, now)
			}
		}
	}()
	return done
}
