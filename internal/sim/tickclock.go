// internal/sim/tickclock.go

package sim

import (
	"sync"
	"sync/atomic"
	"time"
)

// TickClock paces a simulation against the wall clock. It emits one tick per interval
// and drops ticks the consumer is too slow to take.
type TickClock struct {
	Ch      chan struct{}
	count   atomic.Int64
	missed  atomic.Int64
	stop    chan struct{}
	stopped sync.Once
}

// NewTickClock creates a stopped clock whose channel holds up to buffer ticks.
func NewTickClock(buffer int) *TickClock {
	if buffer < 1 {
		buffer = 1
	}
	return &TickClock{
		Ch:   make(chan struct{}, buffer),
		stop: make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval. Ch is closed once the clock stops.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer close(c.Ch)
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				select {
				case c.Ch <- struct{}{}:
				default:
					c.missed.Add(1)
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks. It is safe to call more than once.
func (c *TickClock) Stop() {
	c.stopped.Do(func() { close(c.stop) })
}

// Count returns how many ticks have elapsed.
func (c *TickClock) Count() int64 { return c.count.Load() }

// Missed returns how many ticks were dropped because the consumer lagged.
func (c *TickClock) Missed() int64 { return c.missed.Load() }
