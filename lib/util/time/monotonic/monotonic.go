package monotonic

import (
	"sync"
	"time"
)

// Clock is the hopwire time base. It reports monotonic milliseconds since an
// arbitrary per-process epoch, adjusted by the peer clock offset measured by
// the time synchronization engine. The raw (unadjusted) reading is guaranteed
// to never go backward within a process lifetime because it is computed from
// Go's monotonic clock, immune to wall clock jumps.
type Clock struct {
	// epoch is captured at construction via time.Now() and retains its
	// monotonic reading, so time.Since(epoch) uses the monotonic clock.
	epoch time.Time

	// wallBase anchors protocol time to the Unix epoch. Two peers with
	// sane wall clocks land in roughly the same hop window before any
	// peer sync has run; the offset closes the remaining gap. Captured
	// once so later wall clock jumps cannot move protocol time.
	wallBase int64

	// offset is added to the raw reading to align the port-hop schedule
	// with the peer's clock. Protected by mu.
	offset time.Duration
	mu     sync.RWMutex
}

// NewClock creates a Clock with zero peer offset.
func NewClock() *Clock {
	now := time.Now()
	return &Clock{epoch: now, wallBase: now.UnixMilli()}
}

// NowMillis returns the adjusted protocol time in milliseconds: Unix wall
// millis at construction, plus raw monotonic elapsed time, plus the measured
// peer offset. This is the value the port hopping schedule and all packet
// timestamps are computed from. It may move backward slightly when a negative
// offset correction is applied; code that needs a strictly monotonic reading
// uses ElapsedMillis instead.
func (c *Clock) NowMillis() int64 {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.wallBase + int64((time.Since(c.epoch)+offset)/time.Millisecond)
}

// ElapsedMillis returns raw monotonic milliseconds since the process epoch,
// unaffected by peer offset corrections. Never goes backward. All deadlines,
// timeouts and retry schedules are expressed in this time base.
func (c *Clock) ElapsedMillis() int64 {
	return int64(time.Since(c.epoch) / time.Millisecond)
}

// SetOffset replaces the peer clock offset. Called by the time
// synchronization engine when a full correction is applied at once.
func (c *Clock) SetOffset(offset time.Duration) {
	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()
}

// AdjustOffset adds delta to the current peer offset. The time
// synchronization engine uses this to spread a large correction over several
// hop intervals instead of shifting the schedule all at once.
func (c *Clock) AdjustOffset(delta time.Duration) {
	c.mu.Lock()
	c.offset += delta
	c.mu.Unlock()
}

// Offset returns the currently applied peer clock offset.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Deadline represents a point in raw monotonic time after which something has
// expired. Because it is checked with time.Since(), peer offset corrections
// and NTP wall clock jumps cannot cause premature or delayed expiration.
// The time synchronization engine bounds its outstanding challenge with one.
//
// Deadline is safe for concurrent use by multiple goroutines.
type Deadline struct {
	mu        sync.RWMutex
	createdAt time.Time
	lifetime  time.Duration
}

// NewDeadline creates a Deadline that expires after the given lifetime.
// Panics if lifetime is negative.
func NewDeadline(lifetime time.Duration) *Deadline {
	if lifetime < 0 {
		panic("monotonic: negative lifetime")
	}
	return &Deadline{
		createdAt: time.Now(),
		lifetime:  lifetime,
	}
}

// IsExpired returns true if the deadline has passed.
func (d *Deadline) IsExpired() bool {
	d.mu.RLock()
	lifetime := d.lifetime
	d.mu.RUnlock()
	return time.Since(d.createdAt) >= lifetime
}

// Remaining returns the time left until expiration, or zero if already
// expired.
func (d *Deadline) Remaining() time.Duration {
	d.mu.RLock()
	lifetime := d.lifetime
	d.mu.RUnlock()
	remaining := lifetime - time.Since(d.createdAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Elapsed returns how much time has passed since the deadline was created.
func (d *Deadline) Elapsed() time.Duration {
	return time.Since(d.createdAt)
}

// Extend adds additional time to the deadline's lifetime. Panics if the
// extension is negative.
func (d *Deadline) Extend(additional time.Duration) {
	if additional < 0 {
		panic("monotonic: negative extension")
	}
	d.mu.Lock()
	d.lifetime += additional
	d.mu.Unlock()
}
