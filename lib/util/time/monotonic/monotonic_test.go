package monotonic

import (
	"testing"
	"time"
)

func TestElapsedMillisNeverGoesBackward(t *testing.T) {
	c := NewClock()
	last := c.ElapsedMillis()
	for i := 0; i < 1000; i++ {
		// Offset changes must not affect the raw reading.
		c.SetOffset(time.Duration(i-500) * time.Second)
		now := c.ElapsedMillis()
		if now < last {
			t.Fatalf("raw clock went backward: %d -> %d", last, now)
		}
		last = now
	}
}

func TestNowMillisReflectsOffset(t *testing.T) {
	c := NewClock()
	base := c.NowMillis()
	c.SetOffset(5 * time.Second)
	shifted := c.NowMillis()
	if diff := shifted - base; diff < 4900 || diff > 5100 {
		t.Errorf("expected ~5000ms shift, got %dms", diff)
	}
}

func TestNowMillisIsWallAnchored(t *testing.T) {
	// Independently constructed clocks must agree on protocol time to
	// within ordinary scheduling slop; the port schedule depends on it.
	a := NewClock()
	b := NewClock()
	if diff := a.NowMillis() - b.NowMillis(); diff < -1000 || diff > 1000 {
		t.Errorf("two fresh clocks disagree by %dms", diff)
	}
	if diff := a.NowMillis() - time.Now().UnixMilli(); diff < -1000 || diff > 1000 {
		t.Errorf("protocol time is %dms away from wall time", diff)
	}
}

func TestAdjustOffsetAccumulates(t *testing.T) {
	c := NewClock()
	c.AdjustOffset(100 * time.Millisecond)
	c.AdjustOffset(150 * time.Millisecond)
	if got := c.Offset(); got != 250*time.Millisecond {
		t.Errorf("expected 250ms accumulated offset, got %s", got)
	}
	c.AdjustOffset(-250 * time.Millisecond)
	if got := c.Offset(); got != 0 {
		t.Errorf("expected offset back to zero, got %s", got)
	}
}

func TestDeadlineExpiration(t *testing.T) {
	d := NewDeadline(10 * time.Millisecond)
	if d.IsExpired() {
		t.Fatal("deadline expired immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if !d.IsExpired() {
		t.Fatal("deadline did not expire")
	}
	if r := d.Remaining(); r != 0 {
		t.Errorf("expected zero remaining after expiry, got %s", r)
	}
}

func TestDeadlineExtend(t *testing.T) {
	d := NewDeadline(10 * time.Millisecond)
	d.Extend(time.Hour)
	time.Sleep(15 * time.Millisecond)
	if d.IsExpired() {
		t.Fatal("extended deadline expired early")
	}
}

func TestNewDeadlineNegativePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for negative lifetime")
		}
	}()
	NewDeadline(-time.Second)
}
