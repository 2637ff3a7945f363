package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var fired []int
	c.AfterFunc(20*time.Millisecond, func() { fired = append(fired, 2) })
	c.AfterFunc(10*time.Millisecond, func() { fired = append(fired, 1) })
	c.AfterFunc(time.Second, func() { fired = append(fired, 3) })

	c.Advance(50 * time.Millisecond)
	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Fatalf("unexpected firing order: %v", fired)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", c.Pending())
	}
	if got := c.Now().Sub(time.Unix(0, 0)); got != 50*time.Millisecond {
		t.Fatalf("expected clock at 50ms, got %v", got)
	}
}

func TestFake_StopAndReschedule(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(10*time.Millisecond, tick)
		}
	}
	c.AfterFunc(10*time.Millisecond, tick)
	c.Advance(100 * time.Millisecond)
	if count != 3 {
		t.Fatalf("expected 3 chained firings, got %d", count)
	}

	tm := c.AfterFunc(time.Second, func() { t.Fatalf("stopped timer fired") })
	if !tm.Stop() {
		t.Fatalf("expected Stop to report true")
	}
	if tm.Stop() {
		t.Fatalf("expected second Stop to report false")
	}
	c.Advance(2 * time.Second)
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}
