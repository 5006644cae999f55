package bus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerFiresRepeatedly(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	tm := NewTimer(10*time.Millisecond, false)
	defer tm.Cancel()
	tm.Connect(func(sender, _ any) {
		if sender != any(tm) {
			t.Error("timer did not emit on itself")
		}
		fires.Add(1)
	})

	time.Sleep(100 * time.Millisecond)
	if fires.Load() < 2 {
		t.Errorf("timer fired %d times in 100ms, want >= 2", fires.Load())
	}
}

func TestTimerOneShot(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	tm := NewTimer(10*time.Millisecond, true)
	defer tm.Cancel()
	tm.Connect(func(_, _ any) { fires.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if fires.Load() != 1 {
		t.Errorf("one-shot timer fired %d times, want 1", fires.Load())
	}
}

func TestTimerCancel(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	tm := NewTimer(20*time.Millisecond, false)
	tm.Connect(func(_, _ any) { fires.Add(1) })

	tm.Cancel()
	tm.Cancel() // idempotent

	time.Sleep(80 * time.Millisecond)
	if fires.Load() != 0 {
		t.Errorf("canceled timer fired %d times", fires.Load())
	}
}
