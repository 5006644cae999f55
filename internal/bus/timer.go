package bus

import (
	"sync"
	"time"
)

// Timer is a Signal with a scheduled trigger: it emits on itself (nil
// payload) every interval, or once when one-shot. Firing happens from a
// background timer goroutine and therefore serializes against all other
// emits through the bus lock.
type Timer struct {
	*Signal

	interval time.Duration
	oneShot  bool

	mu       sync.Mutex
	canceled bool
	timer    *time.Timer
}

// NewTimer creates a timer and schedules its first trigger.
func NewTimer(interval time.Duration, oneShot bool) *Timer {
	t := &Timer{
		Signal:   New(),
		interval: interval,
		oneShot:  oneShot,
	}
	t.mu.Lock()
	t.start()
	t.mu.Unlock()
	return t
}

// start schedules the next trigger. Caller must hold t.mu.
func (t *Timer) start() {
	t.timer = time.AfterFunc(t.interval, t.fire)
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.Emit(t, nil)

	t.mu.Lock()
	if !t.canceled && !t.oneShot {
		t.start()
	}
	t.mu.Unlock()
}

// Cancel stops the timer. Idempotent; a canceled timer never emits again.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return
	}
	t.canceled = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
