package bus

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestEmitCallsSlotsInRegistrationOrder(t *testing.T) {
	t.Parallel()
	sig := New()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		sig.Connect(func(_, _ any) { got = append(got, i) })
	}

	sig.Emit(sig, nil)

	if len(got) != 5 {
		t.Fatalf("called %d slots, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("slot order %v, want ascending", got)
			break
		}
	}
}

func TestEmitPassesSenderAndPayload(t *testing.T) {
	t.Parallel()
	sig := New()

	var gotSender, gotData any
	sig.Connect(func(sender, data any) {
		gotSender, gotData = sender, data
	})

	sender := "me"
	sig.Emit(sender, 42)

	if gotSender != any(sender) {
		t.Errorf("sender = %v, want %v", gotSender, sender)
	}
	if gotData != any(42) {
		t.Errorf("data = %v, want 42", gotData)
	}
}

func TestEmitReturnValue(t *testing.T) {
	t.Parallel()

	sig := New()
	if sig.Emit(sig, nil) {
		t.Error("Emit with no slots should return false")
	}

	sub := sig.Connect(func(_, _ any) { panic("boom") })
	if sig.Emit(sig, nil) {
		t.Error("Emit with only a panicking slot should return false")
	}
	sub.Close()

	sig.Connect(func(_, _ any) {})
	if !sig.Emit(sig, nil) {
		t.Error("Emit with a healthy slot should return true")
	}
}

func TestPanicDoesNotStopOtherSlots(t *testing.T) {
	t.Parallel()
	sig := New()

	var errCount atomic.Int32
	errSub := ErrorSignal.Connect(func(sender, data any) {
		if sender == any(sig) {
			if _, ok := data.(SlotError); !ok {
				t.Errorf("error payload = %T, want SlotError", data)
			}
			errCount.Add(1)
		}
	})
	defer errSub.Close()

	called := false
	sig.Connect(func(_, _ any) { panic("first slot broken") })
	sig.Connect(func(_, _ any) { called = true })

	sig.Emit(sig, nil)

	if !called {
		t.Error("second slot was not called after first panicked")
	}
	if errCount.Load() != 1 {
		t.Errorf("ErrorSignal fired %d times, want 1", errCount.Load())
	}
}

func TestReentrantEmit(t *testing.T) {
	t.Parallel()
	outer := New()
	inner := New()

	innerRan := false
	inner.Connect(func(_, _ any) { innerRan = true })
	outer.Connect(func(_, _ any) { inner.Emit(outer, nil) })

	done := make(chan struct{})
	go func() {
		outer.Emit(outer, nil)
		close(done)
	}()
	<-done

	if !innerRan {
		t.Error("nested emit did not run")
	}
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	sig := New()

	calls := 0
	sub := sig.Connect(func(_, _ any) { calls++ })
	sig.Emit(sig, nil)
	sub.Close()
	sig.Emit(sig, nil)
	sub.Close() // idempotent

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if sig.Len() != 0 {
		t.Errorf("Len = %d after disconnect, want 0", sig.Len())
	}
}

func TestZeroSubscriptionCloseIsNoop(t *testing.T) {
	t.Parallel()
	var sub Subscription
	sub.Close()
}

func TestConnectDuringEmit(t *testing.T) {
	t.Parallel()
	sig := New()

	lateCalls := 0
	sig.Connect(func(_, _ any) {
		sig.Connect(func(_, _ any) { lateCalls++ })
	})

	// the slot connected mid-emit must not run in the same emit
	sig.Emit(sig, nil)
	if lateCalls != 0 {
		t.Errorf("late slot ran %d times during the emit it was added in", lateCalls)
	}

	sig.Emit(sig, nil)
	if lateCalls != 1 {
		t.Errorf("late slot ran %d times, want 1", lateCalls)
	}
}

func TestEmitsAreSerializedAcrossGoroutines(t *testing.T) {
	t.Parallel()
	sig := New()

	var inside atomic.Int32
	sig.Connect(func(_, _ any) {
		if !inside.CompareAndSwap(0, 1) {
			t.Error("two goroutines inside slot code at once")
		}
		inside.Store(0)
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				sig.Emit(sig, i)
			}
		}()
	}
	wg.Wait()
}
