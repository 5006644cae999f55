// Package bus provides the synchronous event bus the whole engine runs on.
//
// A Signal is a list of subscriber callbacks (slots) invoked in registration
// order by Emit. One process-wide reentrant lock serializes every Emit in
// the application: at any instant at most one goroutine is executing slot
// code, so slots reached through signal dispatch can touch shared engine
// state without further locking. The lock is reentrant, so a slot may emit
// further signals synchronously without deadlocking.
//
// Subscription is handle-based: Connect returns a token and the subscriber
// stays registered until the token is closed. This replaces the implicit
// lifetime tracking a weak-reference design would give — ownership of the
// token is ownership of the subscription.
//
// A slot that panics does not stop the remaining slots. Panics are caught,
// buffered for the duration of the emit, and republished on ErrorSignal
// after the slot loop; a panic raised while emitting ErrorSignal itself is
// written to the log sink instead to avoid recursion.
package bus

import (
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrorSignal receives a SlotError for every panic recovered during an
// emit, after the emit's slot loop has completed. It is itself a Signal,
// so subscribing works like anywhere else.
var ErrorSignal = New()

// emitLock is the process-wide reentrant lock serializing all emits.
var emitLock reentrantLock

// Slot is a subscriber callback. It receives the emitting object and the
// signal's payload. Slots must not block; a blocking slot stalls every
// emitter in the process.
type Slot func(sender, data any)

// SlotError is the payload published on ErrorSignal when a slot panics.
type SlotError struct {
	Recovered any
	Stack     string
}

func (e SlotError) Error() string {
	return fmt.Sprintf("slot panic: %v", e.Recovered)
}

type subscriber struct {
	id   uint64
	slot Slot
}

// Signal dispatches payloads to its connected slots synchronously.
// The zero value is not usable; create Signals with New.
type Signal struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID uint64
}

// New creates an empty Signal.
func New() *Signal {
	return &Signal{}
}

// Subscription identifies one Connect call. Closing it disconnects the
// slot; Close is idempotent and closing a zero Subscription is a no-op.
type Subscription struct {
	sig *Signal
	id  uint64
}

// Close disconnects the subscription's slot from its Signal.
func (s Subscription) Close() {
	if s.sig == nil {
		return
	}
	s.sig.mu.Lock()
	defer s.sig.mu.Unlock()
	s.sig.subs = slices.DeleteFunc(s.sig.subs, func(sub subscriber) bool {
		return sub.id == s.id
	})
}

// Connect registers a slot and returns the token that owns the
// registration. Slots are invoked in registration order.
func (s *Signal) Connect(slot Slot) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscriber{id: id, slot: slot})
	return Subscription{sig: s, id: id}
}

// Len returns the number of connected slots.
func (s *Signal) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Emit synchronously invokes every connected slot with (sender, data) and
// does not return before all of them ran. Only one goroutine in the whole
// process may be emitting at a time; concurrent emitters block until the
// lock is free. The same goroutine may reenter Emit from inside a slot.
// Returns true if at least one slot completed without panicking.
func (s *Signal) Emit(sender, data any) bool {
	emitLock.lock()
	defer emitLock.unlock()

	// Snapshot under the registration lock so slots may connect or
	// disconnect (even on this signal) while the loop runs.
	s.mu.Lock()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	sent := false
	var errors []SlotError
	for _, sub := range subs {
		if err := callSlot(sub.slot, sender, data); err != nil {
			errors = append(errors, *err)
		} else {
			sent = true
		}
	}

	for _, err := range errors {
		if s == ErrorSignal {
			slog.Error("panic in error-signal slot", "panic", err.Recovered, "stack", err.Stack)
		} else {
			ErrorSignal.Emit(s, err)
		}
	}
	return sent
}

func callSlot(slot Slot, sender, data any) (serr *SlotError) {
	defer func() {
		if r := recover(); r != nil {
			serr = &SlotError{Recovered: r, Stack: string(debug.Stack())}
		}
	}()
	slot(sender, data)
	return nil
}

// reentrantLock is a mutex that the owning goroutine may acquire
// recursively. Ownership is tracked by goroutine id; the id is read from
// the runtime stack header, the one stable way to name the current
// goroutine without threading a context through every slot call.
type reentrantLock struct {
	mu    sync.Mutex
	owner atomic.Int64 // goroutine id of the holder, 0 when free
	depth int
}

func (l *reentrantLock) lock() {
	id := goid()
	if l.owner.Load() == id {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner.Store(id)
	l.depth = 1
}

func (l *reentrantLock) unlock() {
	if l.owner.Load() != goid() {
		panic("bus: unlock by non-owner goroutine")
	}
	l.depth--
	if l.depth == 0 {
		l.owner.Store(0)
		l.mu.Unlock()
	}
}

var goroutinePrefix = []byte("goroutine ")

func goid() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// header: "goroutine 1234 [running]:"
	buf = bytes.TrimPrefix(buf, goroutinePrefix)
	i := bytes.IndexByte(buf, ' ')
	if i < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
