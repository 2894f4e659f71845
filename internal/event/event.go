// Package event provides typed listener lists scoped to the object that owns
// them. Each vocabulary (pool events, side-channel frames, ...) gets its own
// Emitter instantiation, so listeners are checked at compile time.
package event

import (
	"sync"
)

type entry[E any] struct {
	id uint64
	fn func(E)
}

// Emitter is a list of listeners for events of type E. The zero value is
// ready to use.
type Emitter[E any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []entry[E]
}

// On registers fn and returns a function that unregisters it. Calling the
// returned function more than once is harmless.
func (e *Emitter[E]) On(fn func(E)) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, entry[E]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.off(id) })
	}
}

func (e *Emitter[E]) off(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call, in
// registration order. Listeners run on the caller's goroutine and may
// register or unregister listeners themselves.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.Lock()
	snapshot := e.listeners
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(ev)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[E]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Clear unregisters every listener.
func (e *Emitter[E]) Clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}
