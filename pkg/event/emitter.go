// Package event provides a small typed publish/subscribe utility that
// components embed by composition to expose their notifications.
package event

import "sync"

// Emitter dispatches values of type T to subscribed listeners.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// On subscribes fn and returns a function removing the subscription.
// Calling the returned function more than once is a no-op.
func (e *Emitter[T]) On(fn func(T)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.off(id) })
	}
}

func (e *Emitter[T]) off(id uint64) {
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
// subscription order. Listeners run on the caller's goroutine without any
// emitter lock held, so they may subscribe, unsubscribe or emit again.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := e.listeners
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

// Len returns the number of active listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Clear removes every listener.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}
