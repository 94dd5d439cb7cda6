// Package observable provides a value that notifies subscribers on every replacement.
package observable

import "sync"

// Value holds the latest T and a registry of subscriber callbacks.
//
// Set calls every subscriber with the new value, in subscription order.
// Publishes are serialized, so subscribers observe values in Set order.
// Callbacks must not call Set on the same Value.
type Value[T any] struct {
	mu      sync.RWMutex
	current T
	subs    map[uint64]func(T)
	order   []uint64
	nextID  uint64

	publishMu sync.Mutex
}

// New returns a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{current: initial, subs: make(map[uint64]func(T))}
}

// Get returns the current value without subscribing.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set replaces the current value and notifies subscribers.
func (v *Value[T]) Set(val T) {
	v.publishMu.Lock()
	defer v.publishMu.Unlock()

	v.mu.Lock()
	v.current = val
	callbacks := make([]func(T), 0, len(v.order))
	for _, id := range v.order {
		callbacks = append(callbacks, v.subs[id])
	}
	v.mu.Unlock()

	for _, fn := range callbacks {
		fn(val)
	}
}

// Subscribe registers fn for future values. The current value is not replayed.
// The returned function removes the subscription; calling it again is a no-op.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = fn
	v.order = append(v.order, id)
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subs, id)
			for i, sid := range v.order {
				if sid == id {
					v.order = append(v.order[:i], v.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (v *Value[T]) Subscribers() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.subs)
}
