package reactive

import (
	"log/slog"
	"reflect"
	"sync"
)

// subscription is one listen relationship of a Value.
type subscription struct {
	listener Listener

	// dispose is the Disposer returned by the last notification.
	dispose Disposer

	// active is false once the subscription has been removed.
	active bool
}

// Value is a reactive cell. Reading it during a render pass subscribes the
// rendering component; every change notifies all subscribers.
type Value[T any] struct {
	id uint64

	// mu protects value and previous.
	mu          sync.RWMutex
	value       T
	previous    T
	hasPrevious bool

	// equal decides whether a Set changes the value. nil uses defaultEquals.
	equal func(T, T) bool

	// subMu protects subs and destroyed.
	subMu     sync.Mutex
	subs      []*subscription
	destroyed bool

	// notifyMu protects the serial notification drain.
	notifyMu sync.Mutex
	pending  int
	draining bool
}

var _ Subscribable = (*Value[int])(nil)

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		id:    NextID(),
		value: initial,
	}
}

// ID returns the unique identifier for this cell.
func (v *Value[T]) ID() uint64 {
	return v.id
}

// WithEquals configures a custom equality function and returns the cell.
func (v *Value[T]) WithEquals(fn func(T, T) bool) *Value[T] {
	v.mu.Lock()
	v.equal = fn
	v.mu.Unlock()
	return v
}

// Get returns the current value. When t is non-nil the read is tracked, so
// the component rendering through t re-renders when the value changes.
// A nil tracker degrades to Peek.
func (v *Value[T]) Get(t Tracker) T {
	v.mu.RLock()
	value := v.value
	v.mu.RUnlock()

	if t == nil {
		slog.Debug("reactive: untracked read outside a render pass", "cell_id", v.id)
		return value
	}
	t.Track(v)
	return value
}

// Peek returns the current value without creating a dependency.
func (v *Value[T]) Peek() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Previous returns the value before the last change, if there was one.
func (v *Value[T]) Previous() (T, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.previous, v.hasPrevious
}

// Set stores value and notifies subscribers. Setting a value equal to the
// current one does nothing.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	if v.equals(v.value, value) {
		v.mu.Unlock()
		return
	}
	v.previous = v.value
	v.hasPrevious = true
	v.value = value
	drain := v.enqueueNotification()
	v.mu.Unlock()

	if drain {
		v.drain()
	}
}

// Update atomically replaces the value with fn(current).
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	next := fn(v.value)
	if v.equals(v.value, next) {
		v.mu.Unlock()
		return
	}
	v.previous = v.value
	v.hasPrevious = true
	v.value = next
	drain := v.enqueueNotification()
	v.mu.Unlock()

	if drain {
		v.drain()
	}
}

// enqueueNotification records one pending notification. It reports whether
// the caller must run the drain. Called with v.mu held so notifications keep
// the order of the writes that caused them.
func (v *Value[T]) enqueueNotification() bool {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()
	v.pending++
	if v.draining {
		return false
	}
	v.draining = true
	return true
}

// drain delivers pending notifications one at a time until none are left.
// Sets made by listeners, or concurrently by other goroutines, are picked up
// by the running drain instead of recursing.
func (v *Value[T]) drain() {
	for {
		v.notifyMu.Lock()
		if v.pending == 0 {
			v.draining = false
			v.notifyMu.Unlock()
			return
		}
		v.pending--
		v.notifyMu.Unlock()

		v.notifySubscribers()
	}
}

// notifySubscribers runs the disposers of the previous notification, then
// calls every active listener once.
func (v *Value[T]) notifySubscribers() {
	v.subMu.Lock()
	if v.destroyed {
		v.subMu.Unlock()
		return
	}
	subs := make([]*subscription, len(v.subs))
	copy(subs, v.subs)
	var disposers []Disposer
	for _, s := range subs {
		if s.dispose != nil {
			disposers = append(disposers, s.dispose)
			s.dispose = nil
		}
	}
	v.subMu.Unlock()

	for _, d := range disposers {
		d()
	}

	for _, s := range subs {
		v.subMu.Lock()
		live := s.active && !v.destroyed
		v.subMu.Unlock()
		if !live {
			continue
		}

		d := s.listener.OnChange(v)
		if d == nil {
			continue
		}

		v.subMu.Lock()
		if s.active && !v.destroyed {
			s.dispose = d
			d = nil
		}
		v.subMu.Unlock()

		// The subscription ended while the listener ran.
		if d != nil {
			d()
		}
	}
}

// Subscribe registers l for change notifications. A listener whose ID is
// already subscribed is not added again.
func (v *Value[T]) Subscribe(l Listener) Unsubscribe {
	if l == nil {
		return func() {}
	}

	v.subMu.Lock()
	defer v.subMu.Unlock()

	unsubscribe := func() { v.Unsubscribe(l) }
	if v.destroyed {
		return func() {}
	}

	lid := l.ID()
	for _, s := range v.subs {
		if s.listener.ID() == lid {
			return unsubscribe
		}
	}
	v.subs = append(v.subs, &subscription{listener: l, active: true})
	return unsubscribe
}

// Unsubscribe removes l and runs the Disposer of its last notification.
func (v *Value[T]) Unsubscribe(l Listener) {
	if l == nil {
		return
	}

	var dispose Disposer

	v.subMu.Lock()
	lid := l.ID()
	for i, s := range v.subs {
		if s.listener.ID() == lid {
			s.active = false
			dispose = s.dispose
			s.dispose = nil
			v.subs = append(v.subs[:i], v.subs[i+1:]...)
			break
		}
	}
	v.subMu.Unlock()

	if dispose != nil {
		dispose()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (v *Value[T]) SubscriberCount() int {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	return len(v.subs)
}

// Destroy runs all pending disposers and drops every subscriber. Later Sets
// still store values but notify nobody. Destroy is idempotent.
func (v *Value[T]) Destroy() {
	v.subMu.Lock()
	if v.destroyed {
		v.subMu.Unlock()
		return
	}
	v.destroyed = true
	subs := v.subs
	v.subs = nil
	var disposers []Disposer
	for _, s := range subs {
		s.active = false
		if s.dispose != nil {
			disposers = append(disposers, s.dispose)
			s.dispose = nil
		}
	}
	v.subMu.Unlock()

	for _, d := range disposers {
		d()
	}
}

// IsDestroyed reports whether Destroy has been called.
func (v *Value[T]) IsDestroyed() bool {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	return v.destroyed
}

// equals checks a and b with the configured equality function.
func (v *Value[T]) equals(a, b T) bool {
	if v.equal != nil {
		return v.equal(a, b)
	}
	return defaultEquals(a, b)
}

// defaultEquals compares by value: == for common comparable kinds,
// reflect.DeepEqual for everything else, so two distinct instances with
// equal contents count as equal.
func defaultEquals[T any](a, b T) bool {
	switch av := any(a).(type) {
	case int:
		bv, ok := any(b).(int)
		return ok && av == bv
	case int64:
		bv, ok := any(b).(int64)
		return ok && av == bv
	case uint64:
		bv, ok := any(b).(uint64)
		return ok && av == bv
	case float64:
		bv, ok := any(b).(float64)
		return ok && av == bv
	case string:
		bv, ok := any(b).(string)
		return ok && av == bv
	case bool:
		bv, ok := any(b).(bool)
		return ok && av == bv
	default:
		return reflect.DeepEqual(a, b)
	}
}
