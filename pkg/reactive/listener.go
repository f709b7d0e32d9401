package reactive

// Source is a cell that can cause notifications.
type Source interface {
	// ID returns the unique identifier of the cell.
	ID() uint64
}

// Subscribable is a Source that listeners can subscribe to.
type Subscribable interface {
	Source

	// Subscribe registers l. Subscribing the same listener ID twice is a no-op.
	Subscribe(l Listener) Unsubscribe

	// Unsubscribe removes l and runs its pending Disposer.
	Unsubscribe(l Listener)
}

// Listener is notified when a cell it subscribes to changes.
type Listener interface {
	// ID identifies the listener. Subscriptions are deduplicated by ID.
	ID() uint64

	// OnChange is called once per change of src. The returned Disposer, if
	// non-nil, runs before the next notification from src or when the
	// subscription ends.
	OnChange(src Source) Disposer
}

// Disposer releases whatever a notification acquired. A nil Disposer means
// there is nothing to release.
type Disposer func()

// Unsubscribe ends a subscription. Calling it more than once is safe.
type Unsubscribe func()

// Tracker records dependencies during a render pass. Cells pass themselves
// to Track when read through Get.
type Tracker interface {
	Track(src Subscribable)
}

type listenerFunc struct {
	id uint64
	fn func(Source) Disposer
}

// NewListener wraps fn in a Listener with a fresh ID.
func NewListener(fn func(src Source) Disposer) Listener {
	return &listenerFunc{id: NextID(), fn: fn}
}

func (l *listenerFunc) ID() uint64 { return l.id }

func (l *listenerFunc) OnChange(src Source) Disposer {
	return l.fn(src)
}
