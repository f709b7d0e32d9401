package reactive

import "sync/atomic"

// globalIDCounter is the source of unique IDs for cells and listeners.
var globalIDCounter atomic.Uint64

// NextID returns the next unique ID. IDs are never reused.
func NextID() uint64 {
	return globalIDCounter.Add(1)
}
