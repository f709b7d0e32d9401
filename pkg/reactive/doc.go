// Package reactive provides the reactive cells of the shiny runtime.
//
// A Value is a reactive memory location. Reading it with Get during a render
// pass subscribes the rendering component, and every Set that changes the
// value notifies the subscribers:
//
//	count := reactive.NewValue(0)
//	count.Get(tracker) // read and subscribe the tracker's component
//	count.Peek()       // read without a dependency
//	count.Set(5)       // notify subscribers
//
// A StableValue keeps a value across re-renders without ever causing one.
//
// # Notifications
//
// A listener may return a Disposer from OnChange. The runtime runs it before
// the next notification of the same cell, or when the subscription ends.
//
// # Thread Safety
//
// All cells are safe for concurrent use. Notifications of a single cell are
// delivered in the order of the Set calls that caused them; there is no
// ordering between different cells.
package reactive
