// Package server provides the server-side runtime for shiny's dynamic
// functions.
//
// A dynamic function is a render function declared with Dynamic. Every time
// a page or a parent render mounts it, the session creates a
// ComponentInstance with its own reactive cells, event handlers and
// lifecycle hooks. Cells read through the render Ctx during a render pass
// become dependencies of the instance: when one of them changes, the
// instance renders again and the new markup is pushed to the client.
//
// # Architecture
//
//   - ComponentInstance: one mounted dynamic function, its call-site slots,
//     handler table, hooks and background tasks
//   - Ctx: the render context passed explicitly to render functions
//   - Session: the instances of one browser tab, its channel and the
//     re-renders deferred until the channel is attached
//   - SessionManager: creation, lookup and periodic sweeping of sessions
//   - Outbox: the ordered delivery queue drained to a Channel
//   - Server: HTTP pages, the websocket endpoint and /metrics
//
// # Render passes
//
// Call sites are identified by the order in which a render function uses
// them, so UseValue, UseStable and child mounts must be reached in the same
// order on every pass:
//
//	var Counter = server.Dynamic("counter", func(c *server.Ctx, _ struct{}) (any, error) {
//	    count := server.UseValue(c, 0)
//	    click := c.On("click", func(server.Event) error {
//	        count.Update(func(n int) int { return n + 1 })
//	        return nil
//	    })
//	    return render.HTML(fmt.Sprintf(`<button %s>%d</button>`, click.Attrs(), count.Get(c))), nil
//	})
//
// A render that breaks this order fails with ErrStaleCallSite and leaves
// the previous output in place.
//
// # Delivery
//
// Cell changes never perform I/O. Changed instances wait in the session's
// re-render queue; a change made during a render pass is rendered after the
// pass ends. Results are queued on the session's Outbox and written to the
// channel by a single goroutine, so every client sees the messages of a
// session in the order they were produced. Changes
// that happen before the client connects are buffered per instance and
// flushed once the channel is attached.
package server
