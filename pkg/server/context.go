package server

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/vango-dev/shiny/pkg/reactive"
)

// Ctx is the render context passed to render functions. It is the
// dependency tracker for cells read during the pass and the place where
// call sites, handlers, hooks and tasks are registered.
//
// A Ctx built by Session.PageContext has no instance: cells read through it
// are plain reads and mounts create new top-level instances.
type Ctx struct {
	ctx      context.Context
	session  *Session
	instance *ComponentInstance
	pass     *renderPass
}

// renderPass is the state of one Invoke.
type renderPass struct {
	generation uint64
	slot       int
	handlerSeq int
	handlers   map[string]handlerEntry
	tracked    map[uint64]struct{}
	mounts     []func() reactive.Disposer
	unmounts   []func()
	updates    []updateHook
	tasks      []*Task
	done       bool
}

type updateHook struct {
	src reactive.Subscribable
	fn  func(src reactive.Source) reactive.Disposer
}

type handlerEntry struct {
	event   string
	handler Handler
}

func newRenderPass(generation uint64) *renderPass {
	return &renderPass{
		generation: generation,
		handlers:   make(map[string]handlerEntry),
		tracked:    make(map[uint64]struct{}),
	}
}

// Context returns the context of the current pass.
func (c *Ctx) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Session returns the owning session.
func (c *Ctx) Session() *Session {
	return c.session
}

// Instance returns the rendering instance, or nil for a page context.
func (c *Ctx) Instance() *ComponentInstance {
	return c.instance
}

// InstanceID returns the ID of the rendering instance, or "".
func (c *Ctx) InstanceID() string {
	if c.instance == nil {
		return ""
	}
	return c.instance.key
}

// Logger returns a logger scoped to the session and instance.
func (c *Ctx) Logger() *slog.Logger {
	if c.instance != nil {
		return c.instance.logger
	}
	if c.session != nil {
		return c.session.logger
	}
	return slog.Default()
}

func (c *Ctx) rendering() bool {
	return c.instance != nil && c.pass != nil && !c.pass.done
}

// Track subscribes the rendering instance to src. Cells call it from Get.
func (c *Ctx) Track(src reactive.Subscribable) {
	if !c.rendering() {
		c.Logger().Debug("cell read outside a render pass", "cell_id", src.ID())
		return
	}
	c.pass.tracked[src.ID()] = struct{}{}
	c.instance.trackSource(src, false)
}

// On registers h for the DOM event named event and returns the binding to
// place on the element. Handler IDs are unique to the pass, so bindings from
// an earlier pass stop resolving once a new pass succeeds.
func (c *Ctx) On(event string, h Handler) EventBinding {
	if !c.rendering() {
		c.Logger().Warn("event handler registered outside a render pass", "event", event)
		return EventBinding{Event: event}
	}
	p := c.pass
	id := fmt.Sprintf("%s-%d-%d", event, p.generation, p.handlerSeq)
	p.handlerSeq++
	p.handlers[id] = handlerEntry{event: event, handler: h}
	return EventBinding{Event: event, HandlerID: id, InstanceID: c.instance.key}
}

// OnMount registers fn to run after the first successful render. The
// returned Disposer, if any, runs when the instance is destroyed. Calls made
// on later passes are ignored.
func (c *Ctx) OnMount(fn func() reactive.Disposer) {
	if !c.rendering() || c.instance.hasRendered {
		return
	}
	c.pass.mounts = append(c.pass.mounts, fn)
}

// OnUnmount registers fn to run when the instance is destroyed. Calls made
// on later passes are ignored.
func (c *Ctx) OnUnmount(fn func()) {
	if !c.rendering() || c.instance.hasRendered {
		return
	}
	c.pass.unmounts = append(c.pass.unmounts, fn)
}

// OnUpdate registers fn to run on every change of src while the instance is
// mounted. The subscription is made once, after the first successful render,
// and ends when the instance is destroyed. The Disposer fn returns runs
// before its next call. Calls made on later passes are ignored.
func (c *Ctx) OnUpdate(src reactive.Subscribable, fn func(src reactive.Source) reactive.Disposer) {
	if !c.rendering() || c.instance.hasRendered {
		return
	}
	c.pass.updates = append(c.pass.updates, updateHook{src: src, fn: fn})
}

// Go runs fn in a new goroutine owned by the instance. Its context is
// cancelled, and the goroutine awaited, when the instance is destroyed.
func (c *Ctx) Go(fn func(ctx context.Context)) *Task {
	if c.instance == nil {
		c.Logger().Warn("background task started without an instance")
		return finishedTask()
	}
	t := c.instance.startTask(fn)
	if c.rendering() {
		c.pass.tasks = append(c.pass.tasks, t)
	}
	return t
}

// Interval calls fn every d until the instance is destroyed.
func (c *Ctx) Interval(d time.Duration, fn func(ctx context.Context)) *Task {
	return c.Go(func(ctx context.Context) {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// After calls fn once after d unless the instance is destroyed first.
func (c *Ctx) After(d time.Duration, fn func(ctx context.Context)) *Task {
	return c.Go(func(ctx context.Context) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			fn(ctx)
		}
	})
}

// UseValue returns the reactive cell of the next call site, created with
// initial on the first pass.
func UseValue[T any](c *Ctx, initial T) *reactive.Value[T] {
	s := c.useSlot(slotValue, reflect.TypeFor[T](), func() *slot {
		v := reactive.NewValue(initial)
		return &slot{cell: v, destroy: v.Destroy}
	})
	if s == nil {
		return reactive.NewValue(initial)
	}
	return s.cell.(*reactive.Value[T])
}

// UseStable returns the stable cell of the next call site. Stable cells keep
// their value across passes but never cause a render.
func UseStable[T any](c *Ctx, initial T) *reactive.StableValue[T] {
	s := c.useSlot(slotStable, reflect.TypeFor[T](), func() *slot {
		v := reactive.NewStableValue(initial)
		return &slot{cell: v, destroy: v.Destroy}
	})
	if s == nil {
		return reactive.NewStableValue(initial)
	}
	return s.cell.(*reactive.StableValue[T])
}

// useSlot advances the call-site cursor. It returns nil outside a render
// pass and panics with ErrStaleCallSite when the slot does not match the
// first successful pass; Invoke turns the panic into a failed render.
func (c *Ctx) useSlot(kind slotKind, key any, create func() *slot) *slot {
	if !c.rendering() {
		c.Logger().Warn("call site used outside a render pass; the cell is not kept", "kind", kind.String())
		return nil
	}
	inst, p := c.instance, c.pass
	idx := p.slot
	p.slot++

	if idx < len(inst.slots) {
		s := inst.slots[idx]
		if s.kind != kind || s.key != key {
			panic(staleCallSite(inst.key, idx, "want %s %v, have %s %v", kind, key, s.kind, s.key))
		}
		return s
	}
	if inst.hasRendered {
		panic(staleCallSite(inst.key, idx, "%s %v was not used by the first render", kind, key))
	}

	s := create()
	s.kind = kind
	s.key = key
	inst.slots = append(inst.slots, s)
	return s
}
