package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/shiny/pkg/reactive"
)

// InstanceID identifies a component instance within its session.
type InstanceID struct {
	Template string
	Seq      uint64
}

// String renders the ID as used in outlets and protocol messages.
func (id InstanceID) String() string {
	return fmt.Sprintf("%s-%d", id.Template, id.Seq)
}

type renderFunc func(c *Ctx, args any) (any, error)

type slotKind uint8

const (
	slotValue slotKind = iota + 1
	slotStable
	slotChild
)

func (k slotKind) String() string {
	switch k {
	case slotValue:
		return "value"
	case slotStable:
		return "stable value"
	case slotChild:
		return "child"
	default:
		return "unknown"
	}
}

// slot is the record of one call site.
type slot struct {
	kind    slotKind
	key     any // cell type, or "template:<id>" for children
	cell    any
	child   *ComponentInstance
	destroy func()
}

type source struct {
	src    reactive.Subscribable
	pinned bool // subscribed explicitly, kept across passes
}

// ComponentInstance is one mounted dynamic function. It implements
// reactive.Listener: cells it read during its last pass notify it.
type ComponentInstance struct {
	id         InstanceID
	key        string
	listenerID uint64
	session    *Session
	parent     *ComponentInstance
	render     renderFunc
	lazy       bool
	logger     *slog.Logger

	// ctx is the parent of every task context; cancelled on destroy.
	ctx    context.Context
	cancel context.CancelFunc

	// Render state, guarded by renderMu.
	renderMu     sync.Mutex
	args         any
	slots        []*slot
	hasRendered  bool
	renders      uint64
	lastArtifact any
	unmountHooks []func()

	mu             sync.Mutex
	handlers       map[string]handlerEntry
	sources        map[uint64]source
	tasks          map[*Task]struct{}
	mountDisposers []reactive.Disposer
	updateSubs     []reactive.Unsubscribe

	destroyed atomic.Bool
}

func newComponentInstance(id InstanceID, s *Session, fn renderFunc, args any, lazy bool, parent *ComponentInstance) *ComponentInstance {
	ctx, cancel := context.WithCancel(context.Background())
	key := id.String()
	return &ComponentInstance{
		id:         id,
		key:        key,
		listenerID: reactive.NextID(),
		session:    s,
		parent:     parent,
		render:     fn,
		lazy:       lazy,
		args:       args,
		logger:     s.logger.With("instance_id", key),
		ctx:        ctx,
		cancel:     cancel,
		handlers:   make(map[string]handlerEntry),
		sources:    make(map[uint64]source),
		tasks:      make(map[*Task]struct{}),
	}
}

// ID returns the listener ID under which c subscribes to cells.
func (c *ComponentInstance) ID() uint64 {
	return c.listenerID
}

// InstanceID returns the structured instance ID.
func (c *ComponentInstance) InstanceID() InstanceID {
	return c.id
}

// Key returns the instance ID string used on the wire.
func (c *ComponentInstance) Key() string {
	return c.key
}

// Session returns the owning session.
func (c *ComponentInstance) Session() *Session {
	return c.session
}

// Parent returns the instance that mounted c, or nil.
func (c *ComponentInstance) Parent() *ComponentInstance {
	return c.parent
}

// HasRendered reports whether a render pass has succeeded.
func (c *ComponentInstance) HasRendered() bool {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	return c.hasRendered
}

// LastArtifact returns the artifact of the last successful pass.
func (c *ComponentInstance) LastArtifact() any {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	return c.lastArtifact
}

// IsDestroyed reports whether Destroy has been called.
func (c *ComponentInstance) IsDestroyed() bool {
	return c.destroyed.Load()
}

// HandlerIDs returns the handler IDs registered by the last successful pass.
func (c *ComponentInstance) HandlerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	return ids
}

func (c *ComponentInstance) setArgs(args any) {
	c.renderMu.Lock()
	c.args = args
	c.renderMu.Unlock()
}

// OnChange schedules a re-render through the session.
func (c *ComponentInstance) OnChange(src reactive.Source) reactive.Disposer {
	if c.destroyed.Load() {
		return nil
	}
	c.session.cellChanged(c, src)
	return nil
}

// Invoke runs one render pass and returns its artifact. On the first
// successful pass the mount hooks run, in registration order, after the
// pass has completed.
//
// A pass that returns an error, panics or breaks call-site order fails with
// a *RenderError. The handler table, slots and last artifact of the previous
// successful pass stay in place.
func (c *ComponentInstance) Invoke(ctx context.Context) (any, error) {
	if c.destroyed.Load() {
		return nil, ErrInstanceDestroyed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	c.renderMu.Lock()
	c.session.passStarted()
	artifact, mounts, err := c.invokeLocked(ctx)
	c.session.passEnded()
	c.renderMu.Unlock()
	c.session.metrics.renderDone(start, err)

	if err == nil {
		c.runMountHooks(mounts)
	}
	// Deliver changes made by the pass or its hooks.
	_ = c.session.flush(context.Background(), nil)

	if err != nil {
		return nil, err
	}
	return artifact, nil
}

func (c *ComponentInstance) invokeLocked(ctx context.Context) (any, []func() reactive.Disposer, error) {
	if c.destroyed.Load() {
		return nil, nil, ErrInstanceDestroyed
	}

	pass := newRenderPass(c.renders + 1)
	base := len(c.slots)
	rc := &Ctx{ctx: ctx, session: c.session, instance: c, pass: pass}

	artifact, err := c.execute(rc)
	if err == nil && c.hasRendered && pass.slot != len(c.slots) {
		err = &RenderError{
			Instance: c.key,
			Err:      staleCallSite(c.key, pass.slot, "pass used %d call sites, first render used %d", pass.slot, len(c.slots)),
		}
	}
	pass.done = true

	if err != nil {
		c.rollback(pass, base)
		return nil, nil, err
	}

	c.renders = pass.generation
	c.lastArtifact = artifact

	c.mu.Lock()
	c.handlers = pass.handlers
	for id, s := range c.sources {
		if _, read := pass.tracked[id]; !read && !s.pinned {
			delete(c.sources, id)
			s.src.Unsubscribe(c)
		}
	}
	c.mu.Unlock()

	var mounts []func() reactive.Disposer
	if !c.hasRendered {
		c.hasRendered = true
		mounts = pass.mounts
		c.unmountHooks = pass.unmounts
		c.subscribeUpdates(pass.updates)
	}
	return artifact, mounts, nil
}

// execute runs the render function, converting panics to errors.
func (c *ComponentInstance) execute(rc *Ctx) (artifact any, err error) {
	defer func() {
		if r := recover(); r != nil {
			rerr := &RenderError{Instance: c.key, Panic: r, Stack: debug.Stack()}
			if e, ok := r.(error); ok {
				rerr.Err = e
			}
			err = rerr
		}
	}()

	artifact, err = c.render(rc, c.args)
	if err != nil {
		return nil, &RenderError{Instance: c.key, Err: err}
	}
	return artifact, nil
}

// rollback undoes what a failed pass created: slots opened after base and
// tasks started during the pass.
func (c *ComponentInstance) rollback(pass *renderPass, base int) {
	for _, t := range pass.tasks {
		t.Cancel()
	}
	if len(c.slots) > base {
		created := c.slots[base:]
		c.slots = c.slots[:base]
		for i := len(created) - 1; i >= 0; i-- {
			created[i].destroy()
		}
	}
}

// subscribeUpdates subscribes one listener per OnUpdate hook. The listeners
// live until Destroy.
func (c *ComponentInstance) subscribeUpdates(hooks []updateHook) {
	for _, h := range hooks {
		l := reactive.NewListener(func(src reactive.Source) (d reactive.Disposer) {
			if c.destroyed.Load() {
				return nil
			}
			c.safeCall("update hook", func() { d = h.fn(src) })
			return d
		})
		unsubscribe := h.src.Subscribe(l)

		c.mu.Lock()
		c.updateSubs = append(c.updateSubs, unsubscribe)
		c.mu.Unlock()
	}
}

func (c *ComponentInstance) runMountHooks(mounts []func() reactive.Disposer) {
	for _, fn := range mounts {
		if c.destroyed.Load() {
			return
		}
		d := c.safeMount(fn)
		if d == nil {
			continue
		}

		c.mu.Lock()
		if c.destroyed.Load() {
			c.mu.Unlock()
			c.safeCall("mount disposer", d)
			continue
		}
		c.mountDisposers = append(c.mountDisposers, d)
		c.mu.Unlock()
	}
}

func (c *ComponentInstance) safeMount(fn func() reactive.Disposer) (d reactive.Disposer) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("mount hook panic", "panic", r, "stack", string(debug.Stack()))
			d = nil
		}
	}()
	return fn()
}

func (c *ComponentInstance) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(what+" panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// trackSource subscribes c to src. Pinned sources survive passes that do not
// read them.
func (c *ComponentInstance) trackSource(src reactive.Subscribable, pinned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed.Load() {
		return
	}
	id := src.ID()
	if existing, ok := c.sources[id]; ok {
		if pinned && !existing.pinned {
			c.sources[id] = source{src: src, pinned: true}
		}
		return
	}
	c.sources[id] = source{src: src, pinned: pinned}
	src.Subscribe(c)
}

func (c *ComponentInstance) forgetSource(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, id)
}

// SourceCount returns the number of cells c is subscribed to.
func (c *ComponentInstance) SourceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

func (c *ComponentInstance) startTask(fn func(ctx context.Context)) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed.Load() {
		return finishedTask()
	}
	t := runTask(c.ctx, c.logger, fn, c.taskExited)
	c.tasks[t] = struct{}{}
	return t
}

func (c *ComponentInstance) taskExited(t *Task) {
	c.mu.Lock()
	delete(c.tasks, t)
	c.mu.Unlock()
}

// Dispatch runs the handler registered under handlerID by the last
// successful pass.
func (c *ComponentInstance) Dispatch(ctx context.Context, handlerID string, payload json.RawMessage) error {
	if c.destroyed.Load() {
		return ErrUnknownInstance
	}

	c.mu.Lock()
	entry, ok := c.handlers[handlerID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownHandler
	}

	return c.runHandler(entry, Event{
		Context:   ctx,
		Name:      entry.event,
		HandlerID: handlerID,
		Payload:   payload,
		Session:   c.session,
		Instance:  c,
	})
}

func (c *ComponentInstance) runHandler(entry handlerEntry, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			herr := &HandlerError{Instance: c.key, Handler: ev.HandlerID, Panic: r, Stack: debug.Stack()}
			if e, ok := r.(error); ok {
				herr.Err = e
			}
			err = herr
		}
	}()

	if err := entry.handler(ev); err != nil {
		return &HandlerError{Instance: c.key, Handler: ev.HandlerID, Err: err}
	}
	return nil
}

// Destroy cancels the instance's tasks, ends its OnUpdate subscriptions,
// runs mount disposers in reverse and unmount hooks in registration order,
// drops every subscription and destroys the cells and children it owns.
// Destroy is idempotent.
func (c *ComponentInstance) Destroy() {
	if c.destroyed.Swap(true) {
		return
	}

	c.cancel()
	c.mu.Lock()
	tasks := make([]*Task, 0, len(c.tasks))
	for t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.tasks = make(map[*Task]struct{})
	disposers := c.mountDisposers
	c.mountDisposers = nil
	c.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}

	// Wait for an in-flight pass.
	c.renderMu.Lock()
	c.mu.Lock()
	updateSubs := c.updateSubs
	c.updateSubs = nil
	c.mu.Unlock()
	for _, unsubscribe := range updateSubs {
		unsubscribe()
	}
	for i := len(disposers) - 1; i >= 0; i-- {
		c.safeCall("mount disposer", disposers[i])
	}
	for _, fn := range c.unmountHooks {
		c.safeCall("unmount hook", fn)
	}
	c.unmountHooks = nil

	c.mu.Lock()
	sources := c.sources
	c.sources = make(map[uint64]source)
	c.handlers = make(map[string]handlerEntry)
	c.mu.Unlock()
	for _, s := range sources {
		s.src.Unsubscribe(c)
	}

	slots := c.slots
	c.slots = nil
	c.renderMu.Unlock()

	for _, s := range slots {
		s.destroy()
	}

	c.session.forgetInstance(c)
	c.logger.Debug("instance destroyed")
}
