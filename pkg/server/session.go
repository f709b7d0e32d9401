package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/shiny/pkg/protocol"
	"github.com/vango-dev/shiny/pkg/reactive"
	"github.com/vango-dev/shiny/pkg/render"
)

// Session holds the component instances of one client and the channel
// their re-renders are delivered on.
type Session struct {
	// ID is the unique session identifier.
	ID string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	config     *SessionConfig
	serializer render.Serializer
	metrics    *Metrics
	logger     *slog.Logger
	clock      func() time.Time

	lastActive  atomic.Int64 // unix nanoseconds
	channelLost atomic.Bool
	closed      atomic.Bool

	mu         sync.Mutex
	channel    Channel
	outbox     *Outbox
	instances  map[string]*ComponentInstance
	seqs       map[string]uint64
	pending    []*ComponentInstance
	pendingSet map[string]struct{}

	// Re-renders waiting for the flusher, one entry per instance.
	queue    []*ComponentInstance
	queueSet map[string]struct{}
	flushing atomic.Bool
	passes   atomic.Int32 // render passes in progress
}

// NewSession creates a session that is not registered with a manager.
func NewSession(config *SessionConfig, logger *slog.Logger) *Session {
	return newSession(uuid.NewString(), config.withDefaults(), nil, nil, logger)
}

func newSession(id string, config *SessionConfig, serializer render.Serializer, metrics *Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if serializer == nil {
		serializer = render.Default
	}
	s := &Session{
		ID:         id,
		config:     config,
		serializer: serializer,
		metrics:    metrics,
		logger:     logger.With("session_id", id),
		clock:      time.Now,
		instances:  make(map[string]*ComponentInstance),
		seqs:       make(map[string]uint64),
		pendingSet: make(map[string]struct{}),
		queueSet:   make(map[string]struct{}),
	}
	s.CreatedAt = s.clock()
	s.lastActive.Store(s.CreatedAt.UnixNano())
	return s
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// PageContext returns a context for page-level rendering. Templates mounted
// through it become top-level instances of the session.
func (s *Session) PageContext(ctx context.Context) *Ctx {
	return &Ctx{ctx: ctx, session: s}
}

// Touch records client activity.
func (s *Session) Touch() {
	s.lastActive.Store(s.clock().UnixNano())
}

// LastActive returns the time of the last recorded client activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// IsActive reports whether the session still reacts to cell changes: it was
// created within the liveness window, or its channel is attached and open
// and saw activity within the window.
func (s *Session) IsActive(now time.Time) bool {
	if s.closed.Load() {
		return false
	}
	window := s.config.LivenessWindow
	if now.Sub(s.CreatedAt) <= window {
		return true
	}

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch == nil || !ch.IsOpen() || s.channelLost.Load() {
		return false
	}
	return now.Sub(s.LastActive()) <= window
}

// HasChannel reports whether a channel is attached.
func (s *Session) HasChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbox != nil
}

// InstanceCount returns the number of live instances.
func (s *Session) InstanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// PendingCount returns the number of re-renders waiting for a channel.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OutboxLen returns the number of messages waiting to be sent.
func (s *Session) OutboxLen() int {
	s.mu.Lock()
	outbox := s.outbox
	s.mu.Unlock()
	if outbox == nil {
		return 0
	}
	return outbox.Len()
}

// Instance looks up a live instance by its ID string.
func (s *Session) Instance(id string) (*ComponentInstance, error) {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok || inst.IsDestroyed() {
		return nil, NewSessionError(s.ID, "lookup instance "+id, ErrUnknownInstance)
	}
	return inst, nil
}

func (s *Session) newInstance(templateID string, fn renderFunc, args any, lazy bool, parent *ComponentInstance) *ComponentInstance {
	s.mu.Lock()
	s.seqs[templateID]++
	id := InstanceID{Template: templateID, Seq: s.seqs[templateID]}
	inst := newComponentInstance(id, s, fn, args, lazy, parent)
	closed := s.closed.Load()
	if !closed {
		s.instances[inst.key] = inst
	}
	s.mu.Unlock()

	if closed {
		inst.Destroy()
	}
	return inst
}

func (s *Session) forgetInstance(inst *ComponentInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.instances[inst.key]; ok && cur == inst {
		delete(s.instances, inst.key)
	}
	if _, ok := s.pendingSet[inst.key]; ok {
		delete(s.pendingSet, inst.key)
		s.pending = removeInstance(s.pending, inst)
	}
	if _, ok := s.queueSet[inst.key]; ok {
		delete(s.queueSet, inst.key)
		s.queue = removeInstance(s.queue, inst)
	}
}

func removeInstance(list []*ComponentInstance, inst *ComponentInstance) []*ComponentInstance {
	for i, p := range list {
		if p == inst {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// AttachChannel binds ch to the session, starts its Outbox and flushes the
// re-renders deferred while no channel was attached, oldest first. A
// previously attached channel is detached.
func (s *Session) AttachChannel(ch Channel) error {
	outbox := NewOutbox(ch, s.config.WriteTimeout, s.logger)
	outbox.metrics = s.metrics
	outbox.onClosed = s.channelClosed

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return NewSessionError(s.ID, "attach channel", ErrSessionClosed)
	}
	oldOutbox, oldChannel := s.outbox, s.channel
	s.channel, s.outbox = ch, outbox
	pending := s.pending
	s.pending = nil
	s.pendingSet = make(map[string]struct{})
	for _, inst := range pending {
		s.enqueueLocked(inst)
	}
	s.mu.Unlock()

	s.channelLost.Store(false)
	s.Touch()
	outbox.Start()

	if oldOutbox != nil {
		oldOutbox.Close()
	}
	if oldChannel != nil && oldChannel != ch {
		_ = oldChannel.Close()
	}

	s.logger.Debug("channel attached", "pending", len(pending))
	_ = s.flush(context.Background(), nil)
	return nil
}

// DetachChannel unbinds the current channel, stops its Outbox and closes it.
// Later changes are deferred again while the session stays active.
func (s *Session) DetachChannel() {
	s.mu.Lock()
	outbox, ch := s.outbox, s.channel
	s.outbox, s.channel = nil, nil
	s.mu.Unlock()

	if outbox != nil {
		outbox.Close()
	}
	if ch != nil {
		_ = ch.Close()
		s.logger.Debug("channel detached")
	}
}

// channelClosed is called by the Outbox when a send finds the channel closed.
func (s *Session) channelClosed() {
	if !s.channelLost.Swap(true) {
		s.logger.Info("channel closed, session inactive")
	}
}

// SubscribeInstanceToCell subscribes the instance to src outside a render
// pass. The subscription is kept until the instance is destroyed.
func (s *Session) SubscribeInstanceToCell(instanceID string, src reactive.Subscribable) error {
	inst, err := s.Instance(instanceID)
	if err != nil {
		return err
	}
	inst.trackSource(src, true)
	return nil
}

// cellChanged reacts to a change of a cell inst depends on.
func (s *Session) cellChanged(inst *ComponentInstance, src reactive.Source) {
	if !s.IsActive(s.clock()) {
		if sub, ok := src.(reactive.Subscribable); ok {
			inst.forgetSource(src.ID())
			sub.Unsubscribe(inst)
		}
		return
	}

	if s.deferRerender(inst) {
		return
	}
	s.enqueue(inst)
	_ = s.flush(context.Background(), nil)
}

// deferRerender buffers a re-render of inst when no channel is attached. It
// reports whether the caller must not render now: the re-render was
// buffered, or the session is closed. One entry is kept per instance; the
// render runs at flush time so it reflects the latest state.
func (s *Session) deferRerender(inst *ComponentInstance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return true
	}
	if s.outbox != nil {
		return false
	}
	if _, queued := s.pendingSet[inst.key]; !queued {
		s.pendingSet[inst.key] = struct{}{}
		s.pending = append(s.pending, inst)
		s.metrics.rerenderDeferred()
	}
	return true
}

// enqueue adds inst to the re-render queue unless it is already waiting.
func (s *Session) enqueue(inst *ComponentInstance) {
	s.mu.Lock()
	s.enqueueLocked(inst)
	s.mu.Unlock()
}

func (s *Session) enqueueLocked(inst *ComponentInstance) {
	if _, queued := s.queueSet[inst.key]; queued {
		return
	}
	s.queueSet[inst.key] = struct{}{}
	s.queue = append(s.queue, inst)
}

func (s *Session) dequeue() *ComponentInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	inst := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	delete(s.queueSet, inst.key)
	return inst
}

func (s *Session) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// flush renders queued instances in FIFO order and delivers the results.
// One goroutine flushes at a time, and never while a render pass of the
// session is in progress: a change made during a pass is queued and
// rendered when the last pass ends. Changes queued while a flush runs are
// rendered by that flush, so repeated changes fold into one more pass.
//
// The returned error is the outcome of the first render of want, if this
// call rendered it.
func (s *Session) flush(ctx context.Context, want *ComponentInstance) error {
	var err error
	for s.passes.Load() == 0 && s.flushing.CompareAndSwap(false, true) {
		for inst := s.dequeue(); inst != nil; inst = s.dequeue() {
			rerr := s.rerender(ctx, inst)
			if inst == want {
				err, want = rerr, nil
			}
		}
		s.flushing.Store(false)
		if s.queueLen() == 0 {
			break
		}
	}
	return err
}

// passStarted and passEnded bracket every render pass of the session.
func (s *Session) passStarted() {
	s.passes.Add(1)
}

func (s *Session) passEnded() {
	s.passes.Add(-1)
}

// rerender renders inst and enqueues a rerender@response.
func (s *Session) rerender(ctx context.Context, inst *ComponentInstance) (err error) {
	ctx, span := startSpan(ctx, "shiny.rerender", s.ID, inst.key)
	defer func() { endSpan(span, err) }()

	body, err := s.renderBody(ctx, inst)
	if err != nil {
		if !errors.Is(err, ErrInstanceDestroyed) {
			s.logRenderError(inst, err)
		}
		return err
	}
	err = s.send(&protocol.RerenderResponse{InstanceID: inst.key, HTML: body})
	if errors.Is(err, ErrChannelClosed) {
		s.redeliver(inst)
		return nil
	}
	return err
}

// redeliver puts inst back after its result found no channel: it is deferred
// while detached, or queued again if a new channel was attached meanwhile.
func (s *Session) redeliver(inst *ComponentInstance) {
	if s.deferRerender(inst) {
		return
	}
	s.enqueue(inst)
}

func (s *Session) renderBody(ctx context.Context, inst *ComponentInstance) (string, error) {
	artifact, err := inst.Invoke(ctx)
	if err != nil {
		return "", err
	}
	body, err := s.serializer.Serialize(artifact)
	if err != nil {
		return "", &RenderError{Instance: inst.key, Err: err}
	}
	return body, nil
}

// renderOutlet renders inst for inlining into a page or a parent pass.
func (s *Session) renderOutlet(ctx context.Context, inst *ComponentInstance) (render.HTML, error) {
	if inst.lazy && !inst.HasRendered() {
		return render.Outlet(inst.key, "", true), nil
	}
	body, err := s.renderBody(ctx, inst)
	if err != nil {
		return "", err
	}
	return render.Outlet(inst.key, body, false), nil
}

func (s *Session) logRenderError(inst *ComponentInstance, err error) {
	var rerr *RenderError
	if errors.As(err, &rerr) && rerr.Panic != nil {
		s.logger.Error("render panic",
			"instance_id", inst.key,
			"panic", rerr.Panic,
			"stack", string(rerr.Stack))
		return
	}
	s.logger.Error("render failed", "instance_id", inst.key, "error", err)
}

// send encodes resp and enqueues it on the Outbox.
func (s *Session) send(resp protocol.Response) error {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	outbox := s.outbox
	s.mu.Unlock()

	if outbox == nil || !outbox.Enqueue(data) {
		s.logger.Debug("response dropped, no channel")
		return NewSessionError(s.ID, "send", ErrChannelClosed)
	}
	return nil
}

// SendError enqueues an error@response.
func (s *Session) SendError(code protocol.ErrorCode, message string) error {
	return s.send(protocol.NewError(code, message))
}

// Rerender renders the instance on client request and delivers the result.
// Without a channel the re-render is deferred. When a flush or a render pass
// is already running, the instance is queued and rendered by it.
func (s *Session) Rerender(ctx context.Context, instanceID string) error {
	inst, err := s.Instance(instanceID)
	if err != nil {
		return err
	}
	if s.deferRerender(inst) {
		return nil
	}
	s.enqueue(inst)
	return s.flush(ctx, inst)
}

// DispatchEvent runs a handler of an instance. Unknown instances and
// handlers are reported to the caller.
func (s *Session) DispatchEvent(ctx context.Context, instanceID, handlerID string, payload json.RawMessage) (err error) {
	ctx, span := startSpan(ctx, "shiny.event", s.ID, instanceID, attribute.String("shiny.handler_id", handlerID))
	defer func() {
		s.metrics.eventDone(eventStatus(err))
		endSpan(span, err)
	}()

	if s.closed.Load() {
		return NewSessionError(s.ID, "dispatch", ErrSessionClosed)
	}
	inst, err := s.Instance(instanceID)
	if err != nil {
		return err
	}
	if err := inst.Dispatch(ctx, handlerID, payload); err != nil {
		if errors.Is(err, ErrUnknownHandler) || errors.Is(err, ErrUnknownInstance) {
			return NewSessionError(s.ID, "dispatch "+instanceID+"/"+handlerID, err)
		}
		s.logger.Warn("event handler failed", "instance_id", instanceID, "handler_id", handlerID, "error", err)
		return err
	}
	return nil
}

func eventStatus(err error) string {
	var herr *HandlerError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownInstance):
		return "unknown_instance"
	case errors.Is(err, ErrUnknownHandler):
		return "unknown_handler"
	case errors.As(err, &herr):
		return "handler_error"
	default:
		return "error"
	}
}

// Close destroys every instance, stops the Outbox and closes the channel.
// Close is idempotent.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	outbox, ch := s.outbox, s.channel
	s.outbox, s.channel = nil, nil
	instances := make([]*ComponentInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.pending = nil
	s.pendingSet = make(map[string]struct{})
	s.queue = nil
	s.queueSet = make(map[string]struct{})
	s.mu.Unlock()

	if outbox != nil {
		outbox.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	for _, inst := range instances {
		inst.Destroy()
	}

	s.logger.Debug("session closed", "instances", len(instances))
}
