package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/shiny/pkg/render"
)

// Session close reasons recorded in metrics.
const (
	closeReasonRemoved      = "removed"
	closeReasonSwept        = "swept"
	closeReasonDisconnected = "disconnected"
	closeReasonShutdown     = "shutdown"
	closeReasonFailed       = "failed"
)

// SessionManager is the registry of live sessions. It handles creation,
// lookup, periodic sweeping of inactive sessions and lifecycle callbacks.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	config      *SessionConfig
	maxSessions int
	serializer  render.Serializer
	metrics     *Metrics

	// Sweeping
	sweepInterval time.Duration
	done          chan struct{}
	sweepDone     chan struct{}
	shutdownOnce  sync.Once

	// Stats
	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
	peakSessions int

	// Callbacks
	callbackMu      sync.RWMutex
	onSessionCreate func(*Session)
	onSessionClose  func(*Session)

	logger        *slog.Logger
	sessionLogger *slog.Logger
}

// SessionManagerOptions contains optional SessionManager configuration.
type SessionManagerOptions struct {
	// MaxSessions limits concurrent sessions. Zero means unlimited.
	MaxSessions int

	// Serializer turns render artifacts into markup.
	Serializer render.Serializer

	// Metrics receives session, render and delivery metrics.
	Metrics *Metrics
}

// NewSessionManager creates a SessionManager and starts its sweep loop.
func NewSessionManager(config *SessionConfig, logger *slog.Logger) *SessionManager {
	return NewSessionManagerWithOptions(config, logger, nil)
}

// NewSessionManagerWithOptions creates a SessionManager with options and
// starts its sweep loop. Call Shutdown to stop it.
func NewSessionManagerWithOptions(config *SessionConfig, logger *slog.Logger, opts *SessionManagerOptions) *SessionManager {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if opts == nil {
		opts = &SessionManagerOptions{}
	}
	serializer := opts.Serializer
	if serializer == nil {
		serializer = render.Default
	}

	sm := &SessionManager{
		sessions:      make(map[string]*Session),
		config:        config,
		maxSessions:   opts.MaxSessions,
		serializer:    serializer,
		metrics:       opts.Metrics,
		sweepInterval: config.SweepInterval,
		done:          make(chan struct{}),
		sweepDone:     make(chan struct{}),
		logger:        logger.With("component", "session_manager"),
		sessionLogger: logger.With("component", "session"),
	}

	go sm.sweepLoop()

	return sm
}

// Create registers a new session with a random ID.
func (sm *SessionManager) Create() (*Session, error) {
	sm.mu.Lock()
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.mu.Unlock()
		return nil, ErrMaxSessionsReached
	}

	session := newSession(uuid.NewString(), sm.config, sm.serializer, sm.metrics, sm.sessionLogger)
	sm.sessions[session.ID] = session
	if len(sm.sessions) > sm.peakSessions {
		sm.peakSessions = len(sm.sessions)
	}
	active := len(sm.sessions)
	sm.mu.Unlock()

	sm.totalCreated.Add(1)
	sm.metrics.sessionCreated()

	sm.callbackMu.RLock()
	onCreate := sm.onSessionCreate
	sm.callbackMu.RUnlock()
	if onCreate != nil {
		onCreate(session)
	}

	sm.logger.Info("session created",
		"session_id", session.ID,
		"active_sessions", active)

	return session, nil
}

// Get returns the session with the given ID.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	session, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return nil, NewSessionError(id, "lookup", ErrUnknownSession)
	}
	return session, nil
}

// Remove closes and unregisters a session.
func (sm *SessionManager) Remove(id string) error {
	return sm.remove(id, closeReasonRemoved)
}

func (sm *SessionManager) remove(id, reason string) error {
	sm.mu.Lock()
	session, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if !ok {
		return NewSessionError(id, "remove", ErrUnknownSession)
	}
	sm.closeSession(session, reason)
	return nil
}

func (sm *SessionManager) closeSession(session *Session, reason string) {
	session.Close()
	sm.totalClosed.Add(1)
	sm.metrics.sessionClosed(reason)

	sm.callbackMu.RLock()
	onClose := sm.onSessionClose
	sm.callbackMu.RUnlock()
	if onClose != nil {
		onClose(session)
	}

	sm.logger.Info("session closed", "session_id", session.ID, "reason", reason)
}

// Count returns the number of registered sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// sweepLoop periodically removes inactive sessions.
func (sm *SessionManager) sweepLoop() {
	defer close(sm.sweepDone)

	ticker := time.NewTicker(sm.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			sm.Sweep(now)
		case <-sm.done:
			return
		}
	}
}

// Sweep removes every session that is not active at now and returns how
// many were removed.
func (sm *SessionManager) Sweep(now time.Time) int {
	sm.mu.Lock()
	var expired []*Session
	for id, session := range sm.sessions {
		if !session.IsActive(now) {
			expired = append(expired, session)
			delete(sm.sessions, id)
		}
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	for _, session := range expired {
		sm.closeSession(session, closeReasonSwept)
	}

	if len(expired) > 0 {
		sm.logger.Info("swept inactive sessions",
			"count", len(expired),
			"remaining", remaining)
	}
	return len(expired)
}

// Shutdown stops the sweep loop and closes every session. It returns
// ctx.Err() if ctx ends before all sessions are closed.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.shutdownOnce.Do(func() {
		close(sm.done)
	})
	<-sm.sweepDone

	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var wg sync.WaitGroup
		for _, session := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				sm.closeSession(s, closeReasonShutdown)
			}(session)
		}
		wg.Wait()
	}()

	select {
	case <-closed:
	case <-ctx.Done():
		return ctx.Err()
	}

	sm.logger.Info("session manager shutdown",
		"closed_sessions", len(sessions))
	return nil
}

// ManagerStats contains session manager statistics.
type ManagerStats struct {
	Active       int
	TotalCreated uint64
	TotalClosed  uint64
	Peak         int
}

// Stats returns session manager statistics.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return ManagerStats{
		Active:       len(sm.sessions),
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
		Peak:         sm.peakSessions,
	}
}

// ForEach calls fn for every session until fn returns false.
func (sm *SessionManager) ForEach(fn func(*Session) bool) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}

// SetOnSessionCreate sets the callback run after a session is created.
func (sm *SessionManager) SetOnSessionCreate(fn func(*Session)) {
	sm.callbackMu.Lock()
	defer sm.callbackMu.Unlock()
	sm.onSessionCreate = fn
}

// SetOnSessionClose sets the callback run after a session is closed.
func (sm *SessionManager) SetOnSessionClose(fn func(*Session)) {
	sm.callbackMu.Lock()
	defer sm.callbackMu.Unlock()
	sm.onSessionClose = fn
}
