package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/shiny/pkg/protocol"
)

// HandleWebSocket upgrades a client whose session cookie names a live
// session, attaches the connection as the session's channel and serves it
// until the client goes away. The session is removed when the connection
// ends.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(s.config.CookieName)
	if err != nil || cookie.Value == "" {
		http.Error(w, "missing session", http.StatusForbidden)
		return
	}
	session, err := s.sessions.Get(cookie.Value)
	if err != nil {
		s.logger.Warn("websocket for unknown session", "session_id", cookie.Value)
		http.Error(w, "unknown session", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	cfg := s.config.SessionConfig
	ch := NewWebSocketChannel(conn, cfg.WriteTimeout)
	if err := session.AttachChannel(ch); err != nil {
		s.logger.Warn("attach channel failed", "session_id", session.ID, "error", err)
		_ = ch.Close()
		return
	}

	s.serveChannel(r.Context(), session, conn, ch)
}

// serveChannel runs the receive loop of one connection.
func (s *Server) serveChannel(ctx context.Context, session *Session, conn *websocket.Conn, ch *WebSocketChannel) {
	cfg := s.config.SessionConfig
	stop := make(chan struct{})

	defer func() {
		close(stop)
		ch.markClosed()
		conn.Close()
		if err := s.sessions.remove(session.ID, closeReasonDisconnected); err != nil {
			session.Close()
		}
	}()

	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		session.Touch()
		return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	go s.heartbeat(session, ch, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				session.logger.Error("read error", "error", err)
			}
			return
		}

		session.Touch()
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		session.logger.Debug("request received", "bytes", len(msg))

		s.handleRequest(ctx, session, msg)
	}
}

// heartbeat pings the client so idle connections keep the session active.
func (s *Server) heartbeat(session *Session, ch *WebSocketChannel, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.SessionConfig.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ch.Ping(); err != nil {
				session.logger.Debug("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// handleRequest decodes one client message and routes it. Failures are
// answered with an error@response.
func (s *Server) handleRequest(ctx context.Context, session *Session, msg []byte) {
	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		session.logger.Warn("invalid request", "error", err)
		_ = session.SendError(protocol.ErrCodeInvalidRequest, err.Error())
		return
	}

	switch req := req.(type) {
	case *protocol.RerenderRequest:
		err = session.Rerender(ctx, req.InstanceID)
	case *protocol.EventRequest:
		err = session.DispatchEvent(ctx, req.InstanceID, req.HandlerID, req.Payload)
	}

	if err != nil {
		_ = session.SendError(errorCode(err), err.Error())
	}
}

// errorCode maps a runtime error to its protocol code.
func errorCode(err error) protocol.ErrorCode {
	var (
		herr *HandlerError
		rerr *RenderError
	)
	switch {
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrSessionClosed):
		return protocol.ErrCodeUnknownSession
	case errors.Is(err, ErrUnknownInstance), errors.Is(err, ErrInstanceDestroyed):
		return protocol.ErrCodeUnknownInstance
	case errors.Is(err, ErrUnknownHandler):
		return protocol.ErrCodeUnknownHandler
	case errors.As(err, &herr):
		return protocol.ErrCodeHandlerFailed
	case errors.As(err, &rerr):
		return protocol.ErrCodeRenderFailed
	default:
		return protocol.ErrCodeServerError
	}
}
