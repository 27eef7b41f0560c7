// Package server manages individual push channel sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Session is one live push channel. It starts unbound; a setup frame binds
// it to a user in the Registry. A session is removed from every index and
// its send queue closed exactly once.
type Session struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	addr     string
	authUser string

	mu     sync.Mutex
	closed bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            *zap.Logger
}

// NewSession creates a session for conn. The send queue is sized from the
// active configuration. conn may be nil for sessions driven directly by
// tests.
func NewSession(conn *websocket.Conn, hub *Hub, addr string) *Session {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Session{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		log:            logger.Named("session").With(zap.String("session", id), zap.String("remote", addr)),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// SetAuthenticatedUser pins the user a verified token identified. A setup
// frame naming anyone else is rejected.
func (s *Session) SetAuthenticatedUser(userID string) {
	s.authUser = userID
}

// Deliver enqueues payload without blocking. It returns false when the
// session is closed or its queue is full; the caller evicts it.
func (s *Session) Deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// close marks the session closed and closes its queue, which makes the
// write pump send a close frame. It reports whether this call closed it.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Warn("set initial read deadline", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			s.log.Warn("set read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("frame exceeded maximum size", zap.Int64("limit", s.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.log.Info("session disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.log.Info("session connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		s.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		s.log.Warn("websocket read error", zap.Error(err))
	}
}

func (s *Session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		s.log.Warn("rate limit exceeded; discarding frame",
			zap.Int("burst", s.rateLimit.Burst),
			zap.Duration("interval", s.rateLimit.RefillInterval))
		s.hub.metrics.Dropped(metrics.ReasonRateLimited)
		return false
	}
	return true
}

// processMessage decodes every frame in one WebSocket message and hands the
// valid ones to the hub. It returns false once the hub has stopped.
func (s *Session) processMessage(raw []byte) bool {
	for _, part := range protocol.SplitBatch(raw) {
		if !s.checkRateLimit() {
			continue
		}
		frame, err := protocol.Decode(part)
		if err != nil {
			s.log.Warn("discarding invalid frame", zap.Error(err))
			s.hub.metrics.Dropped(metrics.ReasonMalformed)
			continue
		}
		if !s.hub.submit(inboundFrame{session: s, frame: frame}) {
			return false
		}
	}
	return true
}

func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("close connection in read pump", zap.Error(err))
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if !s.processMessage(raw) {
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("close connection in write pump", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-s.send:
			if !s.writeMessage(message, ok) {
				return
			}
		case <-ticker.C:
			if !s.writePing() {
				return
			}
		}
	}
}

// writeMessage writes message plus anything already queued behind it as a
// single newline-separated batch. A closed queue produces a close frame.
func (s *Session) writeMessage(message []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("set write deadline", zap.Error(err))
		return false
	}

	if !ok {
		if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			s.log.Debug("write close frame", zap.Error(err))
		}
		return false
	}

	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		s.log.Warn("open writer", zap.Error(err))
		return false
	}
	if _, err := w.Write(message); err != nil {
		s.log.Warn("write frame", zap.Error(err))
		return false
	}

	n := len(s.send)
	for i := 0; i < n; i++ {
		queued, ok := <-s.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			s.log.Warn("write batch separator", zap.Error(err))
			return false
		}
		if _, err := w.Write(queued); err != nil {
			s.log.Warn("write queued frame", zap.Error(err))
			return false
		}
	}

	if err := w.Close(); err != nil {
		s.log.Warn("flush writer", zap.Error(err))
		return false
	}
	return true
}

func (s *Session) writePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Warn("set write deadline for ping", zap.Error(err))
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Debug("write ping", zap.Error(err))
		return false
	}
	return true
}
