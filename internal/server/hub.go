// Package server coordinates session registration, room membership, typing
// relay and message fan-out for the delivery service via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

const (
	inboundBuffer  = 256
	routableBuffer = 1024
)

// Hub owns every live session on this node. All state changes happen on the
// Run goroutine; the registry and room index also lock internally so
// handlers and tests can read them concurrently.
type Hub struct {
	sessions map[*Session]struct{}
	registry *Registry
	rooms    *RoomIndex
	router   *Router
	relay    *Relay

	register chan *Session
	inbound  chan inboundFrame
	routable chan protocol.Frame

	bus      Bus
	presence PresenceTracker
	metrics  *metrics.Metrics

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// HubOption configures optional collaborators.
type HubOption func(*Hub)

// WithBus routes messages and typing signals through b so sessions on other
// nodes receive them.
func WithBus(b Bus) HubOption {
	return func(h *Hub) { h.bus = b }
}

// WithPresence reports first and last sessions of each user to p.
func WithPresence(p PresenceTracker) HubOption {
	return func(h *Hub) { h.presence = p }
}

// WithMetrics records hub activity in m.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub ready to Run.
func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	rooms := NewRoomIndex()

	h := &Hub{
		sessions:   make(map[*Session]struct{}),
		registry:   registry,
		rooms:      rooms,
		router:     NewRouter(registry),
		relay:      NewRelay(rooms),
		register: make(chan *Session),
		inbound:  make(chan inboundFrame, inboundBuffer),
		routable: make(chan protocol.Frame, routableBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register hands s to the hub, which starts its pumps. It returns false if
// the hub has shut down.
func (h *Hub) Register(s *Session) bool {
	if s == nil {
		return false
	}
	select {
	case h.register <- s:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes s from every index once the frames it already queued
// have been handled. Removing an unknown or already removed session is a
// no-op.
func (h *Hub) Unregister(s *Session) {
	if s == nil {
		return
	}
	h.submit(inboundFrame{session: s, closed: true})
}

// submit queues a decoded client frame for the hub loop.
func (h *Hub) submit(in inboundFrame) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// RouteNewMessage fans env out to the live sessions of its members. It is
// the entry point for the persistence layer once a message is stored.
func (h *Hub) RouteNewMessage(ctx context.Context, env protocol.Envelope) error {
	f := protocol.Frame{Action: protocol.ActionNewMessage, Message: &env}
	if h.bus != nil {
		return h.bus.Publish(ctx, f)
	}
	select {
	case h.routable <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

// receiveRemote is the bus subscription handler. Frames that do not fit in
// the queue are dropped.
func (h *Hub) receiveRemote(f protocol.Frame) {
	select {
	case h.routable <- f:
	case <-h.ctx.Done():
	default:
		h.metrics.Dropped(metrics.ReasonBusBacklog)
		logger.Warn("hub: routable queue full, dropping frame", zap.String("action", string(f.Action)))
	}
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	if h.bus != nil {
		if err := h.bus.Subscribe(h.receiveRemote); err != nil {
			logger.Error("hub: bus subscribe failed; deliveries stay local", zap.Error(err))
			h.bus = nil
		}
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return

		case s := <-h.register:
			h.addSession(s)

		case in := <-h.inbound:
			if in.closed {
				h.removeSession(in.session, "disconnected")
				continue
			}
			h.handleFrame(in.session, in.frame)

		case f := <-h.routable:
			h.deliver(f)
		}
	}
}

func (h *Hub) addSession(s *Session) {
	h.mutex.Lock()
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.mutex.Unlock()

	logger.Info("hub: session registered",
		zap.String("session", s.ID()), zap.String("remote", s.addr), zap.Int("sessions", count))
	h.observe()

	if s.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go func() {
		defer h.wg.Done()
		s.readPump()
	}()
}

// removeSession drops s from the registry and the room index, reports the
// user offline if that was their last session, and closes the send queue.
func (h *Hub) removeSession(s *Session, reason string) {
	h.mutex.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mutex.Unlock()

	userID, last := h.registry.Unbind(s)
	rooms := h.rooms.LeaveAll(s)
	if last && h.presence != nil {
		h.presence.Offline(userID)
	}
	s.close()

	logger.Info("hub: session removed",
		zap.String("session", s.ID()),
		zap.String("user", userID),
		zap.String("reason", reason),
		zap.Int("rooms_left", len(rooms)),
		zap.Int("sessions", count))
	h.observe()
}

func (h *Hub) isLive(s *Session) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	_, ok := h.sessions[s]
	return ok
}

func (h *Hub) handleFrame(s *Session, f protocol.Frame) {
	if !h.isLive(s) {
		return
	}
	h.metrics.FrameReceived(string(f.Action))

	switch f.Action {
	case protocol.ActionSetup:
		h.setup(s, f.UserID)

	case protocol.ActionJoinRoom:
		if _, ok := h.boundUser(s, f.Action); ok {
			h.rooms.Join(s, f.Room)
			h.observe()
		}

	case protocol.ActionLeaveRoom:
		h.rooms.Leave(s, f.Room)
		h.observe()

	case protocol.ActionTyping, protocol.ActionStopTyping:
		userID, ok := h.boundUser(s, f.Action)
		if !ok {
			return
		}
		h.dispatch(protocol.Frame{Action: f.Action, Room: f.Room, UserID: userID, Origin: s.ID()})

	case protocol.ActionNewMessage:
		userID, ok := h.boundUser(s, f.Action)
		if !ok {
			return
		}
		env := *f.Message
		if env.Sender == "" {
			env.Sender = userID
		}
		if env.Sender != userID {
			h.metrics.Dropped(metrics.ReasonSpoofed)
			logger.Warn("hub: newMessage sender does not match session user",
				zap.String("session", s.ID()), zap.String("user", userID), zap.String("sender", env.Sender))
			return
		}
		h.dispatch(protocol.Frame{Action: protocol.ActionNewMessage, Message: &env, Origin: s.ID()})

	default:
		logger.Debug("hub: ignoring client frame", zap.String("action", string(f.Action)))
	}
}

// setup binds s to userID and acknowledges with a connected frame. A
// session may rebind; the previous user loses it.
func (h *Hub) setup(s *Session, userID string) {
	if s.authUser != "" && s.authUser != userID {
		h.metrics.Dropped(metrics.ReasonAuthMismatch)
		logger.Warn("hub: setup user does not match token",
			zap.String("session", s.ID()), zap.String("token_user", s.authUser), zap.String("user", userID))
		return
	}

	if prev, ok := h.registry.UserOf(s); ok && prev != userID {
		if _, last := h.registry.Unbind(s); last && h.presence != nil {
			h.presence.Offline(prev)
		}
	}
	if first := h.registry.Bind(s, userID); first && h.presence != nil {
		h.presence.Online(userID)
	}
	h.observe()

	ack, err := protocol.Encode(protocol.Connected())
	if err != nil {
		logger.Error("hub: encode connected ack", zap.Error(err))
		return
	}
	if !s.Deliver(ack) {
		h.evict([]*Session{s})
	}
}

// boundUser returns the user s is bound to. Frames from sessions that have
// not completed setup are ignored.
func (h *Hub) boundUser(s *Session, action protocol.Action) (string, bool) {
	userID, ok := h.registry.UserOf(s)
	if !ok {
		h.metrics.Dropped(metrics.ReasonUnbound)
		logger.Debug("hub: frame before setup ignored",
			zap.String("session", s.ID()), zap.String("action", string(action)))
	}
	return userID, ok
}

// dispatch publishes f to the bus when there is one, otherwise delivers it
// locally. A failed publish falls back to local delivery.
func (h *Hub) dispatch(f protocol.Frame) {
	if h.bus != nil {
		ctx, cancel := context.WithTimeout(h.ctx, writeWait)
		err := h.bus.Publish(ctx, f)
		cancel()
		if err == nil {
			return
		}
		logger.Error("hub: bus publish failed; delivering locally",
			zap.String("action", string(f.Action)), zap.Error(err))
	}
	h.deliver(f)
}

// deliver fans f out to the sessions on this node.
func (h *Hub) deliver(f protocol.Frame) {
	var (
		result Delivery
		kind   string
	)
	switch {
	case f.Action == protocol.ActionNewMessage && f.Message != nil:
		kind = metrics.KindMessage
		result = h.router.RouteNewMessage(*f.Message)
	case protocol.IsTyping(f.Action):
		kind = metrics.KindTyping
		result = h.relay.RelayTyping(f.Room, f.Action, f.UserID, f.Origin, currentConfig().Typing.ExcludeSender)
	default:
		logger.Warn("hub: dropping unroutable frame", zap.String("action", string(f.Action)))
		return
	}

	h.metrics.Delivered(kind, result.Delivered)
	h.evict(result.Failed)
}

// evict removes sessions that could not accept a delivery.
func (h *Hub) evict(failed []*Session) {
	for _, s := range failed {
		h.metrics.Dropped(metrics.ReasonSlowConsumer)
		h.removeSession(s, "send queue full")
	}
}

func (h *Hub) observe() {
	h.metrics.SetGauges(h.SessionCount(), h.registry.Users(), h.rooms.Rooms())
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// UserSessionCount returns the number of live sessions bound to userID.
func (h *Hub) UserSessionCount(userID string) int {
	return len(h.registry.SessionsFor(userID))
}

// RoomSize returns the number of sessions subscribed to roomID.
func (h *Hub) RoomSize(roomID string) int {
	return len(h.rooms.SessionsIn(roomID))
}

// shutdownSessions removes every session and closes its connection.
func (h *Hub) shutdownSessions() {
	h.mutex.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.RUnlock()

	for _, s := range sessions {
		h.removeSession(s, "shutdown")
		if s.conn != nil {
			if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
				logger.Warn("hub: close connection", zap.String("session", s.ID()), zap.Error(err))
			}
		}
	}

	logger.Info("hub: closed sessions", zap.Int("count", len(sessions)))
}

// Shutdown stops the event loop and waits for session goroutines to finish,
// up to timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logger.Info("hub: initiating shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("hub: shutdown completed")
		return nil
	case <-time.After(timeout):
		logger.Warn("hub: shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
