// Package client keeps a chat client's push channel alive: it binds the
// session to the user, re-joins open rooms after every reconnect, and
// retries lost connections on a capped exponential schedule before giving
// up for good.
package client

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

var (
	// ErrNotConnected is returned for frames sent while no channel is open.
	// Such frames are dropped, not queued.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectExhausted is reported through Handler.OnTerminal once the
	// retry budget is spent.
	ErrReconnectExhausted = errors.New("connection lost: failed to reconnect to chat server")
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("client closed")
)

// State is the lifecycle state of a Manager.
type State int32

const (
	// Disconnected is the state before Start.
	Disconnected State = iota
	// Connecting covers the first dial and every scheduled retry.
	Connecting
	// Connected means the channel is open and setup has been sent.
	Connected
	// Abandoned is terminal: the retry budget ran out.
	Abandoned
	// Closed is terminal: Close was called.
	Closed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Abandoned:
		return "abandoned"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives lifecycle notifications. OnStateChange and OnTerminal run
// on the manager's goroutine and OnFrame on the reader's; none may block or
// call back into the Manager synchronously.
type Handler interface {
	OnStateChange(State)
	OnFrame(protocol.Frame)
	OnHistory(room string, messages []protocol.Envelope)
	OnTerminal(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	StateChange func(State)
	Frame       func(protocol.Frame)
	History     func(room string, messages []protocol.Envelope)
	Terminal    func(error)
}

// OnStateChange calls StateChange if set.
func (h HandlerFuncs) OnStateChange(s State) {
	if h.StateChange != nil {
		h.StateChange(s)
	}
}

// OnFrame calls Frame if set.
func (h HandlerFuncs) OnFrame(f protocol.Frame) {
	if h.Frame != nil {
		h.Frame(f)
	}
}

// OnHistory calls History if set.
func (h HandlerFuncs) OnHistory(room string, messages []protocol.Envelope) {
	if h.History != nil {
		h.History(room, messages)
	}
}

// OnTerminal calls Terminal if set.
func (h HandlerFuncs) OnTerminal(err error) {
	if h.Terminal != nil {
		h.Terminal(err)
	}
}

// HistoryFetcher loads the stored messages of a room.
type HistoryFetcher interface {
	Fetch(ctx context.Context, room string) ([]protocol.Envelope, error)
}

// Options configures a Manager.
type Options struct {
	URL    string
	UserID string
	// Token is sent as a bearer token on every dial when set.
	Token       string
	Backoff     Backoff
	DialTimeout time.Duration
	Dialer      Dialer
	Clock       Clock
	Handler     Handler
	// History, when set, is asked for every open room after each reconnect.
	History HistoryFetcher
}

func (o Options) withDefaults() Options {
	o.Backoff = o.Backoff.withDefaults()
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = GorillaDialer{}
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	if o.Handler == nil {
		o.Handler = HandlerFuncs{}
	}
	return o
}

type (
	evStart  struct{}
	evDialed struct {
		gen  uint64
		conn Conn
		err  error
	}
	evLost struct {
		gen uint64
		err error
	}
	evRetry struct{ gen uint64 }
	evSend  struct {
		frame protocol.Frame
		reply chan error
	}
	evJoin struct {
		room  string
		reply chan error
	}
	evLeave struct {
		room  string
		reply chan error
	}
	evClose struct{ reply chan struct{} }
)

// Manager is the connection lifecycle state machine. Every transition
// happens on its own goroutine in response to an inbox event; dial results,
// read failures and retry timers are tagged with a generation so stale
// events from an earlier connection are ignored.
type Manager struct {
	opts Options
	log  *zap.Logger

	inbox chan any
	done  chan struct{}

	state    atomic.Int32
	attempts int
	gen      uint64
	conn     Conn
	timer    Timer
	rooms    map[string]struct{}
	order    []string
}

// NewManager returns a manager in the Disconnected state. Its goroutine
// runs until Close.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:  opts,
		log:   logger.Named("client").With(zap.String("user", opts.UserID)),
		inbox: make(chan any, 64),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	m.state.Store(int32(Disconnected))
	go m.loop()
	return m
}

// Start begins the first dial. It has no effect unless the manager is
// Disconnected.
func (m *Manager) Start() {
	m.post(evStart{})
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Done is closed once the manager has shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Send writes f if connected. Otherwise f is dropped and ErrNotConnected
// returned.
func (m *Manager) Send(f protocol.Frame) error {
	reply := make(chan error, 1)
	if !m.post(evSend{frame: f, reply: reply}) {
		return ErrClosed
	}
	return m.await(reply)
}

// SendMessage announces a stored message to its conversation's members.
func (m *Manager) SendMessage(env protocol.Envelope) error {
	if env.Sender == "" {
		env.Sender = m.opts.UserID
	}
	return m.Send(protocol.NewMessage(env))
}

// Typing sends a typing signal for room.
func (m *Manager) Typing(room string) error { return m.Send(protocol.Typing(room)) }

// StopTyping sends a stopTyping signal for room.
func (m *Manager) StopTyping(room string) error { return m.Send(protocol.StopTyping(room)) }

// JoinRoom marks room open. The join is sent now if connected and again
// after every reconnect.
func (m *Manager) JoinRoom(room string) error {
	reply := make(chan error, 1)
	if !m.post(evJoin{room: room, reply: reply}) {
		return ErrClosed
	}
	return m.await(reply)
}

// LeaveRoom marks room closed and tells the server if connected.
func (m *Manager) LeaveRoom(room string) error {
	reply := make(chan error, 1)
	if !m.post(evLeave{room: room, reply: reply}) {
		return ErrClosed
	}
	return m.await(reply)
}

// Close cancels any pending retry, closes the channel and stops the
// manager. No reconnect follows. Close is safe to call more than once.
func (m *Manager) Close() error {
	reply := make(chan struct{})
	if !m.post(evClose{reply: reply}) {
		return nil
	}
	select {
	case <-reply:
	case <-m.done:
	}
	<-m.done
	return nil
}

func (m *Manager) post(ev any) bool {
	select {
	case m.inbox <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) loop() {
	defer close(m.done)

	for ev := range m.inbox {
		switch ev := ev.(type) {
		case evStart:
			if m.State() == Disconnected {
				m.dial()
			}

		case evDialed:
			m.handleDialed(ev)

		case evLost:
			if ev.gen != m.gen || m.State() != Connected {
				continue
			}
			m.log.Warn("connection lost", zap.Error(ev.err))
			m.fail(ev.err)

		case evRetry:
			if ev.gen != m.gen || m.State() != Connecting {
				continue
			}
			m.timer = nil
			m.dial()

		case evSend:
			ev.reply <- m.write(ev.frame)

		case evJoin:
			if _, ok := m.rooms[ev.room]; !ok {
				m.rooms[ev.room] = struct{}{}
				m.order = append(m.order, ev.room)
			}
			ev.reply <- m.writeIfConnected(protocol.JoinRoom(ev.room))

		case evLeave:
			if _, ok := m.rooms[ev.room]; ok {
				delete(m.rooms, ev.room)
				m.order = removeRoom(m.order, ev.room)
			}
			ev.reply <- m.writeIfConnected(protocol.LeaveRoom(ev.room))

		case evClose:
			m.shutdown()
			close(ev.reply)
			return
		}
	}
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) == s {
		return
	}
	m.log.Debug("state changed", zap.Stringer("state", s))
	m.opts.Handler.OnStateChange(s)
}

// dial starts a connection attempt in the background.
func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	m.setState(Connecting)

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
		defer cancel()
		conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL, header)
		if !m.post(evDialed{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) handleDialed(ev evDialed) {
	if ev.gen != m.gen || m.State() != Connecting {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		m.log.Warn("dial failed", zap.Int("attempt", m.attempts), zap.Error(ev.err))
		m.fail(ev.err)
		return
	}

	m.conn = ev.conn
	m.attempts = 0
	m.setState(Connected)
	m.log.Info("connected", zap.String("url", m.opts.URL))

	go m.read(ev.gen, ev.conn)

	if err := m.write(protocol.Setup(m.opts.UserID)); err != nil {
		return
	}
	for _, room := range m.order {
		if err := m.write(protocol.JoinRoom(room)); err != nil {
			return
		}
	}
	m.refetchHistory()
}

// fail tears down the current connection and either schedules the next
// attempt or abandons the channel when the retry budget is spent.
func (m *Manager) fail(cause error) {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++

	if m.attempts >= m.opts.Backoff.MaxAttempts {
		m.setState(Abandoned)
		err := errors.Wrapf(ErrReconnectExhausted, "after %d attempts: %v", m.attempts, cause)
		m.log.Error("giving up on push channel", zap.Error(err))
		m.opts.Handler.OnTerminal(err)
		return
	}

	delay := m.opts.Backoff.Delay(m.attempts)
	m.attempts++
	gen := m.gen
	m.setState(Connecting)
	m.log.Info("reconnect scheduled", zap.Int("attempt", m.attempts), zap.Duration("delay", delay))
	m.timer = m.opts.Clock.AfterFunc(delay, func() { m.post(evRetry{gen: gen}) })
}

func (m *Manager) write(f protocol.Frame) error {
	if m.State() != Connected || m.conn == nil {
		m.log.Warn("not connected, frame dropped", zap.String("action", string(f.Action)))
		return ErrNotConnected
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	if err := m.conn.WriteMessage(data); err != nil {
		m.log.Warn("write failed", zap.String("action", string(f.Action)), zap.Error(err))
		m.fail(err)
		return errors.Wrap(ErrNotConnected, err.Error())
	}
	return nil
}

// writeIfConnected sends room bookkeeping frames; while disconnected they
// are applied on the next connect instead.
func (m *Manager) writeIfConnected(f protocol.Frame) error {
	if m.State() != Connected {
		return nil
	}
	return m.write(f)
}

func (m *Manager) read(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(evLost{gen: gen, err: err})
			return
		}
		for _, raw := range protocol.SplitBatch(data) {
			f, err := protocol.Decode(raw)
			if err != nil {
				m.log.Warn("discarding invalid server frame", zap.Error(err))
				continue
			}
			m.opts.Handler.OnFrame(f)
		}
	}
}

func (m *Manager) refetchHistory() {
	if m.opts.History == nil || len(m.order) == 0 {
		return
	}
	rooms := append([]string(nil), m.order...)
	go func() {
		for _, room := range rooms {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
			msgs, err := m.opts.History.Fetch(ctx, room)
			cancel()
			if err != nil {
				m.log.Warn("history refetch failed", zap.String("room", room), zap.Error(err))
				continue
			}
			m.opts.Handler.OnHistory(room, msgs)
		}
	}()
}

func (m *Manager) shutdown() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setState(Closed)
	m.log.Info("client closed")
}

func removeRoom(rooms []string, room string) []string {
	out := rooms[:0]
	for _, r := range rooms {
		if r != room {
			out = append(out, r)
		}
	}
	return out
}
