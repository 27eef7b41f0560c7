package client

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// manualClock fires timers only when the test advances it.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that came due.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

// pending returns the delays of timers that are armed and not yet due.
func (c *manualClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// fakeConn is an in-memory push channel. Frames pushed with deliver are
// returned by ReadMessage; drop simulates the server going away.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []protocol.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) deliver(raw string) { c.in <- []byte(raw) }

func (c *fakeConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

// fakeDialer hands out the next scripted result on every dial. With no
// script left it fails.
type fakeDialer struct {
	mu      sync.Mutex
	script  []func() (Conn, error)
	calls   int
	headers []http.Header
}

func (d *fakeDialer) then(f func() (Conn, error)) *fakeDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, f)
	return d
}

func (d *fakeDialer) succeed(c *fakeConn) *fakeDialer {
	return d.then(func() (Conn, error) { return c, nil })
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.headers = append(d.headers, header)
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return m.State() == want })
}

// waitPending waits for exactly one armed timer and returns its delay.
func waitPending(t *testing.T, c *manualClock) time.Duration {
	t.Helper()
	var got []time.Duration
	eventually(t, "a pending retry timer", func() bool {
		got = c.pending()
		return len(got) == 1
	})
	return got[0]
}
