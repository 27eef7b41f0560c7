package server

import (
	"context"
	"sync"
	"testing"

	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// newTestSession returns a session with no connection. Deliveries land on
// its send queue, which drain reads back.
func newTestSession(h *Hub) *Session {
	return NewSession(nil, h, "test")
}

// drain decodes everything currently queued for s.
func drain(t *testing.T, s *Session) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				return out
			}
			f, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("queued frame does not decode: %v (%s)", err, data)
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

// actions returns the action of each frame.
func actions(frames []protocol.Frame) []protocol.Action {
	out := make([]protocol.Action, len(frames))
	for i, f := range frames {
		out[i] = f.Action
	}
	return out
}

// connect registers s with h and binds it to userID as a setup frame would,
// discarding the connected ack.
func connect(t *testing.T, h *Hub, s *Session, userID string) {
	t.Helper()
	h.addSession(s)
	h.handleFrame(s, protocol.Setup(userID))
	if got := drain(t, s); len(got) != 1 || got[0].Action != protocol.ActionConnected {
		t.Fatalf("setup ack for %s = %v, want [connected]", userID, actions(got))
	}
}

type presenceCall struct {
	user   string
	online bool
}

type fakePresence struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (p *fakePresence) Online(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, presenceCall{userID, true})
}

func (p *fakePresence) Offline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, presenceCall{userID, false})
}

func (p *fakePresence) get() []presenceCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presenceCall(nil), p.calls...)
}

func (p *fakePresence) Lookup(_ context.Context, userID string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	online := false
	for _, c := range p.calls {
		if c.user == userID {
			online = c.online
		}
	}
	if !online {
		return "", false, nil
	}
	return "node-test", true, nil
}
