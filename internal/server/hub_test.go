package server

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tyrowin/gochat-live/internal/bus"
	"github.com/Tyrowin/gochat-live/internal/logger"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// observeLogs routes the global logger into an in-memory core for the
// duration of the test.
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.L()
	logger.Set(zap.New(core))
	t.Cleanup(func() { logger.Set(prev) })
	return logs
}

// waitFrames polls s until n frames have arrived or the deadline passes.
func waitFrames(t *testing.T, s *Session, n int) []protocol.Frame {
	t.Helper()
	var got []protocol.Frame
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got = append(got, drain(t, s)...)
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d frames %v, want %d", len(got), actions(got), n)
	return nil
}

func message(sender string, members ...string) protocol.Frame {
	return protocol.NewMessage(protocol.Envelope{
		Content: "hi",
		Sender:  sender,
		ChatID:  "R1",
		Members: members,
	})
}

// TestHubTwoUsersInRoom walks the basic scenario: two users join a room,
// one types and sends a message. Typing reaches both sessions, the message
// reaches only the other user.
func TestHubTwoUsersInRoom(t *testing.T) {
	h := NewHub()
	alice, bob := newTestSession(h), newTestSession(h)
	connect(t, h, alice, "alice")
	connect(t, h, bob, "bob")

	h.handleFrame(alice, protocol.JoinRoom("R1"))
	h.handleFrame(bob, protocol.JoinRoom("R1"))
	if h.RoomSize("R1") != 2 {
		t.Fatalf("RoomSize(R1) = %d, want 2", h.RoomSize("R1"))
	}

	h.handleFrame(alice, protocol.Typing("R1"))
	for name, s := range map[string]*Session{"alice": alice, "bob": bob} {
		got := drain(t, s)
		if len(got) != 1 || got[0].Action != protocol.ActionTyping || got[0].UserID != "alice" {
			t.Fatalf("%s got %+v, want alice typing", name, got)
		}
	}

	h.handleFrame(alice, message("alice", "alice", "bob"))
	if got := drain(t, alice); len(got) != 0 {
		t.Fatalf("sender received %v", actions(got))
	}
	got := drain(t, bob)
	if len(got) != 1 || got[0].Action != protocol.ActionMessageReceived || got[0].Message.Content != "hi" {
		t.Fatalf("bob got %+v, want messageReceived", got)
	}
}

// TestHubTypingExcludeSenderFollowsConfig verifies the typing echo can be
// switched off at runtime.
func TestHubTypingExcludeSenderFollowsConfig(t *testing.T) {
	SetConfig(&Config{Typing: TypingConfig{ExcludeSender: true}})
	t.Cleanup(func() { SetConfig(nil) })

	h := NewHub()
	alice, bob := newTestSession(h), newTestSession(h)
	connect(t, h, alice, "alice")
	connect(t, h, bob, "bob")
	h.handleFrame(alice, protocol.JoinRoom("R1"))
	h.handleFrame(bob, protocol.JoinRoom("R1"))

	h.handleFrame(alice, protocol.StopTyping("R1"))

	if got := drain(t, alice); len(got) != 0 {
		t.Fatalf("sender received %v with exclude_sender set", actions(got))
	}
	if got := drain(t, bob); len(got) != 1 || got[0].Action != protocol.ActionStopTyping {
		t.Fatalf("bob got %v, want [stopTyping]", actions(got))
	}
}

// TestHubMessageSenderFilledFromSession verifies an envelope without a
// sender is attributed to the session's user.
func TestHubMessageSenderFilledFromSession(t *testing.T) {
	h := NewHub()
	alice, bob := newTestSession(h), newTestSession(h)
	connect(t, h, alice, "alice")
	connect(t, h, bob, "bob")

	h.handleFrame(alice, message("", "alice", "bob"))

	got := drain(t, bob)
	if len(got) != 1 || got[0].Message.Sender != "alice" {
		t.Fatalf("bob got %+v, want message from alice", got)
	}
	if len(drain(t, alice)) != 0 {
		t.Fatal("sender received its own message")
	}
}

// TestHubDropsSpoofedSender verifies a session cannot send as someone else.
func TestHubDropsSpoofedSender(t *testing.T) {
	logs := observeLogs(t)
	reg := prometheus.NewRegistry()
	h := NewHub(WithMetrics(metrics.New(reg)))
	mallory, bob := newTestSession(h), newTestSession(h)
	connect(t, h, mallory, "mallory")
	connect(t, h, bob, "bob")

	h.handleFrame(mallory, message("alice", "alice", "bob"))

	if got := drain(t, bob); len(got) != 0 {
		t.Fatalf("spoofed message delivered: %v", actions(got))
	}
	if n := logs.FilterMessage("hub: newMessage sender does not match session user").Len(); n != 1 {
		t.Fatalf("spoof warning logged %d times, want 1", n)
	}
	if got := dropped(t, reg, metrics.ReasonSpoofed); got != 1 {
		t.Fatalf("dropped{spoofed_sender} = %v, want 1", got)
	}
}

// dropped returns the dropped_total count for reason.
func dropped(t *testing.T, reg *prometheus.Registry, reason string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "chat_delivery_dropped_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// TestHubIgnoresFramesBeforeSetup verifies an unbound session can neither
// join rooms, type, nor send.
func TestHubIgnoresFramesBeforeSetup(t *testing.T) {
	h := NewHub()
	anon, bob := newTestSession(h), newTestSession(h)
	h.addSession(anon)
	connect(t, h, bob, "bob")
	h.handleFrame(bob, protocol.JoinRoom("R1"))

	h.handleFrame(anon, protocol.JoinRoom("R1"))
	h.handleFrame(anon, protocol.Typing("R1"))
	h.handleFrame(anon, message("anon", "bob"))

	if h.RoomSize("R1") != 1 {
		t.Fatalf("RoomSize(R1) = %d, want 1", h.RoomSize("R1"))
	}
	if got := drain(t, bob); len(got) != 0 {
		t.Fatalf("bob received %v from an unbound session", actions(got))
	}
}

// TestHubMultiDevicePresence verifies presence flips online on a user's
// first session and offline only after the last one goes.
func TestHubMultiDevicePresence(t *testing.T) {
	p := &fakePresence{}
	h := NewHub(WithPresence(p))
	phone, laptop, sender := newTestSession(h), newTestSession(h), newTestSession(h)
	connect(t, h, phone, "bob")
	connect(t, h, laptop, "bob")
	connect(t, h, sender, "alice")

	h.handleFrame(sender, message("alice", "bob"))
	for _, s := range []*Session{phone, laptop} {
		if got := drain(t, s); len(got) != 1 {
			t.Fatalf("device got %v, want one message", actions(got))
		}
	}

	h.removeSession(phone, "test")
	if h.UserSessionCount("bob") != 1 {
		t.Fatalf("UserSessionCount(bob) = %d, want 1", h.UserSessionCount("bob"))
	}
	h.removeSession(laptop, "test")

	want := []presenceCall{{"bob", true}, {"alice", true}, {"bob", false}}
	got := p.get()
	if len(got) != len(want) {
		t.Fatalf("presence calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("presence calls = %v, want %v", got, want)
		}
	}
}

// TestHubEvictsSlowConsumer verifies a session whose queue is full is
// removed everywhere and reported offline.
func TestHubEvictsSlowConsumer(t *testing.T) {
	SetConfig(&Config{SendBuffer: 1})
	t.Cleanup(func() { SetConfig(nil) })

	p := &fakePresence{}
	h := NewHub(WithPresence(p))
	alice, bob := newTestSession(h), newTestSession(h)
	connect(t, h, alice, "alice")
	connect(t, h, bob, "bob")
	h.handleFrame(bob, protocol.JoinRoom("R1"))
	if !bob.Deliver([]byte(`{"action":"connected"}`)) {
		t.Fatal("could not fill bob's queue")
	}

	h.handleFrame(alice, message("alice", "bob"))

	if h.isLive(bob) {
		t.Fatal("slow session still live")
	}
	if h.UserSessionCount("bob") != 0 || h.RoomSize("R1") != 0 {
		t.Fatal("slow session still indexed")
	}
	if !bob.isClosed() {
		t.Fatal("slow session queue not closed")
	}
	calls := p.get()
	if last := calls[len(calls)-1]; last != (presenceCall{"bob", false}) {
		t.Fatalf("last presence call = %v, want bob offline", last)
	}
}

// TestHubRemoveSessionIsIdempotent verifies a second removal does nothing.
func TestHubRemoveSessionIsIdempotent(t *testing.T) {
	p := &fakePresence{}
	h := NewHub(WithPresence(p))
	s := newTestSession(h)
	connect(t, h, s, "alice")

	h.removeSession(s, "first")
	h.removeSession(s, "second")
	h.handleFrame(s, protocol.JoinRoom("R1"))

	offline := 0
	for _, c := range p.get() {
		if !c.online {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("offline reported %d times, want 1", offline)
	}
	if h.SessionCount() != 0 || h.RoomSize("R1") != 0 {
		t.Fatal("removed session still has state")
	}
}

// TestHubSetupRejectsTokenMismatch verifies a session authenticated as one
// user cannot set up as another.
func TestHubSetupRejectsTokenMismatch(t *testing.T) {
	h := NewHub()
	s := newTestSession(h)
	s.SetAuthenticatedUser("alice")
	h.addSession(s)

	h.handleFrame(s, protocol.Setup("bob"))
	if got := drain(t, s); len(got) != 0 {
		t.Fatalf("mismatched setup acknowledged: %v", actions(got))
	}
	if h.UserSessionCount("bob") != 0 {
		t.Fatal("session bound to bob despite token for alice")
	}

	h.handleFrame(s, protocol.Setup("alice"))
	if got := drain(t, s); len(got) != 1 || got[0].Action != protocol.ActionConnected {
		t.Fatalf("matching setup got %v, want [connected]", actions(got))
	}
}

// TestHubSetupRebindsSession verifies a second setup moves the session.
func TestHubSetupRebindsSession(t *testing.T) {
	p := &fakePresence{}
	h := NewHub(WithPresence(p))
	s := newTestSession(h)
	connect(t, h, s, "alice")

	h.handleFrame(s, protocol.Setup("bob"))

	if h.UserSessionCount("alice") != 0 || h.UserSessionCount("bob") != 1 {
		t.Fatal("session was not moved from alice to bob")
	}
	want := []presenceCall{{"alice", true}, {"alice", false}, {"bob", true}}
	got := p.get()
	if len(got) != len(want) {
		t.Fatalf("presence calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("presence calls = %v, want %v", got, want)
		}
	}
}

// TestSessionProcessMessageSplitsBatches verifies one WebSocket message with
// several frames is queued frame by frame and bad frames are counted.
func TestSessionProcessMessageSplitsBatches(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHub(WithMetrics(metrics.New(reg)))
	s := newTestSession(h)

	raw := []byte(`{"action":"setup","userId":"alice"}` + "\n" +
		`not json` + "\n" +
		`{"action":"joinChat","room":"R1"}` + "\n")
	if !s.processMessage(raw) {
		t.Fatal("processMessage reported a stopped hub")
	}

	if len(h.inbound) != 2 {
		t.Fatalf("queued %d frames, want 2", len(h.inbound))
	}
	first, second := <-h.inbound, <-h.inbound
	if first.frame.Action != protocol.ActionSetup || second.frame.Action != protocol.ActionJoinRoom {
		t.Fatalf("queued %s, %s", first.frame.Action, second.frame.Action)
	}
	if got := dropped(t, reg, metrics.ReasonMalformed); got != 1 {
		t.Fatalf("dropped{malformed} = %v, want 1", got)
	}
}

// TestSessionProcessMessageRateLimits verifies frames past the burst are
// discarded.
func TestSessionProcessMessageRateLimits(t *testing.T) {
	SetConfig(&Config{RateLimit: RateLimitConfig{Burst: 2, RefillInterval: time.Hour}})
	t.Cleanup(func() { SetConfig(nil) })

	h := NewHub()
	s := newTestSession(h)
	frame := []byte(`{"action":"typing","room":"R1"}`)
	for i := 0; i < 5; i++ {
		s.processMessage(frame)
	}
	if len(h.inbound) != 2 {
		t.Fatalf("queued %d frames, want 2", len(h.inbound))
	}
}

// TestHubRunRoutesAndShutsDown drives a hub through its event loop, routes
// a persisted message, and shuts it down.
func TestHubRunRoutesAndShutsDown(t *testing.T) {
	h := NewHub()
	go h.Run()

	alice, bob := newTestSession(h), newTestSession(h)
	for user, s := range map[string]*Session{"alice": alice, "bob": bob} {
		if !h.Register(s) {
			t.Fatal("Register failed on a running hub")
		}
		h.submit(inboundFrame{session: s, frame: protocol.Setup(user)})
		waitFrames(t, s, 1)
	}

	err := h.RouteNewMessage(context.Background(), protocol.Envelope{
		Content: "stored", Sender: "alice", ChatID: "R1", Members: []string{"alice", "bob"},
	})
	if err != nil {
		t.Fatalf("RouteNewMessage: %v", err)
	}
	if got := waitFrames(t, bob, 1); got[0].Message.Content != "stored" {
		t.Fatalf("bob got %+v", got[0])
	}

	if err := h.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !alice.isClosed() || !bob.isClosed() {
		t.Fatal("sessions not closed by shutdown")
	}
	if h.Register(newTestSession(h)) {
		t.Fatal("Register succeeded after shutdown")
	}
}

// TestHubsShareBus runs two hubs on one bus and checks that a message and a
// typing signal from a session on one reach sessions on the other.
func TestHubsShareBus(t *testing.T) {
	b := bus.NewLocal()
	t.Cleanup(func() { _ = b.Close() })

	nodeA := NewHub(WithBus(b))
	nodeB := NewHub(WithBus(b))
	go nodeA.Run()
	go nodeB.Run()
	t.Cleanup(func() {
		_ = nodeA.Shutdown(time.Second)
		_ = nodeB.Shutdown(time.Second)
	})

	alice, bob := newTestSession(nodeA), newTestSession(nodeB)
	nodeA.Register(alice)
	nodeB.Register(bob)
	for hub, pair := range map[*Hub]struct {
		s    *Session
		user string
	}{nodeA: {alice, "alice"}, nodeB: {bob, "bob"}} {
		hub.submit(inboundFrame{session: pair.s, frame: protocol.Setup(pair.user)})
		hub.submit(inboundFrame{session: pair.s, frame: protocol.JoinRoom("R1")})
		waitFrames(t, pair.s, 1)
	}

	nodeA.submit(inboundFrame{session: alice, frame: protocol.Typing("R1")})
	if got := waitFrames(t, bob, 1); got[0].Action != protocol.ActionTyping || got[0].UserID != "alice" {
		t.Fatalf("bob got %+v, want alice typing", got[0])
	}
	if got := waitFrames(t, alice, 1); got[0].Action != protocol.ActionTyping {
		t.Fatalf("alice got %+v, want her own typing echo", got[0])
	}

	nodeA.submit(inboundFrame{session: alice, frame: message("alice", "alice", "bob")})
	if got := waitFrames(t, bob, 1); got[0].Action != protocol.ActionMessageReceived {
		t.Fatalf("bob got %+v, want messageReceived", got[0])
	}
	time.Sleep(50 * time.Millisecond)
	if got := drain(t, alice); len(got) != 0 {
		t.Fatalf("sender received %v", actions(got))
	}
}

// startHub runs h until the test ends and sets up each session as its user.
func startHub(t *testing.T, h *Hub, users map[string]*Session) {
	t.Helper()
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	for user, s := range users {
		if !h.Register(s) {
			t.Fatal("Register failed on a running hub")
		}
		h.submit(inboundFrame{session: s, frame: protocol.Setup(user)})
		waitFrames(t, s, 1)
	}
}

// TestHubHandlesFramesQueuedBeforeDisconnect verifies a message the sender
// queued just before disconnecting is still delivered. Bob's backlog keeps
// the loop busy so the message and the disconnect are pending together.
func TestHubHandlesFramesQueuedBeforeDisconnect(t *testing.T) {
	for run := 0; run < 50; run++ {
		h := NewHub()
		alice, bob := newTestSession(h), newTestSession(h)
		startHub(t, h, map[string]*Session{"alice": alice, "bob": bob})

		for i := 0; i < 100; i++ {
			h.submit(inboundFrame{session: bob, frame: protocol.JoinRoom("R" + strconv.Itoa(i))})
		}
		h.submit(inboundFrame{session: alice, frame: message("alice", "alice", "bob")})
		h.Unregister(alice)

		if got := waitFrames(t, bob, 1); got[0].Action != protocol.ActionMessageReceived {
			t.Fatalf("run %d: bob got %v, want messageReceived", run, actions(got))
		}
		deadline := time.Now().Add(2 * time.Second)
		for h.UserSessionCount("alice") != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("run %d: alice still registered after Unregister", run)
			}
			time.Sleep(5 * time.Millisecond)
		}
		if err := h.Shutdown(time.Second); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}

// TestHubPreservesDeliveryOrder verifies messages reach a recipient in the
// order they were routed, both for persisted messages handed to
// RouteNewMessage and for frames sent by one session.
func TestHubPreservesDeliveryOrder(t *testing.T) {
	const n = 50
	h := NewHub()
	alice, bob := newTestSession(h), newTestSession(h)
	startHub(t, h, map[string]*Session{"alice": alice, "bob": bob})

	for i := 0; i < n; i++ {
		err := h.RouteNewMessage(context.Background(), protocol.Envelope{
			Content: strconv.Itoa(i), Sender: "alice", ChatID: "R1", Members: []string{"alice", "bob"},
		})
		if err != nil {
			t.Fatalf("RouteNewMessage %d: %v", i, err)
		}
	}
	for i, f := range waitFrames(t, bob, n) {
		if f.Message == nil || f.Message.Content != strconv.Itoa(i) {
			t.Fatalf("routed frame %d = %+v, want content %d", i, f, i)
		}
	}

	for i := 0; i < n; i++ {
		f := message("alice", "alice", "bob")
		f.Message.Content = strconv.Itoa(i)
		h.submit(inboundFrame{session: alice, frame: f})
	}
	for i, f := range waitFrames(t, bob, n) {
		if f.Message == nil || f.Message.Content != strconv.Itoa(i) {
			t.Fatalf("sent frame %d = %+v, want content %d", i, f, i)
		}
	}
}
