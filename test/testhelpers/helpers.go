// Package testhelpers provides common utilities and helper functions for testing the delivery server.
//
// This package contains reusable test utilities that are shared across integration tests.
// It provides functions for starting a complete server, dialing push channel sessions,
// exchanging protocol frames, and asserting response properties to reduce code
// duplication in test files.
package testhelpers

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/server"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// TestServer bundles a running hub with the HTTP server in front of it.
type TestServer struct {
	Hub    *server.Hub
	HTTP   *httptest.Server
	WSURL  string
	closed bool
}

// StartTestServer runs a hub and serves its routes on a random local port.
// The default configuration is restored and everything is shut down when
// the test ends.
func StartTestServer(t *testing.T, deps server.RouteDeps, opts ...server.HubOption) *TestServer {
	t.Helper()

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{TestOrigin}
	server.SetConfig(cfg)

	hub := server.NewHub(opts...)
	go hub.Run()

	httpServer := httptest.NewServer(server.SetupRoutes(hub, deps))
	ts := &TestServer{
		Hub:   hub,
		HTTP:  httpServer,
		WSURL: "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
	}
	t.Cleanup(func() {
		ts.Close()
		server.SetConfig(nil)
	})
	return ts
}

// Close stops the HTTP server and the hub. It is safe to call twice.
func (ts *TestServer) Close() {
	if ts.closed {
		return
	}
	ts.closed = true
	ts.HTTP.Close()
	_ = ts.Hub.Shutdown(5 * time.Second)
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithHeader(url, nil)
}

// ConnectWebSocketWithHeader dials url with extra headers. The test Origin
// is added unless header already sets one.
func ConnectWebSocketWithHeader(url string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	for k, v := range header {
		headers[k] = v
	}
	if headers.Get("Origin") == "" {
		headers.Set("Origin", TestOrigin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ConnectUser dials a session and completes setup as userID, consuming the
// connected acknowledgement.
func ConnectUser(t *testing.T, url, userID string) *websocket.Conn {
	t.Helper()

	conn, err := ConnectWebSocket(url)
	if err != nil {
		t.Fatalf("Failed to connect %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	SendFrame(t, conn, protocol.Setup(userID))
	ExpectAction(t, conn, protocol.ActionConnected)
	return conn
}

// SendFrame encodes f and writes it as one text message.
func SendFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("Failed to encode %s frame: %v", f.Action, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to send %s frame: %v", f.Action, err)
	}
}

// ReadFrames reads one WebSocket message and decodes every frame batched
// into it.
func ReadFrames(conn *websocket.Conn, timeout time.Duration) ([]protocol.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	parts := protocol.SplitBatch(data)
	frames := make([]protocol.Frame, 0, len(parts))
	for _, part := range parts {
		f, err := protocol.Decode(part)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// ExpectAction reads until a frame with action arrives, failing after a
// two second deadline. Frames with other actions are skipped.
func ExpectAction(t *testing.T, conn *websocket.Conn, action protocol.Action) protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frames, err := ReadFrames(conn, time.Until(deadline))
		if err != nil {
			t.Fatalf("Waiting for %s: %v", action, err)
		}
		for _, f := range frames {
			if f.Action == action {
				return f
			}
		}
	}
	t.Fatalf("Timed out waiting for %s", action)
	return protocol.Frame{}
}

// ExpectNoFrame fails if anything other than a timeout or a close arrives
// within timeout.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	frames, err := ReadFrames(conn, timeout)
	if err == nil {
		t.Fatalf("Expected no frame, got %d: first %s", len(frames), frames[0].Action)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of frames: %v", err)
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string, header http.Header) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
// It fails the test with a descriptive error message if the content types don't match.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it holds or two seconds pass.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
