package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/history"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

const testSecret = "handler-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHistory struct {
	chatID string
	limit  int
	err    error
}

func (f *fakeHistory) History(_ context.Context, chatID string, limit int) ([]protocol.Envelope, error) {
	f.chatID, f.limit = chatID, limit
	if f.err != nil {
		return nil, f.err
	}
	return []protocol.Envelope{
		{ID: "1", Content: "first", Sender: "alice", ChatID: chatID},
		{ID: "2", Content: "second", Sender: "bob", ChatID: chatID},
	}, nil
}

type failingLookup struct{}

func (failingLookup) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("redis down")
}

func serve(t *testing.T, r http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func signed(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Sign(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return token
}

// TestHealthHandler verifies the health endpoint answers GET and rejects
// other methods.
func TestHealthHandler(t *testing.T) {
	r := SetupRoutes(NewHub(), RouteDeps{})

	rec := serve(t, r, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "GoChat server is running!" {
		t.Fatalf("GET / = %d %q", rec.Code, rec.Body.String())
	}

	if rec := serve(t, r, http.MethodPost, "/", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST / = %d, want 405", rec.Code)
	}
}

// TestWebSocketRoute verifies the upgrade route only accepts GET and, with
// a verifier configured, a valid token.
func TestWebSocketRoute(t *testing.T) {
	r := SetupRoutes(NewHub(), RouteDeps{Verifier: auth.NewJWTVerifier(testSecret)})

	if rec := serve(t, r, http.MethodPost, "/ws", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /ws = %d, want 405", rec.Code)
	}
	if rec := serve(t, r, http.MethodGet, "/ws", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /ws without token = %d, want 401", rec.Code)
	}
	if rec := serve(t, r, http.MethodGet, "/ws", "garbage"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("GET /ws with bad token = %d, want 401", rec.Code)
	}
	// A valid token without upgrade headers fails the handshake, not auth.
	if rec := serve(t, r, http.MethodGet, "/ws", signed(t, "alice")); rec.Code != http.StatusBadRequest {
		t.Fatalf("GET /ws plain request = %d, want 400", rec.Code)
	}
}

// TestHistoryHandler covers the read-only history endpoint.
func TestHistoryHandler(t *testing.T) {
	store := &fakeHistory{}
	r := SetupRoutes(NewHub(), RouteDeps{
		Verifier: auth.NewJWTVerifier(testSecret),
		History:  store,
	})
	token := signed(t, "alice")

	if rec := serve(t, r, http.MethodGet, "/api/message/c1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("history without token = %d, want 401", rec.Code)
	}

	rec := serve(t, r, http.MethodGet, "/api/message/c1", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("history = %d %s", rec.Code, rec.Body.String())
	}
	var got []protocol.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(got) != 2 || got[0].Content != "first" {
		t.Fatalf("history body = %+v", got)
	}
	if store.chatID != "c1" || store.limit != history.DefaultLimit {
		t.Fatalf("store called with (%q, %d)", store.chatID, store.limit)
	}

	serve(t, r, http.MethodGet, "/api/message/c1?limit=5", token)
	if store.limit != 5 {
		t.Fatalf("limit = %d, want 5", store.limit)
	}

	if rec := serve(t, r, http.MethodGet, "/api/message/c1?limit=zero", token); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d, want 400", rec.Code)
	}

	store.err = errors.Wrap(history.ErrInvalidChatID, "c1")
	if rec := serve(t, r, http.MethodGet, "/api/message/c1", token); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid chat id = %d, want 400", rec.Code)
	}

	store.err = errors.New("mongo down")
	if rec := serve(t, r, http.MethodGet, "/api/message/c1", token); rec.Code != http.StatusInternalServerError {
		t.Fatalf("store failure = %d, want 500", rec.Code)
	}
}

// TestPresenceHandler verifies the presence lookup endpoint.
func TestPresenceHandler(t *testing.T) {
	p := &fakePresence{}
	p.Online("alice")
	r := SetupRoutes(NewHub(), RouteDeps{Presence: p})

	rec := serve(t, r, http.MethodGet, "/api/presence/alice", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("presence = %d", rec.Code)
	}
	var got presenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !got.Online || got.Node != "node-test" || got.UserID != "alice" {
		t.Fatalf("presence body = %+v", got)
	}

	rec = serve(t, r, http.MethodGet, "/api/presence/bob", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Online {
		t.Fatal("bob reported online")
	}

	r = SetupRoutes(NewHub(), RouteDeps{Presence: failingLookup{}})
	if rec := serve(t, r, http.MethodGet, "/api/presence/alice", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing lookup = %d, want 503", rec.Code)
	}
}

// TestOptionalRoutesUnregistered verifies routes backed by a missing
// dependency are not served.
func TestOptionalRoutesUnregistered(t *testing.T) {
	r := SetupRoutes(NewHub(), RouteDeps{})
	for _, path := range []string{"/metrics", "/api/message/c1", "/api/presence/alice"} {
		if rec := serve(t, r, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

// TestMetricsRoute verifies the registry is exposed in text format.
func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Dropped(metrics.ReasonMalformed)
	r := SetupRoutes(NewHub(WithMetrics(m)), RouteDeps{Gatherer: reg})

	rec := serve(t, r, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `chat_delivery_dropped_total{reason="malformed"} 1`) {
		t.Fatalf("metrics body missing drop counter:\n%s", rec.Body.String())
	}
}
