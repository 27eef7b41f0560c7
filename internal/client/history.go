package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// HTTPHistory fetches room history from GET /api/message/:chatId.
type HTTPHistory struct {
	baseURL string
	client  *http.Client
}

// bearerRoundTripper adds the Authorization header to every request.
type bearerRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (t *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

// NewHTTPHistory returns a fetcher for the API at baseURL that
// authenticates with token.
func NewHTTPHistory(baseURL, token string) *HTTPHistory {
	return &HTTPHistory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &bearerRoundTripper{base: http.DefaultTransport, token: token},
		},
	}
}

// Fetch returns the stored messages of room, oldest first.
func (h *HTTPHistory) Fetch(ctx context.Context, room string) ([]protocol.Envelope, error) {
	endpoint := h.baseURL + "/api/message/" + url.PathEscape(room)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "history: build request")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "history: get %s", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("history: get %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	var msgs []protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, errors.Wrap(err, "history: decode response")
	}
	return msgs, nil
}
