package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshtalk/callkit/internal/protocol"
)

const requestTimeout = 10 * time.Second

// HTTPClient talks to the call server's REST surface. It implements
// protocol.Client.
type HTTPClient struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: requestTimeout},
	}
}

func (c *HTTPClient) StartCall(ctx context.Context, body protocol.ControlCall) error {
	return c.post(ctx, "/v1/call/start", body)
}

func (c *HTTPClient) InviteCall(ctx context.Context, body protocol.ControlCall) error {
	return c.post(ctx, "/v1/call/invite", body)
}

func (c *HTTPClient) JoinedCall(ctx context.Context, body protocol.ControlCall) error {
	return c.post(ctx, "/v1/call/joined", body)
}

func (c *HTTPClient) CancelCall(ctx context.Context, body protocol.ControlCall) error {
	return c.post(ctx, "/v1/call/cancel", body)
}

func (c *HTTPClient) RejectCall(ctx context.Context, body protocol.ControlCall) error {
	return c.post(ctx, "/v1/call/reject", body)
}

func (c *HTTPClient) HangupCall(ctx context.Context, body protocol.ControlCall) error {
	return c.post(ctx, "/v1/call/hangup", body)
}

func (c *HTTPClient) CheckCall(ctx context.Context, roomID string) (*protocol.RoomState, error) {
	var state protocol.RoomState
	if err := c.get(ctx, "/v1/call/check/"+roomID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *HTTPClient) CallingList(ctx context.Context) ([]protocol.ActiveCall, error) {
	var list []protocol.ActiveCall
	if err := c.get(ctx, "/v1/call/list", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *HTTPClient) ServiceURL(ctx context.Context) (*protocol.ServiceURL, error) {
	var out protocol.ServiceURL
	if err := c.get(ctx, "/v1/call/service-url", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}
