// Package backend holds the thin HTTP clients for the downstream business
// services (prescription, dispense, medication directory). They are plain
// JSON request/response plumbing; admission control, circuit breaking and
// caching are layered on top by the gateway router.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Downstream backend names. Breaker state is keyed by these.
const (
	NamePrescription = "prescription"
	NameDispense     = "dispense"
	NameMedication   = "medication"
)

// Error is a failed backend call. Status is zero for transport-level
// failures.
type Error struct {
	Backend string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: status %d: %s", e.Backend, e.Status, e.Message)
	}
	return fmt.Sprintf("backend %s: %s", e.Backend, e.Message)
}

// Client calls one downstream service.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the named backend. timeout is a transport
// safety net; the effective per-call deadline comes from the breaker's
// context.
func NewClient(name, baseURL string, timeout time.Duration) *Client {
	return &Client{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Name returns the backend name used for breaker and log attribution.
func (c *Client) Name() string {
	return c.name
}

// Get performs a GET with query parameters and decodes the JSON response.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Backend: c.name, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

// Post sends a JSON body and decodes the JSON response.
func (c *Client) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Backend: c.name, Message: "marshal request: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Backend: c.name, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (map[string]any, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Backend: c.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Backend: c.name, Status: resp.StatusCode, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{Backend: c.name, Status: resp.StatusCode, Message: string(truncate(data, 256))}
	}

	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Backend: c.name, Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return out, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
