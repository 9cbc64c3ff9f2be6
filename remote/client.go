// Package remote talks to the live view API of a running sldsync process.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/timzifer/sldsync/patch"
)

// Status mirrors the loader block of /api/state.
type Status struct {
	State       string     `json:"state"`
	ID          string     `json:"id,omitempty"`
	Error       string     `json:"error,omitempty"`
	LastUpdate  *time.Time `json:"last_update,omitempty"`
	AutoRefresh bool       `json:"auto_refresh"`
	Runtime     bool       `json:"runtime"`
	Cached      []string   `json:"cached"`
}

// State is the /api/state document.
type State struct {
	Loader Status `json:"loader"`
	Scene  struct {
		Revision  uint64 `json:"revision"`
		Pending   int    `json:"pending"`
		Transform string `json:"transform,omitempty"`
	} `json:"scene"`
	Reconcile struct {
		Removed   int    `json:"removed"`
		Inserted  int    `json:"inserted"`
		Updated   int    `json:"updated"`
		Mutations int    `json:"mutations"`
		Skipped   bool   `json:"skipped"`
		Error     string `json:"error,omitempty"`
	} `json:"reconcile"`
	Clients int `json:"clients"`
}

// Client calls the live view endpoints.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for baseURL, e.g. http://localhost:18080.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("remote address is required")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote address: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: u, http: &http.Client{Timeout: timeout}}, nil
}

// State fetches /api/state.
func (c *Client) State(ctx context.Context) (State, error) {
	var st State
	err := c.do(ctx, http.MethodGet, "/api/state", nil, &st)
	return st, err
}

// Scene fetches the rendered SVG.
func (c *Client) Scene(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/api/scene", nil, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Load requests the diagram for id.
func (c *Client) Load(ctx context.Context, id string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, "/api/load", map[string]string{"id": id}, &st)
	return st, err
}

// Refresh triggers a manual refresh.
func (c *Client) Refresh(ctx context.Context) (Status, error) {
	return c.action(ctx, "/api/refresh")
}

// Retry re-attempts a failed load.
func (c *Client) Retry(ctx context.Context) (Status, error) {
	return c.action(ctx, "/api/retry")
}

// ClearCache empties the diagram cache.
func (c *Client) ClearCache(ctx context.Context) (Status, error) {
	return c.action(ctx, "/api/cache/clear")
}

// SetAutoRefresh toggles the periodic refresh.
func (c *Client) SetAutoRefresh(ctx context.Context, enabled bool) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, "/api/autorefresh", map[string]bool{"enabled": enabled}, &st)
	return st, err
}

// SetViewport records a pan/zoom state.
func (c *Client) SetViewport(ctx context.Context, x, y, scale float64) error {
	body := map[string]float64{"x": x, "y": y, "scale": scale}
	return c.do(ctx, http.MethodPost, "/api/viewport", body, nil)
}

// PublishTelemetry posts events and returns how many were accepted.
func (c *Client) PublishTelemetry(ctx context.Context, events ...patch.Event) (int, error) {
	var resp struct {
		Accepted int `json:"accepted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/telemetry", events, &resp); err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}

func (c *Client) action(ctx context.Context, path string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, path, struct{}{}, &st)
	return st, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	switch target := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := io.Copy(target, resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}
}
