package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/diagram"
)

const maxResponseBytes = 64 << 20

// ErrTimeout reports a backend request that exceeded its deadline.
var ErrTimeout = errors.New("timeout")

// HTTPFetcher retrieves snapshots from GET {base}/diagrams/{id}, which answers
// with {"svg": "...", "metadata": {...}}.
type HTTPFetcher struct {
	base   *url.URL
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPFetcher creates a fetcher for baseURL.
func NewHTTPFetcher(baseURL string, timeout time.Duration, logger zerolog.Logger) (*HTTPFetcher, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	return &HTTPFetcher{
		base:   u,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "http_fetcher").Str("backend", u.Redacted()).Logger(),
	}, nil
}

type snapshotPayload struct {
	SVG      string          `json:"svg"`
	Metadata json.RawMessage `json:"metadata"`
}

// Fetch implements diagram.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, id diagram.Identifier) (diagram.Snapshot, error) {
	endpoint := f.base.JoinPath("diagrams", string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return diagram.Snapshot{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return diagram.Snapshot{}, ErrTimeout
		}
		return diagram.Snapshot{}, fmt.Errorf("fetch diagram %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return diagram.Snapshot{}, fmt.Errorf("%w: %s", diagram.ErrNotFound, id)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return diagram.Snapshot{}, fmt.Errorf("fetch diagram %s: unexpected status %s", id, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return diagram.Snapshot{}, fmt.Errorf("read diagram %s: %w", id, err)
	}
	var payload snapshotPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return diagram.Snapshot{}, fmt.Errorf("decode diagram %s: %w", id, err)
	}
	if strings.TrimSpace(payload.SVG) == "" {
		return diagram.Snapshot{}, fmt.Errorf("decode diagram %s: empty svg", id)
	}
	meta, err := DecodeMetadata(payload.Metadata)
	if err != nil {
		return diagram.Snapshot{}, fmt.Errorf("diagram %s: %w", id, err)
	}
	f.logger.Debug().Str("diagram", string(id)).Int("bytes", len(body)).Msg("diagram fetched")
	return diagram.Snapshot{SVG: payload.SVG, Metadata: meta}, nil
}
