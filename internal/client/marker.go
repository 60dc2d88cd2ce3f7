package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BuildTimes mirrors the server's build clock response.
type BuildTimes struct {
	BuildStart    int64 `json:"buildStart"`
	HMRApplied    int64 `json:"hmrApplied"`
	BuildTime     int64 `json:"buildTime"`
	HMRUpdateTime int64 `json:"hmrUpdateTime"`
}

// Marker records build and hot-update milestones on a running server, so a
// bundler outside the server can drive the timings it reports.
type Marker struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewMarker(baseURL, token string) (*Marker, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return &Marker{
		baseURL: strings.TrimRight(u.Scheme+"://"+u.Host, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (mk *Marker) BuildStart(ctx context.Context) (BuildTimes, error) {
	return mk.do(ctx, http.MethodPost, "/v1/build/start")
}

func (mk *Marker) HMRApplied(ctx context.Context) (BuildTimes, error) {
	return mk.do(ctx, http.MethodPost, "/v1/hmr/applied")
}

func (mk *Marker) Times(ctx context.Context) (BuildTimes, error) {
	return mk.do(ctx, http.MethodGet, "/v1/build")
}

func (mk *Marker) do(ctx context.Context, method, path string) (BuildTimes, error) {
	var times BuildTimes

	req, err := http.NewRequestWithContext(ctx, method, mk.baseURL+path, nil)
	if err != nil {
		return times, err
	}
	if mk.token != "" {
		req.Header.Set("Authorization", "Bearer "+mk.token)
	}

	resp, err := mk.http.Do(req)
	if err != nil {
		return times, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return times, err
	}
	if resp.StatusCode != http.StatusOK {
		return times, fmt.Errorf("%s returned HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, &times); err != nil {
		return times, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return times, nil
}
