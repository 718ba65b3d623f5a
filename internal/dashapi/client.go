// Package dashapi is the HTTP client for the dashboard's pull endpoints.
package dashapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	PathDashboard      = "/api/dashboard"
	PathQuickDashboard = "/api/quick_dashboard"
	PathInstantStatus  = "/api/instant_status"
	PathForceUpdate    = "/api/force_update"

	DefaultTimeout = 5 * time.Second

	maxBody = 1 << 20
)

var ErrForceRejected = errors.New("force update rejected")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.URL, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: http %d", e.Method, e.URL, e.Code)
}

// Snapshot is the authoritative counter pair.
type Snapshot struct {
	TotalRecords    int       `json:"total_records"`
	UniqueEmployees int       `json:"unique_employees"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Dashboard is the full dashboard payload; only the fields used here are decoded.
type Dashboard struct {
	Connected       bool   `json:"connected"`
	Monitoring      bool   `json:"monitoring"`
	TotalRecords    *int   `json:"total_records,omitempty"`
	UniqueEmployees *int   `json:"unique_employees,omitempty"`
	LastUpdate      string `json:"last_update,omitempty"`
}

// Snapshot extracts counters when the payload carries both of them.
func (d Dashboard) Snapshot(at time.Time) (Snapshot, bool) {
	if d.TotalRecords == nil || d.UniqueEmployees == nil {
		return Snapshot{}, false
	}
	return Snapshot{TotalRecords: max(*d.TotalRecords, 0), UniqueEmployees: max(*d.UniqueEmployees, 0), FetchedAt: at}, true
}

// InstantStatus is the watchdog payload.
type InstantStatus struct {
	Connected  *bool  `json:"connected,omitempty"`
	Monitoring bool   `json:"monitoring"`
	Status     string `json:"status,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
}

type forceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its Timeout is left as is.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

type Client struct {
	base *url.URL
	http *http.Client
	now  func() time.Time
}

// New builds a client for baseURL (scheme and host, optional path prefix).
func New(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("dashapi: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("dashapi: base url %q must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("dashapi: base url %q has no host", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: timeout},
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var d Dashboard
	err := c.do(ctx, http.MethodGet, PathDashboard, &d)
	return d, err
}

// QuickDashboard fetches the counter snapshot.
func (c *Client) QuickDashboard(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	if err := c.do(ctx, http.MethodGet, PathQuickDashboard, &s); err != nil {
		return Snapshot{}, err
	}
	s.TotalRecords = max(s.TotalRecords, 0)
	s.UniqueEmployees = max(s.UniqueEmployees, 0)
	s.FetchedAt = c.now()
	return s, nil
}

func (c *Client) InstantStatus(ctx context.Context) (InstantStatus, error) {
	var s InstantStatus
	err := c.do(ctx, http.MethodGet, PathInstantStatus, &s)
	return s, err
}

// ForceUpdate asks the server to rebroadcast the dashboard.
func (c *Client) ForceUpdate(ctx context.Context) error {
	var r forceResponse
	if err := c.do(ctx, http.MethodPost, PathForceUpdate, &r); err != nil {
		return err
	}
	if !r.Success {
		msg := r.Error
		if msg == "" {
			msg = r.Message
		}
		if msg == "" {
			return ErrForceRejected
		}
		return fmt.Errorf("%w: %s", ErrForceRejected, msg)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	u := c.base.JoinPath(path)
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("dashapi: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dashapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("dashapi: %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return &StatusError{Method: method, URL: u.String(), Code: resp.StatusCode, Body: snippet}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("dashapi: %s %s: decode: %w", method, path, err)
	}
	return nil
}
