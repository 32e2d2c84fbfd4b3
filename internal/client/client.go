// Package client talks to the sentinel daemon's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/phoenixguard/sentinel/internal/gateway"
	"github.com/phoenixguard/sentinel/internal/store/sqlite"
	"github.com/phoenixguard/sentinel/pkg/hotreload"
	"github.com/phoenixguard/sentinel/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall timeout; event streams stay open.
	streamClient *http.Client
}

// HTTPError is a non-2xx API response.
type HTTPError struct {
	Method     string
	Path       string
	Status     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Status, body)
}

// New returns a client for baseURL. A "unix:///path" base dials the daemon over
// a unix socket.
func New(baseURL string, apiKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	transport := http.DefaultTransport
	if sock, ok := strings.CutPrefix(baseURL, "unix://"); ok {
		transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		}
		baseURL = "http://unix"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		streamClient: &http.Client{Transport: transport},
	}
}

// Status is the body of GET /api/v1/status.
type Status struct {
	Status    gateway.Status `json:"status"`
	ModeName  string         `json:"mode_name"`
	KillChain string         `json:"kill_chain"`
	InitError string         `json:"init_error,omitempty"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Logs returns the audit log, or its last tail records when tail > 0.
func (c *Client) Logs(ctx context.Context, tail int) ([]types.AuditRecord, error) {
	var q url.Values
	if tail > 0 {
		q = url.Values{"tail": {strconv.Itoa(tail)}}
	}
	var out []types.AuditRecord
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/logs", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Report returns the rendered analysis report. format is json or markdown.
func (c *Client) Report(ctx context.Context, level, format string) ([]byte, error) {
	q := url.Values{}
	if level != "" {
		q.Set("level", level)
	}
	if format != "" {
		q.Set("format", format)
	}
	return c.doRaw(ctx, http.MethodGet, "/api/v1/report", q)
}

// Decoy returns the first size bytes of the decoy image, or all of it when size is empty.
func (c *Client) Decoy(ctx context.Context, size string) ([]byte, error) {
	var q url.Values
	if size != "" {
		q = url.Values{"size": {size}}
	}
	return c.doRaw(ctx, http.MethodGet, "/api/v1/decoy", q)
}

func (c *Client) SetMode(ctx context.Context, m types.Mode) error {
	return c.doJSON(ctx, http.MethodPut, "/api/v1/mode", nil, map[string]any{"mode": m.String()}, nil)
}

func (c *Client) Reset(ctx context.Context) (gateway.Status, error) {
	var out gateway.Status
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/reset", nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) SearchEvents(ctx context.Context, q url.Values) ([]types.Event, error) {
	var out []types.Event
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Incidents(ctx context.Context) ([]sqlite.Incident, error) {
	var out []sqlite.Incident
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/incidents", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReloadStatus(ctx context.Context) (hotreload.ConfigManagerStatus, error) {
	var out hotreload.ConfigManagerStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/reload", nil, nil, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) TriggerReload(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/reload", nil, nil, nil)
}

// StreamEvents opens the SSE event stream, optionally limited to eventTypes.
// The caller closes the returned body.
func (c *Client) StreamEvents(ctx context.Context, eventTypes []string) (io.ReadCloser, error) {
	u := c.baseURL + "/api/v1/events/stream"
	if len(eventTypes) > 0 {
		u += "?" + url.Values{"type": {strings.Join(eventTypes, ",")}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, httpError(http.MethodGet, "/api/v1/events/stream", resp)
	}
	return resp.Body, nil
}

func (c *Client) doRaw(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(method, path, resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	c.addAuth(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func httpError(method, path string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &HTTPError{
		Method:     method,
		Path:       path,
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Body:       string(b),
	}
}

func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
