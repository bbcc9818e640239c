package ops

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

	"opscron/internal/jobs"
)

// Client calls a running ops server. Responses are returned as raw JSON.
type Client struct {
	BaseURL string
	Token   string
	// Caller is sent as X-Caller and keys the server-side rate limits.
	Caller string
	HTTP   *http.Client
}

// APIError is a non-2xx answer from the ops server.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("ops: %d %s: %s", e.Status, e.Code, e.Message)
	if e.RetryAfter != "" {
		msg += " (retry after " + e.RetryAfter + "s)"
	}
	return msg
}

func NewClient(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{BaseURL: base, Token: token, HTTP: &http.Client{}}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Caller != "" {
		req.Header.Set("X-Caller", c.Caller)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return nil, &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error, RetryAfter: resp.Header.Get("Retry-After")}
	}
	return raw, nil
}

func jobPath(name, action string) string {
	return "/ops/jobs/" + url.PathEscape(name) + "/" + action
}

func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/ops/status", nil)
}

func (c *Client) LastRuns(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/ops/last-runs", nil)
}

func (c *Client) Paused(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/ops/paused", nil)
}

func (c *Client) RetryState(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/ops/retry-state", nil)
}

// Trigger blocks until the run finishes.
func (c *Client) Trigger(ctx context.Context, job string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, jobPath(job, "trigger"), nil)
}

func (c *Client) Pause(ctx context.Context, job string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, jobPath(job, "pause"), nil)
}

func (c *Client) Resume(ctx context.Context, job string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, jobPath(job, "resume"), nil)
}

// Reset resets one breaker, or every breaker when job is empty.
func (c *Client) Reset(ctx context.Context, job string) (json.RawMessage, error) {
	if job == "" {
		return c.do(ctx, http.MethodPost, "/ops/breakers/reset", nil)
	}
	return c.do(ctx, http.MethodPost, "/ops/breakers/"+url.PathEscape(job)+"/reset", nil)
}

// UpdateConfig sends the set fields of p.
func (c *Client) UpdateConfig(ctx context.Context, job string, p jobs.Partial) (json.RawMessage, error) {
	ms := func(d *time.Duration) *int64 {
		if d == nil {
			return nil
		}
		v := d.Milliseconds()
		return &v
	}
	return c.do(ctx, http.MethodPatch, jobPath(job, "config"), configPatch{
		TimeoutMs:         ms(p.Timeout),
		MaxRetries:        p.MaxRetries,
		RetryDelayMs:      ms(p.RetryDelay),
		BackoffMultiplier: p.BackoffMultiplier,
		Schedule:          p.Schedule,
	})
}

func (c *Client) AutoHeal(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/ops/autoheal", nil)
}
