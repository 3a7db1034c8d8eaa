// Package remote talks to the server-side REST API: replaying queued
// mutations, listing collections for pulls and probing reachability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/kalambet/fieldsync/internal/entity"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 10 << 20 // 10MB
	maxRetries      = 3
	initialBackoff  = 500 * time.Millisecond
)

// Sender replays a single request against the remote.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Fetcher lists the remote copy of a collection.
type Fetcher interface {
	FetchAll(ctx context.Context, path string) ([]*entity.Entity, error)
}

// Client is the HTTP implementation of Sender and Fetcher. It keeps a cookie
// jar so session cookies set by the remote travel with every later request.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a client for the API rooted at baseURL. token is sent as
// a bearer credential when non-empty. A timeout <= 0 selects 15s.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		userAgent: "fieldsync",
	}, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Resolve turns a target into an absolute URL.
func (c *Client) Resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return c.baseURL + "/" + strings.TrimLeft(target, "/")
}

// Send performs req once. A non-2xx answer yields both a Response with
// OK=false and a *StatusError.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, c.Resolve(req.URL), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	c.setHeaders(httpReq, len(req.Body) > 0)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	out := &Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
	}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && json.Valid(trimmed) {
		out.JSON = json.RawMessage(trimmed)
	}
	if !out.OK {
		return out, &StatusError{Status: resp.StatusCode, Body: truncate(string(raw), 200)}
	}
	return out, nil
}

// FetchAll lists a collection. The remote may answer with a bare JSON array
// or with {"data": [...]}. Rate-limited answers are retried with backoff.
func (c *Client) FetchAll(ctx context.Context, path string) ([]*entity.Entity, error) {
	var lastErr error
	for attempt := range maxRetries {
		resp, err := c.Send(ctx, Request{Method: http.MethodGet, URL: path})
		if err == nil {
			return decodeList(resp.JSON)
		}
		if !isRateLimit(err) {
			return nil, fmt.Errorf("fetching %s: %w", path, err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("fetching %s: rate limited after %d retries: %w", path, maxRetries, lastErr)
}

func isRateLimit(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Status == http.StatusTooManyRequests
}

func decodeList(raw json.RawMessage) ([]*entity.Entity, error) {
	if len(raw) == 0 {
		return []*entity.Entity{}, nil
	}
	var list []*entity.Entity
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decoding entity list: %w", err)
		}
	} else {
		var wrapped struct {
			Data []*entity.Entity `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decoding entity list: %w", err)
		}
		list = wrapped.Data
	}
	out := list[:0]
	for _, e := range list {
		if e != nil && e.ID != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

// Ping reports whether url answers at all. Any HTTP status counts as
// reachable; only transport failures do not.
func (c *Client) Ping(ctx context.Context, url string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.Resolve(url), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	resp.Body.Close()
	return nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if hasBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", c.userAgent)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
