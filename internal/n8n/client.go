package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	DefaultBaseURL        = "http://localhost:5678"
	DefaultTimeout        = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	maxResponseBodyLength = 4 << 20
)

// TimeoutError is returned when a webhook call exceeds the client timeout
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request timed out after %dms", e.Timeout.Milliseconds())
}

// StatusError is returned when n8n answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("n8n webhook failed with status %d", e.StatusCode)
}

// Client triggers n8n workflows through their webhook URLs
type Client struct {
	baseURL       string
	timeout       time.Duration
	healthTimeout time.Duration
	httpClient    *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithTimeout overrides the per-call webhook timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHealthTimeout overrides the health check timeout
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.healthTimeout = d
		}
	}
}

// WithHTTPClient sets the underlying HTTP client (for instrumented transports)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates an n8n client. An empty baseURL falls back to
// N8N_BASE_URL and then to DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("N8N_BASE_URL")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		timeout:       DefaultTimeout,
		healthTimeout: DefaultHealthTimeout,
		httpClient:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized n8n base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TriggerWebhook posts payload as JSON to {base}/webhook/{slug} and returns
// the decoded response body. Non-JSON bodies are returned as a string and
// empty bodies as nil.
func (c *Client) TriggerWebhook(ctx context.Context, slug string, payload any) (any, error) {
	if strings.TrimSpace(slug) == "" {
		return nil, fmt.Errorf("webhook slug is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/webhook/%s", c.baseURL, url.PathEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &TimeoutError{Timeout: c.timeout}
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLength))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &TimeoutError{Timeout: c.timeout}
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return decodeBody(respBody), nil
}

// HealthCheck reports whether n8n answers GET {base}/healthz with a 2xx
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// isTimeout covers both the call deadline and an http.Client.Timeout set on
// a shared client, which can fire first.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func decodeBody(body []byte) any {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return string(body)
	}
	return decoded
}
