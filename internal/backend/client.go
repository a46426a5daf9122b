// Package backend talks to the lead-generation backend: the single-shot
// start call, the live event stream, and the challenge resume call.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/kalambet/leadchat/internal/errx"
	"github.com/kalambet/leadchat/internal/lead"
)

const (
	DefaultBaseURL        = "http://localhost:5000"
	DefaultMaxReconnects  = 3
	DefaultReconnectDelay = time.Second

	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxErrorBody   = 4 << 10
)

// Client communicates with the lead backend. Calls carry no client-side
// deadline: scraping jobs may legitimately run for minutes, so callers bound
// them with their context.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	maxReconnects  int
	reconnectDelay time.Duration

	log zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithReconnect sets the stream reconnect budget and the initial delay
// between reconnect attempts. max = 0 disables reconnects.
func WithReconnect(max int, delay time.Duration) Option {
	return func(c *Client) {
		if max >= 0 {
			c.maxReconnects = max
		}
		if delay > 0 {
			c.reconnectDelay = delay
		}
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a backend client. An empty baseURL selects
// DefaultBaseURL; an empty apiKey sends no Authorization header.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		apiKey:         apiKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		maxReconnects:  DefaultMaxReconnects,
		reconnectDelay: DefaultReconnectDelay,
		log:            zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the backend root the client is bound to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ResumeRequest re-runs a suspended job with the challenge proof attached.
type ResumeRequest struct {
	SessionID  string      `json:"sessionId"`
	Proof      string      `json:"captchaToken"`
	Prompt     string      `json:"prompt"`
	Source     lead.Source `json:"source"`
	MaxResults int         `json:"maxResults"`
}

// Fetch runs the acquisition as a single blocking call and returns the raw
// response body. Non-2xx replies become *errx.AppError.
func (c *Client) Fetch(ctx context.Context, req lead.AcquisitionRequest) ([]byte, error) {
	return c.postJSON(ctx, "/api/leads", req)
}

// Resume submits a solved challenge. The session id is sent back unchanged.
func (c *Client) Resume(ctx context.Context, req ResumeRequest) ([]byte, error) {
	if req.SessionID == "" {
		return nil, errors.New("resume: session id is required")
	}
	return c.postJSON(ctx, "/api/captcha/solve", req)
}

// Health probes the backend root. Any HTTP answer counts as reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff

	out, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.doPost(ctx, path, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxRetries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Warn().Err(err).Str("path", path).Dur("wait", wait).Msg("backend rate limited, retrying")
		}),
	)
	if err != nil {
		var rl *rateLimitError
		if errors.As(err, &rl) {
			return nil, errx.Upstream(rl.status, rl.body)
		}
		return nil, err
	}
	return out, nil
}

// rateLimitError is returned on HTTP 429 and is the only retried failure.
type rateLimitError struct {
	status int
	body   string
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (c *Client) doPost(ctx context.Context, path string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		text := readErrorBody(resp.Body)
		rl := &rateLimitError{status: resp.StatusCode, body: text}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, errors.Join(rl, backoff.RetryAfter(secs))
		}
		return nil, rl
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, backoff.Permanent(errx.Upstream(resp.StatusCode, readErrorBody(resp.Body)))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("reading response: %w", err))
	}
	return out, nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(b)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", "leadchat")
}
