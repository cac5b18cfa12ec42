// Package apiclient calls the time-tracking REST API on behalf of a
// workspace. It makes exactly one request per Call; retrying is left to the
// caller.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"webhook-rules/internal/common/errors"
	"webhook-rules/internal/common/logging"
)

const (
	// TokenHeader carries the workspace installation token
	TokenHeader = "X-Addon-Token"

	maxResponseBytes = 1 << 20
)

// Response is what the API answered
type Response struct {
	StatusCode int
	Body       []byte
	// RetryAfter is the parsed Retry-After header, zero when absent
	RetryAfter time.Duration
}

// Err returns nil for 2xx responses and a *StatusError otherwise
func (r *Response) Err() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	return &StatusError{
		StatusCode: r.StatusCode,
		Body:       truncate(string(r.Body)),
		retryAfter: r.RetryAfter,
	}
}

// Caller performs one API request
type Caller interface {
	Call(ctx context.Context, method, path string, body []byte) (*Response, error)
}

type Config struct {
	Timeout time.Duration
	// RateLimit is the sustained requests per second allowed per workspace
	RateLimit float64
	Burst     int
	UserAgent string
}

func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		RateLimit: 25,
		Burst:     5,
		UserAgent: "webhook-rules/1.0",
	}
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpClient
	}
}

// Client holds the shared transport and the per-workspace rate limiters
type Client struct {
	config   Config
	http     *http.Client
	limiters *gocache.Cache
	logger   logging.Logger
}

func New(config Config, logger logging.Logger, opts ...Option) *Client {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	c := &Client{
		config: config,
		http: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiters: gocache.New(time.Hour, 10*time.Minute),
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "api_client"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForWorkspace returns a Caller authenticated with the workspace's token
func (c *Client) ForWorkspace(workspaceID, baseURL, token string) *WorkspaceClient {
	return &WorkspaceClient{
		client:      c,
		workspaceID: workspaceID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		limiter:     c.limiterFor(workspaceID),
	}
}

// limiterFor returns the workspace's limiter, or nil when pacing is off.
// An evicted limiter is recreated with a full bucket.
func (c *Client) limiterFor(workspaceID string) *rate.Limiter {
	if c.config.RateLimit <= 0 {
		return nil
	}
	if existing, ok := c.limiters.Get(workspaceID); ok {
		return existing.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(c.config.RateLimit), c.config.Burst)
	if err := c.limiters.Add(workspaceID, limiter, gocache.DefaultExpiration); err != nil {
		if existing, ok := c.limiters.Get(workspaceID); ok {
			return existing.(*rate.Limiter)
		}
	}
	return limiter
}

type WorkspaceClient struct {
	client      *Client
	workspaceID string
	baseURL     string
	token       string
	limiter     *rate.Limiter
}

// Call sends one request. Transport failures are returned as transient
// errors; any HTTP status is returned as a Response.
func (w *WorkspaceClient) Call(ctx context.Context, method, path string, body []byte) (*Response, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, errors.TransientError("rate limiter wait aborted", err)
		}
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, reader)
	if err != nil {
		return nil, errors.ValidationErrorf("invalid request %s %s: %v", method, path, err)
	}
	req.Header.Set(TokenHeader, w.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", w.client.config.UserAgent)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := w.client.http.Do(req)
	if err != nil {
		w.client.logger.Warn("API request failed",
			logging.Field{Key: "workspace_id", Value: w.workspaceID},
			logging.Field{Key: "method", Value: method},
			logging.Field{Key: "path", Value: path},
			logging.Field{Key: "error", Value: err.Error()},
		)
		return nil, errors.TransientError(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.TransientError("failed to read API response", err)
	}

	w.client.logger.Debug("API request completed",
		logging.Field{Key: "workspace_id", Value: w.workspaceID},
		logging.Field{Key: "method", Value: method},
		logging.Field{Key: "path", Value: path},
		logging.Field{Key: "status", Value: resp.StatusCode},
		logging.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       data,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}, nil
}
