// Package restapi holds the thin JSON and GraphQL clients for providers
// that expose positions over HTTP instead of chain RPC.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/provider"
	"github.com/emperorhan/position-aggregator/internal/retry"
)

const (
	maxErrorBody = 512

	// DefaultMaxBodyBytes caps a decoded response body.
	DefaultMaxBodyBytes = 16 << 20
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Client is a JSON-over-HTTP client bound to one provider base URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
	provider   model.Provider
	headers    http.Header
	maxBody    int64
	logger     *slog.Logger
}

type Option func(*Client)

// WithHeader sets a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxBodyBytes caps response bodies; a larger body fails the request
// permanently. Non-positive values keep the default.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(p model.Provider, baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		provider:   p,
		headers:    make(http.Header),
		maxBody:    DefaultMaxBodyBytes,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "restapi", "provider", p.Slug())
	return c
}

// GetJSON issues GET baseURL+path?query and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, target, nil, out)
}

// PostJSON issues POST baseURL+path with a JSON body and decodes the reply.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return provider.Permanent("", fmt.Errorf("marshal request: %w", err))
	}
	return c.do(ctx, http.MethodPost, c.baseURL+path, raw, out)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return provider.Permanent("", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ProviderHTTPDuration.WithLabelValues(c.provider.Slug()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderHTTPRequests.WithLabelValues(c.provider.Slug(), "error").Inc()
		// Transport failures say nothing about the request itself.
		return provider.Transient(fmt.Errorf("%s %s: %w", method, req.URL.Path, err))
	}
	defer resp.Body.Close()
	metrics.ProviderHTTPRequests.WithLabelValues(c.provider.Slug(), strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return provider.Transient(fmt.Errorf("read response: %w", err))
	}
	if int64(len(respBody)) > c.maxBody {
		return provider.Permanent("", fmt.Errorf("%s response exceeds %d bytes", req.URL.Path, c.maxBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(respBody)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		c.logger.Debug("provider request failed", "path", req.URL.Path, "status", resp.StatusCode)
		return classify(&StatusError{StatusCode: resp.StatusCode, Body: snippet})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return provider.Permanent("", fmt.Errorf("decode %s response: %w", req.URL.Path, err))
	}
	return nil
}

func classify(err *StatusError) error {
	if retry.Classify(err).IsTransient() {
		return provider.Transient(err)
	}
	return provider.Permanent("", err)
}
