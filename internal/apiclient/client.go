// Package apiclient performs authenticated calls against the Smarther API.
//
// Every request carries a bearer token from the token store. A 401 answer
// forces one refresh and one retry of the same request; a second 401 is
// returned as auth.ErrTokenRejected.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	retry "github.com/appleboy/go-httpretry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/go-authgate/smarther-cli/internal/auth"
	"github.com/go-authgate/smarther-cli/internal/transport"
)

const (
	DefaultBaseURL   = "https://api.developer.legrand.com/smarther/v2.0"
	DefaultRateLimit = 5 // requests per second

	// SubscriptionKeyHeader carries the developer portal subscription key.
	SubscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
)

// TokenSource hands out bearer tokens. *auth.Store implements it.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, rejected string) (string, error)
}

// Observer is told about the refresh-and-retry path.
type Observer interface {
	AccessTokenRejected()
	TokenRefreshedRetrying()
}

type noopObserver struct{}

func (noopObserver) AccessTokenRejected()    {}
func (noopObserver) TokenRefreshedRetrying() {}

// Client is an HTTP client bound to one token source.
type Client struct {
	tokens          TokenSource
	baseURL         string
	subscriptionKey string
	limiter         *rate.Limiter
	httpClient      *retry.Client
	observer        Observer
}

// Option configures the client
type Option func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithSubscriptionKey sets the Ocp-Apim-Subscription-Key sent on every request
func WithSubscriptionKey(key string) Option {
	return func(c *Client) {
		c.subscriptionKey = key
	}
}

// WithRateLimit sets the rate limit. Zero or less disables limiting.
func WithRateLimit(requestsPerSecond int) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithRetryClient sets the underlying HTTP client
func WithRetryClient(rc *retry.Client) Option {
	return func(c *Client) {
		c.httpClient = rc
	}
}

// WithObserver reports token rejections and retries
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// New creates a client that authenticates with tokens.
func New(tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	c := &Client{
		tokens:   tokens,
		baseURL:  DefaultBaseURL,
		limiter:  rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		rc, err := transport.NewRetryClient("smarther-api")
		if err != nil {
			return nil, err
		}
		c.httpClient = rc
	}
	return c, nil
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// Do sends req with a bearer token. On 401 it forces one token refresh and
// resends req once; the caller owns the returned response body.
//
// A request body is buffered so it can be replayed on the retry.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	token, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	log.Debugf("%s %s: access token rejected, forcing refresh", req.Method, req.URL.Path)
	c.observer.AccessTokenRejected()

	token, err = c.tokens.ForceRefresh(ctx, token)
	if err != nil {
		return nil, err
	}
	c.observer.TokenRefreshedRetrying()

	resp, err = c.send(ctx, req, token)
	if err != nil {
		return nil, fmt.Errorf("retry failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &auth.AuthError{
			Kind: auth.ErrTokenRejected,
			Err: &APIError{
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(string(body)),
				Endpoint:   req.URL.Path,
			},
		}
	}
	return resp, nil
}

// Call sends method to baseURL+path and returns the response body. Non-2xx
// answers are returned as *APIError.
func (c *Client) Call(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			Endpoint:   path,
		}
	}
	return respBody, nil
}

func (c *Client) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+token)
	if c.subscriptionKey != "" {
		r.Header.Set(SubscriptionKeyHeader, c.subscriptionKey)
	}

	resp, err := c.httpClient.DoWithContext(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
