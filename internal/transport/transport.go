// Package transport builds the HTTP clients used for vendor endpoints.
//
// Token and device requests are not idempotent, so the retry client only
// resends a request the server explicitly refused to process (429).
package transport

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
	log "github.com/sirupsen/logrus"
)

const (
	maxThrottleRetries = 2
	initialRetryDelay  = time.Second
	maxRetryDelay      = 10 * time.Second
)

// NewHTTPClient returns the base HTTP client used for vendor endpoints.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// RetryOnThrottle reports whether a request should be resent. Only 429 is
// retried: transport errors and 5xx answers may have been acted on already.
func RetryOnThrottle(err error, resp *http.Response) bool {
	return err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests
}

// NewRetryClient returns a retry client that resends throttled requests and
// logs through logrus. opts are applied after the defaults.
func NewRetryClient(component string, opts ...retry.Option) (*retry.Client, error) {
	defaults := []retry.Option{
		retry.WithHTTPClient(NewHTTPClient()),
		retry.WithRetryableChecker(RetryOnThrottle),
		retry.WithMaxRetries(maxThrottleRetries),
		retry.WithInitialRetryDelay(initialRetryDelay),
		retry.WithMaxRetryDelay(maxRetryDelay),
		retry.WithRespectRetryAfter(true),
		retry.WithJitter(true),
		retry.WithLogger(NewLogger(log.WithField("component", component))),
	}
	c, err := retry.NewClient(append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return c, nil
}
