package http

import (
	"fmt"
	"net/http"
	"time"

	"mahjong_analysis/backend/go/internal/config"
	"mahjong_analysis/backend/go/pkg/circuitbreaker"
)

// Client is a custom HTTP client that wraps the standard http.Client
// and provides built-in support for circuit breaking.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new Client. When the breaker is disabled the
// default transport is used unchanged.
func NewClient(cfg config.CircuitBreakerConfig, timeout time.Duration) (*Client, error) {
	transport, err := NewTransport(cfg, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// DefaultBreakerConfig trips after five consecutive failures and probes
// again after thirty seconds.
func DefaultBreakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          "30s",
	}
}

// Do executes an HTTP request with circuit breaker protection.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// NewTransport wraps base (http.DefaultTransport when nil) with a breaker
// that counts transport errors and 5xx responses as failures. The object
// store client uses it so an unreachable bucket fails downloads fast.
func NewTransport(cfg config.CircuitBreakerConfig, base http.RoundTripper) (http.RoundTripper, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	if !cfg.Enabled {
		return base, nil
	}
	breaker, err := createCircuitBreaker(cfg)
	if err != nil {
		return nil, err
	}
	return &breakerTransport{base: base, breaker: breaker}, nil
}

type breakerTransport struct {
	base    http.RoundTripper
	breaker circuitbreaker.CircuitBreaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	_, err := t.breaker.Execute(func() (interface{}, error) {
		var err error
		resp, err = t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("server error: received status code %d", resp.StatusCode)
		}
		return nil, nil
	})
	if resp != nil {
		// A 5xx response still goes back to the caller so it can read the body;
		// the breaker has already counted it.
		return resp, nil
	}
	return nil, err
}
