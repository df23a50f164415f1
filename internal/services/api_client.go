package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxAPIResponseBytes = 1 << 20

// HTTPAPIDispatcher is the APIDispatcher behind api actions. Each endpoint host
// gets its own circuit breaker.
type HTTPAPIDispatcher struct {
	client   *http.Client
	breakers map[string]*CircuitBreaker
	cbConfig CircuitBreakerConfig
	mu       sync.Mutex
	logger   *logrus.Logger
}

func NewHTTPAPIDispatcher(timeout time.Duration, cbConfig CircuitBreakerConfig, logger *logrus.Logger) *HTTPAPIDispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPAPIDispatcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breakers: make(map[string]*CircuitBreaker),
		cbConfig: cbConfig,
		logger:   logger,
	}
}

func (d *HTTPAPIDispatcher) breakerFor(host string) *CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(d.cbConfig)
		d.breakers[host] = cb
	}
	return cb
}

// Do sends the request. JSON replies are decoded, anything else is returned as a string.
// Status codes >= 400 are errors; only 5xx and transport errors count against the breaker.
func (d *HTTPAPIDispatcher) Do(ctx context.Context, req APIRequest) (*APIResponse, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", req.Endpoint)
	}
	cb := d.breakerFor(u.Host)
	if !cb.Allow() {
		return nil, fmt.Errorf("circuit open for %s", u.Host)
	}

	var body io.Reader
	contentType := ""
	switch b := req.Body.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(b)
		contentType = "text/plain; charset=utf-8"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		cb.OnFailure()
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		cb.OnFailure()
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		cb.OnFailure()
	} else {
		cb.OnSuccess()
	}

	out := &APIResponse{StatusCode: resp.StatusCode}
	var decoded interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		out.Body = decoded
	} else if len(raw) > 0 {
		out.Body = string(raw)
	}

	if resp.StatusCode >= 400 {
		d.logger.WithField("endpoint", req.Endpoint).Warnf("automation api: status %d", resp.StatusCode)
		return out, fmt.Errorf("%s %s: status %d", req.Method, req.Endpoint, resp.StatusCode)
	}
	return out, nil
}

// BreakerStats returns breaker state per endpoint host.
func (d *HTTPAPIDispatcher) BreakerStats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]interface{}, len(d.breakers))
	for host, cb := range d.breakers {
		out[host] = cb.Stats()
	}
	return out
}
