// Package clients provides the HTTP client used for every collaborator call:
// registry, metadata, remote provider, local storage and notifications.
package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/marketsync/pkg/errors"
	"github.com/ajitpratap0/marketsync/pkg/metrics"
)

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Service labels metrics and logs, e.g. "registry" or "provider"
	Service string

	RequestTimeout      time.Duration
	DialTimeout         time.Duration
	MaxIdleConnsPerHost int
	EnableHTTP2         bool

	// Rate limiting (requests per second, 0 = unlimited)
	RateLimit float64
	RateBurst int

	// Circuit breaker (FailureThreshold 0 disables it)
	FailureThreshold int
	OpenTimeout      time.Duration
}

// DefaultHTTPConfig returns default configuration for a collaborator client
func DefaultHTTPConfig(service string) *HTTPConfig {
	return &HTTPConfig{
		Service:             service,
		RequestTimeout:      30 * time.Second,
		DialTimeout:         10 * time.Second,
		MaxIdleConnsPerHost: 16,
		EnableHTTP2:         true,
		RateLimit:           50,
		RateBurst:           10,
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
	}
}

// HTTPClient wraps net/http with rate limiting, a circuit breaker, bearer
// token injection, gzip decoding, and status-code to error-type mapping.
type HTTPClient struct {
	config         *HTTPConfig
	logger         *zap.Logger
	httpClient     *http.Client
	limiter        *rate.Limiter
	circuitBreaker *CircuitBreaker
}

// Request describes one collaborator call.
type Request struct {
	Method string
	URL    string
	// Token is sent as a bearer token when not empty
	Token string
	// Body is encoded as JSON when not nil
	Body interface{}
	// Header carries extra headers
	Header http.Header
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// NewHTTPClient creates a new collaborator HTTP client
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig("default")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "http_client"), zap.String("service", config.Service))

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// gzip is negotiated and decoded explicitly in readBody
		DisableCompression: true,
	}
	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	client := &HTTPClient{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
	}

	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	if config.FailureThreshold > 0 {
		client.circuitBreaker = NewCircuitBreaker(config.FailureThreshold, config.OpenTimeout, logger)
	}

	return client
}

// DoJSON performs req and decodes a JSON response body into out (when out is not nil).
func (c *HTTPClient) DoJSON(ctx context.Context, req Request, out interface{}) error {
	body, _, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode response").
			WithDetail("service", c.config.Service).
			WithDetail("url", req.URL)
	}
	return nil
}

// Do performs req and returns the decoded body and response headers.
func (c *HTTPClient) Do(ctx context.Context, req Request) ([]byte, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "rate limit wait")
		}
	}

	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return nil, nil, errors.New(errors.ErrorTypeTransientNetwork, "circuit breaker open").
			WithDetail("service", c.config.Service)
	}

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.clientFor(ctx, req.Token).Do(httpReq)
	if err != nil {
		c.recordFailure()
		metrics.HTTPRequests.WithLabelValues(c.config.Service, "error").Inc()
		return nil, nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "request failed").
			WithDetail("service", c.config.Service).
			WithDetail("url", req.URL)
	}
	defer resp.Body.Close()

	metrics.HTTPRequests.WithLabelValues(c.config.Service, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := readBody(resp)
	if err != nil {
		c.recordFailure()
		return nil, nil, errors.Wrap(err, errors.ErrorTypeTransientNetwork, "read response").
			WithDetail("service", c.config.Service)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		c.recordFailure()
	} else {
		c.recordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
		return nil, resp.Header, errors.Wrap(statusErr, classifyStatus(resp.StatusCode), req.Method+" "+req.URL).
			WithDetail("service", c.config.Service)
	}

	return body, resp.Header, nil
}

// clientFor returns a client that injects token as a bearer credential.
func (c *HTTPClient) clientFor(ctx context.Context, token string) *http.Client {
	if token == "" {
		return c.httpClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	client.Timeout = c.config.RequestTimeout
	return client
}

func (c *HTTPClient) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "encode request")
		}
		body = bytes.NewReader(payload)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "build request")
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept-Encoding", "gzip")
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", "marketsync/1.0")
	}
	return httpReq, nil
}

func (c *HTTPClient) recordFailure() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
}

func (c *HTTPClient) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}

// Close releases idle connections
func (c *HTTPClient) Close() {
	c.httpClient.CloseIdleConnections()
}

func readBody(resp *http.Response) ([]byte, error) {
	reader := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

func classifyStatus(code int) errors.ErrorType {
	switch {
	case code == http.StatusNotFound:
		return errors.ErrorTypeNotFound
	case code == http.StatusConflict:
		return errors.ErrorTypeConflict
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return errors.ErrorTypeTransientNetwork
	default:
		return errors.ErrorTypeValidation
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
