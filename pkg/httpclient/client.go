package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/metrics"
)

const (
	// DefaultTimeout is the default request timeout
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024
)

// ErrResponseTooLarge is returned while reading a body above MaxResponseSize
var ErrResponseTooLarge = errors.New("response body too large")

// Config holds HTTP client configuration
type Config struct {
	Timeout            time.Duration
	MaxIdleConns       int
	IdleConnTimeout    time.Duration
	DisableCompression bool
	DisableKeepAlives  bool
	MaxResponseSize    int64
}

// DefaultConfig returns default HTTP client configuration
func DefaultConfig() Config {
	return Config{
		Timeout:            DefaultTimeout,
		MaxIdleConns:       100,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
		DisableKeepAlives:  false,
		MaxResponseSize:    MaxResponseSize,
	}
}

// New creates the outbound HTTP client shared by provider calls. Every request
// is logged, measured and capped at the configured response size.
func New(cfg Config, logger ectologger.Logger) *http.Client {
	transport := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		MaxIdleConns:       cfg.MaxIdleConns,
		IdleConnTimeout:    cfg.IdleConnTimeout,
		DisableCompression: cfg.DisableCompression,
		DisableKeepAlives:  cfg.DisableKeepAlives,
	}

	return &http.Client{
		Transport: NewTransport(transport, cfg.MaxResponseSize, logger),
		Timeout:   cfg.Timeout,
	}
}

// Transport instruments a base round tripper
type Transport struct {
	base    http.RoundTripper
	maxSize int64
	logger  ectologger.Logger
}

func NewTransport(base http.RoundTripper, maxSize int64, logger ectologger.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if maxSize <= 0 {
		maxSize = MaxResponseSize
	}
	return &Transport{base: base, maxSize: maxSize, logger: logger}
}

// RoundTrip logs without the query string, which may carry codes or tokens.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	target := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)
	if err != nil {
		metrics.RecordHTTPRequest(req.Method, "error", duration.Seconds())
		t.logger.WithContext(req.Context()).WithError(err).Errorf("HTTP request failed: %s %s", req.Method, target)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	metrics.RecordHTTPRequest(req.Method, strconv.Itoa(resp.StatusCode), duration.Seconds())
	t.logger.WithContext(req.Context()).Debugf("HTTP %s %s -> %d (%s)", req.Method, target, resp.StatusCode, duration)

	if resp.ContentLength > t.maxSize {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrResponseTooLarge, resp.ContentLength, t.maxSize)
	}
	resp.Body = &limitedBody{ReadCloser: resp.Body, remaining: t.maxSize}
	return resp, nil
}

type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrResponseTooLarge
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, ErrResponseTooLarge
	}
	return n, err
}
