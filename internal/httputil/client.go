package httputil

import (
	"net/http"
	"time"
)

const (
	defaultTimeout             = 10 * time.Second
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second

	// MaxResponseSizeBytes caps how much of an upstream body is ever read.
	MaxResponseSizeBytes = 10 * 1024 * 1024
)

// ClientConfig holds configuration for HTTP client creation
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultClientConfig returns HTTP client configuration with sensible defaults
// Used for consistent HTTP client configuration across the application
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:             defaultTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
}

// NewClient creates a new HTTP client with the given configuration.
// This centralized factory ensures consistent HTTP client behavior throughout
// the application. Per-attempt deadlines come from the caller's context, not
// from a global client timeout, so cancellation propagates into every attempt.
func NewClient(cfg *ClientConfig) *http.Client {
	return NewClientWithTransport(cfg, nil)
}

// NewClientWithTransport creates an HTTP client around a pre-built transport.
// The access resolver uses this to install DNS-rewrite dialers and proxy
// functions while keeping the shared connection-pool knobs.
func NewClientWithTransport(cfg *ClientConfig, transport *http.Transport) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = defaultMaxIdleConns
	}

	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = defaultIdleConnTimeout
	}

	if transport == nil {
		transport = &http.Transport{}
	}
	transport.ResponseHeaderTimeout = timeout
	transport.MaxIdleConns = maxIdleConns
	transport.MaxIdleConnsPerHost = maxIdleConnsPerHost
	transport.IdleConnTimeout = idleConnTimeout
	transport.DisableKeepAlives = false

	return &http.Client{
		Timeout:   0, // context deadlines bound each attempt
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
