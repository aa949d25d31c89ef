package access

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/sourcefall/sourcefall/internal/dnscache"
	"github.com/sourcefall/sourcefall/internal/httputil"
	"github.com/sourcefall/sourcefall/internal/proxypool"
)

// Step identifies one rung of the escalation ladder.
type Step string

const (
	StepDirect        Step = "direct"
	StepDNSCloudflare Step = "dns_cloudflare"
	StepDNSGoogle     Step = "dns_google"
	StepProxy         Step = "proxy"
	StepDNSProxy      Step = "dns_proxy"
)

// restrictedLadder is the fixed escalation order for restricted resources.
// Unrestricted resources stop after StepDirect regardless of outcome.
var restrictedLadder = []Step{StepDirect, StepDNSCloudflare, StepDNSGoogle, StepProxy, StepDNSProxy}

// Request is one outbound call as built by the orchestrator. The payload and
// its meaning are opaque here; the resolver only decides how the bytes reach
// the endpoint.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Result is a completed HTTP exchange. Status interpretation is left to the
// caller; the resolver only escalates past steps where the endpoint could
// not be reached at all or answered with a block status.
type Result struct {
	StatusCode int
	Body       []byte
	Step       Step
}

// Config tunes a Resolver.
type Config struct {
	DNS            *dnscache.Resolver
	Proxies        *proxypool.Pool
	AttemptTimeout time.Duration
	ClientConfig   *httputil.ClientConfig
	Logger         *slog.Logger
}

// Resolver performs outbound calls, escalating through DNS-rewrite and proxy
// transports for resources known to be blocked. Successful DNS answers and
// proxy outcomes are cached by the injected collaborators, so later calls to
// the same hostname skip straight to a working transport cheaply.
type Resolver struct {
	dns            *dnscache.Resolver
	proxies        *proxypool.Pool
	attemptTimeout time.Duration
	clientCfg      *httputil.ClientConfig
	direct         *http.Client
	logger         *slog.Logger
}

// NewResolver creates an access resolver.
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil {
		cfg = &Config{}
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientCfg := cfg.ClientConfig
	if clientCfg == nil {
		clientCfg = &httputil.ClientConfig{Timeout: timeout}
	}

	return &Resolver{
		dns:            cfg.DNS,
		proxies:        cfg.Proxies,
		attemptTimeout: timeout,
		clientCfg:      clientCfg,
		direct:         httputil.NewClient(clientCfg),
		logger:         cfg.Logger,
	}
}

// Do issues the request. Unrestricted resources take exactly one direct
// attempt; restricted ones walk the ladder until a step reaches the endpoint.
func (r *Resolver) Do(ctx context.Context, req Request, restricted bool) (*Result, error) {
	if !restricted {
		return r.attempt(ctx, req, StepDirect)
	}

	var lastErr error
	for _, step := range restrictedLadder {
		result, err := r.attempt(ctx, req, step)
		if err == nil && !isBlockStatus(result.StatusCode) {
			return result, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("access: %s returned block status %d", step, result.StatusCode)
		}
		if r.logger != nil {
			r.logger.Debug("Access step failed, escalating",
				"step", step,
				"url", req.URL,
				"error", lastErr,
			)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("access: all escalation steps failed: %w", lastErr)
}

// isBlockStatus reports statuses that indicate network-level blocking rather
// than an application error. These are worth escalating past; anything else
// (including 429 and 5xx) is handed back for the orchestrator to classify.
func isBlockStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusUnavailableForLegalReasons
}

func (r *Resolver) attempt(ctx context.Context, req Request, step Step) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.attemptTimeout)
		defer cancel()
	}

	switch step {
	case StepDirect:
		return r.roundTrip(ctx, req, step, r.direct)
	case StepDNSCloudflare:
		return r.dnsAttempt(ctx, req, step, dnscache.ProviderCloudflare)
	case StepDNSGoogle:
		return r.dnsAttempt(ctx, req, step, dnscache.ProviderGoogle)
	case StepProxy:
		return r.proxyAttempt(ctx, req, step, false)
	case StepDNSProxy:
		return r.proxyAttempt(ctx, req, step, true)
	default:
		return nil, fmt.Errorf("access: unknown step: %s", step)
	}
}

// dnsAttempt resolves the hostname over DoH and redials the connection to the
// resolved IP while keeping the URL (and therefore Host header and SNI)
// untouched. This bypasses DNS-level blocking without breaking virtual
// hosting.
func (r *Resolver) dnsAttempt(ctx context.Context, req Request, step Step, provider dnscache.Provider) (*Result, error) {
	if r.dns == nil {
		return nil, fmt.Errorf("access: DNS resolver not configured")
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("access: invalid URL: %w", err)
	}
	host := parsed.Hostname()

	ip, err := r.dns.PickIP(ctx, host, provider)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, splitErr := net.SplitHostPort(addr)
			if splitErr != nil {
				return nil, splitErr
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		},
	}
	client := httputil.NewClientWithTransport(r.clientCfg, transport)
	defer transport.CloseIdleConnections()

	return r.roundTrip(ctx, req, step, client)
}

// proxyAttempt reissues the request through the top-ranked proxy. With
// withDNS set the URL host is additionally rewritten to a DoH-resolved IP
// (preferring whichever provider is cached) with an explicit Host header, the
// strongest and slowest fallback.
func (r *Resolver) proxyAttempt(ctx context.Context, req Request, step Step, withDNS bool) (*Result, error) {
	if r.proxies == nil {
		return nil, fmt.Errorf("access: proxy pool not configured")
	}

	if err := r.proxies.RefreshIfNeeded(ctx); err != nil && r.logger != nil {
		r.logger.Warn("Proxy pool refresh failed", "error", err)
	}
	proxyAddr, ok := r.proxies.Best()
	if !ok {
		return nil, fmt.Errorf("access: no active proxy available")
	}

	transport, err := proxyTransport(proxyAddr)
	if err != nil {
		return nil, err
	}
	client := httputil.NewClientWithTransport(r.clientCfg, transport)
	defer transport.CloseIdleConnections()

	if withDNS {
		if r.dns == nil {
			return nil, fmt.Errorf("access: DNS resolver not configured")
		}
		rewritten, err := r.rewriteURLToIP(ctx, req)
		if err != nil {
			return nil, err
		}
		req = rewritten
	}

	start := time.Now()
	result, err := r.roundTrip(ctx, req, step, client)
	if err != nil || isBlockStatus(result.StatusCode) {
		r.proxies.RecordFailure(proxyAddr)
		return result, err
	}
	r.proxies.RecordSuccess(proxyAddr, time.Since(start))
	return result, nil
}

// rewriteURLToIP swaps the URL host for a resolved IP and pins the original
// hostname into the Host header and TLS ServerName via the request headers.
func (r *Resolver) rewriteURLToIP(ctx context.Context, req Request) (Request, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return req, fmt.Errorf("access: invalid URL: %w", err)
	}
	host := parsed.Hostname()

	provider := dnscache.ProviderCloudflare
	if cached, ok := r.dns.CachedProvider(host); ok {
		provider = cached
	}
	ip, err := r.dns.PickIP(ctx, host, provider)
	if err != nil {
		return req, err
	}

	port := parsed.Port()
	if port == "" {
		parsed.Host = ip
	} else {
		parsed.Host = net.JoinHostPort(ip, port)
	}

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Host", host)

	return Request{
		Method: req.Method,
		URL:    parsed.String(),
		Header: header,
		Body:   req.Body,
	}, nil
}

// proxyTransport builds a transport for one proxy address. http/https proxies
// go through Transport.Proxy; socks5 addresses get a SOCKS dialer.
func proxyTransport(address string) (*http.Transport, error) {
	proxyURL, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("access: invalid proxy address %q: %w", address, err)
	}

	switch proxyURL.Scheme {
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(proxyURL)}, nil
	case "socks5", "socks5h":
		dialer, err := xproxy.FromURL(proxyURL, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("access: failed to build SOCKS dialer for %q: %w", address, err)
		}
		ctxDialer, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("access: SOCKS dialer for %q does not support context", address)
		}
		return &http.Transport{DialContext: ctxDialer.DialContext}, nil
	default:
		return nil, fmt.Errorf("access: unsupported proxy scheme: %s", proxyURL.Scheme)
	}
}

func (r *Resolver) roundTrip(ctx context.Context, req Request, step Step, client *http.Client) (*Result, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("access: failed to create request: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if host := httpReq.Header.Get("Host"); host != "" {
		// Host is a request field, not a regular header.
		httpReq.Host = host
		httpReq.Header.Del("Host")
		if httpReq.URL.Scheme == "https" {
			if transport, ok := client.Transport.(*http.Transport); ok {
				transport.TLSClientConfig = &tls.Config{ServerName: host}
			}
		}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && r.logger != nil {
			r.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httputil.MaxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("access: failed to read response body: %w", err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       body,
		Step:       step,
	}, nil
}
