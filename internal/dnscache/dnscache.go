package dnscache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sourcefall/sourcefall/internal/httputil"
	"github.com/sourcefall/sourcefall/internal/ratelimit"
	"github.com/sourcefall/sourcefall/internal/utils"
)

// Provider identifies a DNS-over-HTTPS provider.
type Provider string

const (
	ProviderCloudflare Provider = "cloudflare"
	ProviderGoogle     Provider = "google"
)

const (
	cloudflareEndpoint = "https://cloudflare-dns.com/dns-query"
	googleEndpoint     = "https://dns.google/resolve"

	defaultCacheSize = 1024
	defaultTTL       = 5 * time.Minute

	// minQueryInterval keeps escalation bursts from hammering the resolvers.
	minQueryInterval = 50 * time.Millisecond
)

// Entry is one cached DoH answer. Expiry is enforced by the cache itself;
// ResolvedAt and Provider are kept for reporting and for the combined
// escalation step, which prefers whichever provider answered last.
type Entry struct {
	IPs        []string
	Provider   Provider
	ResolvedAt time.Time
}

// dohAnswer mirrors the JSON answer object returned by both providers.
type dohAnswer struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	TTL  int    `json:"TTL"`
	Data string `json:"data"`
}

type dohResponse struct {
	Status int         `json:"Status"`
	Answer []dohAnswer `json:"Answer"`
}

// Config tunes a Resolver. Zero values fall back to defaults; Endpoints
// overrides the provider URLs (tests point them at an httptest server).
type Config struct {
	CacheSize int
	TTL       time.Duration
	Endpoints map[Provider]string
	Client    *http.Client
	Logger    *slog.Logger
}

// Resolver resolves hostnames via DNS-over-HTTPS and caches answers in an
// expiring LRU. Safe for concurrent use; the cache handles its own locking.
type Resolver struct {
	cache     *expirable.LRU[string, Entry]
	client    *http.Client
	limiter   *ratelimit.IntervalLimiter
	endpoints map[Provider]string
	logger    *slog.Logger
}

// NewResolver creates a DoH resolver with an expiring answer cache.
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil {
		cfg = &Config{}
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	client := cfg.Client
	if client == nil {
		client = httputil.NewClient(&httputil.ClientConfig{Timeout: 5 * time.Second})
	}
	endpoints := map[Provider]string{
		ProviderCloudflare: cloudflareEndpoint,
		ProviderGoogle:     googleEndpoint,
	}
	for p, e := range cfg.Endpoints {
		endpoints[p] = e
	}

	return &Resolver{
		cache:     expirable.NewLRU[string, Entry](size, nil, ttl),
		client:    client,
		limiter:   ratelimit.NewIntervalLimiter(),
		endpoints: endpoints,
		logger:    cfg.Logger,
	}
}

// Resolve returns the A records for a hostname using the given provider.
// Cached answers are served regardless of which provider produced them;
// the provider only matters on a cache miss.
func (r *Resolver) Resolve(ctx context.Context, hostname string, provider Provider) ([]string, error) {
	if entry, ok := r.cache.Get(hostname); ok {
		return entry.IPs, nil
	}

	ips, err := r.query(ctx, hostname, provider)
	if err != nil {
		return nil, err
	}

	r.cache.Add(hostname, Entry{
		IPs:        ips,
		Provider:   provider,
		ResolvedAt: utils.NowUTC(),
	})
	return ips, nil
}

// PickIP resolves the hostname and returns one IP chosen at random,
// distributing load across multiple A records.
func (r *Resolver) PickIP(ctx context.Context, hostname string, provider Provider) (string, error) {
	ips, err := r.Resolve(ctx, hostname, provider)
	if err != nil {
		return "", err
	}
	return ips[rand.Intn(len(ips))], nil
}

// CachedProvider returns which provider produced the live cache entry for a
// hostname, if any. The combined escalation step uses this to skip a provider
// that already failed.
func (r *Resolver) CachedProvider(hostname string) (Provider, bool) {
	entry, ok := r.cache.Get(hostname)
	if !ok {
		return "", false
	}
	return entry.Provider, true
}

// Purge drops every cached answer.
func (r *Resolver) Purge() {
	r.cache.Purge()
}

// Len returns the number of live cache entries.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

func (r *Resolver) query(ctx context.Context, hostname string, provider Provider) ([]string, error) {
	endpoint, ok := r.endpoints[provider]
	if !ok {
		return nil, fmt.Errorf("dnscache: unknown provider: %s", provider)
	}

	if err := r.limiter.Wait(ctx, string(provider), minQueryInterval); err != nil {
		return nil, fmt.Errorf("dnscache: query rate limited: %w", err)
	}

	queryURL := fmt.Sprintf("%s?name=%s&type=A", endpoint, url.QueryEscape(hostname))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dnscache: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dnscache: %s query failed: %w", provider, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && r.logger != nil {
			r.logger.Debug("Failed to close DoH response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dnscache: %s returned status %d", provider, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("dnscache: failed to read %s response: %w", provider, err)
	}

	var parsed dohResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("dnscache: failed to parse %s response: %w", provider, err)
	}
	if parsed.Status != 0 {
		return nil, fmt.Errorf("dnscache: %s answered with DNS status %d for %s", provider, parsed.Status, hostname)
	}

	var ips []string
	for _, ans := range parsed.Answer {
		if ans.Type == 1 { // A record
			ips = append(ips, ans.Data)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dnscache: %s returned no A records for %s", provider, hostname)
	}

	if r.logger != nil {
		r.logger.Debug("Resolved hostname via DoH",
			"hostname", hostname,
			"provider", provider,
			"ips", len(ips),
		)
	}
	return ips, nil
}
