package proxypool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcefall/sourcefall/internal/httputil"
	"github.com/sourcefall/sourcefall/internal/ratelimit"
	"github.com/sourcefall/sourcefall/internal/utils"
)

const (
	defaultRefreshInterval     = 10 * time.Minute
	defaultTargetSize          = 20
	defaultDeactivateThreshold = 5

	// minListingFetchInterval guards the external listing source against
	// repeated refresh attempts when the pool keeps coming up empty.
	minListingFetchInterval = 10 * time.Second
)

// Record is a read-only view of one proxy's health.
type Record struct {
	Address      string
	SuccessCount int64
	FailureCount int64
	AvgLatency   time.Duration
	IsActive     bool
}

// entry is the mutable pool-internal state for one proxy.
type entry struct {
	address      string
	successCount int64
	failureCount int64
	avgLatency   time.Duration
	isActive     bool
}

func (e *entry) successRate() float64 {
	attempts := e.successCount + e.failureCount
	if attempts == 0 {
		return 1.0 // untried proxies rank above known-bad ones
	}
	return float64(e.successCount) / float64(attempts)
}

// Config tunes a Pool.
type Config struct {
	// ListingURL is the external proxy-listing source. Empty disables
	// refresh; the pool then only serves seeded proxies.
	ListingURL string
	// Seed is the static proxy list loaded at startup.
	Seed                []string
	RefreshInterval     time.Duration
	TargetSize          int
	DeactivateThreshold int64
	Client              *http.Client
	Logger              *slog.Logger
}

// Pool maintains a set of forward proxies ranked by success rate. Refresh
// replaces the whole active set at once (copy-and-swap on the entries map)
// so concurrent readers never observe a half-updated pool.
type Pool struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	lastRefresh time.Time

	listingURL          string
	refreshInterval     time.Duration
	targetSize          int
	deactivateThreshold int64
	client              *http.Client
	limiter             *ratelimit.IntervalLimiter
	logger              *slog.Logger
}

// NewPool creates a proxy pool seeded from cfg.Seed.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = &Config{}
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	targetSize := cfg.TargetSize
	if targetSize <= 0 {
		targetSize = defaultTargetSize
	}
	threshold := cfg.DeactivateThreshold
	if threshold <= 0 {
		threshold = defaultDeactivateThreshold
	}
	client := cfg.Client
	if client == nil {
		client = httputil.NewClient(&httputil.ClientConfig{Timeout: 5 * time.Second})
	}

	p := &Pool{
		entries:             make(map[string]*entry),
		listingURL:          cfg.ListingURL,
		refreshInterval:     interval,
		targetSize:          targetSize,
		deactivateThreshold: threshold,
		client:              client,
		limiter:             ratelimit.NewIntervalLimiter(),
		logger:              cfg.Logger,
	}
	p.seed(cfg.Seed)
	return p
}

func (p *Pool) seed(addresses []string) {
	if len(addresses) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range addresses {
		addr = normalizeAddress(addr)
		if addr == "" {
			continue
		}
		p.entries[addr] = &entry{address: addr, isActive: true}
	}
	p.lastRefresh = utils.NowUTC()
}

// Best returns the active proxy with the highest success rate, ties broken by
// lower average latency then address for determinism.
func (p *Pool) Best() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *entry
	for _, e := range p.entries {
		if !e.isActive {
			continue
		}
		if best == nil || betterThan(e, best) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.address, true
}

func betterThan(a, b *entry) bool {
	ra, rb := a.successRate(), b.successRate()
	if ra != rb {
		return ra > rb
	}
	if a.avgLatency != b.avgLatency {
		return a.avgLatency < b.avgLatency
	}
	return a.address < b.address
}

// RecordSuccess registers a successful call through a proxy.
func (p *Pool) RecordSuccess(address string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[address]
	if !ok {
		return
	}
	e.successCount++
	if e.avgLatency == 0 {
		e.avgLatency = latency
	} else {
		e.avgLatency = (e.avgLatency + latency) / 2
	}
}

// RecordFailure registers a failed call through a proxy. Proxies past the
// failure threshold are deactivated until the next full refresh.
func (p *Pool) RecordFailure(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[address]
	if !ok {
		return
	}
	e.failureCount++
	if e.failureCount >= p.deactivateThreshold && e.isActive {
		e.isActive = false
		if p.logger != nil {
			p.logger.Warn("Proxy deactivated",
				"proxy", address,
				"failures", e.failureCount,
			)
		}
	}
}

// ActiveCount returns how many proxies are currently usable.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, e := range p.entries {
		if e.isActive {
			count++
		}
	}
	return count
}

// Stale reports whether the pool is empty or past its refresh interval.
func (p *Pool) Stale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.entries) == 0 {
		return true
	}
	return utils.NowUTC().Sub(p.lastRefresh) >= p.refreshInterval
}

// RefreshIfNeeded refreshes the pool when it has no active proxies or has
// gone stale. Missing listing URL is not an error; seeded pools just keep
// their current set.
func (p *Pool) RefreshIfNeeded(ctx context.Context) error {
	if p.listingURL == "" {
		return nil
	}
	if p.ActiveCount() > 0 && !p.Stale() {
		return nil
	}
	return p.Refresh(ctx)
}

// Refresh fetches the listing source and replaces the whole active set.
// Counters of proxies that survive the refresh are carried over.
func (p *Pool) Refresh(ctx context.Context) error {
	if p.listingURL == "" {
		return fmt.Errorf("proxypool: no listing source configured")
	}

	if err := p.limiter.Wait(ctx, "listing", minListingFetchInterval); err != nil {
		return fmt.Errorf("proxypool: listing fetch rate limited: %w", err)
	}

	addresses, err := p.fetchListing(ctx)
	if err != nil {
		return err
	}
	if len(addresses) > p.targetSize {
		addresses = addresses[:p.targetSize]
	}

	next := make(map[string]*entry, len(addresses))
	p.mu.Lock()
	for _, addr := range addresses {
		if existing, ok := p.entries[addr]; ok && existing.isActive {
			next[addr] = existing
			continue
		}
		next[addr] = &entry{address: addr, isActive: true}
	}
	p.entries = next
	p.lastRefresh = utils.NowUTC()
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Info("Proxy pool refreshed",
			"size", len(next),
			"source", p.listingURL,
		)
	}
	return nil
}

// Start runs the periodic refresh loop. Blocks until the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	if p.listingURL == "" {
		return
	}

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	if p.logger != nil {
		p.logger.Info("Proxy pool refresher started",
			"interval", p.refreshInterval,
			"target_size", p.targetSize,
		)
	}

	for {
		select {
		case <-ctx.Done():
			if p.logger != nil {
				p.logger.Info("Proxy pool refresher stopped")
			}
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil && p.logger != nil {
				p.logger.Warn("Proxy pool refresh failed", "error", err)
			}
		}
	}
}

// Snapshot returns a copy of every proxy record, sorted by address.
func (p *Pool) Snapshot() []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Record, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Record{
			Address:      e.address,
			SuccessCount: e.successCount,
			FailureCount: e.failureCount,
			AvgLatency:   e.avgLatency,
			IsActive:     e.isActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// fetchListing downloads the listing source and parses one proxy per line.
func (p *Pool) fetchListing(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.listingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("proxypool: failed to create listing request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxypool: listing fetch failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil && p.logger != nil {
			p.logger.Debug("Failed to close listing response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxypool: listing source returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, httputil.MaxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("proxypool: failed to read listing: %w", err)
	}

	var addresses []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		addr := normalizeAddress(scanner.Text())
		if addr != "" {
			addresses = append(addresses, addr)
		}
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("proxypool: listing source returned no proxies")
	}
	return addresses, nil
}

// normalizeAddress trims a listing line and defaults the scheme to http.
// Lines without a host:port shape are dropped.
func normalizeAddress(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	if !strings.Contains(line, "://") {
		line = "http://" + line
	}
	if !strings.Contains(strings.TrimSuffix(line[strings.Index(line, "://")+3:], "/"), ":") {
		return ""
	}
	return strings.TrimSuffix(line, "/")
}
