package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	"github.com/sourcefall/sourcefall/internal/access"
	"github.com/sourcefall/sourcefall/internal/catalog"
	"github.com/sourcefall/sourcefall/internal/ledger"
	"github.com/sourcefall/sourcefall/internal/logger"
	"github.com/sourcefall/sourcefall/internal/monitoring"
)

const defaultMaxRaceWidth = 3

// RequestSpec describes a logical request. The path, query, and payload are
// opaque to the orchestrator; it only attaches the per-resource endpoint and
// auth before handing the call to the access resolver.
type RequestSpec struct {
	Method string // defaults to GET
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// Race opts a fetch into racing candidates inside a tier. Callers must
	// tolerate duplicate side effects upstream.
	Race bool

	// Validate, when set, rejects a 2xx payload that fails validation so a
	// malformed body never counts as a success.
	Validate func(payload []byte) error
}

// FetchResult is a validated success from exactly one resource.
type FetchResult struct {
	Payload    []byte
	ResourceID string
	StatusCode int
	Step       access.Step
}

// Counters is a snapshot of orchestrator-level counters for reporting.
type Counters struct {
	TotalFetches      int64
	Successes         int64
	Exhausted         int64
	ResourceAttempts  map[string]int64
	ResourceSuccesses map[string]int64
	TierWins          map[string]int64
}

// Config wires an Orchestrator.
type Config struct {
	Catalog      *catalog.Catalog
	Ledger       *ledger.Ledger
	Access       *access.Resolver
	Metrics      *monitoring.Metrics
	Logger       *slog.Logger
	MaxRaceWidth int
}

// Orchestrator is the central fallback control loop: it builds a tier-ordered
// candidate list, walks it sequentially or races inside a tier, records every
// outcome in the health ledger, and returns the first success or an
// exhaustion error. One instance serves all categories.
type Orchestrator struct {
	catalog      *catalog.Catalog
	ledger       *ledger.Ledger
	access       *access.Resolver
	metrics      *monitoring.Metrics
	logger       *slog.Logger
	maxRaceWidth int
	racePool     pond.Pool

	mu                sync.RWMutex
	totalFetches      int64
	successes         int64
	exhausted         int64
	resourceAttempts  map[string]int64
	resourceSuccesses map[string]int64
	tierWins          map[string]int64
}

// New creates an orchestrator.
func New(cfg *Config) *Orchestrator {
	if cfg.Catalog == nil {
		panic("orchestrator.New: catalog must not be nil")
	}
	if cfg.Ledger == nil {
		panic("orchestrator.New: ledger must not be nil")
	}
	if cfg.Access == nil {
		panic("orchestrator.New: access resolver must not be nil")
	}
	width := cfg.MaxRaceWidth
	if width <= 0 {
		width = defaultMaxRaceWidth
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = monitoring.New(false)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		catalog:           cfg.Catalog,
		ledger:            cfg.Ledger,
		access:            cfg.Access,
		metrics:           metrics,
		logger:            log,
		maxRaceWidth:      width,
		racePool:          pond.NewPool(width),
		resourceAttempts:  make(map[string]int64),
		resourceSuccesses: make(map[string]int64),
		tierWins:          make(map[string]int64),
	}
}

// Fetch resolves a logical request against the category's resources.
// maxAttempts caps how many resources may be tried; <= 0 means all of them.
// The returned error is an *ExhaustedError when no candidate succeeded.
func (o *Orchestrator) Fetch(ctx context.Context, category string, spec RequestSpec, maxAttempts int) (*FetchResult, error) {
	reqID := uuid.NewString()
	o.mu.Lock()
	o.totalFetches++
	o.mu.Unlock()

	candidates := o.selectCandidates(category, maxAttempts)
	if len(candidates) == 0 {
		o.metrics.RecordFetch(category, false)
		o.mu.Lock()
		o.exhausted++
		o.mu.Unlock()
		return nil, &ExhaustedError{Category: category, Attempted: 0}
	}

	o.logger.Debug("Fetch started",
		"request_id", reqID,
		"category", category,
		"candidates", len(candidates),
		"race", spec.Race,
	)

	attempted := 0
	for _, tierGroup := range groupByTier(candidates) {
		var result *FetchResult
		if spec.Race && len(tierGroup) > 1 {
			result = o.raceTier(ctx, tierGroup, spec, reqID, &attempted)
		} else {
			result = o.sequentialTier(ctx, tierGroup, spec, reqID, &attempted)
		}
		if result != nil {
			o.recordFetchSuccess(category, result, tierGroup[0].Tier)
			return result, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	o.metrics.RecordFetch(category, false)
	o.mu.Lock()
	o.exhausted++
	o.mu.Unlock()

	o.logger.Warn("Fetch exhausted",
		"request_id", reqID,
		"category", category,
		"attempted", attempted,
	)
	return nil, &ExhaustedError{Category: category, Attempted: attempted}
}

// selectCandidates filters the catalog list through the health ledger and
// caps it at maxAttempts. The catalog order (tier ascending, declaration
// order inside a tier) is preserved.
func (o *Orchestrator) selectCandidates(category string, maxAttempts int) []catalog.Resource {
	all := o.catalog.ListByCategory(category)
	candidates := make([]catalog.Resource, 0, len(all))
	for _, res := range all {
		if !o.ledger.IsAvailable(res.ID) {
			o.metrics.RecordCandidateRejected("cooling_down")
			continue
		}
		candidates = append(candidates, res)
	}
	if maxAttempts > 0 && len(candidates) > maxAttempts {
		candidates = candidates[:maxAttempts]
	}
	return candidates
}

// groupByTier splits a tier-sorted candidate list into per-tier groups.
func groupByTier(candidates []catalog.Resource) [][]catalog.Resource {
	var groups [][]catalog.Resource
	for _, res := range candidates {
		n := len(groups)
		if n == 0 || groups[n-1][0].Tier != res.Tier {
			groups = append(groups, []catalog.Resource{res})
			continue
		}
		groups[n-1] = append(groups[n-1], res)
	}
	return groups
}

// sequentialTier tries one candidate at a time, best score first. Scores are
// recomputed at tier entry: a failure earlier in this same fetch may already
// have changed them.
func (o *Orchestrator) sequentialTier(ctx context.Context, tierGroup []catalog.Resource, spec RequestSpec, reqID string, attempted *int) *FetchResult {
	ordered := make([]catalog.Resource, len(tierGroup))
	copy(ordered, tierGroup)
	scores := make(map[string]float64, len(ordered))
	for _, res := range ordered {
		scores[res.ID] = o.ledger.PriorityScore(res.ID)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return scores[ordered[i].ID] > scores[ordered[j].ID]
	})

	for _, res := range ordered {
		if ctx.Err() != nil {
			return nil
		}
		*attempted++
		if result := o.attempt(ctx, res, spec, reqID); result != nil {
			return result
		}
	}
	return nil
}

// raceTier issues candidates concurrently in batches of maxRaceWidth, takes
// the first success, and cancels the losers.
func (o *Orchestrator) raceTier(ctx context.Context, tierGroup []catalog.Resource, spec RequestSpec, reqID string, attempted *int) *FetchResult {
	for start := 0; start < len(tierGroup); start += o.maxRaceWidth {
		end := start + o.maxRaceWidth
		if end > len(tierGroup) {
			end = len(tierGroup)
		}
		batch := tierGroup[start:end]

		raceCtx, cancel := context.WithCancel(ctx)
		group := o.racePool.NewGroupContext(raceCtx)
		groupCtx := group.Context()

		var winnerMu sync.Mutex
		var winner *FetchResult

		for _, res := range batch {
			res := res
			*attempted++
			group.Submit(func() {
				if groupCtx.Err() != nil {
					return
				}
				result := o.attempt(groupCtx, res, spec, reqID)
				if result == nil {
					return
				}
				winnerMu.Lock()
				if winner == nil {
					winner = result
					cancel()
				}
				winnerMu.Unlock()
			})
		}

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			o.logger.Warn("Race batch finished with error",
				"request_id", reqID,
				"error", err,
			)
		}
		cancel()

		if winner != nil {
			return winner
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// attempt performs one call against one resource and records the outcome.
// Returns nil on failure; the failure itself is absorbed into the ledger.
func (o *Orchestrator) attempt(ctx context.Context, res catalog.Resource, spec RequestSpec, reqID string) *FetchResult {
	o.mu.Lock()
	o.resourceAttempts[res.ID]++
	o.mu.Unlock()

	req, err := buildRequest(res, spec)
	if err != nil {
		o.logger.Error("Failed to build request",
			"request_id", reqID,
			"resource", res.ID,
			"error", err,
		)
		o.ledger.RecordFailure(res.ID, ledger.FailureGeneric)
		return nil
	}

	start := time.Now()
	result, err := o.access.Do(ctx, req, res.Restricted)
	latency := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
			// A cancelled race loser is not a health signal.
			return nil
		}
		kind := classifyTransportError(err)
		o.failAttempt(res, kind, 0, latency, reqID, err, nil)
		return nil
	}

	if result.StatusCode < 200 || result.StatusCode > 299 {
		kind := classifyStatus(result.StatusCode, result.Body)
		o.failAttempt(res, kind, result.StatusCode, latency, reqID, nil, result.Body)
		return nil
	}

	if spec.Validate != nil {
		if err := spec.Validate(result.Body); err != nil {
			o.failAttempt(res, KindUpstreamError, result.StatusCode, latency, reqID, err, result.Body)
			return nil
		}
	}

	o.ledger.RecordSuccess(res.ID, latency)
	o.metrics.RecordAttempt(res.ID, result.StatusCode, latency)
	o.metrics.RecordEscalationStep(string(result.Step))

	o.mu.Lock()
	o.resourceSuccesses[res.ID]++
	o.mu.Unlock()

	o.logger.Debug("Attempt succeeded",
		"request_id", reqID,
		"resource", res.ID,
		"step", result.Step,
		"latency", latency,
	)

	return &FetchResult{
		Payload:    result.Body,
		ResourceID: res.ID,
		StatusCode: result.StatusCode,
		Step:       result.Step,
	}
}

func (o *Orchestrator) failAttempt(res catalog.Resource, kind FailureKind, statusCode int, latency time.Duration, reqID string, cause error, body []byte) {
	o.ledger.RecordFailure(res.ID, kind.LedgerKind())
	o.metrics.RecordAttempt(res.ID, statusCode, latency)

	o.logger.Debug("Attempt failed",
		"request_id", reqID,
		"resource", res.ID,
		"kind", kind.String(),
		"status", statusCode,
		"error", cause,
		"body", logger.Preview(body, 256),
	)
}

func (o *Orchestrator) recordFetchSuccess(category string, result *FetchResult, tier catalog.Tier) {
	o.metrics.RecordFetch(category, true)
	o.metrics.RecordTierWin(tier.String())
	o.mu.Lock()
	o.successes++
	o.tierWins[tier.String()]++
	o.mu.Unlock()
}

// Counters returns a copy of the orchestrator-level counters.
func (o *Orchestrator) Counters() Counters {
	o.mu.RLock()
	defer o.mu.RUnlock()

	c := Counters{
		TotalFetches:      o.totalFetches,
		Successes:         o.successes,
		Exhausted:         o.exhausted,
		ResourceAttempts:  make(map[string]int64, len(o.resourceAttempts)),
		ResourceSuccesses: make(map[string]int64, len(o.resourceSuccesses)),
		TierWins:          make(map[string]int64, len(o.tierWins)),
	}
	for k, v := range o.resourceAttempts {
		c.ResourceAttempts[k] = v
	}
	for k, v := range o.resourceSuccesses {
		c.ResourceSuccesses[k] = v
	}
	for k, v := range o.tierWins {
		c.TierWins[k] = v
	}
	return c
}

// buildRequest attaches the resource endpoint and auth to the opaque spec.
func buildRequest(res catalog.Resource, spec RequestSpec) (access.Request, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	base := strings.TrimSuffix(res.BaseEndpoint, "/")
	path := spec.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if res.Auth.Mode == catalog.AuthPathKey {
		if secret := res.Auth.Secret(); secret != "" {
			path = path + "/" + secret
		}
	}

	target, err := url.Parse(base + path)
	if err != nil {
		return access.Request{}, err
	}

	query := target.Query()
	for key, values := range spec.Query {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	if res.Auth.Mode == catalog.AuthQueryKey {
		if secret := res.Auth.Secret(); secret != "" {
			query.Set(res.Auth.Name, secret)
		}
	}
	target.RawQuery = query.Encode()

	header := spec.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if res.Auth.Mode == catalog.AuthHeaderKey {
		if secret := res.Auth.Secret(); secret != "" {
			header.Set(res.Auth.Name, secret)
		}
	}

	return access.Request{
		Method: method,
		URL:    target.String(),
		Header: header,
		Body:   spec.Body,
	}, nil
}
