package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sourcefall/sourcefall/internal/catalog"
	"github.com/sourcefall/sourcefall/internal/ledger"
	"github.com/sourcefall/sourcefall/internal/orchestrator"
	"github.com/sourcefall/sourcefall/internal/stats"
)

// Router is the in-process operator surface: health, statistics, and a
// generic fetch passthrough. The real API layer lives elsewhere; this only
// exposes what the subsystem itself owns.
type Router struct {
	orch       *orchestrator.Orchestrator
	reporter   *stats.Reporter
	ledger     *ledger.Ledger
	catalog    *catalog.Catalog
	healthPath string
	logger     *slog.Logger
}

func New(orch *orchestrator.Orchestrator, reporter *stats.Reporter, led *ledger.Ledger, cat *catalog.Catalog, healthPath string, logger *slog.Logger) *Router {
	if healthPath == "" {
		healthPath = "/health"
	}
	return &Router{
		orch:       orch,
		reporter:   reporter,
		ledger:     led,
		catalog:    cat,
		healthPath: healthPath,
		logger:     logger,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.URL.Path == r.healthPath:
		r.handleHealth(w, req)
	case req.URL.Path == "/stats":
		r.handleStats(w, req)
	case req.URL.Path == "/fetch":
		r.handleFetch(w, req)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

type healthResponse struct {
	Healthy   bool           `json:"healthy"`
	Available map[string]int `json:"available_by_category"`
}

// handleHealth reports whether at least one resource per category is
// currently selectable. The process is unhealthy only when every category
// has nothing left to try.
func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := healthResponse{Available: make(map[string]int)}
	for _, cat := range r.catalog.Categories() {
		count := 0
		for _, res := range r.catalog.ListByCategory(cat) {
			if r.ledger.IsAvailable(res.ID) {
				count++
			}
		}
		body.Available[cat] = count
		if count > 0 {
			body.Healthy = true
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !body.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(body); err != nil && r.logger != nil {
		r.logger.Error("Failed to encode health response", "error", err)
	}
}

func (r *Router) handleStats(w http.ResponseWriter, _ *http.Request) {
	snapshot := r.reporter.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(snapshot); err != nil && r.logger != nil {
		r.logger.Error("Failed to encode stats response", "error", err)
	}
}

type fetchResponse struct {
	ResourceUsed string          `json:"resource_used"`
	Step         string          `json:"step"`
	Payload      json.RawMessage `json:"payload"`
}

// handleFetch is a generic passthrough: ?category=market_data&path=/prices
// plus any upstream query parameters prefixed with q_.
func (r *Router) handleFetch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	params := req.URL.Query()
	category := params.Get("category")
	if category == "" {
		http.Error(w, "category is required", http.StatusBadRequest)
		return
	}

	maxAttempts := 0
	if raw := params.Get("max_attempts"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid max_attempts", http.StatusBadRequest)
			return
		}
		maxAttempts = parsed
	}

	upstreamQuery := url.Values{}
	for key, values := range params {
		if len(key) > 2 && key[:2] == "q_" {
			for _, value := range values {
				upstreamQuery.Add(key[2:], value)
			}
		}
	}

	spec := orchestrator.RequestSpec{
		Path:  params.Get("path"),
		Query: upstreamQuery,
		Race:  params.Get("race") == "true",
	}

	result, err := r.orch.Fetch(req.Context(), category, spec, maxAttempts)
	if err != nil {
		if orchestrator.IsExhausted(err) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	body := fetchResponse{
		ResourceUsed: result.ResourceID,
		Step:         string(result.Step),
	}
	if json.Valid(result.Payload) {
		body.Payload = result.Payload
	} else {
		encoded, _ := json.Marshal(string(result.Payload))
		body.Payload = encoded
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil && r.logger != nil {
		r.logger.Error("Failed to encode fetch response", "error", err)
	}
}
