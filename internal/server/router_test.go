package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcefall/sourcefall/internal/access"
	"github.com/sourcefall/sourcefall/internal/catalog"
	"github.com/sourcefall/sourcefall/internal/ledger"
	"github.com/sourcefall/sourcefall/internal/orchestrator"
	"github.com/sourcefall/sourcefall/internal/stats"
	"github.com/sourcefall/sourcefall/internal/testhelpers"
)

func newTestRouter(t *testing.T, led *ledger.Ledger, resources ...catalog.Resource) *Router {
	t.Helper()
	cat, err := catalog.New(resources)
	require.NoError(t, err)
	if led == nil {
		led = ledger.New(3, 5*time.Minute, time.Hour, testhelpers.NewTestLogger())
	}
	orch := orchestrator.New(&orchestrator.Config{
		Catalog: cat,
		Ledger:  led,
		Access:  access.NewResolver(&access.Config{Logger: testhelpers.NewTestLogger()}),
		Logger:  testhelpers.NewTestLogger(),
	})
	reporter := stats.NewReporter(cat, led, orch, nil)
	return New(orch, reporter, led, cat, "", testhelpers.NewTestLogger())
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil,
		testhelpers.NewTestResource("r1", "news", "https://a.example.com", catalog.TierHigh),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Healthy   bool           `json:"healthy"`
		Available map[string]int `json:"available_by_category"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, 1, body.Available["news"])
}

func TestHealthEndpointAllCoolingDown(t *testing.T) {
	led := ledger.New(1, time.Hour, time.Hour, testhelpers.NewTestLogger())
	led.RecordFailure("r1", ledger.FailureGeneric)

	router := newTestRouter(t, led,
		testhelpers.NewTestResource("r1", "news", "https://a.example.com", catalog.TierHigh),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil,
		testhelpers.NewTestResource("r1", "news", "https://a.example.com", catalog.TierHigh),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Zero(t, snap.TotalFetches)
	require.Len(t, snap.Resources, 1)
	assert.Equal(t, "r1", snap.Resources[0].ID)
}

func TestFetchEndpoint(t *testing.T) {
	var gotQuery url.Values
	upstream := testhelpers.NewScriptedServer(func(w http.ResponseWriter, req *http.Request) {
		gotQuery = req.URL.Query()
		_, _ = w.Write([]byte(`{"price":42}`))
	})
	defer upstream.Close()

	router := newTestRouter(t, nil,
		testhelpers.NewTestResource("r1", "market_data", upstream.URL, catalog.TierHigh),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/fetch?category=market_data&path=/prices&q_symbol=BTC", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ResourceUsed string          `json:"resource_used"`
		Step         string          `json:"step"`
		Payload      json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "r1", body.ResourceUsed)
	assert.Equal(t, "direct", body.Step)
	assert.JSONEq(t, `{"price":42}`, string(body.Payload))

	assert.Equal(t, "BTC", gotQuery.Get("symbol"), "q_ prefix is stripped before forwarding")
}

func TestFetchEndpointWrapsNonJSONPayload(t *testing.T) {
	upstream := testhelpers.NewCountingServer(http.StatusOK, "plain text")
	defer upstream.Close()

	router := newTestRouter(t, nil,
		testhelpers.NewTestResource("r1", "news", upstream.URL, catalog.TierHigh),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetch?category=news", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, `"plain text"`, string(body.Payload))
}

func TestFetchEndpointExhausted(t *testing.T) {
	upstream := testhelpers.NewCountingServer(http.StatusInternalServerError, "boom")
	defer upstream.Close()

	router := newTestRouter(t, nil,
		testhelpers.NewTestResource("r1", "news", upstream.URL, catalog.TierHigh),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fetch?category=news", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFetchEndpointBadRequests(t *testing.T) {
	router := newTestRouter(t, nil,
		testhelpers.NewTestResource("r1", "news", "https://a.example.com", catalog.TierHigh),
	)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"missing category", http.MethodGet, "/fetch", http.StatusBadRequest},
		{"bad max_attempts", http.MethodGet, "/fetch?category=news&max_attempts=nope", http.StatusBadRequest},
		{"negative max_attempts", http.MethodGet, "/fetch?category=news&max_attempts=-1", http.StatusBadRequest},
		{"post not allowed", http.MethodPost, "/fetch?category=news", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUnknownPath(t *testing.T) {
	router := newTestRouter(t, nil,
		testhelpers.NewTestResource("r1", "news", "https://a.example.com", catalog.TierHigh),
	)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
