package testhelpers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/sourcefall/sourcefall/internal/catalog"
)

// NewTestLogger creates a logger that discards all output for testing.
// This is used across multiple test files to avoid duplication.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// NewTestResource builds a catalog entry pointing at a test server.
func NewTestResource(id, category, baseEndpoint string, tier catalog.Tier) catalog.Resource {
	return catalog.Resource{
		ID:           id,
		Category:     category,
		BaseEndpoint: baseEndpoint,
		Tier:         tier,
	}
}

// CountingServer wraps an httptest server and counts the requests it served.
type CountingServer struct {
	*httptest.Server
	hits atomic.Int64
}

// Hits returns how many requests the server has handled.
func (s *CountingServer) Hits() int64 {
	return s.hits.Load()
}

// NewCountingServer starts a server that responds with the given status and
// body to every request, counting hits.
func NewCountingServer(status int, body string) *CountingServer {
	s := &CountingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	return s
}

// NewScriptedServer starts a server that calls the handler for every request,
// counting hits. Useful when a test needs to switch behavior mid-sequence.
func NewScriptedServer(handler http.HandlerFunc) *CountingServer {
	s := &CountingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		handler(w, r)
	}))
	return s
}

// DoHHandler returns a handler serving DNS-over-HTTPS JSON answers mapping
// every queried name to the given IPs. Empty ips answers with no records.
func DoHHandler(ips ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		answers := ""
		for i, ip := range ips {
			if i > 0 {
				answers += ","
			}
			answers += `{"name":"` + name + `","type":1,"TTL":300,"data":"` + ip + `"}`
		}
		w.Header().Set("Content-Type", "application/dns-json")
		_, _ = w.Write([]byte(`{"Status":0,"Answer":[` + answers + `]}`))
	}
}
