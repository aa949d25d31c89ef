package proxypool

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourcefall/sourcefall/internal/testhelpers"
)

func TestSeedNormalization(t *testing.T) {
	p := NewPool(&Config{Seed: []string{
		"10.0.0.1:8080",
		"socks5://10.0.0.2:1080",
		"http://10.0.0.3:3128/",
		"  ",
		"# comment",
		"no-port-here",
	}})

	snap := p.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "http://10.0.0.1:8080", snap[0].Address)
	assert.Equal(t, "http://10.0.0.3:3128", snap[1].Address)
	assert.Equal(t, "socks5://10.0.0.2:1080", snap[2].Address)
	assert.Equal(t, 3, p.ActiveCount())
}

func TestBestPrefersHigherSuccessRate(t *testing.T) {
	p := NewPool(&Config{Seed: []string{"10.0.0.1:8080", "10.0.0.2:8080"}})

	p.RecordSuccess("http://10.0.0.1:8080", 100*time.Millisecond)
	p.RecordFailure("http://10.0.0.1:8080")
	p.RecordSuccess("http://10.0.0.2:8080", 200*time.Millisecond)

	best, ok := p.Best()
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.2:8080", best)
}

func TestBestTieBreaksOnLatency(t *testing.T) {
	p := NewPool(&Config{Seed: []string{"10.0.0.1:8080", "10.0.0.2:8080"}})

	p.RecordSuccess("http://10.0.0.1:8080", 300*time.Millisecond)
	p.RecordSuccess("http://10.0.0.2:8080", 50*time.Millisecond)

	best, ok := p.Best()
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.2:8080", best)
}

func TestDeactivationAfterThreshold(t *testing.T) {
	p := NewPool(&Config{
		Seed:               []string{"10.0.0.1:8080"},
		DeactivateThreshold: 3,
		Logger:              testhelpers.NewTestLogger(),
	})

	addr := "http://10.0.0.1:8080"
	p.RecordFailure(addr)
	p.RecordFailure(addr)
	assert.Equal(t, 1, p.ActiveCount())

	p.RecordFailure(addr)
	assert.Equal(t, 0, p.ActiveCount())

	_, ok := p.Best()
	assert.False(t, ok, "deactivated proxies must not be selected")
}

func TestRefreshReplacesActiveSet(t *testing.T) {
	listing := testhelpers.NewCountingServer(http.StatusOK, "10.0.0.9:8080\n10.0.0.10:8080\n")
	defer listing.Close()

	p := NewPool(&Config{
		Seed:       []string{"10.0.0.1:8080"},
		ListingURL: listing.URL,
		Logger:     testhelpers.NewTestLogger(),
	})

	require.NoError(t, p.Refresh(context.Background()))

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "http://10.0.0.10:8080", snap[0].Address)
	assert.Equal(t, "http://10.0.0.9:8080", snap[1].Address)
}

func TestRefreshCarriesOverSurvivorCounters(t *testing.T) {
	listing := testhelpers.NewCountingServer(http.StatusOK, "10.0.0.1:8080\n10.0.0.2:8080\n")
	defer listing.Close()

	p := NewPool(&Config{
		Seed:       []string{"10.0.0.1:8080"},
		ListingURL: listing.URL,
	})
	p.RecordSuccess("http://10.0.0.1:8080", 100*time.Millisecond)

	require.NoError(t, p.Refresh(context.Background()))

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].SuccessCount, "survivor keeps its record")
	assert.Equal(t, int64(0), snap[1].SuccessCount)
}

func TestRefreshRespectsTargetSize(t *testing.T) {
	listing := testhelpers.NewCountingServer(http.StatusOK,
		"10.0.0.1:8080\n10.0.0.2:8080\n10.0.0.3:8080\n10.0.0.4:8080\n")
	defer listing.Close()

	p := NewPool(&Config{ListingURL: listing.URL, TargetSize: 2})
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, 2, p.ActiveCount())
}

func TestRefreshEmptyListingFails(t *testing.T) {
	listing := testhelpers.NewCountingServer(http.StatusOK, "\n# only comments\n")
	defer listing.Close()

	p := NewPool(&Config{ListingURL: listing.URL})
	err := p.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no proxies")
}

func TestRefreshListingHTTPError(t *testing.T) {
	listing := testhelpers.NewCountingServer(http.StatusForbidden, "")
	defer listing.Close()

	p := NewPool(&Config{ListingURL: listing.URL})
	err := p.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestRefreshIfNeededSkipsFreshPool(t *testing.T) {
	listing := testhelpers.NewCountingServer(http.StatusOK, "10.0.0.2:8080\n")
	defer listing.Close()

	p := NewPool(&Config{
		Seed:       []string{"10.0.0.1:8080"},
		ListingURL: listing.URL,
	})

	require.NoError(t, p.RefreshIfNeeded(context.Background()))
	assert.Equal(t, int64(0), listing.Hits(), "fresh seeded pool must not refresh")
}

func TestRefreshIfNeededWithoutListingIsNoop(t *testing.T) {
	p := NewPool(&Config{})
	assert.NoError(t, p.RefreshIfNeeded(context.Background()))
}

func TestBestEmptyPool(t *testing.T) {
	p := NewPool(nil)
	_, ok := p.Best()
	assert.False(t, ok)
}

func TestStale(t *testing.T) {
	p := NewPool(&Config{RefreshInterval: time.Hour})
	assert.True(t, p.Stale(), "empty pool is stale")

	p2 := NewPool(&Config{Seed: []string{"10.0.0.1:8080"}, RefreshInterval: time.Hour})
	assert.False(t, p2.Stale())
}
