package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serpius-project/analytics/internal/cache"
	"github.com/serpius-project/analytics/internal/config"
	"github.com/serpius-project/analytics/internal/types"
)

func testConfig(base string) config.Config {
	return config.Config{
		DataBaseURL:      base,
		PriceFeedPath:    "/index_price_%s_v1.json",
		ExchangeDataPath: "/exchange_data.json",
		StatsPath:        "/stats_data.json",
		RevenueStatsPath: "/stats_revenue_data.json",
		RequestTimeout:   5 * time.Second,
		PriceFeedTTL:     time.Minute,
		ExchangeTTL:      time.Minute,
		StatsTTL:         time.Minute,
	}
}

func TestPriceFeedExplodesComposition(t *testing.T) {
	feed := `[
		{"timestamp": 1709290800000, "value": 100, "value_btc": 1.5,
		 "assets": ["0xaaa", "0xbbb"], "balances": [1.0, 2.0]},
		{"timestamp": 1709377200000, "value": 110, "value_btc": 1.6,
		 "assets": ["0xaaa"], "balances": [1.0, 2.0]}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/index_price_ethereum_v1.json", r.URL.Path)
		w.Write([]byte(feed))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), cache.New())
	data, err := client.PriceFeed(context.Background(), types.ChainEthereum)
	require.NoError(t, err)

	// both records yield observations
	require.Len(t, data.Observations, 2)
	assert.Equal(t, 100.0, data.Observations[0].Value)
	assert.Equal(t, "ethereum", data.Observations[0].Chain)

	// the second record's arrays disagree in length, so only the first
	// record contributes composition rows
	require.Len(t, data.Composition, 2)
	assert.Equal(t, "0xbbb", data.Composition[1].Asset)
	assert.Equal(t, 2.0, data.Composition[1].Balance)
	assert.Equal(t, 1.5, data.Composition[1].ValueBTC)
}

func TestStatsServedFromCache(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"ethereum": {"total_users": 10, "total_tvl": 500}}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), cache.New())

	for i := 0; i < 3; i++ {
		stats, err := client.Stats(context.Background())
		require.NoError(t, err)
		require.Len(t, stats, 1)
		assert.Equal(t, "ethereum", stats[0].Chain)
		assert.Equal(t, 500.0, stats[0].TotalTVL)
	}
	assert.Equal(t, 1, requests, "repeated calls within the TTL must not refetch")
}

func TestConditionalGetReplaysPayloadOn304(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"totals": {"total_revenue": 1234.5, "total_profit": 400}}`))
	}))
	defer srv.Close()

	c := cache.New()
	client := NewClient(testConfig(srv.URL), c)

	first, err := client.RevenueStats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first.Totals)

	// drop the decoded cache so the next call hits the wire again; the
	// server answers 304 and the stored payload is replayed
	c.InvalidateAll()

	second, err := client.RevenueStats(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second.Totals)
	assert.Equal(t, first.Totals.TotalRevenue, second.Totals.TotalRevenue)
	assert.Equal(t, 2, requests)
}

func TestStaleEntryServedAfterUpstreamFailure(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"ethereum": {"total_users": 10, "total_tvl": 500}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.StatsTTL = 0 // every entry is immediately stale, forcing a refetch
	client := NewClient(cfg, cache.New())

	first, err := client.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	// the upstream goes away; the stale entry is served instead of the error
	healthy = false
	second, err := client.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 500.0, second[0].TotalTVL)
}

func TestGetJSONErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL), cache.New())
	_, err := client.Stats(context.Background())
	assert.Error(t, err)
}
