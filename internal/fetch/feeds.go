package fetch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/serpius-project/analytics/internal/cache"
	"github.com/serpius-project/analytics/internal/model"
	"github.com/serpius-project/analytics/internal/types"
)

// priceRecord is one element of the per-chain feed. The same record
// carries the index value and the composition arrays.
type priceRecord struct {
	Timestamp int64     `json:"timestamp"`
	Value     float64   `json:"value"`
	ValueBTC  float64   `json:"value_btc"`
	Assets    []string  `json:"assets"`
	Balances  []float64 `json:"balances"`
}

// FeedData is the decoded per-chain feed: the index price observations and
// the composition rows exploded to one row per (timestamp, asset).
type FeedData struct {
	Observations []model.PriceObservation
	Composition  []model.CompositionRow
}

// PriceFeed loads the feed for one chain, short-TTL cached.
func (c *Client) PriceFeed(ctx context.Context, chain types.SupportedChain) (FeedData, error) {
	key := cache.Key("price_feed", chain)
	return cachedJSON(ctx, c, key, c.cfg.PriceFeedTTL, func(ctx context.Context) (FeedData, error) {
		var records []priceRecord
		if err := c.getJSON(ctx, c.cfg.PriceFeedURL(chain), &records); err != nil {
			return FeedData{}, fmt.Errorf("price feed %s: %w", chain, err)
		}

		data := FeedData{
			Observations: make([]model.PriceObservation, 0, len(records)),
		}
		for _, rec := range records {
			ts := time.UnixMilli(rec.Timestamp).UTC()
			data.Observations = append(data.Observations, model.PriceObservation{
				Time:  ts,
				Value: rec.Value,
				Chain: string(chain),
			})
			if len(rec.Assets) != len(rec.Balances) {
				logrus.Warnf("Feed %s: snapshot at %d has %d assets but %d balances, skipping composition row",
					chain, rec.Timestamp, len(rec.Assets), len(rec.Balances))
				continue
			}
			for i, asset := range rec.Assets {
				data.Composition = append(data.Composition, model.CompositionRow{
					Time:     ts,
					Chain:    string(chain),
					Asset:    asset,
					Balance:  rec.Balances[i],
					Value:    rec.Value,
					ValueBTC: rec.ValueBTC,
				})
			}
		}
		logrus.Debugf("Fetched %d observations for chain %s", len(data.Observations), chain)
		return data, nil
	})
}

// ExchangeData loads the token price metadata feed: a nested object keyed
// by chain, then by token address.
func (c *Client) ExchangeData(ctx context.Context) (map[string]map[string]model.ExchangeEntry, error) {
	key := cache.Key("exchange_data")
	return cachedJSON(ctx, c, key, c.cfg.ExchangeTTL, func(ctx context.Context) (map[string]map[string]model.ExchangeEntry, error) {
		var data map[string]map[string]model.ExchangeEntry
		if err := c.getJSON(ctx, c.cfg.ExchangeDataURL(), &data); err != nil {
			return nil, fmt.Errorf("exchange data: %w", err)
		}
		return data, nil
	})
}

// Stats loads the per-chain stats snapshot, sorted by chain name.
func (c *Client) Stats(ctx context.Context) ([]model.ChainStats, error) {
	key := cache.Key("stats")
	return cachedJSON(ctx, c, key, c.cfg.StatsTTL, func(ctx context.Context) ([]model.ChainStats, error) {
		var raw map[string]struct {
			TotalUsers    float64 `json:"total_users"`
			IndexUsers    float64 `json:"index_users"`
			ProUsers      float64 `json:"pro_users"`
			TotalIndexTVL float64 `json:"total_index_tvl"`
			TotalProTVL   float64 `json:"total_pro_tvl"`
			TotalTVL      float64 `json:"total_tvl"`
		}
		if err := c.getJSON(ctx, c.cfg.StatsURL(), &raw); err != nil {
			return nil, fmt.Errorf("stats snapshot: %w", err)
		}

		stats := make([]model.ChainStats, 0, len(raw))
		for chain, s := range raw {
			stats = append(stats, model.ChainStats{
				Chain:         chain,
				TotalUsers:    s.TotalUsers,
				IndexUsers:    s.IndexUsers,
				ProUsers:      s.ProUsers,
				TotalIndexTVL: s.TotalIndexTVL,
				TotalProTVL:   s.TotalProTVL,
				TotalTVL:      s.TotalTVL,
			})
		}
		sort.Slice(stats, func(i, j int) bool { return stats[i].Chain < stats[j].Chain })
		return stats, nil
	})
}

// RevenueStats loads the protocol revenue feed (totals plus per-chain).
func (c *Client) RevenueStats(ctx context.Context) (*model.RevenueStats, error) {
	key := cache.Key("revenue_stats")
	return cachedJSON(ctx, c, key, c.cfg.StatsTTL, func(ctx context.Context) (*model.RevenueStats, error) {
		var data model.RevenueStats
		if err := c.getJSON(ctx, c.cfg.RevenueStatsURL(), &data); err != nil {
			return nil, fmt.Errorf("revenue stats: %w", err)
		}
		return &data, nil
	})
}

// SpotPriceUSD loads the reference-asset USD price. The endpoint returns a
// single float nested as {asset: {currency: price}}.
func (c *Client) SpotPriceUSD(ctx context.Context) (float64, error) {
	key := cache.Key("spot_price_usd")
	return cachedJSON(ctx, c, key, c.cfg.StatsTTL, func(ctx context.Context) (float64, error) {
		var raw map[string]map[string]float64
		if err := c.getJSON(ctx, c.cfg.SpotPriceURL, &raw); err != nil {
			return 0, fmt.Errorf("spot price: %w", err)
		}
		for _, currencies := range raw {
			for _, price := range currencies {
				return price, nil
			}
		}
		return 0, fmt.Errorf("spot price: empty payload")
	})
}
