// Package model defines the core data structures for the Serpius analytics service.
package model

import (
	"strconv"
	"time"
)

// OptFloat is a float that may be absent. Metrics computed over too few
// observations (or with a zero denominator) are reported as absent rather
// than as zero, so downstream formatting can tell the two apart.
type OptFloat struct {
	Value float64
	Valid bool
}

// Some returns a present OptFloat.
func Some(v float64) OptFloat {
	return OptFloat{Value: v, Valid: true}
}

// None returns an absent OptFloat.
func None() OptFloat {
	return OptFloat{}
}

// MarshalJSON encodes an absent value as null.
func (f OptFloat) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(f.Value, 'f', -1, 64)), nil
}

// UnmarshalJSON decodes null as absent.
func (f *OptFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = OptFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = Some(v)
	return nil
}

// CSV renders the value for CSV export. Absent values become an empty cell.
func (f OptFloat) CSV() string {
	if !f.Valid {
		return ""
	}
	return strconv.FormatFloat(f.Value, 'f', -1, 64)
}

// PriceObservation is a single raw point from the per-chain index price feed.
// The feed emits multiple observations per day.
type PriceObservation struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Chain string    `json:"chain"`
}

// DailyPoint is one row of a DailySeries: the last observation of a UTC
// calendar day. Date is truncated to midnight UTC.
type DailyPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// DailySeries holds the daily-reduced values for one chain, ascending by date.
type DailySeries struct {
	Chain  string       `json:"chain"`
	Points []DailyPoint `json:"points"`
}

// CompositionRow is one exploded row of a composition snapshot:
// the balance of a single asset at a single snapshot timestamp.
type CompositionRow struct {
	Time     time.Time `json:"time"`
	Chain    string    `json:"chain"`
	Asset    string    `json:"asset"`
	Balance  float64   `json:"balance"`
	Value    float64   `json:"value"`
	ValueBTC float64   `json:"value_btc"`
}

// PricePoint is a single (timestamp, price) pair of a token price series.
type PricePoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// TokenInfo annotates a token address with its symbol, decimals and the
// price series used for nearest-price matching.
type TokenInfo struct {
	Symbol   string       `json:"symbol"`
	Decimals int          `json:"decimals"`
	Prices   []PricePoint `json:"prices,omitempty"`
}

// AllocationRow is the USD allocation of one symbol on one date.
// For a date with no excluded rows, Pct sums to ~100 across symbols.
type AllocationRow struct {
	Date     time.Time `json:"date"`
	Chain    string    `json:"chain"`
	Symbol   string    `json:"symbol"`
	USDValue float64   `json:"usd_value"`
	DayTotal float64   `json:"day_total"`
	Pct      float64   `json:"pct"`
}

// MatchedRow is a composition row joined with its nearest matched price.
type MatchedRow struct {
	Date     time.Time `json:"date"`
	Symbol   string    `json:"symbol"`
	Asset    string    `json:"asset"`
	Balance  float64   `json:"balance"`
	PriceUSD float64   `json:"price_usd"`
	USDValue float64   `json:"usd_value"`
}

// RiskMetricsRow holds the per-chain risk and performance metrics for a
// window. Every metric is absent when the series has fewer than two points
// or its denominator degenerates.
type RiskMetricsRow struct {
	Chain          string   `json:"chain"`
	Observations   int      `json:"observations"`
	CumReturnPct   OptFloat `json:"cum_return_pct"`
	MaxDrawdownPct OptFloat `json:"max_drawdown_pct"`
	VaRPct         OptFloat `json:"var_pct"`
	ESPct          OptFloat `json:"es_pct"`
	AnnVolPct      OptFloat `json:"ann_vol_pct"`
	Sharpe         OptFloat `json:"sharpe"`
}

// ConcentrationRow holds the HHI and Effective-N for one date.
type ConcentrationRow struct {
	Date       time.Time `json:"date"`
	HHI        float64   `json:"hhi"`
	EffectiveN OptFloat  `json:"effective_n"`
}

// TurnoverRow is half the summed absolute day-over-day weight change.
type TurnoverRow struct {
	Date        time.Time `json:"date"`
	TurnoverPct float64   `json:"turnover_pct"`
}

// RebalanceEvent flags a date whose largest single-symbol weight change
// reached the configured threshold.
type RebalanceEvent struct {
	Date           time.Time `json:"date"`
	MaxAbsDeltaPct float64   `json:"max_abs_delta_pct"`
}

// InputToken is a token annotation inside an exchange feed entry.
type InputToken struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// ExchangeEntry is the raw exchange feed object for one token address:
// symbol metadata plus the [timestamp_ms, price] series.
type ExchangeEntry struct {
	Symbol      string       `json:"symbol"`
	InputTokens []InputToken `json:"inputTokens"`
	Prices      [][2]float64 `json:"prices"`
}

// BalanceRow is a point-in-time balance from a live chain query.
type BalanceRow struct {
	Section  string   `json:"section"`
	Source   string   `json:"source"`
	Chain    string   `json:"chain"`
	Address  string   `json:"address"`
	Amount   float64  `json:"amount"`
	USDValue OptFloat `json:"usd_value"`
}

// ChainStats is the per-chain stats snapshot from the stats feed.
type ChainStats struct {
	Chain         string  `json:"chain"`
	TotalUsers    float64 `json:"total_users"`
	IndexUsers    float64 `json:"index_users"`
	ProUsers      float64 `json:"pro_users"`
	TotalIndexTVL float64 `json:"total_index_tvl"`
	TotalProTVL   float64 `json:"total_pro_tvl"`
	TotalTVL      float64 `json:"total_tvl"`
}

// RevenueTotals mirrors the totals object of the revenue stats feed.
type RevenueTotals struct {
	TotalRevenue float64 `json:"total_revenue"`
	TotalProfit  float64 `json:"total_profit"`
}

// RevenueStats is the revenue stats feed payload: protocol-wide totals
// plus a per-chain breakdown.
type RevenueStats struct {
	Totals *RevenueTotals           `json:"totals"`
	Chains map[string]RevenueTotals `json:"chains"`
}
