// Package composition derives the index-composition analytics: USD
// allocation per symbol and day, Top-N grouping, concentration (HHI and
// Effective-N), turnover and rebalancing-event detection.
package composition

import (
	"sort"
	"strings"
	"time"

	"github.com/serpius-project/analytics/internal/model"
	"github.com/serpius-project/analytics/internal/series"
	"github.com/serpius-project/analytics/internal/types"
)

// OtherSymbol is the synthetic symbol absorbing the Top-N tail.
const OtherSymbol = "Other"

// PriceBook maps a lower-cased token address to its symbol, decimals and
// price series. Built from the exchange feed for one chain.
type PriceBook map[string]model.TokenInfo

// BuildPriceBook resolves symbols and price series for one chain from the
// raw exchange feed payload. Symbol resolution order: matching inputToken,
// the entry's own symbol, the wrapped-native override table, then a
// shortened address.
func BuildPriceBook(exchange map[string]map[string]model.ExchangeEntry, chain types.SupportedChain) PriceBook {
	book := make(PriceBook)
	for addr, entry := range exchange[string(chain)] {
		token := strings.ToLower(addr)

		symbol := ""
		decimals := 18
		for _, in := range entry.InputTokens {
			if strings.ToLower(in.ID) == token {
				symbol = in.Symbol
				if in.Decimals > 0 {
					decimals = in.Decimals
				}
				break
			}
		}
		if symbol == "" {
			symbol = entry.Symbol
		}
		if symbol == "" {
			symbol = types.WETHOverrides[token]
		}
		if symbol == "" {
			symbol = ShortAddress(token)
		}

		prices := make([]model.PricePoint, 0, len(entry.Prices))
		for _, p := range entry.Prices {
			prices = append(prices, model.PricePoint{
				Time:  time.UnixMilli(int64(p[0])).UTC(),
				Price: p[1],
			})
		}
		sort.Slice(prices, func(i, j int) bool { return prices[i].Time.Before(prices[j].Time) })

		book[token] = model.TokenInfo{Symbol: symbol, Decimals: decimals, Prices: prices}
	}

	// known wrapped-native addresses resolve even when absent from the feed
	for addr, sym := range types.WETHOverrides {
		if _, ok := book[addr]; !ok {
			book[addr] = model.TokenInfo{Symbol: sym, Decimals: 18}
		}
	}
	return book
}

// ShortAddress abbreviates a token address for display when no symbol is known.
func ShortAddress(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + ".." + addr[len(addr)-4:]
}

// Symbol returns the display symbol for an address, falling back to its
// shortened form.
func (b PriceBook) Symbol(addr string) string {
	if info, ok := b[strings.ToLower(addr)]; ok {
		return info.Symbol
	}
	return ShortAddress(strings.ToLower(addr))
}

// Nearest finds the price whose timestamp is closest to probe. The match
// is accepted only when the absolute difference is within tol (inclusive).
func (b PriceBook) Nearest(addr string, probe time.Time, tol time.Duration) (float64, bool) {
	info, ok := b[strings.ToLower(addr)]
	if !ok || len(info.Prices) == 0 {
		return 0, false
	}
	prices := info.Prices

	i := sort.Search(len(prices), func(i int) bool {
		return !prices[i].Time.Before(probe)
	})

	bestDiff := time.Duration(-1)
	bestPrice := 0.0
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(prices) {
			continue
		}
		diff := probe.Sub(prices[j].Time)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			bestPrice = prices[j].Price
		}
	}
	if bestDiff < 0 || bestDiff > tol {
		return 0, false
	}
	return bestPrice, true
}

// DailySnapshots keeps, for each UTC date, only the rows belonging to the
// latest snapshot of that date. Rows of one snapshot share a timestamp.
func DailySnapshots(rows []model.CompositionRow) []model.CompositionRow {
	latest := make(map[time.Time]time.Time)
	for _, r := range rows {
		d := series.DateOf(r.Time)
		if ts, ok := latest[d]; !ok || r.Time.After(ts) {
			latest[d] = r.Time
		}
	}

	out := make([]model.CompositionRow, 0, len(rows))
	for _, r := range rows {
		if latest[series.DateOf(r.Time)].Equal(r.Time) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Match joins composition rows with their nearest in-tolerance price.
// Rows without a match are excluded from valuation and counted.
func Match(rows []model.CompositionRow, book PriceBook, tol time.Duration) (matched []model.MatchedRow, excluded int) {
	for _, r := range rows {
		price, ok := book.Nearest(r.Asset, r.Time, tol)
		if !ok {
			excluded++
			continue
		}
		matched = append(matched, model.MatchedRow{
			Date:     series.DateOf(r.Time),
			Symbol:   book.Symbol(r.Asset),
			Asset:    strings.ToLower(r.Asset),
			Balance:  r.Balance,
			PriceUSD: price,
			USDValue: r.Balance * price,
		})
	}
	return matched, excluded
}

// Allocate aggregates matched rows by (date, symbol), computes each day's
// total and the per-symbol share of it. Rows are ordered by date, then by
// USD value descending.
func Allocate(matched []model.MatchedRow, chain types.SupportedChain) []model.AllocationRow {
	type key struct {
		date   time.Time
		symbol string
	}
	usd := make(map[key]float64)
	dayTotal := make(map[time.Time]float64)
	for _, m := range matched {
		usd[key{m.Date, m.Symbol}] += m.USDValue
		dayTotal[m.Date] += m.USDValue
	}

	rows := make([]model.AllocationRow, 0, len(usd))
	for k, v := range usd {
		total := dayTotal[k.date]
		pct := 0.0
		if total > 0 {
			pct = v / total * 100
		}
		rows = append(rows, model.AllocationRow{
			Date:     k.date,
			Chain:    string(chain),
			Symbol:   k.symbol,
			USDValue: v,
			DayTotal: total,
			Pct:      pct,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.Before(rows[j].Date)
		}
		if rows[i].USDValue != rows[j].USDValue {
			return rows[i].USDValue > rows[j].USDValue
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	return rows
}

// TopN keeps, per date, the n largest symbols by USD value and merges the
// tail into a synthetic "Other" row whose share is recomputed against the
// same day total. n below 2 is treated as 2.
func TopN(rows []model.AllocationRow, n int) []model.AllocationRow {
	if n < 2 {
		n = 2
	}
	byDate := groupByDate(rows)

	var out []model.AllocationRow
	for _, date := range sortedDates(byDate) {
		g := byDate[date]
		sort.Slice(g, func(i, j int) bool { return g[i].USDValue > g[j].USDValue })

		if len(g) <= n {
			out = append(out, g...)
			continue
		}
		out = append(out, g[:n]...)

		var tailUSD float64
		for _, r := range g[n:] {
			tailUSD += r.USDValue
		}
		total := g[0].DayTotal
		pct := 0.0
		if total > 0 {
			pct = tailUSD / total * 100
		}
		out = append(out, model.AllocationRow{
			Date:     date,
			Chain:    g[0].Chain,
			Symbol:   OtherSymbol,
			USDValue: tailUSD,
			DayTotal: total,
			Pct:      pct,
		})
	}
	return out
}

// Concentration computes the HHI and Effective-N per date over the full
// (not Top-N-grouped) allocation.
func Concentration(rows []model.AllocationRow) []model.ConcentrationRow {
	byDate := groupByDate(rows)

	out := make([]model.ConcentrationRow, 0, len(byDate))
	for _, date := range sortedDates(byDate) {
		var hhi float64
		for _, r := range byDate[date] {
			w := r.Pct / 100
			hhi += w * w
		}
		row := model.ConcentrationRow{Date: date, HHI: hhi}
		if hhi > 0 {
			row.EffectiveN = model.Some(1 / hhi)
		}
		out = append(out, row)
	}
	return out
}

// Turnover computes, for each date after the first, half the sum of
// absolute day-over-day weight changes. Symbols absent on either side of
// the comparison count as 0% that day.
func Turnover(rows []model.AllocationRow) []model.TurnoverRow {
	dates, weights := weightsByDate(rows)

	var out []model.TurnoverRow
	for i := 1; i < len(dates); i++ {
		var sum float64
		for _, sym := range symbolUnion(weights[dates[i-1]], weights[dates[i]]) {
			delta := weights[dates[i]][sym] - weights[dates[i-1]][sym]
			if delta < 0 {
				delta = -delta
			}
			sum += delta
		}
		out = append(out, model.TurnoverRow{Date: dates[i], TurnoverPct: 0.5 * sum})
	}
	return out
}

// RebalanceEvents flags every date whose largest single-symbol absolute
// weight change reached thresholdPct.
func RebalanceEvents(rows []model.AllocationRow, thresholdPct float64) []model.RebalanceEvent {
	dates, weights := weightsByDate(rows)

	var out []model.RebalanceEvent
	for i := 1; i < len(dates); i++ {
		var maxDelta float64
		for _, sym := range symbolUnion(weights[dates[i-1]], weights[dates[i]]) {
			delta := weights[dates[i]][sym] - weights[dates[i-1]][sym]
			if delta < 0 {
				delta = -delta
			}
			if delta > maxDelta {
				maxDelta = delta
			}
		}
		if maxDelta >= thresholdPct {
			out = append(out, model.RebalanceEvent{Date: dates[i], MaxAbsDeltaPct: maxDelta})
		}
	}
	return out
}

// Summary aggregates the window-level concentration and turnover KPIs.
type Summary struct {
	AvgEffectiveN     model.OptFloat `json:"avg_effective_n"`
	AvgTurnoverPct    model.OptFloat `json:"avg_turnover_pct"`
	LatestTurnoverPct model.OptFloat `json:"latest_turnover_pct"`
}

// Summarize averages Effective-N and turnover across the window and picks
// the latest turnover value.
func Summarize(conc []model.ConcentrationRow, turnover []model.TurnoverRow) Summary {
	var s Summary

	var effSum float64
	effN := 0
	for _, c := range conc {
		if c.EffectiveN.Valid {
			effSum += c.EffectiveN.Value
			effN++
		}
	}
	if effN > 0 {
		s.AvgEffectiveN = model.Some(effSum / float64(effN))
	}

	if len(turnover) > 0 {
		var sum float64
		for _, t := range turnover {
			sum += t.TurnoverPct
		}
		s.AvgTurnoverPct = model.Some(sum / float64(len(turnover)))
		s.LatestTurnoverPct = model.Some(turnover[len(turnover)-1].TurnoverPct)
	}
	return s
}

func groupByDate(rows []model.AllocationRow) map[time.Time][]model.AllocationRow {
	byDate := make(map[time.Time][]model.AllocationRow)
	for _, r := range rows {
		byDate[r.Date] = append(byDate[r.Date], r)
	}
	return byDate
}

func sortedDates[V any](m map[time.Time]V) []time.Time {
	dates := make([]time.Time, 0, len(m))
	for d := range m {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

func weightsByDate(rows []model.AllocationRow) ([]time.Time, map[time.Time]map[string]float64) {
	weights := make(map[time.Time]map[string]float64)
	for _, r := range rows {
		if weights[r.Date] == nil {
			weights[r.Date] = make(map[string]float64)
		}
		weights[r.Date][r.Symbol] += r.Pct
	}
	return sortedDates(weights), weights
}

func symbolUnion(a, b map[string]float64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for sym := range a {
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	for sym := range b {
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}
