package composition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serpius-project/analytics/internal/model"
	"github.com/serpius-project/analytics/internal/types"
)

func day(d int) time.Time {
	return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC)
}

func alloc(d int, symbol string, usd, total float64) model.AllocationRow {
	return model.AllocationRow{
		Date:     day(d),
		Chain:    "ethereum",
		Symbol:   symbol,
		USDValue: usd,
		DayTotal: total,
		Pct:      usd / total * 100,
	}
}

func TestTopNMergesTailIntoOther(t *testing.T) {
	rows := []model.AllocationRow{
		alloc(1, "A", 60, 100),
		alloc(1, "B", 25, 100),
		alloc(1, "C", 15, 100),
	}

	grouped := TopN(rows, 2)
	require.Len(t, grouped, 3)

	assert.Equal(t, "A", grouped[0].Symbol)
	assert.Equal(t, "B", grouped[1].Symbol)
	assert.Equal(t, OtherSymbol, grouped[2].Symbol)
	assert.InDelta(t, 15.0, grouped[2].USDValue, 1e-9)
	assert.InDelta(t, 15.0, grouped[2].Pct, 1e-9)
}

func TestTopNKeepsSmallDaysUngrouped(t *testing.T) {
	rows := []model.AllocationRow{
		alloc(1, "A", 60, 100),
		alloc(1, "B", 40, 100),
	}
	grouped := TopN(rows, 6)
	require.Len(t, grouped, 2)
	for _, r := range grouped {
		assert.NotEqual(t, OtherSymbol, r.Symbol)
	}
}

func TestTurnoverZeroFillsMissingSymbols(t *testing.T) {
	// 100% A moving to 60% A / 40% B is a 40% turnover day.
	rows := []model.AllocationRow{
		alloc(1, "A", 100, 100),
		alloc(2, "A", 60, 100),
		alloc(2, "B", 40, 100),
	}

	turnover := Turnover(rows)
	require.Len(t, turnover, 1)
	assert.True(t, turnover[0].Date.Equal(day(2)))
	assert.InDelta(t, 40.0, turnover[0].TurnoverPct, 1e-9)
}

func TestRebalanceEvents(t *testing.T) {
	rows := []model.AllocationRow{
		alloc(1, "A", 100, 100),
		alloc(2, "A", 60, 100),
		alloc(2, "B", 40, 100),
		alloc(3, "A", 58, 100),
		alloc(3, "B", 42, 100),
	}

	events := RebalanceEvents(rows, 5.0)
	require.Len(t, events, 1)
	assert.True(t, events[0].Date.Equal(day(2)))
	assert.InDelta(t, 40.0, events[0].MaxAbsDeltaPct, 1e-9)

	assert.Empty(t, RebalanceEvents(rows, 50.0))
}

func TestConcentration(t *testing.T) {
	rows := []model.AllocationRow{
		alloc(1, "A", 60, 100),
		alloc(1, "B", 40, 100),
	}

	conc := Concentration(rows)
	require.Len(t, conc, 1)
	assert.InDelta(t, 0.52, conc[0].HHI, 1e-9)
	require.True(t, conc[0].EffectiveN.Valid)
	assert.InDelta(t, 1/0.52, conc[0].EffectiveN.Value, 1e-9)
}

func TestNearestToleranceBoundary(t *testing.T) {
	anchor := day(1).Add(12 * time.Hour)
	book := PriceBook{
		"0xabc": model.TokenInfo{
			Symbol: "ABC",
			Prices: []model.PricePoint{{Time: anchor, Price: 7.5}},
		},
	}
	tol := 24 * time.Hour

	// exactly at tolerance matches, one hour past it does not
	price, ok := book.Nearest("0xabc", anchor.Add(24*time.Hour), tol)
	assert.True(t, ok)
	assert.Equal(t, 7.5, price)

	_, ok = book.Nearest("0xabc", anchor.Add(25*time.Hour), tol)
	assert.False(t, ok)
}

func TestNearestPicksCloserNeighbor(t *testing.T) {
	book := PriceBook{
		"0xabc": model.TokenInfo{
			Symbol: "ABC",
			Prices: []model.PricePoint{
				{Time: day(1), Price: 1.0},
				{Time: day(3), Price: 3.0},
			},
		},
	}

	price, ok := book.Nearest("0xabc", day(3).Add(-2*time.Hour), 24*time.Hour)
	assert.True(t, ok)
	assert.Equal(t, 3.0, price)
}

func TestMatchCountsExcludedRows(t *testing.T) {
	book := PriceBook{
		"0xabc": model.TokenInfo{
			Symbol: "ABC",
			Prices: []model.PricePoint{{Time: day(1), Price: 2.0}},
		},
	}
	rows := []model.CompositionRow{
		{Time: day(1), Asset: "0xABC", Balance: 10},  // matches, mixed-case address
		{Time: day(1), Asset: "0xdead", Balance: 5},  // no price series at all
		{Time: day(20), Asset: "0xabc", Balance: 10}, // outside tolerance
	}

	matched, excluded := Match(rows, book, 24*time.Hour)
	require.Len(t, matched, 1)
	assert.Equal(t, 2, excluded)
	assert.Equal(t, "ABC", matched[0].Symbol)
	assert.InDelta(t, 20.0, matched[0].USDValue, 1e-9)
}

func TestAllocatePctSumsTo100(t *testing.T) {
	matched := []model.MatchedRow{
		{Date: day(1), Symbol: "A", USDValue: 30},
		{Date: day(1), Symbol: "B", USDValue: 50},
		{Date: day(1), Symbol: "A", USDValue: 20}, // same symbol aggregates
	}

	rows := Allocate(matched, types.ChainEthereum)
	require.Len(t, rows, 2)

	var sum float64
	for _, r := range rows {
		sum += r.Pct
	}
	assert.InDelta(t, 100.0, sum, 1e-9)
	// ordered by USD value descending within the date
	assert.Equal(t, "A", rows[0].Symbol)
	assert.InDelta(t, 50.0, rows[0].USDValue, 1e-9)
}

func TestDailySnapshotsKeepsLatestPerDay(t *testing.T) {
	morning := day(1).Add(10 * time.Hour)
	evening := day(1).Add(20 * time.Hour)
	rows := []model.CompositionRow{
		{Time: morning, Asset: "0xabc", Balance: 1},
		{Time: evening, Asset: "0xabc", Balance: 2},
		{Time: evening, Asset: "0xdef", Balance: 3},
		{Time: day(2).Add(time.Hour), Asset: "0xabc", Balance: 4},
	}

	kept := DailySnapshots(rows)
	require.Len(t, kept, 3)
	for _, r := range kept {
		assert.False(t, r.Time.Equal(morning), "superseded snapshot row survived")
	}
}

func TestBuildPriceBookSymbolResolution(t *testing.T) {
	weth := "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	exchange := map[string]map[string]model.ExchangeEntry{
		"ethereum": {
			"0xAAA0000000000000000000000000000000000001": {
				Symbol: "FALLBACK",
				InputTokens: []model.InputToken{
					{ID: "0xaaa0000000000000000000000000000000000001", Symbol: "TKN", Decimals: 6},
				},
				Prices: [][2]float64{{float64(day(1).UnixMilli()), 1.5}},
			},
			"0xbbb0000000000000000000000000000000000002": {
				// no symbol anywhere: falls back to the short address
				Prices: [][2]float64{{float64(day(1).UnixMilli()), 2.0}},
			},
		},
	}

	book := BuildPriceBook(exchange, types.ChainEthereum)

	assert.Equal(t, "TKN", book.Symbol("0xaaa0000000000000000000000000000000000001"))
	assert.Equal(t, 6, book["0xaaa0000000000000000000000000000000000001"].Decimals)
	assert.Equal(t, "0xbbb0..0002", book.Symbol("0xbbb0000000000000000000000000000000000002"))

	// wrapped-native addresses resolve even when absent from the feed
	assert.Equal(t, "WETH", book.Symbol(weth))
}

func TestSummarize(t *testing.T) {
	conc := []model.ConcentrationRow{
		{Date: day(1), HHI: 0.5, EffectiveN: model.Some(2)},
		{Date: day(2), HHI: 0.25, EffectiveN: model.Some(4)},
	}
	turnover := []model.TurnoverRow{
		{Date: day(2), TurnoverPct: 10},
		{Date: day(3), TurnoverPct: 20},
	}

	s := Summarize(conc, turnover)
	require.True(t, s.AvgEffectiveN.Valid)
	assert.InDelta(t, 3.0, s.AvgEffectiveN.Value, 1e-9)
	assert.InDelta(t, 15.0, s.AvgTurnoverPct.Value, 1e-9)
	assert.InDelta(t, 20.0, s.LatestTurnoverPct.Value, 1e-9)

	empty := Summarize(nil, nil)
	assert.False(t, empty.AvgEffectiveN.Valid)
	assert.False(t, empty.AvgTurnoverPct.Valid)
	assert.False(t, empty.LatestTurnoverPct.Valid)
}
