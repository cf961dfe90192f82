// Package risk computes per-chain risk and performance metrics over the
// raw (never rebased) daily values of a window: cumulative return, max
// drawdown, VaR, expected shortfall, annualized volatility and Sharpe.
package risk

import (
	"math"
	"sort"

	"github.com/serpius-project/analytics/internal/model"
)

// tradingDays is the annualization base. Crypto markets trade every day.
const tradingDays = 365.0

// Params configures the metric computation.
type Params struct {
	// Confidence is the VaR/ES confidence level in percent, e.g. 99.5.
	// The VaR quantile is alpha = (100 - Confidence) / 100.
	Confidence float64

	// RiskFreeAnnualPct is the annual risk-free rate in percent used for
	// the Sharpe ratio.
	RiskFreeAnnualPct float64
}

// Compute derives the full metric row for one chain from its ordered daily
// values. Any metric whose inputs degenerate (fewer than two values, too
// few returns, zero variance) is reported as absent, never as zero.
func Compute(chain string, values []float64, p Params) model.RiskMetricsRow {
	row := model.RiskMetricsRow{Chain: chain, Observations: len(values)}
	if len(values) < 2 {
		return row
	}

	r := Returns(values)

	row.CumReturnPct = model.Some((values[len(values)-1]/values[0] - 1) * 100)

	dd := Drawdowns(values)
	maxDD := dd[0]
	for _, d := range dd[1:] {
		if d < maxDD {
			maxDD = d
		}
	}
	row.MaxDrawdownPct = model.Some(maxDD * 100)

	alpha := (100 - p.Confidence) / 100
	v := Quantile(r, alpha)
	row.VaRPct = model.Some(v * 100)

	var tailSum float64
	tailN := 0
	for _, ret := range r {
		if ret <= v {
			tailSum += ret
			tailN++
		}
	}
	if tailN > 0 {
		row.ESPct = model.Some(tailSum / float64(tailN) * 100)
	}

	if len(r) > 1 {
		sd := stdev(r)
		row.AnnVolPct = model.Some(sd * math.Sqrt(tradingDays) * 100)

		rfDaily := math.Pow(1+p.RiskFreeAnnualPct/100, 1.0/tradingDays) - 1
		if sd > 0 {
			row.Sharpe = model.Some((mean(r) - rfDaily) / sd * math.Sqrt(tradingDays))
		}
	}

	return row
}

// Returns derives simple returns r_i = v_i / v_{i-1} - 1.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	r := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		r[i-1] = values[i]/values[i-1] - 1
	}
	return r
}

// Drawdowns returns d_i = v_i / runningMax(v_0..v_i) - 1 for every point.
func Drawdowns(values []float64) []float64 {
	out := make([]float64, len(values))
	runMax := math.Inf(-1)
	for i, v := range values {
		if v > runMax {
			runMax = v
		}
		out[i] = v/runMax - 1
	}
	return out
}

// DrawdownSeries maps a daily series to its drawdown percentage series.
// Series with fewer than two points produce no rows.
func DrawdownSeries(points []model.DailyPoint) []model.DailyPoint {
	if len(points) < 2 {
		return nil
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	dd := Drawdowns(values)
	out := make([]model.DailyPoint, len(points))
	for i, p := range points {
		out[i] = model.DailyPoint{Date: p.Date, Value: dd[i] * 100}
	}
	return out
}

// Quantile computes the linear-interpolated q-quantile (0 <= q <= 1) of
// the sample, matching the default of common statistics packages: the
// value at rank q*(n-1) with interpolation between neighbors.
func Quantile(sample []float64, q float64) float64 {
	if len(sample) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func mean(sample []float64) float64 {
	var sum float64
	for _, v := range sample {
		sum += v
	}
	return sum / float64(len(sample))
}

// stdev is the sample standard deviation (n-1 denominator), consistent
// with metrics being undefined below two returns.
func stdev(sample []float64) float64 {
	m := mean(sample)
	var ss float64
	for _, v := range sample {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(sample)-1))
}
