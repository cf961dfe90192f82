// Package export renders the derived tables as CSV, one writer function
// per table shape, with headers matching the JSON field names.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/serpius-project/analytics/internal/model"
)

const dateLayout = "2006-01-02"

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeAll(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// DailySeries writes the daily chart data, one row per (chain, date).
func DailySeries(w io.Writer, series []model.DailySeries) error {
	rows := make([][]string, 0)
	for _, s := range series {
		for _, p := range s.Points {
			rows = append(rows, []string{s.Chain, p.Date.Format(dateLayout), fmtFloat(p.Value)})
		}
	}
	return writeAll(w, []string{"chain", "date", "value"}, rows)
}

// RiskMetrics writes the per-chain metrics table. Absent metrics become
// empty cells.
func RiskMetrics(w io.Writer, metrics []model.RiskMetricsRow) error {
	rows := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		rows = append(rows, []string{
			m.Chain,
			strconv.Itoa(m.Observations),
			m.CumReturnPct.CSV(),
			m.MaxDrawdownPct.CSV(),
			m.VaRPct.CSV(),
			m.ESPct.CSV(),
			m.AnnVolPct.CSV(),
			m.Sharpe.CSV(),
		})
	}
	header := []string{"chain", "observations", "cum_return_pct", "max_drawdown_pct", "var_pct", "es_pct", "ann_vol_pct", "sharpe"}
	return writeAll(w, header, rows)
}

// Drawdown writes a drawdown series for one chain.
func Drawdown(w io.Writer, chain string, points []model.DailyPoint) error {
	rows := make([][]string, 0, len(points))
	for _, p := range points {
		rows = append(rows, []string{chain, p.Date.Format(dateLayout), fmtFloat(p.Value)})
	}
	return writeAll(w, []string{"chain", "date", "drawdown_pct"}, rows)
}

// Allocation writes the per-date symbol allocation table.
func Allocation(w io.Writer, rows []model.AllocationRow) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.Date.Format(dateLayout),
			r.Chain,
			r.Symbol,
			fmtFloat(r.USDValue),
			fmtFloat(r.DayTotal),
			fmtFloat(r.Pct),
		})
	}
	header := []string{"date", "chain", "symbol", "usd_value", "day_total", "pct"}
	return writeAll(w, header, out)
}

// Matched writes the composition rows joined with their matched prices.
func Matched(w io.Writer, rows []model.MatchedRow) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.Date.Format(dateLayout),
			r.Symbol,
			r.Asset,
			fmtFloat(r.Balance),
			fmtFloat(r.PriceUSD),
			fmtFloat(r.USDValue),
		})
	}
	header := []string{"date", "symbol", "asset", "balance", "price_usd", "usd_value"}
	return writeAll(w, header, out)
}

// Concentration writes the HHI / Effective-N table.
func Concentration(w io.Writer, rows []model.ConcentrationRow) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.Date.Format(dateLayout), fmtFloat(r.HHI), r.EffectiveN.CSV()})
	}
	return writeAll(w, []string{"date", "hhi", "effective_n"}, out)
}

// Turnover writes the daily turnover table.
func Turnover(w io.Writer, rows []model.TurnoverRow) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.Date.Format(dateLayout), fmtFloat(r.TurnoverPct)})
	}
	return writeAll(w, []string{"date", "turnover_pct"}, out)
}

// Events writes the flagged rebalancing events.
func Events(w io.Writer, events []model.RebalanceEvent) error {
	out := make([][]string, 0, len(events))
	for _, e := range events {
		out = append(out, []string{e.Date.Format(dateLayout), fmtFloat(e.MaxAbsDeltaPct)})
	}
	return writeAll(w, []string{"date", "max_abs_delta_pct"}, out)
}

// Stats writes the per-chain stats snapshot.
func Stats(w io.Writer, stats []model.ChainStats) error {
	out := make([][]string, 0, len(stats))
	for _, s := range stats {
		out = append(out, []string{
			s.Chain,
			fmtFloat(s.TotalUsers),
			fmtFloat(s.IndexUsers),
			fmtFloat(s.ProUsers),
			fmtFloat(s.TotalIndexTVL),
			fmtFloat(s.TotalProTVL),
			fmtFloat(s.TotalTVL),
		})
	}
	header := []string{"chain", "total_users", "index_users", "pro_users", "total_index_tvl", "total_pro_tvl", "total_tvl"}
	return writeAll(w, header, out)
}

// Balances writes the accounting balance rows. Rows without a USD
// valuation leave the cell empty.
func Balances(w io.Writer, generatedAt time.Time, rows []model.BalanceRow) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			generatedAt.UTC().Format(time.RFC3339),
			r.Section,
			r.Source,
			r.Chain,
			r.Address,
			fmtFloat(r.Amount),
			r.USDValue.CSV(),
		})
	}
	header := []string{"generated_at", "section", "source", "chain", "address", "amount", "usd_value"}
	return writeAll(w, header, out)
}
