package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/serpius-project/analytics/internal/composition"
	"github.com/serpius-project/analytics/internal/export"
	"github.com/serpius-project/analytics/internal/model"
	"github.com/serpius-project/analytics/internal/risk"
	"github.com/serpius-project/analytics/internal/series"
	"github.com/serpius-project/analytics/internal/types"
)

const dateParamLayout = "2006-01-02"

// jsonResponse writes a JSON payload with the given status
func (s *Server) jsonResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

// errorResponse writes a JSON error payload
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	logrus.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	}).Warn(message)
	s.jsonResponse(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}

// noDataResponse is the 200 answer for a window that resolved empty.
func (s *Server) noDataResponse(w http.ResponseWriter, warnings []string) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message":  "no data in window",
		"warnings": warnings,
	})
}

func wantsCSV(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("format"), "csv")
}

func csvHeader(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".csv"))
}

// queryChains parses the chains parameter, defaulting to every supported
// chain. Unknown chain names are rejected.
func queryChains(r *http.Request) ([]types.SupportedChain, error) {
	raw := r.URL.Query().Get("chains")
	if raw == "" {
		raw = r.URL.Query().Get("chain")
	}
	if raw == "" {
		return types.AllChains(), nil
	}
	var chains []types.SupportedChain
	for _, part := range strings.Split(raw, ",") {
		chain := types.SupportedChain(strings.ToLower(strings.TrimSpace(part)))
		if !chain.Valid() {
			return nil, fmt.Errorf("unsupported chain %q", part)
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

// queryChain parses a single-chain parameter with a default.
func queryChain(r *http.Request, def types.SupportedChain) (types.SupportedChain, error) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("chain")))
	if raw == "" {
		return def, nil
	}
	chain := types.SupportedChain(raw)
	if !chain.Valid() {
		return "", fmt.Errorf("unsupported chain %q", raw)
	}
	return chain, nil
}

// windowParams is the parsed period selection of a request.
type windowParams struct {
	preset     series.Preset
	start, end time.Time
}

func queryWindow(r *http.Request) (windowParams, error) {
	preset, err := series.ParsePreset(r.URL.Query().Get("period"))
	if err != nil {
		return windowParams{}, err
	}
	p := windowParams{preset: preset}
	if preset != series.PresetCustom {
		return p, nil
	}

	p.start, err = time.Parse(dateParamLayout, r.URL.Query().Get("start"))
	if err != nil {
		return windowParams{}, fmt.Errorf("invalid start date: %w", err)
	}
	p.end, err = time.Parse(dateParamLayout, r.URL.Query().Get("end"))
	if err != nil {
		return windowParams{}, fmt.Errorf("invalid end date: %w", err)
	}
	if p.start.After(p.end) {
		return windowParams{}, fmt.Errorf("start date after end date")
	}
	return p, nil
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	}
	return def
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

func queryBool(r *http.Request, key string, def bool) bool {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return def
}

// loadDaily fetches and daily-reduces the price feed of each requested
// chain. Failed chains are omitted and reported as warnings.
func (s *Server) loadDaily(ctx context.Context, chains []types.SupportedChain) ([]model.DailySeries, []string) {
	var (
		out      []model.DailySeries
		warnings []string
	)
	for _, chain := range chains {
		feed, err := s.feeds.PriceFeed(ctx, chain)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", chain, err))
			s.countUpstreamError("price_feed")
			continue
		}
		points := series.ReduceDaily(series.Sanitize(feed.Observations))
		out = append(out, model.DailySeries{Chain: string(chain), Points: points})
	}
	return out, warnings
}

// clipAll resolves the requested window against the combined bounds of the
// loaded series and clips each series to it.
func clipAll(daily []model.DailySeries, p windowParams) ([]model.DailySeries, series.Window, bool) {
	globalMin, globalMax, ok := series.Bounds(daily)
	if !ok {
		return nil, series.Window{}, false
	}
	window := series.Resolve(p.preset, p.start, p.end, globalMin, globalMax)
	if window.Empty() {
		return nil, window, false
	}

	clipped := make([]model.DailySeries, 0, len(daily))
	for _, d := range daily {
		points := series.Clip(d.Points, window)
		if len(points) == 0 {
			continue
		}
		clipped = append(clipped, model.DailySeries{Chain: d.Chain, Points: points})
	}
	return clipped, window, len(clipped) > 0
}

func (s *Server) countUpstreamError(source string) {
	if s.metrics != nil {
		s.metrics.upstreamErrors.WithLabelValues(source).Inc()
	}
}

// handlePerformance serves the daily index value series per chain,
// rebased to 100 at each chain's first in-window observation by default.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	chains, err := queryChains(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	params, err := queryWindow(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	daily, warnings := s.loadDaily(r.Context(), chains)
	if len(daily) == 0 {
		s.errorResponse(w, r, http.StatusBadGateway,
			fmt.Sprintf("no chain data available: %s", strings.Join(warnings, "; ")))
		return
	}
	clipped, window, ok := clipAll(daily, params)
	if !ok {
		s.noDataResponse(w, warnings)
		return
	}

	if queryBool(r, "rebase", true) {
		for i := range clipped {
			clipped[i].Points = series.Rebase(clipped[i].Points)
		}
	}

	if wantsCSV(r) {
		csvHeader(w, "performance")
		if err := export.DailySeries(w, clipped); err != nil {
			logrus.Errorf("CSV export failed: %v", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"window":   window,
		"series":   clipped,
		"warnings": warnings,
	})
}

// handleRiskMetrics serves the per-chain risk and performance metrics,
// computed over the raw (never rebased) in-window daily values.
func (s *Server) handleRiskMetrics(w http.ResponseWriter, r *http.Request) {
	chains, err := queryChains(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	params, err := queryWindow(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	riskParams := risk.Params{
		Confidence:        queryFloat(r, "confidence", s.cfg.DefaultConfidence),
		RiskFreeAnnualPct: queryFloat(r, "risk_free", s.cfg.DefaultRiskFreePct),
	}

	daily, warnings := s.loadDaily(r.Context(), chains)
	if len(daily) == 0 {
		s.errorResponse(w, r, http.StatusBadGateway,
			fmt.Sprintf("no chain data available: %s", strings.Join(warnings, "; ")))
		return
	}
	clipped, window, ok := clipAll(daily, params)
	if !ok {
		s.noDataResponse(w, warnings)
		return
	}

	metrics := make([]model.RiskMetricsRow, 0, len(clipped))
	for _, d := range clipped {
		values := make([]float64, len(d.Points))
		for i, p := range d.Points {
			values[i] = p.Value
		}
		metrics = append(metrics, risk.Compute(d.Chain, values, riskParams))
	}

	if wantsCSV(r) {
		csvHeader(w, "risk_metrics")
		if err := export.RiskMetrics(w, metrics); err != nil {
			logrus.Errorf("CSV export failed: %v", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"window":   window,
		"params":   riskParams,
		"metrics":  metrics,
		"warnings": warnings,
	})
}

// handleDrawdown serves the rolling drawdown series for one chain.
func (s *Server) handleDrawdown(w http.ResponseWriter, r *http.Request) {
	chain, err := queryChain(r, types.ChainEthereum)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	params, err := queryWindow(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	daily, warnings := s.loadDaily(r.Context(), []types.SupportedChain{chain})
	if len(daily) == 0 {
		s.errorResponse(w, r, http.StatusBadGateway,
			fmt.Sprintf("no chain data available: %s", strings.Join(warnings, "; ")))
		return
	}
	clipped, window, ok := clipAll(daily, params)
	if !ok {
		s.noDataResponse(w, warnings)
		return
	}

	drawdown := risk.DrawdownSeries(clipped[0].Points)
	if wantsCSV(r) {
		csvHeader(w, "drawdown")
		if err := export.Drawdown(w, string(chain), drawdown); err != nil {
			logrus.Errorf("CSV export failed: %v", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"window":   window,
		"chain":    chain,
		"points":   drawdown,
		"warnings": warnings,
	})
}

// allocationView holds the full composition pipeline output for one chain
// and window.
type allocationView struct {
	window   series.Window
	matched  []model.MatchedRow
	full     []model.AllocationRow
	excluded int
	warnings []string
}

// buildAllocation runs the shared composition pipeline: daily snapshots,
// window clipping, nearest-price matching and per-day aggregation.
func (s *Server) buildAllocation(ctx context.Context, chain types.SupportedChain, params windowParams, tolHours int) (*allocationView, error) {
	feed, err := s.feeds.PriceFeed(ctx, chain)
	if err != nil {
		s.countUpstreamError("price_feed")
		return nil, fmt.Errorf("composition feed unavailable: %w", err)
	}
	exchange, err := s.feeds.ExchangeData(ctx)
	if err != nil {
		s.countUpstreamError("exchange_data")
		return nil, fmt.Errorf("exchange data unavailable: %w", err)
	}

	snapshots := composition.DailySnapshots(feed.Composition)
	if len(snapshots) == 0 {
		return &allocationView{}, nil
	}

	globalMin := series.DateOf(snapshots[0].Time)
	globalMax := series.DateOf(snapshots[len(snapshots)-1].Time)
	window := series.Resolve(params.preset, params.start, params.end, globalMin, globalMax)

	view := &allocationView{window: window}
	if window.Empty() {
		return view, nil
	}

	inWindow := make([]model.CompositionRow, 0, len(snapshots))
	for _, row := range snapshots {
		if window.Contains(row.Time) {
			inWindow = append(inWindow, row)
		}
	}

	book := composition.BuildPriceBook(exchange, chain)
	matched, excluded := composition.Match(inWindow, book, time.Duration(tolHours)*time.Hour)
	view.excluded = excluded
	if excluded > 0 {
		view.warnings = append(view.warnings,
			fmt.Sprintf("%d rows excluded: no price match within %dh", excluded, tolHours))
		if s.metrics != nil {
			s.metrics.excludedRows.Add(float64(excluded))
		}
	}
	view.matched = matched
	view.full = composition.Allocate(matched, chain)
	return view, nil
}

// handleComposition serves the allocation analytics for one chain:
// Top-N-grouped weights, concentration, turnover and rebalancing events.
func (s *Server) handleComposition(w http.ResponseWriter, r *http.Request) {
	chain, err := queryChain(r, types.ChainEthereum)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	params, err := queryWindow(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	topN := queryInt(r, "top_n", s.cfg.DefaultTopN)
	tolHours := queryInt(r, "tolerance_hours", s.cfg.DefaultToleranceHours)
	threshold := queryFloat(r, "event_threshold", s.cfg.DefaultEventThreshold)

	view, err := s.buildAllocation(r.Context(), chain, params, tolHours)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadGateway, err.Error())
		return
	}
	if len(view.full) == 0 {
		s.noDataResponse(w, view.warnings)
		return
	}

	grouped := composition.TopN(view.full, topN)
	concentration := composition.Concentration(view.full)
	turnover := composition.Turnover(view.full)
	events := composition.RebalanceEvents(view.full, threshold)
	summary := composition.Summarize(concentration, turnover)

	if wantsCSV(r) {
		// table selects which derived table to download
		switch table := strings.ToLower(r.URL.Query().Get("table")); table {
		case "", "allocation":
			csvHeader(w, "composition")
			err = export.Allocation(w, grouped)
		case "matched":
			csvHeader(w, "matched")
			err = export.Matched(w, view.matched)
		case "concentration":
			csvHeader(w, "concentration")
			err = export.Concentration(w, concentration)
		case "turnover":
			csvHeader(w, "turnover")
			err = export.Turnover(w, turnover)
		case "events":
			csvHeader(w, "events")
			err = export.Events(w, events)
		default:
			s.errorResponse(w, r, http.StatusBadRequest, fmt.Sprintf("unknown table %q", table))
			return
		}
		if err != nil {
			logrus.Errorf("CSV export failed: %v", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"window":        view.window,
		"chain":         chain,
		"allocation":    grouped,
		"concentration": concentration,
		"turnover":      turnover,
		"events":        events,
		"summary":       summary,
		"excluded_rows": view.excluded,
		"warnings":      view.warnings,
	})
}

// handleSnapshot serves the full (ungrouped) allocation of a single date,
// defaulting to the latest date with data.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	chain, err := queryChain(r, types.ChainEthereum)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tolHours := queryInt(r, "tolerance_hours", s.cfg.DefaultToleranceHours)

	view, err := s.buildAllocation(r.Context(), chain, windowParams{preset: series.PresetAll}, tolHours)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadGateway, err.Error())
		return
	}
	if len(view.full) == 0 {
		s.noDataResponse(w, view.warnings)
		return
	}

	date := view.full[len(view.full)-1].Date
	if raw := r.URL.Query().Get("date"); raw != "" {
		date, err = time.Parse(dateParamLayout, raw)
		if err != nil {
			s.errorResponse(w, r, http.StatusBadRequest, fmt.Sprintf("invalid date: %v", err))
			return
		}
	}

	var rows []model.AllocationRow
	for _, row := range view.full {
		if row.Date.Equal(date) {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		s.noDataResponse(w, view.warnings)
		return
	}

	if wantsCSV(r) {
		csvHeader(w, "snapshot")
		if err := export.Allocation(w, rows); err != nil {
			logrus.Errorf("CSV export failed: %v", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"chain":      chain,
		"date":       date.Format(dateParamLayout),
		"allocation": rows,
		"warnings":   view.warnings,
	})
}

// handleToken serves the weight and USD value series of one symbol.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	chain, err := queryChain(r, types.ChainEthereum)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		s.errorResponse(w, r, http.StatusBadRequest, "symbol parameter is required")
		return
	}
	params, err := queryWindow(r)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tolHours := queryInt(r, "tolerance_hours", s.cfg.DefaultToleranceHours)

	view, err := s.buildAllocation(r.Context(), chain, params, tolHours)
	if err != nil {
		s.errorResponse(w, r, http.StatusBadGateway, err.Error())
		return
	}

	var rows []model.AllocationRow
	for _, row := range view.full {
		if strings.EqualFold(row.Symbol, symbol) {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		s.noDataResponse(w, view.warnings)
		return
	}

	if wantsCSV(r) {
		csvHeader(w, "token")
		if err := export.Allocation(w, rows); err != nil {
			logrus.Errorf("CSV export failed: %v", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"window":   view.window,
		"chain":    chain,
		"symbol":   rows[0].Symbol,
		"rows":     rows,
		"warnings": view.warnings,
	})
}

// handleStats serves the per-chain users/TVL snapshot with revenue totals
// attached when the revenue feed responds.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.feeds.Stats(r.Context())
	if err != nil {
		s.countUpstreamError("stats")
		s.errorResponse(w, r, http.StatusBadGateway, fmt.Sprintf("stats unavailable: %v", err))
		return
	}

	var warnings []string
	revenue, err := s.feeds.RevenueStats(r.Context())
	if err != nil {
		s.countUpstreamError("revenue_stats")
		warnings = append(warnings, fmt.Sprintf("revenue feed unavailable: %v", err))
		revenue = nil
	}

	if wantsCSV(r) {
		csvHeader(w, "stats")
		if err := export.Stats(w, stats); err != nil {
			logrus.Errorf("CSV export failed: %v", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"stats":    stats,
		"revenue":  revenue,
		"warnings": warnings,
	})
}

// handleAccounting serves the treasury and owner balance report.
func (s *Server) handleAccounting(w http.ResponseWriter, r *http.Request) {
	report, err := s.accounting.Build(r.Context())
	if err != nil {
		s.countUpstreamError("accounting")
		s.errorResponse(w, r, http.StatusBadGateway, err.Error())
		return
	}

	if wantsCSV(r) {
		csvHeader(w, "balances")
		if err := export.Balances(w, report.GeneratedAt, report.Balances); err != nil {
			logrus.Errorf("CSV export failed: %v", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}
