// Package series provides the time-series transforms shared by the
// performance and composition analytics: daily reduction, period-window
// resolution and rebasing.
package series

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/serpius-project/analytics/internal/model"
)

// Preset names a relative reporting window.
type Preset string

// Supported period presets
const (
	PresetLast7Days  Preset = "last_7_days"
	PresetLast30Days Preset = "last_30_days"
	PresetLast90Days Preset = "last_90_days"
	PresetYTD        Preset = "ytd"
	PresetAll        Preset = "all"
	PresetCustom     Preset = "custom"
)

// ParsePreset normalizes a user-supplied preset name. It accepts both the
// API spellings ("last_30_days", "30d") and the display labels of the
// dashboard ("Last 30 days").
func ParsePreset(s string) (Preset, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	switch normalized {
	case "", "last_30_days", "30d":
		return PresetLast30Days, nil
	case "last_7_days", "7d":
		return PresetLast7Days, nil
	case "last_90_days", "90d":
		return PresetLast90Days, nil
	case "ytd":
		return PresetYTD, nil
	case "all":
		return PresetAll, nil
	case "custom", "custom_range":
		return PresetCustom, nil
	}
	return "", fmt.Errorf("unknown period preset %q", s)
}

// Window is a closed [Start, End] date range at UTC-midnight granularity.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Empty reports whether clamping left no dates in the window. An empty
// window is a valid "no data" condition, not an error.
func (w Window) Empty() bool {
	return w.Start.After(w.End)
}

// Contains reports whether the date falls inside the window.
func (w Window) Contains(date time.Time) bool {
	d := DateOf(date)
	return !d.Before(w.Start) && !d.After(w.End)
}

// DateOf truncates a timestamp to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Resolve turns a preset plus optional custom bounds into a concrete
// window, clamped to the available [globalMin, globalMax] range.
// YTD runs from January 1 of globalMax's year.
func Resolve(preset Preset, customStart, customEnd, globalMin, globalMax time.Time) Window {
	globalMin = DateOf(globalMin)
	globalMax = DateOf(globalMax)

	var start, end time.Time
	switch preset {
	case PresetLast7Days:
		start, end = globalMax.AddDate(0, 0, -7), globalMax
	case PresetLast30Days:
		start, end = globalMax.AddDate(0, 0, -30), globalMax
	case PresetLast90Days:
		start, end = globalMax.AddDate(0, 0, -90), globalMax
	case PresetYTD:
		start = time.Date(globalMax.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		end = globalMax
	case PresetAll:
		start, end = globalMin, globalMax
	case PresetCustom:
		start, end = DateOf(customStart), DateOf(customEnd)
	default:
		start, end = globalMin, globalMax
	}

	if start.Before(globalMin) {
		start = globalMin
	}
	if end.After(globalMax) {
		end = globalMax
	}
	return Window{Start: start, End: end}
}

// Sanitize drops observations whose value is NaN, infinite or non-positive
// and returns the remainder sorted by timestamp. The feeds emit clean data
// in practice; this guards the arithmetic downstream.
func Sanitize(obs []model.PriceObservation) []model.PriceObservation {
	clean := make([]model.PriceObservation, 0, len(obs))
	for _, o := range obs {
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) || o.Value <= 0 {
			continue
		}
		clean = append(clean, o)
	}
	sort.SliceStable(clean, func(i, j int) bool {
		return clean[i].Time.Before(clean[j].Time)
	})
	return clean
}

// ReduceDaily collapses intra-day observations to one row per UTC calendar
// date, keeping the observation with the greatest timestamp in each day.
// Output is ordered ascending by date. Empty input yields empty output.
func ReduceDaily(obs []model.PriceObservation) []model.DailyPoint {
	type best struct {
		at    time.Time
		value float64
	}
	byDate := make(map[time.Time]best)
	for _, o := range obs {
		d := DateOf(o.Time)
		b, ok := byDate[d]
		// later input order wins exact timestamp ties
		if !ok || !o.Time.Before(b.at) {
			byDate[d] = best{at: o.Time, value: o.Value}
		}
	}

	points := make([]model.DailyPoint, 0, len(byDate))
	for d, b := range byDate {
		points = append(points, model.DailyPoint{Date: d, Value: b.value})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Date.Before(points[j].Date)
	})
	return points
}

// Clip returns the points falling inside the window, preserving order.
func Clip(points []model.DailyPoint, w Window) []model.DailyPoint {
	out := make([]model.DailyPoint, 0, len(points))
	for _, p := range points {
		if w.Contains(p.Date) {
			out = append(out, p)
		}
	}
	return out
}

// Rebase normalizes a series so its first value equals 100. The anchor is
// the first point of this series, not the window start, so a chain that
// starts mid-window still rebases to 100 at its own first observation.
func Rebase(points []model.DailyPoint) []model.DailyPoint {
	if len(points) == 0 {
		return nil
	}
	first := points[0].Value
	out := make([]model.DailyPoint, len(points))
	for i, p := range points {
		out[i] = model.DailyPoint{Date: p.Date, Value: p.Value / first * 100}
	}
	return out
}

// Bounds returns the min and max dates across a set of daily series.
// ok is false when every series is empty.
func Bounds(series []model.DailySeries) (min, max time.Time, ok bool) {
	for _, s := range series {
		for _, p := range s.Points {
			if !ok {
				min, max, ok = p.Date, p.Date, true
				continue
			}
			if p.Date.Before(min) {
				min = p.Date
			}
			if p.Date.After(max) {
				max = p.Date
			}
		}
	}
	return min, max, ok
}
