// Package forecast resolves lookahead windows over forecast series and
// aggregates them for condition evaluation.
package forecast

import (
	"fmt"
	"time"

	"github.com/chargehelm/chargehelm/pkg/types"
)

// Window is a resolved slice of a forecast series. Complete is false when the
// requested range extended past the end of the series; callers must not treat
// a partial window as the full requested range.
type Window struct {
	Points   []types.SeriesPoint
	Period   time.Duration
	Complete bool
}

// ResolveWindow slices series to the next amount-of-unit starting at the first
// period strictly after now. The period containing now is partially elapsed
// and would bias aggregates, so it is never included. An empty result wraps
// types.ErrDataUnavailable.
func ResolveWindow(series *types.ForecastSeries, now time.Time, look types.LookAhead) (Window, error) {
	if series.Empty() {
		return Window{}, fmt.Errorf("%w: empty forecast series", types.ErrDataUnavailable)
	}
	want := look.Duration()
	if want <= 0 {
		return Window{}, fmt.Errorf("lookahead duration must be positive, got %s", want)
	}

	// First period whose start is strictly after now.
	start := -1
	for i, p := range series.Points {
		if p.Timestamp.After(now) {
			start = i
			break
		}
	}
	if start < 0 {
		return Window{}, fmt.Errorf("%w: forecast series ends before %s", types.ErrDataUnavailable, now.Format(time.RFC3339))
	}

	windowEnd := series.Points[start].Timestamp.Add(want)
	end := start
	for end < len(series.Points) && series.Points[end].Timestamp.Before(windowEnd) {
		end++
	}

	w := Window{
		Points: series.Points[start:end],
		Period: series.Period,
	}
	// The window is complete when the last included period ends at or past the
	// requested range.
	last := w.Points[len(w.Points)-1]
	w.Complete = !last.Timestamp.Add(series.Period).Before(windowEnd)
	return w, nil
}

// Aggregate reduces the window's values with the given aggregation. The empty
// aggregation defaults to avg.
func (w Window) Aggregate(agg types.Aggregation) (float64, error) {
	if len(w.Points) == 0 {
		return 0, fmt.Errorf("%w: empty window", types.ErrDataUnavailable)
	}
	switch agg {
	case types.AggregationAvg, "":
		var sum float64
		for _, p := range w.Points {
			sum += p.Value
		}
		return sum / float64(len(w.Points)), nil
	case types.AggregationMin:
		min := w.Points[0].Value
		for _, p := range w.Points[1:] {
			if p.Value < min {
				min = p.Value
			}
		}
		return min, nil
	case types.AggregationMax:
		max := w.Points[0].Value
		for _, p := range w.Points[1:] {
			if p.Value > max {
				max = p.Value
			}
		}
		return max, nil
	}
	return 0, fmt.Errorf("unknown aggregation: %s", agg)
}
