package types

import "time"

// SeriesPoint is one period of a forecast series. Timestamp marks the start
// of the period.
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ForecastSeries is an ordered sequence of points at a fixed period. A series
// is immutable once fetched and is superseded wholesale on the next refresh.
type ForecastSeries struct {
	// Period is the spacing between points (e.g. time.Hour).
	Period time.Duration `json:"period"`
	// FetchedAt anchors when the series was retrieved.
	FetchedAt time.Time     `json:"fetchedAt"`
	Points    []SeriesPoint `json:"points"`
}

// Empty reports whether the series has no points.
func (s *ForecastSeries) Empty() bool {
	return s == nil || len(s.Points) == 0
}

// End returns the end of the last period, or the zero time for an empty
// series.
func (s *ForecastSeries) End() time.Time {
	if s.Empty() {
		return time.Time{}
	}
	return s.Points[len(s.Points)-1].Timestamp.Add(s.Period)
}

// ValueAt returns the value of the period containing t.
func (s *ForecastSeries) ValueAt(t time.Time) (float64, bool) {
	if s.Empty() {
		return 0, false
	}
	for _, p := range s.Points {
		if !t.Before(p.Timestamp) && t.Before(p.Timestamp.Add(s.Period)) {
			return p.Value, true
		}
	}
	return 0, false
}
