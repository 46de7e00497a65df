package market

import (
	"time"
)

// Gap is a half-open missing range [Start, End).
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Seconds returns the gap length in seconds.
func (g Gap) Seconds() float64 {
	return g.End.Sub(g.Start).Seconds()
}

// DetectGaps walks ordered candles once and returns the missing ranges inside
// [start, end) for the given interval. An empty input yields the whole range
// as one gap. If start carries no zone and end does, start is lifted to end's
// zone before comparison.
func DetectGaps(candles []Candle, start, end time.Time, interval Timeframe) ([]Gap, error) {
	delta, err := interval.Duration()
	if err != nil {
		return nil, err
	}

	if start.Location() == time.UTC && end.Location() != time.UTC {
		start = time.Date(start.Year(), start.Month(), start.Day(),
			start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), end.Location())
	}

	if len(candles) == 0 {
		if start.Before(end) {
			return []Gap{{Start: start, End: end}}, nil
		}
		return nil, nil
	}

	var gaps []Gap
	expected := start
	for _, c := range candles {
		if c.OpenTime.After(expected) {
			gaps = append(gaps, Gap{Start: expected, End: c.OpenTime})
		}
		expected = c.OpenTime.Add(delta)
	}
	if expected.Before(end) {
		gaps = append(gaps, Gap{Start: expected, End: end})
	}
	return gaps, nil
}

// TotalGapSeconds sums the lengths of all gaps.
func TotalGapSeconds(gaps []Gap) float64 {
	var total float64
	for _, g := range gaps {
		total += g.Seconds()
	}
	return total
}
