package market

import (
	"fmt"
	"time"
)

// Timeframe identifies a chart interval ("1m", "1h", ...).
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF3d  Timeframe = "3d"
	TF1w  Timeframe = "1w"
	TF1M  Timeframe = "1M"
)

// timeframeMinutes maps supported intervals to their fixed minute counts.
// Monthly is approximated as 30 days.
var timeframeMinutes = map[Timeframe]int{
	TF1m: 1, TF3m: 3, TF5m: 5, TF15m: 15, TF30m: 30,
	TF1h: 60, TF2h: 120, TF4h: 240, TF6h: 360, TF8h: 480, TF12h: 720,
	TF1d: 1440, TF3d: 4320, TF1w: 10080, TF1M: 43200,
}

// Minutes returns the period of tf in minutes, or an error for unknown intervals.
func (tf Timeframe) Minutes() (int, error) {
	m, ok := timeframeMinutes[tf]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", tf)
	}
	return m, nil
}

// Duration returns the period of tf as a time.Duration.
func (tf Timeframe) Duration() (time.Duration, error) {
	m, err := tf.Minutes()
	if err != nil {
		return 0, err
	}
	return time.Duration(m) * time.Minute, nil
}

// Valid reports whether tf is a supported interval.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMinutes[tf]
	return ok
}

// WindowStart floors t to the start of the tf window containing it.
func (tf Timeframe) WindowStart(t time.Time) (time.Time, error) {
	m, err := tf.Minutes()
	if err != nil {
		return time.Time{}, err
	}
	p := int64(m) * 60
	u := t.Unix()
	return time.Unix(u/p*p, 0).UTC(), nil
}
