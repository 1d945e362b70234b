package model

import (
	"fmt"
	"time"
)

// Timeframe is the length of one candle bucket, in the exchange's
// canonical string form ("1m", "5m", ... "1d").
type Timeframe string

const (
	OneMinute     Timeframe = "1m"
	FiveMinute    Timeframe = "5m"
	FifteenMinute Timeframe = "15m"
	OneHour       Timeframe = "1h"
	FourHour      Timeframe = "4h"
	OneDay        Timeframe = "1d"
)

// timeframeMs maps each supported timeframe to its bucket length in
// milliseconds. Epoch-aligned buckets only; no calendar months.
var timeframeMs = map[Timeframe]int64{
	OneMinute:     60_000,
	FiveMinute:    300_000,
	FifteenMinute: 900_000,
	OneHour:       3_600_000,
	FourHour:      14_400_000,
	OneDay:        86_400_000,
}

// AllTimeframes lists the supported timeframes from shortest to longest.
var AllTimeframes = []Timeframe{OneMinute, FiveMinute, FifteenMinute, OneHour, FourHour, OneDay}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Valid reports whether the timeframe is one of the supported buckets.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeMs[tf]
	return ok
}

// Ms returns the bucket length in milliseconds, or 0 for an unknown timeframe.
func (tf Timeframe) Ms() int64 {
	return timeframeMs[tf]
}

// Duration returns the bucket length as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Ms()) * time.Millisecond
}

// Bucket aligns an epoch-millisecond timestamp down to the start of its
// bucket: floor(ts / tfMs) * tfMs.
func (tf Timeframe) Bucket(tsMs int64) int64 {
	ms := tf.Ms()
	if ms == 0 {
		return tsMs
	}
	return tsMs - tsMs%ms
}

func (tf Timeframe) String() string { return string(tf) }

// HigherTimeframes returns the derivation targets for a base timeframe:
// {5m,15m,1h,4h,1d} for a 1m base, {15m,1h,4h,1d} for a 5m base.
func HigherTimeframes(base Timeframe) []Timeframe {
	switch base {
	case OneMinute:
		return []Timeframe{FiveMinute, FifteenMinute, OneHour, FourHour, OneDay}
	case FiveMinute:
		return []Timeframe{FifteenMinute, OneHour, FourHour, OneDay}
	default:
		return nil
	}
}
