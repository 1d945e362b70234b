package indicator

import (
	"fmt"

	"livermore/internal/model"
)

// GapStats summarizes a gap-fill pass.
type GapStats struct {
	// OriginalCount is the number of input bars.
	OriginalCount int `json:"originalCount"`
	// FilledCount is the number of output bars after filling.
	FilledCount int `json:"filledCount"`
	// SyntheticCount is the number of inserted bars.
	SyntheticCount int `json:"syntheticCount"`
	// GapRatio is SyntheticCount / FilledCount, 0 for empty input.
	GapRatio float64 `json:"gapRatio"`
}

// GapFill inserts a flat synthetic bar for every bucket missing between
// consecutive input bars: o=h=l=c=previous close, zero volume, flagged
// synthetic. Thin books on small exchanges produce minutes with no trades;
// downstream EMA math needs a bar per bucket while the ATR needs to know
// which bars carry no real range information.
//
// Input must be sorted ascending by timestamp with bucket-aligned,
// non-duplicate timestamps.
func GapFill(candles []model.Candle, tf model.Timeframe) ([]model.Candle, GapStats, error) {
	stats := GapStats{OriginalCount: len(candles)}
	if len(candles) == 0 {
		return nil, stats, nil
	}

	step := tf.Ms()
	filled := make([]model.Candle, 0, len(candles))
	filled = append(filled, candles[0])

	for i := 1; i < len(candles); i++ {
		prev := filled[len(filled)-1]
		cur := candles[i]
		if cur.Timestamp <= prev.Timestamp {
			return nil, stats, fmt.Errorf("candles out of order at index %d: %d after %d", i, cur.Timestamp, prev.Timestamp)
		}
		if (cur.Timestamp-prev.Timestamp)%step != 0 {
			return nil, stats, fmt.Errorf("candle at index %d not aligned to %s grid: %d", i, tf, cur.Timestamp)
		}
		for ts := prev.Timestamp + step; ts < cur.Timestamp; ts += step {
			filled = append(filled, model.Candle{
				Timestamp:   ts,
				Open:        prev.Close,
				High:        prev.Close,
				Low:         prev.Close,
				Close:       prev.Close,
				Volume:      0,
				Symbol:      cur.Symbol,
				Timeframe:   cur.Timeframe,
				IsSynthetic: true,
			})
			stats.SyntheticCount++
		}
		filled = append(filled, cur)
	}

	stats.FilledCount = len(filled)
	if stats.FilledCount > 0 {
		stats.GapRatio = float64(stats.SyntheticCount) / float64(stats.FilledCount)
	}
	return filled, stats, nil
}

// ZeroRangeRatio is the fraction of real (non-synthetic) bars with no
// intrabar range. A high ratio means quotes barely move even when trades
// print, which degrades ATR quality the same way gaps do.
func ZeroRangeRatio(candles []model.Candle) float64 {
	realBars, zeroBars := 0, 0
	for i := range candles {
		if candles[i].IsSynthetic {
			continue
		}
		realBars++
		if candles[i].High == candles[i].Low {
			zeroBars++
		}
	}
	if realBars == 0 {
		return 0
	}
	return float64(zeroBars) / float64(realBars)
}
