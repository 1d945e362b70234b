package scheduler

import "livermore/internal/model"

// ResampleBase merges base-timeframe bars oldest-first into higher-
// timeframe bars: open = first open, close = last close, high = max,
// low = min, volume = sum. Buckets at or past cutoff are still forming
// and are excluded. Missing base bars simply leave their bucket out;
// the engine's gap-fill pass handles the holes.
func ResampleBase(base []model.Candle, tf model.Timeframe, cutoff int64) []model.Candle {
	out := make([]model.Candle, 0, len(base)/int(tf.Ms()/model.OneMinute.Ms())+1)
	var cur *model.Candle
	for i := range base {
		c := &base[i]
		bucket := tf.Bucket(c.Timestamp)
		if bucket >= cutoff {
			break
		}
		if cur == nil || bucket > cur.Timestamp {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &model.Candle{
				Timestamp: bucket,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
				Symbol:    c.Symbol,
				Timeframe: tf,
			}
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
