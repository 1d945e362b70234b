package alert

import (
	"context"

	"livermore/internal/model"
)

// Bias labels attached to every alert.
const (
	BiasBullish = "Bullish"
	BiasBearish = "Bearish"
	BiasNeutral = "Neutral"
)

// biasWeights favor longer timeframes: a bullish daily stage outweighs
// five bullish minutes.
var biasWeights = map[model.Timeframe]float64{
	model.OneMinute:     1,
	model.FiveMinute:    2,
	model.FifteenMinute: 3,
	model.OneHour:       4,
	model.FourHour:      5,
	model.OneDay:        6,
}

// computeBias fetches the multi-timeframe stage context and scores it.
// A failed fetch degrades to neutral rather than blocking the alert.
func (e *Evaluator) computeBias(ctx context.Context, symbol string) string {
	vals, err := e.cfg.BulkIndicators(ctx, symbol, e.cfg.Timeframes)
	if err != nil {
		e.log.Debug().Err(err).Str("symbol", symbol).Msg("bias context unavailable")
		return BiasNeutral
	}
	return scoreBias(vals)
}

// scoreBias sums stage weights per side and calls the verdict: one side
// must beat the other by half again to escape neutral.
func scoreBias(vals map[model.Timeframe]model.IndicatorValue) string {
	var bull, bear float64
	for tf, v := range vals {
		w, ok := biasWeights[tf]
		if !ok {
			continue
		}
		stage := v.Params.Stage
		switch {
		case stage.Bullish():
			bull += w
		case stage.Bearish():
			bear += w
		}
	}
	switch {
	case bull == 0 && bear == 0:
		return BiasNeutral
	case bull > 1.5*bear:
		return BiasBullish
	case bear > 1.5*bull:
		return BiasBearish
	default:
		return BiasNeutral
	}
}
