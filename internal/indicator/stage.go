package indicator

import "livermore/internal/model"

// Direction is the recent histogram trend used to split the transition
// bands into their rising and falling stages.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionRising
	DirectionFalling
	DirectionFlat
)

// HistogramDirection derives the trend from the last three histogram
// values: the sign of h[n] - h[n-2]. Fewer than three values is unknown.
func HistogramDirection(hist []float64) Direction {
	n := len(hist)
	if n < 3 {
		return DirectionUnknown
	}
	diff := hist[n-1] - hist[n-3]
	switch {
	case diff > 0:
		return DirectionRising
	case diff < 0:
		return DirectionFalling
	default:
		return DirectionFlat
	}
}

// Stage thresholds on the MACD-V axis.
const (
	oversoldBelow   = -150.0
	rangingLow      = -50.0
	rangingHigh     = 50.0
	overboughtAbove = 150.0
)

// Classify maps a MACD-V value and histogram direction onto the stage
// ladder:
//
//	v < -150                 oversold
//	-150 <= v < -50          rebounding when rising, else reversing
//	-50 <= v <= 50           ranging
//	50 < v <= 150            rallying when rising, else retracing
//	v > 150                  overbought
//
// The transition bands need a direction; without one the stage is unknown.
func Classify(macdV float64, dir Direction) model.Stage {
	switch {
	case macdV < oversoldBelow:
		return model.StageOversold
	case macdV < rangingLow:
		switch dir {
		case DirectionRising:
			return model.StageRebounding
		case DirectionUnknown:
			return model.StageUnknown
		default:
			return model.StageReversing
		}
	case macdV <= rangingHigh:
		return model.StageRanging
	case macdV <= overboughtAbove:
		switch dir {
		case DirectionRising:
			return model.StageRallying
		case DirectionUnknown:
			return model.StageUnknown
		default:
			return model.StageRetracing
		}
	default:
		return model.StageOverbought
	}
}
