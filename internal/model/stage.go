package model

// Stage is the discrete market-stage label derived from MACD-V and recent
// histogram direction.
type Stage string

const (
	StageOversold   Stage = "oversold"
	StageRebounding Stage = "rebounding"
	StageRallying   Stage = "rallying"
	StageRanging    Stage = "ranging"
	StageRetracing  Stage = "retracing"
	StageReversing  Stage = "reversing"
	StageOverbought Stage = "overbought"
	StageUnknown    Stage = "unknown"
)

// Bullish reports whether the stage counts toward the bullish side of the
// multi-timeframe bias score.
func (s Stage) Bullish() bool {
	return s == StageOversold || s == StageRebounding || s == StageRallying
}

// Bearish reports whether the stage counts toward the bearish side.
func (s Stage) Bearish() bool {
	return s == StageOverbought || s == StageRetracing || s == StageReversing
}

func (s Stage) String() string { return string(s) }

// LiquidityGrade scores a series by how gappy its history is: A is near
// gapless, F is mostly synthetic fill.
type LiquidityGrade string

const (
	GradeA LiquidityGrade = "A"
	GradeB LiquidityGrade = "B"
	GradeC LiquidityGrade = "C"
	GradeD LiquidityGrade = "D"
	GradeF LiquidityGrade = "F"
)

// GradeLiquidity maps a gap ratio (synthetic bars / total bars) to a grade.
func GradeLiquidity(gapRatio float64) LiquidityGrade {
	switch {
	case gapRatio < 0.02:
		return GradeA
	case gapRatio < 0.05:
		return GradeB
	case gapRatio < 0.15:
		return GradeC
	case gapRatio < 0.30:
		return GradeD
	default:
		return GradeF
	}
}
