package model

import "encoding/json"

// IndicatorTypeMACDV is the only indicator type the engine computes today.
// The cache keys and channels carry the type so further indicators can be
// added without breaking readers.
const IndicatorTypeMACDV = "macd-v"

// Default MACD-V parameters.
const (
	MACDVFastPeriod   = 12
	MACDVSlowPeriod   = 26
	MACDVATRPeriod    = 26
	MACDVSignalPeriod = 9
)

// MinBars is the engine-level floor: slow EMA (26) + signal EMA (9).
const MinBars = MACDVSlowPeriod + MACDVSignalPeriod

// ReadyBars is the scheduler's readiness gate: no indicator is published
// for a series with fewer cached bars than this.
const ReadyBars = 60

// ATR seeding reasons reported in IndicatorParams.Reason while Seeded is false.
const (
	ReasonWarmup               = "warmup"
	ReasonInsufficientRealBars = "insufficient_real_bars"
	ReasonAllZeroRange         = "all_zero_range"
)

// MacdVNumbers carries the computed values for one bar close. MacdV,
// Signal, and Histogram are nil when ATR is zero (division undefined);
// the raw EMAs and ATR are always reported for observability.
type MacdVNumbers struct {
	MacdV     *float64 `json:"macdV"`
	Signal    *float64 `json:"signal"`
	Histogram *float64 `json:"histogram"`
	FastEMA   float64  `json:"fastEMA"`
	SlowEMA   float64  `json:"slowEMA"`
	ATR       float64  `json:"atr"`
}

// IndicatorParams records the computation inputs and the data-quality
// diagnostics that rode along with the value.
type IndicatorParams struct {
	FastPeriod     int            `json:"fastPeriod"`
	SlowPeriod     int            `json:"slowPeriod"`
	ATRPeriod      int            `json:"atrPeriod"`
	SignalPeriod   int            `json:"signalPeriod"`
	Stage          Stage          `json:"stage"`
	Liquidity      LiquidityGrade `json:"liquidity"`
	GapRatio       float64        `json:"gapRatio"`
	ZeroRangeRatio float64        `json:"zeroRangeRatio"`
	Seeded         bool           `json:"seeded"`
	NEff           int            `json:"nEff"`
	SpanBars       int            `json:"spanBars"`
	Reason         string         `json:"reason,omitempty"`
}

// IndicatorValue is the latest indicator state for (symbol, timeframe,
// type), recomputed on every bar close and stored latest-only.
type IndicatorValue struct {
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Value     MacdVNumbers    `json:"value"`
	Params    IndicatorParams `json:"params"`
}

// Key returns the series identity: "symbol:timeframe".
func (v *IndicatorValue) Key() string {
	return v.Symbol + ":" + string(v.Timeframe)
}

// JSON returns the JSON-encoded value (ignoring errors for hot-path usage).
func (v *IndicatorValue) JSON() []byte {
	b, _ := json.Marshal(v)
	return b
}

// Float64Ptr is a small helper for building nullable indicator numbers.
func Float64Ptr(f float64) *float64 { return &f }
