// Package indicator computes the volatility-normalized MACD (MACD-V) and
// its stage classification over candle series. All math is batch over a
// cached window; streaming state types keep each pass O(n).
package indicator

import (
	"fmt"
	"math"

	"livermore/internal/model"
)

// EMA is a standard exponential moving average, seeded by the simple
// average of the first period values. O(1) per update.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates an EMA with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// Update feeds one value.
func (e *EMA) Update(v float64) {
	e.count++
	if e.count <= e.period {
		e.sum += v
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}
	e.current = (v * e.multiplier) + (e.current * (1 - e.multiplier))
}

// Value returns the current average, 0 until Ready.
func (e *EMA) Value() float64 { return e.current }

// Ready reports whether the seed window has filled.
func (e *EMA) Ready() bool { return e.count >= e.period }

// InformativeATR is an EMA of true range that only real bars feed.
// Synthetic gap-fill bars carry no range information, so they propagate
// the prior value unchanged while still counting toward the span. The
// nEff/spanBars pair lets consumers judge how much of the window the
// ATR's information actually covers.
type InformativeATR struct {
	period     int
	multiplier float64
	current    float64
	nEff       int // real bars that contributed
	spanBars   int // all bars observed, synthetic included
	sum        float64
}

// NewInformativeATR creates an informative ATR with the given period.
func NewInformativeATR(period int) *InformativeATR {
	return &InformativeATR{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// Observe feeds one bar's true range. Synthetic bars advance the span only.
func (a *InformativeATR) Observe(tr float64, synthetic bool) {
	a.spanBars++
	if synthetic {
		return
	}
	a.nEff++
	if a.nEff <= a.period {
		a.sum += tr
		if a.nEff == a.period {
			a.current = a.sum / float64(a.period)
		}
		return
	}
	a.current = (tr * a.multiplier) + (a.current * (1 - a.multiplier))
}

// Value returns the current ATR, 0 until Seeded.
func (a *InformativeATR) Value() float64 { return a.current }

// Seeded reports whether enough real bars have contributed.
func (a *InformativeATR) Seeded() bool { return a.nEff >= a.period }

// NEff returns the count of contributing real bars.
func (a *InformativeATR) NEff() int { return a.nEff }

// SpanBars returns the count of all observed bars.
func (a *InformativeATR) SpanBars() int { return a.spanBars }

// TrueRange computes one bar's true range against the previous close.
// The series' first bar has no previous close and uses high-low.
func TrueRange(c model.Candle, prevClose float64, first bool) float64 {
	hl := c.High - c.Low
	if first {
		return hl
	}
	hc := math.Abs(c.High - prevClose)
	lc := math.Abs(c.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// Engine computes MACD-V values over candle windows.
type Engine struct {
	fastPeriod   int
	slowPeriod   int
	atrPeriod    int
	signalPeriod int
	minBars      int
}

// NewEngine creates an engine with the standard MACD-V periods
// (12/26/26/9).
func NewEngine() *Engine {
	return &Engine{
		fastPeriod:   model.MACDVFastPeriod,
		slowPeriod:   model.MACDVSlowPeriod,
		atrPeriod:    model.MACDVATRPeriod,
		signalPeriod: model.MACDVSignalPeriod,
		minBars:      model.MinBars,
	}
}

// Compute runs the full MACD-V pipeline over the window:
// gap-fill, EMAs over every bar's close, informative ATR over real bars,
// MACD-V = (EMA_fast - EMA_slow) / ATR * 100, signal EMA over the MACD-V
// series, histogram, stage classification, liquidity grade.
//
// Short or under-informed windows come back with null numbers and a
// machine-readable reason instead of an error; errors are reserved for
// structurally invalid input.
func (e *Engine) Compute(symbol string, tf model.Timeframe, candles []model.Candle) (model.IndicatorValue, error) {
	filled, stats, err := GapFill(candles, tf)
	if err != nil {
		return model.IndicatorValue{}, fmt.Errorf("gap-filling %s %s window: %w", symbol, tf, err)
	}

	out := model.IndicatorValue{
		Type:      model.IndicatorTypeMACDV,
		Symbol:    symbol,
		Timeframe: tf,
		Params: model.IndicatorParams{
			FastPeriod:     e.fastPeriod,
			SlowPeriod:     e.slowPeriod,
			ATRPeriod:      e.atrPeriod,
			SignalPeriod:   e.signalPeriod,
			Stage:          model.StageUnknown,
			Liquidity:      model.GradeLiquidity(stats.GapRatio),
			GapRatio:       stats.GapRatio,
			ZeroRangeRatio: ZeroRangeRatio(filled),
		},
	}
	if len(filled) > 0 {
		out.Timestamp = filled[len(filled)-1].Timestamp
	}

	if len(filled) < e.minBars {
		out.Params.Reason = model.ReasonWarmup
		return out, nil
	}

	fast := NewEMA(e.fastPeriod)
	slow := NewEMA(e.slowPeriod)
	atr := NewInformativeATR(e.atrPeriod)
	signal := NewEMA(e.signalPeriod)

	var (
		prevClose  float64
		macdv      float64
		haveMacdV  bool
		histSeries []float64
	)

	for i := range filled {
		c := &filled[i]
		fast.Update(c.Close)
		slow.Update(c.Close)

		if !c.IsSynthetic {
			atr.Observe(TrueRange(*c, prevClose, i == 0), false)
		} else {
			atr.Observe(0, true)
		}
		prevClose = c.Close

		if fast.Ready() && slow.Ready() && atr.Seeded() {
			macd := fast.Value() - slow.Value()
			// A zero ATR forces zero MACD too (flat closes), so 0 is the
			// continuous limit of macd/atr here.
			macdv = 0
			if atr.Value() > 0 {
				macdv = macd / atr.Value() * 100
			}
			haveMacdV = true
			signal.Update(macdv)
			if signal.Ready() {
				histSeries = append(histSeries, macdv-signal.Value())
			}
		}
	}

	out.Value.FastEMA = fast.Value()
	out.Value.SlowEMA = slow.Value()
	out.Value.ATR = atr.Value()
	out.Params.Seeded = atr.Seeded()
	out.Params.NEff = atr.NEff()
	out.Params.SpanBars = atr.SpanBars()

	if !atr.Seeded() {
		out.Params.Reason = model.ReasonInsufficientRealBars
		return out, nil
	}
	if atr.Value() == 0 {
		out.Params.Reason = model.ReasonAllZeroRange
		return out, nil
	}
	if !haveMacdV {
		out.Params.Reason = model.ReasonWarmup
		return out, nil
	}

	out.Value.MacdV = model.Float64Ptr(macdv)
	if signal.Ready() {
		out.Value.Signal = model.Float64Ptr(signal.Value())
		out.Value.Histogram = model.Float64Ptr(macdv - signal.Value())
	}

	out.Params.Stage = Classify(macdv, HistogramDirection(histSeries))
	return out, nil
}
