// Package alert runs the MACD-V alert state machine: level-crossing and
// reversal detection over the indicator stream, with per-series
// cooldowns, a one-shot reversal latch, and best-effort notification.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"livermore/internal/keys"
	"livermore/internal/model"
)

const (
	// CooldownMs throttles repeat alerts per (series, level) and per
	// (series, reversal).
	CooldownMs = 300_000

	// ChartTimeout bounds one chart render request.
	ChartTimeout = 3 * time.Second

	// zoneEntry is the MACD-V magnitude where the extreme zones begin.
	zoneEntry = 150.0

	// Reversal buffers scale with |MACD-V|. Oversold rebounds demand a
	// stronger histogram turn than overbought rollovers.
	OversoldBufferPct   = 0.05
	OverboughtBufferPct = 0.03
)

// Crossing levels, ordered from zone entry outward.
var (
	OversoldLevels   = []float64{-150, -200, -250, -300, -350, -400}
	OverboughtLevels = []float64{150, 200, 250, 300, 350, 400}
)

// Directions reported on level-crossing alerts.
const (
	DirectionDown = "down"
	DirectionUp   = "up"
)

// Reversal zones.
const (
	ZoneOversold   = "oversold"
	ZoneOverbought = "overbought"
)

// Notification is the assembled alert handed to the notifier.
type Notification struct {
	Record *model.AlertRecord
	Bias   string
	// Image is an optional chart PNG.
	Image []byte
}

// alertDetails is the JSON blob persisted with each record.
type alertDetails struct {
	PreviousMacdV float64 `json:"previousMacdV"`
	MacdV         float64 `json:"macdV"`
	Histogram     float64 `json:"histogram"`
	Direction     string  `json:"direction,omitempty"`
	Zone          string  `json:"zone,omitempty"`
	Level         float64 `json:"level,omitempty"`
	Bias          string  `json:"bias"`
}

// Config is the evaluator configuration.
type Config struct {
	// ExchangeID and ExchangeName stamp records and published events.
	ExchangeID   string
	ExchangeName string
	// Scope pins the subscription patterns.
	Scope keys.Scope
	// Symbols is the initial monitored set.
	Symbols []string
	// Timeframes are the bias-context timeframes. Nil means all.
	Timeframes []model.Timeframe
	// BulkIndicators fetches the multi-timeframe context in one round
	// trip.
	BulkIndicators func(ctx context.Context, symbol string, tfs []model.Timeframe) (map[model.Timeframe]model.IndicatorValue, error)
	// RenderChart returns a chart PNG. Nil disables charts.
	RenderChart func(ctx context.Context, symbol string, tf model.Timeframe) ([]byte, error)
	// Notify delivers the alert. Nil disables notification.
	Notify func(ctx context.Context, n *Notification) error
	// Persist stores the immutable alert record.
	Persist func(ctx context.Context, rec *model.AlertRecord) error
	// PublishAlert announces the alert for cross-exchange observers.
	PublishAlert func(ctx context.Context, ev *model.AlertEvent) error
	// OpenIndicatorSub and OpenTickerSub open the two pattern
	// subscriptions and return message channels plus close funcs.
	OpenIndicatorSub func(ctx context.Context, pattern string) (<-chan *goredis.Message, func() error)
	OpenTickerSub    func(ctx context.Context, pattern string) (<-chan *goredis.Message, func() error)
	// NowMs returns current epoch ms. Nil means wall clock.
	NowMs func() int64
	// Logger is the evaluator logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.ExchangeID == "" {
		errs = errors.Join(errs, errors.New("alert exchange id cannot be empty"))
	}
	if cfg.BulkIndicators == nil {
		errs = errors.Join(errs, errors.New("alert bulk indicator reader cannot be nil"))
	}
	if cfg.Persist == nil {
		errs = errors.Join(errs, errors.New("alert persister cannot be nil"))
	}
	if cfg.PublishAlert == nil {
		errs = errors.Join(errs, errors.New("alert publisher cannot be nil"))
	}
	if cfg.OpenIndicatorSub == nil {
		errs = errors.Join(errs, errors.New("alert indicator subscription opener cannot be nil"))
	}
	if cfg.OpenTickerSub == nil {
		errs = errors.Join(errs, errors.New("alert ticker subscription opener cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("alert logger cannot be nil"))
	}
	return errs
}

// Evaluator owns the alert state machine. All state maps are touched
// only from the message loop (or direct handler calls in tests), so
// they carry no locks; the monitored set is the one cross-goroutine
// piece and synchronizes through reconfigure channel messages.
type Evaluator struct {
	cfg *Config
	log zerolog.Logger

	symbols          map[string]struct{}
	previousMacdV    map[string]float64
	alertedLevels    map[string]int64
	reversalCooldown map[string]int64
	inReversalState  map[string]bool
	currentPrices    map[string]float64
	lastLabel        map[string]string

	reconfigure chan []string
}

// New builds an evaluator. Subscriptions open in Run.
func New(cfg *Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating alert config: %w", err)
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if cfg.Timeframes == nil {
		cfg.Timeframes = model.AllTimeframes
	}

	e := &Evaluator{
		cfg:              cfg,
		log:              cfg.Logger.With().Str("component", "alert").Logger(),
		symbols:          make(map[string]struct{}, len(cfg.Symbols)),
		previousMacdV:    make(map[string]float64),
		alertedLevels:    make(map[string]int64),
		reversalCooldown: make(map[string]int64),
		inReversalState:  make(map[string]bool),
		currentPrices:    make(map[string]float64),
		lastLabel:        make(map[string]string),
		reconfigure:      make(chan []string, 1),
	}
	for _, s := range cfg.Symbols {
		e.symbols[s] = struct{}{}
	}
	return e, nil
}

// Run consumes the indicator and ticker streams until ctx is cancelled.
// On exit the maps are cleared after the loop stops consuming, so no
// handler runs during teardown.
func (e *Evaluator) Run(ctx context.Context) error {
	indMsgs, closeInd := e.cfg.OpenIndicatorSub(ctx, e.cfg.Scope.IndicatorPattern())
	defer closeInd()
	tickMsgs, closeTick := e.cfg.OpenTickerSub(ctx, e.cfg.Scope.TickerPattern())
	defer closeTick()
	e.log.Info().Msg("alert evaluator listening")

	defer e.reset()
	for {
		// Symbol-set changes outrank data: apply any pending one before
		// touching the streams.
		select {
		case symbols := <-e.reconfigure:
			e.applySymbols(symbols)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case symbols := <-e.reconfigure:
			e.applySymbols(symbols)
		case msg, ok := <-indMsgs:
			if !ok {
				return errors.New("indicator subscription closed")
			}
			e.onIndicatorMessage(ctx, []byte(msg.Payload))
		case msg, ok := <-tickMsgs:
			if !ok {
				return errors.New("ticker subscription closed")
			}
			e.onTickerMessage([]byte(msg.Payload))
		}
	}
}

// Reconfigure swaps the monitored symbol set. The change applies on the
// loop's next iteration; per-series state for dropped symbols is
// discarded there.
func (e *Evaluator) Reconfigure(symbols []string) {
	// Only the freshest set matters; replace a pending one.
	select {
	case <-e.reconfigure:
	default:
	}
	e.reconfigure <- append([]string(nil), symbols...)
}

func (e *Evaluator) applySymbols(symbols []string) {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		next[s] = struct{}{}
	}
	for s := range e.symbols {
		if _, keep := next[s]; !keep {
			e.dropSymbolState(s)
		}
	}
	e.symbols = next
}

// dropSymbolState removes every map entry belonging to one symbol.
func (e *Evaluator) dropSymbolState(symbol string) {
	prefix := symbol + ":"
	for k := range e.previousMacdV {
		if strings.HasPrefix(k, prefix) {
			delete(e.previousMacdV, k)
			delete(e.inReversalState, k)
			delete(e.lastLabel, k)
		}
	}
	for k := range e.alertedLevels {
		if strings.HasPrefix(k, prefix) {
			delete(e.alertedLevels, k)
		}
	}
	for k := range e.reversalCooldown {
		if strings.HasPrefix(k, prefix) {
			delete(e.reversalCooldown, k)
		}
	}
	delete(e.currentPrices, symbol)
}

// reset clears all evaluator state.
func (e *Evaluator) reset() {
	e.previousMacdV = make(map[string]float64)
	e.alertedLevels = make(map[string]int64)
	e.reversalCooldown = make(map[string]int64)
	e.inReversalState = make(map[string]bool)
	e.currentPrices = make(map[string]float64)
	e.lastLabel = make(map[string]string)
}

func (e *Evaluator) onIndicatorMessage(ctx context.Context, payload []byte) {
	var v model.IndicatorValue
	if err := json.Unmarshal(payload, &v); err != nil {
		e.log.Debug().Err(err).Msg("dropping unparseable indicator event")
		return
	}
	if v.Type != model.IndicatorTypeMACDV {
		return
	}
	if _, ok := e.symbols[v.Symbol]; !ok {
		return
	}
	e.HandleIndicator(ctx, &v)
}

func (e *Evaluator) onTickerMessage(payload []byte) {
	var tk model.Ticker
	if err := json.Unmarshal(payload, &tk); err != nil {
		e.log.Debug().Err(err).Msg("dropping unparseable ticker event")
		return
	}
	if _, ok := e.symbols[tk.Symbol]; !ok {
		return
	}
	e.HandleTicker(&tk)
}

// HandleTicker records the latest price for alert payloads.
func (e *Evaluator) HandleTicker(tk *model.Ticker) {
	e.currentPrices[tk.Symbol] = tk.Price
}

// HandleIndicator runs the state machine for one indicator update. All
// cooldown and latch mutations happen before any notifier or store I/O.
func (e *Evaluator) HandleIndicator(ctx context.Context, v *model.IndicatorValue) {
	if v.Value.MacdV == nil || math.IsNaN(*v.Value.MacdV) {
		return
	}
	macdV := *v.Value.MacdV
	var hist float64
	if v.Value.Histogram != nil {
		hist = *v.Value.Histogram
	}
	key := v.Key()

	prev, seen := e.previousMacdV[key]
	e.previousMacdV[key] = macdV
	if !seen {
		return
	}

	now := e.cfg.NowMs()

	if level, crossed := crossDown(prev, macdV); crossed {
		ck := levelKey(key, level)
		if e.cooldownElapsed(e.alertedLevels, ck, now) {
			e.alertedLevels[ck] = now
			e.inReversalState[key] = false
			e.emit(ctx, v, model.LevelLabel(level), alertDetails{
				PreviousMacdV: prev,
				MacdV:         macdV,
				Histogram:     hist,
				Direction:     DirectionDown,
				Level:         level,
			})
		}
	}
	if level, crossed := crossUp(prev, macdV); crossed {
		ck := levelKey(key, level)
		if e.cooldownElapsed(e.alertedLevels, ck, now) {
			e.alertedLevels[ck] = now
			e.inReversalState[key] = false
			e.emit(ctx, v, model.LevelLabel(level), alertDetails{
				PreviousMacdV: prev,
				MacdV:         macdV,
				Histogram:     hist,
				Direction:     DirectionUp,
				Level:         level,
			})
		}
	}

	// Both samples must already sit in the zone, so entering the zone
	// and reversing cannot fire off the same tick.
	if macdV < -zoneEntry && prev < -zoneEntry {
		buffer := math.Abs(macdV) * OversoldBufferPct
		rk := reversalKey(key)
		if hist > buffer && !e.inReversalState[key] && e.cooldownElapsed(e.reversalCooldown, rk, now) {
			e.reversalCooldown[rk] = now
			e.inReversalState[key] = true
			e.emit(ctx, v, model.LabelReversalOversold, alertDetails{
				PreviousMacdV: prev,
				MacdV:         macdV,
				Histogram:     hist,
				Zone:          ZoneOversold,
			})
		}
	}
	if macdV > zoneEntry && prev > zoneEntry {
		buffer := math.Abs(macdV) * OverboughtBufferPct
		rk := reversalKey(key)
		if hist < -buffer && !e.inReversalState[key] && e.cooldownElapsed(e.reversalCooldown, rk, now) {
			e.reversalCooldown[rk] = now
			e.inReversalState[key] = true
			e.emit(ctx, v, model.LabelReversalOverbought, alertDetails{
				PreviousMacdV: prev,
				MacdV:         macdV,
				Histogram:     hist,
				Zone:          ZoneOverbought,
			})
		}
	}
}

// crossDown finds the deepest oversold level the value fell through.
func crossDown(prev, cur float64) (float64, bool) {
	var found float64
	ok := false
	for _, lvl := range OversoldLevels {
		if prev >= lvl && cur < lvl {
			found, ok = lvl, true
		}
	}
	return found, ok
}

// crossUp finds the highest overbought level the value rose through.
func crossUp(prev, cur float64) (float64, bool) {
	var found float64
	ok := false
	for _, lvl := range OverboughtLevels {
		if prev <= lvl && cur > lvl {
			found, ok = lvl, true
		}
	}
	return found, ok
}

func (e *Evaluator) cooldownElapsed(m map[string]int64, k string, now int64) bool {
	ts, ok := m[k]
	return !ok || now-ts >= CooldownMs
}

func levelKey(seriesKey string, level float64) string {
	return fmt.Sprintf("%s:%d", seriesKey, int(level))
}

func reversalKey(seriesKey string) string {
	return seriesKey + ":reversal"
}

// emit assembles and delivers one alert: bias context, optional chart,
// best-effort notify, persist, publish. State was already mutated by
// the caller; nothing here re-enters the maps except the label trail.
func (e *Evaluator) emit(ctx context.Context, v *model.IndicatorValue, label string, details alertDetails) {
	key := v.Key()
	now := e.cfg.NowMs()

	details.Bias = e.computeBias(ctx, v.Symbol)
	detailsJSON, _ := json.Marshal(details)

	rec := &model.AlertRecord{
		ID:            uuid.NewString(),
		ExchangeID:    e.cfg.ExchangeID,
		Symbol:        v.Symbol,
		Timeframe:     v.Timeframe,
		AlertType:     model.AlertTypeMACDV,
		TriggeredAt:   time.UnixMilli(now).UTC(),
		Price:         e.currentPrices[v.Symbol],
		TriggerValue:  details.MacdV,
		TriggerLabel:  label,
		PreviousLabel: e.lastLabel[key],
		Details:       detailsJSON,
	}
	e.lastLabel[key] = label

	var image []byte
	if e.cfg.RenderChart != nil {
		cctx, cancel := context.WithTimeout(ctx, ChartTimeout)
		img, err := e.cfg.RenderChart(cctx, v.Symbol, v.Timeframe)
		cancel()
		if err != nil {
			e.log.Debug().Err(err).Str("series", key).Msg("chart render skipped")
		} else {
			image = img
		}
	}
	rec.ChartGenerated = len(image) > 0

	if e.cfg.Notify != nil {
		if err := e.cfg.Notify(ctx, &Notification{Record: rec, Bias: details.Bias, Image: image}); err != nil {
			rec.NotificationError = err.Error()
			e.log.Warn().Err(err).Str("series", key).Msg("notification failed")
		} else {
			rec.NotificationSent = true
		}
	}

	if err := e.cfg.Persist(ctx, rec); err != nil {
		e.log.Error().Err(err).Str("series", key).Msg("alert persist failed")
	}

	ev := &model.AlertEvent{
		ID:                 rec.ID,
		Symbol:             rec.Symbol,
		AlertType:          rec.AlertType,
		Timeframe:          rec.Timeframe,
		Price:              rec.Price,
		TriggerValue:       rec.TriggerValue,
		SignalDelta:        details.Histogram,
		TriggeredAt:        rec.TriggeredAt.Format(time.RFC3339),
		SourceExchangeID:   e.cfg.ExchangeID,
		SourceExchangeName: e.cfg.ExchangeName,
		TriggerLabel:       rec.TriggerLabel,
	}
	if err := e.cfg.PublishAlert(ctx, ev); err != nil {
		e.log.Error().Err(err).Str("series", key).Msg("alert publish failed")
	}

	e.log.Info().
		Str("series", key).
		Str("label", label).
		Float64("macdV", details.MacdV).
		Str("bias", details.Bias).
		Msg("alert emitted")
}
