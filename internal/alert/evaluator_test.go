package alert

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"livermore/internal/keys"
	"livermore/internal/model"
)

const testNow = int64(1705315020000)

var testScope = keys.Scope{User: "default", Exchange: "coinbase"}

// fakeSink records every downstream effect of an emitted alert.
type fakeSink struct {
	notes     []*Notification
	notifyErr error

	records    []*model.AlertRecord
	persistErr error

	events []*model.AlertEvent

	bulk    map[model.Timeframe]model.IndicatorValue
	bulkErr error

	chart    []byte
	chartErr error
}

func (s *fakeSink) notify(_ context.Context, n *Notification) error {
	s.notes = append(s.notes, n)
	return s.notifyErr
}

func (s *fakeSink) persist(_ context.Context, rec *model.AlertRecord) error {
	s.records = append(s.records, rec)
	return s.persistErr
}

func (s *fakeSink) publish(_ context.Context, ev *model.AlertEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) bulkIndicators(_ context.Context, _ string, _ []model.Timeframe) (map[model.Timeframe]model.IndicatorValue, error) {
	if s.bulkErr != nil {
		return nil, s.bulkErr
	}
	return s.bulk, nil
}

func (s *fakeSink) render(_ context.Context, _ string, _ model.Timeframe) ([]byte, error) {
	if s.chartErr != nil {
		return nil, s.chartErr
	}
	return s.chart, nil
}

func nopSub(_ context.Context, _ string) (<-chan *goredis.Message, func() error) {
	return make(chan *goredis.Message), func() error { return nil }
}

func validConfig(sink *fakeSink, now *int64) *Config {
	logger := zerolog.Nop()
	return &Config{
		ExchangeID:       "coinbase",
		ExchangeName:     "Coinbase",
		Scope:            testScope,
		Symbols:          []string{"BTC-USD", "ETH-USD"},
		BulkIndicators:   sink.bulkIndicators,
		Notify:           sink.notify,
		Persist:          sink.persist,
		PublishAlert:     sink.publish,
		OpenIndicatorSub: nopSub,
		OpenTickerSub:    nopSub,
		NowMs:            func() int64 { return *now },
		Logger:           &logger,
	}
}

func newTestEvaluator(t *testing.T, mutate func(*Config)) (*Evaluator, *fakeSink, *int64) {
	t.Helper()
	sink := &fakeSink{bulk: map[model.Timeframe]model.IndicatorValue{}}
	now := new(int64)
	*now = testNow
	cfg := validConfig(sink, now)
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, sink, now
}

func macdvSample(symbol string, tf model.Timeframe, macdV, hist float64) *model.IndicatorValue {
	return &model.IndicatorValue{
		Timestamp: testNow,
		Type:      model.IndicatorTypeMACDV,
		Symbol:    symbol,
		Timeframe: tf,
		Value: model.MacdVNumbers{
			MacdV:     model.Float64Ptr(macdV),
			Signal:    model.Float64Ptr(macdV - hist),
			Histogram: model.Float64Ptr(hist),
			FastEMA:   10,
			SlowEMA:   9,
			ATR:       12.5,
		},
	}
}

func stageValue(stage model.Stage) model.IndicatorValue {
	return model.IndicatorValue{Params: model.IndicatorParams{Stage: stage}}
}

func decodeDetails(t *testing.T, rec *model.AlertRecord) alertDetails {
	t.Helper()
	var d alertDetails
	if err := json.Unmarshal(rec.Details, &d); err != nil {
		t.Fatalf("decoding details: %v", err)
	}
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", nil, true},
		{"missing exchange id", func(c *Config) { c.ExchangeID = "" }, false},
		{"missing bulk reader", func(c *Config) { c.BulkIndicators = nil }, false},
		{"missing persister", func(c *Config) { c.Persist = nil }, false},
		{"missing publisher", func(c *Config) { c.PublishAlert = nil }, false},
		{"missing indicator sub", func(c *Config) { c.OpenIndicatorSub = nil }, false},
		{"missing ticker sub", func(c *Config) { c.OpenTickerSub = nil }, false},
		{"missing logger", func(c *Config) { c.Logger = nil }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := new(int64)
			cfg := validConfig(&fakeSink{}, now)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestHandleIndicator_CrossDownPicksDeepestLevel(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, nil)
	sink.bulk = map[model.Timeframe]model.IndicatorValue{
		model.OneHour: stageValue(model.StageOversold),
		model.OneDay:  stageValue(model.StageRebounding),
	}
	ctx := context.Background()

	e.HandleTicker(&model.Ticker{Symbol: "BTC-USD", Price: 42000.5})

	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -140, -2))
	if len(sink.records) != 0 {
		t.Fatalf("first sample must not alert, got %d records", len(sink.records))
	}

	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -260, -5))
	if len(sink.records) != 1 {
		t.Fatalf("want exactly one alert, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.TriggerLabel != "level_-250" {
		t.Fatalf("want deepest crossed level level_-250, got %q", rec.TriggerLabel)
	}
	if rec.ID == "" {
		t.Fatal("record id must be set")
	}
	if rec.ExchangeID != "coinbase" || rec.AlertType != model.AlertTypeMACDV {
		t.Fatalf("record identity wrong: %+v", rec)
	}
	if rec.Price != 42000.5 {
		t.Fatalf("want ticker price 42000.5, got %v", rec.Price)
	}
	if rec.TriggerValue != -260 {
		t.Fatalf("want trigger value -260, got %v", rec.TriggerValue)
	}
	if rec.PreviousLabel != "" {
		t.Fatalf("first alert carries no previous label, got %q", rec.PreviousLabel)
	}
	if !rec.TriggeredAt.Equal(time.UnixMilli(testNow).UTC()) {
		t.Fatalf("triggered at %v, want %v", rec.TriggeredAt, time.UnixMilli(testNow).UTC())
	}

	d := decodeDetails(t, rec)
	if d.Direction != DirectionDown || d.Level != -250 {
		t.Fatalf("details direction/level wrong: %+v", d)
	}
	if d.PreviousMacdV != -140 || d.MacdV != -260 || d.Histogram != -5 {
		t.Fatalf("details numbers wrong: %+v", d)
	}
	if d.Bias != BiasBullish {
		t.Fatalf("oversold 1h + rebounding 1d must score bullish, got %q", d.Bias)
	}

	if len(sink.events) != 1 {
		t.Fatalf("want one published event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.SignalDelta != -5 || ev.SourceExchangeName != "Coinbase" {
		t.Fatalf("event fields wrong: %+v", ev)
	}
	if ev.TriggeredAt != time.UnixMilli(testNow).UTC().Format(time.RFC3339) {
		t.Fatalf("event timestamp %q not RFC3339 of trigger time", ev.TriggeredAt)
	}

	// Deeper drift without another crossing stays quiet.
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -270, -5))
	if len(sink.records) != 1 {
		t.Fatalf("drift from -260 to -270 crossed nothing, got %d records", len(sink.records))
	}
}

func TestHandleIndicator_ReversalNeedsBothSamplesInZone(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, nil)
	ctx := context.Background()

	// Entry tick: previous sits outside the zone, so even a histogram
	// far above the buffer cannot count as a rebound.
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -120, 0))
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -160, 2))
	if len(sink.records) != 1 {
		t.Fatalf("want the level cross only, got %d records", len(sink.records))
	}
	if sink.records[0].TriggerLabel != "level_-150" {
		t.Fatalf("want level_-150, got %q", sink.records[0].TriggerLabel)
	}

	e.HandleIndicator(ctx, macdvSample("ETH-USD", model.FiveMinute, -120, 0))
	e.HandleIndicator(ctx, macdvSample("ETH-USD", model.FiveMinute, -160, 20))
	if len(sink.records) != 2 {
		t.Fatalf("want two records, got %d", len(sink.records))
	}
	if got := sink.records[1].TriggerLabel; got != "level_-150" {
		t.Fatalf("histogram 20 beats the buffer but previous was outside the zone; want level_-150, got %q", got)
	}
}

func TestHandleIndicator_OversoldReversalBuffer(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, nil)
	ctx := context.Background()

	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -260, -5))
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -255, 12))
	if len(sink.records) != 0 {
		t.Fatalf("histogram 12 is under the 12.75 buffer, got %d records", len(sink.records))
	}

	// 13 > |−255| × 0.05 = 12.75.
	e.HandleIndicator(ctx, macdvSample("ETH-USD", model.FiveMinute, -260, -5))
	e.HandleIndicator(ctx, macdvSample("ETH-USD", model.FiveMinute, -255, 13))
	if len(sink.records) != 1 {
		t.Fatalf("want one reversal, got %d records", len(sink.records))
	}
	rec := sink.records[0]
	if rec.TriggerLabel != model.LabelReversalOversold {
		t.Fatalf("want %q, got %q", model.LabelReversalOversold, rec.TriggerLabel)
	}
	d := decodeDetails(t, rec)
	if d.Zone != ZoneOversold {
		t.Fatalf("want oversold zone, got %q", d.Zone)
	}
}

func TestHandleIndicator_OverboughtMirror(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, nil)
	ctx := context.Background()

	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.OneHour, 140, 3))
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.OneHour, 210, 5))
	if len(sink.records) != 1 {
		t.Fatalf("want one cross, got %d records", len(sink.records))
	}
	if sink.records[0].TriggerLabel != "level_200" {
		t.Fatalf("want highest crossed level level_200, got %q", sink.records[0].TriggerLabel)
	}
	if d := decodeDetails(t, sink.records[0]); d.Direction != DirectionUp || d.Level != 200 {
		t.Fatalf("details wrong: %+v", d)
	}

	// −7 < −(205 × 0.03) = −6.15.
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.OneHour, 205, -7))
	if len(sink.records) != 2 {
		t.Fatalf("want the rollover reversal, got %d records", len(sink.records))
	}
	rec := sink.records[1]
	if rec.TriggerLabel != model.LabelReversalOverbought {
		t.Fatalf("want %q, got %q", model.LabelReversalOverbought, rec.TriggerLabel)
	}
	if d := decodeDetails(t, rec); d.Zone != ZoneOverbought {
		t.Fatalf("want overbought zone, got %q", d.Zone)
	}
	if rec.PreviousLabel != "level_200" {
		t.Fatalf("previous label must trail the last alert, got %q", rec.PreviousLabel)
	}
}

func TestHandleIndicator_CooldownAndReversalLatch(t *testing.T) {
	e, sink, now := newTestEvaluator(t, nil)
	ctx := context.Background()
	tick := func(macdV, hist float64) {
		e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, macdV, hist))
	}
	labels := func() []string {
		out := make([]string, len(sink.records))
		for i, r := range sink.records {
			out[i] = r.TriggerLabel
		}
		return out
	}

	tick(-240, 0)  // first sample
	tick(-260, -5) // crosses -250
	tick(-255, 13) // rebound, 13 > 12.75
	if len(sink.records) != 2 {
		t.Fatalf("setup expected cross then reversal, got %v", labels())
	}

	// Re-cross -250 inside the cooldown window: suppressed, and the
	// suppressed cross must not release the reversal latch.
	tick(-245, -1)
	tick(-260, -5)
	if len(sink.records) != 2 {
		t.Fatalf("cooldown must suppress the repeat cross, got %v", labels())
	}

	*now = testNow + CooldownMs

	// Reversal cooldown has elapsed but the latch still holds.
	tick(-250, 14)
	if len(sink.records) != 2 {
		t.Fatalf("latch must block a second reversal, got %v", labels())
	}

	// A cross that actually fires releases the latch.
	tick(-245, -1)
	tick(-260, -5)
	if len(sink.records) != 3 || sink.records[2].TriggerLabel != "level_-250" {
		t.Fatalf("elapsed cooldown must let the cross fire, got %v", labels())
	}

	tick(-255, 14)
	if len(sink.records) != 4 || sink.records[3].TriggerLabel != model.LabelReversalOversold {
		t.Fatalf("released latch must allow the next reversal, got %v", labels())
	}

	want := []string{"level_-250", model.LabelReversalOversold, "level_-250", model.LabelReversalOversold}
	for i, w := range want {
		if sink.records[i].TriggerLabel != w {
			t.Fatalf("label sequence %v, want %v", labels(), want)
		}
	}
	wantPrev := []string{"", "level_-250", model.LabelReversalOversold, "level_-250"}
	for i, w := range wantPrev {
		if sink.records[i].PreviousLabel != w {
			t.Fatalf("previous-label trail broken at %d: got %q, want %q", i, sink.records[i].PreviousLabel, w)
		}
	}
}

func TestHandleIndicator_DropsNilAndNaN(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, nil)
	ctx := context.Background()

	empty := macdvSample("BTC-USD", model.FiveMinute, 0, 0)
	empty.Value.MacdV = nil
	e.HandleIndicator(ctx, empty)

	// The nil sample was not stored, so this deep value is a first
	// sample and stays quiet.
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -260, -5))
	if len(sink.records) != 0 {
		t.Fatalf("nil sample must not seed previous, got %d records", len(sink.records))
	}

	nan := macdvSample("BTC-USD", model.FiveMinute, math.NaN(), 0)
	e.HandleIndicator(ctx, nan)

	// Previous survived the NaN, so the rebound computes against -260.
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -255, 13))
	if len(sink.records) != 1 || sink.records[0].TriggerLabel != model.LabelReversalOversold {
		t.Fatalf("NaN must not clobber previous, got %d records", len(sink.records))
	}
}

func TestScoreBias(t *testing.T) {
	tests := []struct {
		name string
		vals map[model.Timeframe]model.IndicatorValue
		want string
	}{
		{"empty context", map[model.Timeframe]model.IndicatorValue{}, BiasNeutral},
		{"single bullish daily", map[model.Timeframe]model.IndicatorValue{
			model.OneDay: stageValue(model.StageOversold),
		}, BiasBullish},
		{"single bearish daily", map[model.Timeframe]model.IndicatorValue{
			model.OneDay: stageValue(model.StageOverbought),
		}, BiasBearish},
		{"close contest is neutral", map[model.Timeframe]model.IndicatorValue{
			model.OneHour:       stageValue(model.StageRallying),  // bull 4
			model.FifteenMinute: stageValue(model.StageRetracing), // bear 3
		}, BiasNeutral},
		{"daily outweighs intraday", map[model.Timeframe]model.IndicatorValue{
			model.OneDay:        stageValue(model.StageRebounding), // bull 6
			model.FifteenMinute: stageValue(model.StageReversing),  // bear 3
		}, BiasBullish},
		{"ranging counts for nobody", map[model.Timeframe]model.IndicatorValue{
			model.OneDay:  stageValue(model.StageRanging),
			model.OneHour: stageValue(model.StageUnknown),
		}, BiasNeutral},
		{"unsupported timeframe ignored", map[model.Timeframe]model.IndicatorValue{
			model.Timeframe("7m"): stageValue(model.StageOversold),
		}, BiasNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreBias(tt.vals); got != tt.want {
				t.Fatalf("scoreBias = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmit_BiasFallsBackToNeutralOnFetchError(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, nil)
	sink.bulkErr = errors.New("cache down")
	ctx := context.Background()

	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -140, 0))
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -260, -5))
	if len(sink.notes) != 1 {
		t.Fatalf("want one notification, got %d", len(sink.notes))
	}
	if sink.notes[0].Bias != BiasNeutral {
		t.Fatalf("failed context fetch must degrade to neutral, got %q", sink.notes[0].Bias)
	}
}

func TestEmit_NotifyFailureIsRecordedNotFatal(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, nil)
	sink.notifyErr = errors.New("webhook 500")
	ctx := context.Background()

	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -140, 0))
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -260, -5))

	if len(sink.records) != 1 {
		t.Fatalf("record must persist despite notify failure, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.NotificationSent {
		t.Fatal("notificationSent must be false after a failed notify")
	}
	if rec.NotificationError != "webhook 500" {
		t.Fatalf("want notification error captured, got %q", rec.NotificationError)
	}
	if len(sink.events) != 1 {
		t.Fatalf("event must still publish, got %d", len(sink.events))
	}
}

func TestEmit_ChartImageFlowsThrough(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, func(c *Config) {
		c.RenderChart = func(ctx context.Context, _ string, _ model.Timeframe) ([]byte, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("chart context must carry a deadline")
			}
			return []byte("png-bytes"), nil
		}
	})
	ctx := context.Background()

	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -140, 0))
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -260, -5))

	if len(sink.notes) != 1 || string(sink.notes[0].Image) != "png-bytes" {
		t.Fatalf("image must reach the notifier, notes=%d", len(sink.notes))
	}
	if !sink.records[0].ChartGenerated {
		t.Fatal("chartGenerated must be true")
	}
}

func TestEmit_ChartFailureIsTolerated(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, func(c *Config) {
		c.RenderChart = func(context.Context, string, model.Timeframe) ([]byte, error) {
			return nil, errors.New("renderer offline")
		}
	})
	ctx := context.Background()

	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -140, 0))
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -260, -5))

	if len(sink.records) != 1 {
		t.Fatalf("alert must survive a chart failure, got %d records", len(sink.records))
	}
	if sink.records[0].ChartGenerated {
		t.Fatal("chartGenerated must be false when the render fails")
	}
	if sink.notes[0].Image != nil {
		t.Fatal("notification must carry no image after a failed render")
	}
}

func TestApplySymbols_DropsStateForRemovedSeries(t *testing.T) {
	e, sink, _ := newTestEvaluator(t, nil)
	ctx := context.Background()

	e.HandleTicker(&model.Ticker{Symbol: "BTC-USD", Price: 100})
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -260, -5))
	e.HandleIndicator(ctx, macdvSample("ETH-USD", model.FiveMinute, -140, 0))

	e.applySymbols([]string{"ETH-USD"})

	if _, ok := e.previousMacdV["BTC-USD:5m"]; ok {
		t.Fatal("dropped symbol must lose its previous value")
	}
	if _, ok := e.currentPrices["BTC-USD"]; ok {
		t.Fatal("dropped symbol must lose its price")
	}
	if _, ok := e.previousMacdV["ETH-USD:5m"]; !ok {
		t.Fatal("kept symbol must keep its state")
	}

	// A rejoin starts from a clean slate: next sample is a first sample.
	e.applySymbols([]string{"BTC-USD", "ETH-USD"})
	e.HandleIndicator(ctx, macdvSample("BTC-USD", model.FiveMinute, -255, 13))
	if len(sink.records) != 0 {
		t.Fatalf("rejoined symbol must reseed previous, got %d records", len(sink.records))
	}
}

func TestRun_FiltersAndReconfigures(t *testing.T) {
	indCh := make(chan *goredis.Message, 16)
	tickCh := make(chan *goredis.Message, 16)
	var indPattern, tickPattern string

	e, sink, _ := newTestEvaluator(t, func(c *Config) {
		c.Symbols = []string{"BTC-USD"}
		c.OpenIndicatorSub = func(_ context.Context, pattern string) (<-chan *goredis.Message, func() error) {
			indPattern = pattern
			return indCh, func() error { return nil }
		}
		c.OpenTickerSub = func(_ context.Context, pattern string) (<-chan *goredis.Message, func() error) {
			tickPattern = pattern
			return tickCh, func() error { return nil }
		}
	})

	// Buffered before the loop starts, so it applies ahead of any message.
	e.Reconfigure([]string{"ETH-USD"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	send := func(ch chan *goredis.Message, payload []byte) {
		ch <- &goredis.Message{Channel: "channel:x", Payload: string(payload)}
	}

	tk, _ := json.Marshal(model.Ticker{Symbol: "ETH-USD", Price: 2500.25})
	send(tickCh, tk)
	// The two streams ride separate channels; wait for the ticker to be
	// taken off its channel so the price lands before the alert fires.
	waitFor(t, "ticker consumed", func() bool { return len(tickCh) == 0 })

	send(indCh, macdvSample("ETH-USD", model.FiveMinute, -140, 0).JSON())
	send(indCh, macdvSample("ETH-USD", model.FiveMinute, -260, -5).JSON())
	waitFor(t, "first alert", func() bool { return len(sink.records) >= 1 })

	if indPattern != "channel:indicator:default:coinbase:*" {
		t.Fatalf("indicator pattern %q", indPattern)
	}
	if tickPattern != "channel:ticker:default:coinbase:*" {
		t.Fatalf("ticker pattern %q", tickPattern)
	}
	if sink.records[0].Price != 2500.25 {
		t.Fatalf("ticker price must flow into the record, got %v", sink.records[0].Price)
	}

	// Unmonitored symbol and foreign indicator type pass straight through.
	send(indCh, macdvSample("BTC-USD", model.FiveMinute, -140, 0).JSON())
	send(indCh, macdvSample("BTC-USD", model.FiveMinute, -260, -5).JSON())
	foreign := macdvSample("ETH-USD", model.FiveMinute, -400, 0)
	foreign.Type = "rsi"
	send(indCh, foreign.JSON())
	send(indCh, []byte("{not json"))

	// The channel is ordered, so an ETH alert arriving after the BTC
	// messages proves BTC was ignored.
	send(indCh, macdvSample("ETH-USD", model.FiveMinute, -255, 13).JSON())
	waitFor(t, "reversal alert", func() bool { return len(sink.records) >= 2 })

	for _, rec := range sink.records {
		if rec.Symbol != "ETH-USD" {
			t.Fatalf("unmonitored symbol alerted: %+v", rec)
		}
	}
	if sink.records[1].TriggerLabel != model.LabelReversalOversold {
		t.Fatalf("want reversal, got %q", sink.records[1].TriggerLabel)
	}

	cancel()
	waitFor(t, "run to exit", func() bool {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
			return true
		default:
			return false
		}
	})
	if len(e.previousMacdV) != 0 || len(e.currentPrices) != 0 {
		t.Fatal("shutdown must clear evaluator state")
	}
}

func TestRun_ClosedSubscriptionIsAnError(t *testing.T) {
	indCh := make(chan *goredis.Message)
	e, _, _ := newTestEvaluator(t, func(c *Config) {
		c.OpenIndicatorSub = func(context.Context, string) (<-chan *goredis.Message, func() error) {
			return indCh, func() error { return nil }
		}
	})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	close(indCh)

	waitFor(t, "run to fail", func() bool {
		select {
		case err := <-done:
			if err == nil {
				t.Error("want an error after the subscription closed")
			}
			return true
		default:
			return false
		}
	})
}
