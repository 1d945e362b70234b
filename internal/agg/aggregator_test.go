package agg

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"livermore/internal/model"
)

// collector gathers emitted bars behind a mutex so tests can emit from
// multiple paths safely.
type collector struct {
	mu   sync.Mutex
	bars []model.Candle
}

func (c *collector) emit(bar model.Candle) {
	c.mu.Lock()
	c.bars = append(c.bars, bar)
	c.mu.Unlock()
}

func (c *collector) all() []model.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Candle, len(c.bars))
	copy(out, c.bars)
	return out
}

func newTestAggregator(t *testing.T) (*Aggregator, *collector) {
	t.Helper()
	col := &collector{}
	logger := zerolog.Nop()
	a, err := New(&Config{Emit: col.emit, Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}
	return a, col
}

const baseMs = int64(1705315020000) // aligned minute boundary

func TestAggregator_BasicBar(t *testing.T) {
	a, col := newTestAggregator(t)

	// Three events inside one minute, then one in the next minute to
	// trigger the rollover.
	a.ProcessTicker("BTC/USDT", 50000, baseMs)
	a.ProcessTicker("BTC/USDT", 50500, baseMs+15_000)
	a.ProcessTicker("BTC/USDT", 49800, baseMs+45_000)
	a.ProcessTicker("BTC/USDT", 50100, baseMs+60_000)

	bars := col.all()
	if len(bars) != 1 {
		t.Fatalf("expected 1 closed bar, got %d", len(bars))
	}
	c := bars[0]
	if c.Timestamp != baseMs {
		t.Errorf("timestamp = %d, want %d", c.Timestamp, baseMs)
	}
	if c.Open != 50000 {
		t.Errorf("open = %v, want 50000", c.Open)
	}
	if c.High != 50500 {
		t.Errorf("high = %v, want 50500", c.High)
	}
	if c.Low != 49800 {
		t.Errorf("low = %v, want 49800", c.Low)
	}
	if c.Close != 49800 {
		t.Errorf("close = %v, want 49800", c.Close)
	}
	if c.Volume != 0 {
		t.Errorf("volume = %v, want 0 (not tracked)", c.Volume)
	}
	if c.Timeframe != model.OneMinute {
		t.Errorf("timeframe = %q", c.Timeframe)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("emitted bar invalid: %v", err)
	}
}

func TestAggregator_MultipleSymbols(t *testing.T) {
	a, col := newTestAggregator(t)

	a.ProcessTicker("BTC/USDT", 50000, baseMs)
	a.ProcessTicker("ETH/USDT", 3000, baseMs)
	a.ProcessTicker("BTC/USDT", 50100, baseMs+60_000)
	a.ProcessTicker("ETH/USDT", 3010, baseMs+60_000)

	bars := col.all()
	if len(bars) != 2 {
		t.Fatalf("expected 2 closed bars, got %d", len(bars))
	}
	symbols := map[string]bool{}
	for _, b := range bars {
		symbols[b.Symbol] = true
	}
	if !symbols["BTC/USDT"] || !symbols["ETH/USDT"] {
		t.Errorf("closed symbols = %v", symbols)
	}
	if a.OpenBars() != 2 {
		t.Errorf("open bars = %d, want 2", a.OpenBars())
	}
}

func TestAggregator_TieBreakLastWins(t *testing.T) {
	a, col := newTestAggregator(t)

	ts := baseMs + 30_000
	a.ProcessTicker("BTC/USDT", 50000, ts)
	a.ProcessTicker("BTC/USDT", 50200, ts) // identical event time
	a.ProcessTicker("BTC/USDT", 50050, ts) // identical event time, last wins
	a.ProcessTicker("BTC/USDT", 50100, baseMs+60_000)

	bars := col.all()
	if len(bars) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(bars))
	}
	if bars[0].Close != 50050 {
		t.Errorf("close = %v, want 50050 (last event wins)", bars[0].Close)
	}
	if bars[0].High != 50200 {
		t.Errorf("high = %v, want 50200", bars[0].High)
	}
}

func TestAggregator_LateEventFoldsIn(t *testing.T) {
	a, col := newTestAggregator(t)

	a.ProcessTicker("BTC/USDT", 50000, baseMs+60_000)
	// Event stamped in the previous minute arrives after the bar for the
	// next minute opened: it folds into the open bar rather than being lost.
	a.ProcessTicker("BTC/USDT", 49000, baseMs+30_000)
	a.ProcessTicker("BTC/USDT", 50100, baseMs+120_000)

	bars := col.all()
	if len(bars) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(bars))
	}
	if bars[0].Low != 49000 {
		t.Errorf("low = %v, want 49000", bars[0].Low)
	}
	if bars[0].Close != 49000 {
		t.Errorf("close = %v, want 49000", bars[0].Close)
	}
}

func TestAggregator_ForceCloseStale(t *testing.T) {
	a, col := newTestAggregator(t)

	a.ProcessTicker("BTC/USDT", 50000, baseMs)

	// Mid-minute: nothing to close yet.
	a.ForceCloseStale(baseMs + 30_000)
	if len(col.all()) != 0 {
		t.Fatal("closed a bar before its minute elapsed")
	}

	// Minute boundary reached: the bar's minute has fully elapsed.
	a.ForceCloseStale(baseMs + 60_000)
	bars := col.all()
	if len(bars) != 1 {
		t.Fatalf("expected 1 bar after sweep, got %d", len(bars))
	}
	if a.OpenBars() != 0 {
		t.Errorf("open bars = %d, want 0", a.OpenBars())
	}
}

func TestAggregator_FlushAll(t *testing.T) {
	a, col := newTestAggregator(t)

	a.ProcessTicker("BTC/USDT", 50000, baseMs)
	a.ProcessTicker("ETH/USDT", 3000, baseMs)
	a.FlushAll()

	if len(col.all()) != 2 {
		t.Fatalf("expected 2 bars flushed, got %d", len(col.all()))
	}
	if a.OpenBars() != 0 {
		t.Errorf("open bars = %d, want 0", a.OpenBars())
	}
}
