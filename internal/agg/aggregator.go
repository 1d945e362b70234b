// Package agg builds 1-minute OHLC bars from live trade events, one open
// bar per symbol. Bars close when an event arrives for a later bucket or
// when the stale sweep finds their minute fully elapsed.
package agg

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"livermore/internal/model"
)

// Config is the aggregator configuration.
type Config struct {
	// Emit receives every closed bar: cache write, close publish and
	// listener fan-out happen there. Failures are the callback's problem;
	// the aggregator never rolls a bar back.
	Emit func(closed model.Candle)
	// FlushInterval is how often the stale sweep runs. Zero means 5s.
	FlushInterval time.Duration
	// NowMs returns the current time in epoch ms. Nil means wall clock.
	NowMs func() int64
	// Logger is the aggregator logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.Emit == nil {
		errs = errors.Join(errs, errors.New("aggregator emit callback cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("aggregator logger cannot be nil"))
	}
	return errs
}

// Aggregator maintains the open bars. Safe for concurrent events.
type Aggregator struct {
	cfg  *Config
	mu   sync.Mutex
	open map[string]*model.Candle // symbol -> open bar
	log  zerolog.Logger
}

// New creates an aggregator.
func New(cfg *Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Aggregator{
		cfg:  cfg,
		open: make(map[string]*model.Candle, 64),
		log:  cfg.Logger.With().Str("component", "aggregator").Logger(),
	}, nil
}

// ProcessTicker folds one trade event into the symbol's open bar. Volume
// is not tracked here; the 24h ticker carries it. On identical event
// times the last event wins the close.
func (a *Aggregator) ProcessTicker(symbol string, price float64, eventTimeMs int64) {
	bucket := model.OneMinute.Bucket(eventTimeMs)

	var closed *model.Candle

	a.mu.Lock()
	bar, exists := a.open[symbol]
	switch {
	case !exists || bucket > bar.Timestamp:
		if exists {
			c := *bar
			closed = &c
		}
		a.open[symbol] = &model.Candle{
			Timestamp: bucket,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Symbol:    symbol,
			Timeframe: model.OneMinute,
		}
	default:
		// Same or older bucket: fold into the open bar.
		if price > bar.High {
			bar.High = price
		}
		if price < bar.Low {
			bar.Low = price
		}
		bar.Close = price
	}
	a.mu.Unlock()

	if closed != nil {
		a.cfg.Emit(*closed)
	}
}

// ForceCloseStale closes every bar whose minute has fully elapsed at
// nowMs, so symbols that stop trading still produce their final bar.
func (a *Aggregator) ForceCloseStale(nowMs int64) {
	var closed []model.Candle

	a.mu.Lock()
	for symbol, bar := range a.open {
		if bar.Timestamp+model.OneMinute.Ms() <= nowMs {
			closed = append(closed, *bar)
			delete(a.open, symbol)
		}
	}
	a.mu.Unlock()

	for i := range closed {
		a.cfg.Emit(closed[i])
	}
}

// FlushAll closes and emits every open bar regardless of age. Shutdown
// path only.
func (a *Aggregator) FlushAll() {
	var closed []model.Candle

	a.mu.Lock()
	for symbol, bar := range a.open {
		closed = append(closed, *bar)
		delete(a.open, symbol)
	}
	a.mu.Unlock()

	for i := range closed {
		a.cfg.Emit(closed[i])
	}
}

// OpenBars reports how many bars are currently forming.
func (a *Aggregator) OpenBars() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// Run drives the stale sweep until ctx ends, then flushes what remains.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	a.log.Info().Dur("flushInterval", a.cfg.FlushInterval).Msg("aggregator running")
	for {
		select {
		case <-ctx.Done():
			a.FlushAll()
			a.log.Info().Msg("aggregator stopped")
			return
		case <-ticker.C:
			a.ForceCloseStale(a.cfg.NowMs())
		}
	}
}
