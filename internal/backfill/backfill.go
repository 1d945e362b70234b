// Package backfill imports closed bars over REST. It covers three jobs:
// boot warm-up so the indicator engine has enough history before the
// stream starts, operator-forced reimports, and a minutely boundary
// sweep that keeps higher-timeframe candle caches fresh enough for the
// scheduler's cache-read path.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"livermore/internal/model"
)

const (
	// WarmupBars is the boot target per (symbol, base timeframe).
	WarmupBars = model.ReadyBars

	// DefaultBackfillBars is the forced-reimport depth when the
	// operator does not ask for a specific count.
	DefaultBackfillBars = 300

	// maxBackfillBars matches the candle cache bound; fetching past it
	// only produces bars the cache would evict on insert.
	maxBackfillBars = 500

	sweepTimeout = 45 * time.Second
)

// Config wires the importer. Fetch and store are function fields so the
// importer never sees the exchange client or the cache directly.
type Config struct {
	// ExchangeID tags log lines.
	ExchangeID string
	// FetchCandles pulls closed bars for [startMs, endMs) over REST.
	FetchCandles func(ctx context.Context, symbol string, tf model.Timeframe, startMs, endMs int64) ([]model.Candle, error)
	// StoreCandles upserts bars into the candle cache.
	StoreCandles func(ctx context.Context, symbol string, tf model.Timeframe, candles []model.Candle) error
	// LatestCandle returns the newest cached bar, nil when the cache is
	// cold. Warm-up uses it to fetch only the missing tail.
	LatestCandle func(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error)
	// Scheduler hosts the boundary sweep job. Nil skips scheduling; the
	// caller may invoke Sweep directly.
	Scheduler *gocron.Scheduler
	// Symbols feeds the boundary sweep. Required with Scheduler.
	Symbols func() []string
	// BaseTimeframe is the streamed bucket size. Defaults to 1m.
	BaseTimeframe model.Timeframe
	// NowMs returns current epoch ms. Nil means wall clock.
	NowMs func() int64
	// Logger is the importer logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.ExchangeID == "" {
		errs = errors.Join(errs, errors.New("backfill exchange id cannot be empty"))
	}
	if cfg.FetchCandles == nil {
		errs = errors.Join(errs, errors.New("backfill fetch func cannot be nil"))
	}
	if cfg.StoreCandles == nil {
		errs = errors.Join(errs, errors.New("backfill store func cannot be nil"))
	}
	if cfg.LatestCandle == nil {
		errs = errors.Join(errs, errors.New("backfill latest-candle func cannot be nil"))
	}
	if cfg.Scheduler != nil && cfg.Symbols == nil {
		errs = errors.Join(errs, errors.New("backfill symbols func cannot be nil when scheduled"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("backfill logger cannot be nil"))
	}
	return errs
}

// Importer fetches bar history and writes it through to the cache.
type Importer struct {
	cfg *Config
	log zerolog.Logger

	mu           sync.Mutex
	lastBoundary map[model.Timeframe]int64
}

// New builds the importer and, when a scheduler is supplied, registers
// the minutely boundary sweep on it. The scheduler is started by its
// owner.
func New(cfg *Config) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating backfill config: %w", err)
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if cfg.BaseTimeframe == "" {
		cfg.BaseTimeframe = model.OneMinute
	}

	i := &Importer{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "backfill").Str("exchange", cfg.ExchangeID).Logger(),
		lastBoundary: make(map[model.Timeframe]int64),
	}

	if cfg.Scheduler != nil {
		_, err := cfg.Scheduler.Every(1).Minute().Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			i.Sweep(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("scheduling boundary sweep: %w", err)
		}
	}
	return i, nil
}

// WarmUp tops every symbol's base-timeframe cache up to the current
// bucket, fetching at most WarmupBars back. Symbols already fresh cost
// nothing. Also serves as the catch-up after a feed outage. Failures
// are isolated per symbol and returned joined.
func (i *Importer) WarmUp(ctx context.Context, symbols []string) error {
	base := i.cfg.BaseTimeframe
	baseMs := base.Ms()
	end := base.Bucket(i.cfg.NowMs())
	windowStart := end - WarmupBars*baseMs

	var errs error
	for _, symbol := range symbols {
		start := windowStart
		latest, err := i.cfg.LatestCandle(ctx, symbol, base)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("warm-up %s: reading latest bar: %w", symbol, err))
			continue
		}
		if latest != nil && latest.Timestamp+baseMs > start {
			start = latest.Timestamp + baseMs
		}
		if start >= end {
			i.log.Debug().Str("symbol", symbol).Msg("warm-up: cache already fresh")
			continue
		}

		n, err := i.importRange(ctx, symbol, base, start, end)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("warm-up %s: %w", symbol, err))
			continue
		}
		i.log.Info().Str("symbol", symbol).Str("timeframe", string(base)).Int("bars", n).Msg("warm-up imported")
	}
	return errs
}

// Backfill force-reimports history for the symbol. Zero bars means
// DefaultBackfillBars; counts beyond the cache bound are clamped. An
// empty timeframe list means every supported timeframe. Failures are
// isolated per timeframe and returned joined.
func (i *Importer) Backfill(ctx context.Context, symbol string, tfs []model.Timeframe, bars int) error {
	if bars <= 0 {
		bars = DefaultBackfillBars
	}
	if bars > maxBackfillBars {
		bars = maxBackfillBars
	}
	if len(tfs) == 0 {
		tfs = model.AllTimeframes
	}

	var errs error
	for _, tf := range tfs {
		end := tf.Bucket(i.cfg.NowMs())
		start := end - int64(bars)*tf.Ms()
		n, err := i.importRange(ctx, symbol, tf, start, end)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("backfill %s %s: %w", symbol, tf, err))
			continue
		}
		i.log.Info().Str("symbol", symbol).Str("timeframe", string(tf)).Int("bars", n).Msg("backfill imported")
	}
	return errs
}

// Sweep imports the higher-timeframe buckets that closed since the last
// sweep. The first call only primes the boundaries. Sweeps are
// best-effort: a failed fetch is logged and the boundary still
// advances, because the scheduler falls back to aggregating base bars
// when a higher-timeframe cache runs short.
func (i *Importer) Sweep(ctx context.Context) {
	now := i.cfg.NowMs()
	symbols := i.cfg.Symbols()

	for _, tf := range model.HigherTimeframes(i.cfg.BaseTimeframe) {
		boundary := tf.Bucket(now)

		i.mu.Lock()
		last, seen := i.lastBoundary[tf]
		if !seen || boundary > last {
			i.lastBoundary[tf] = boundary
		}
		i.mu.Unlock()

		if !seen || boundary <= last {
			continue
		}

		for _, symbol := range symbols {
			n, err := i.importRange(ctx, symbol, tf, last, boundary)
			if err != nil {
				i.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("boundary sweep fetch failed")
				continue
			}
			i.log.Debug().Str("symbol", symbol).Str("timeframe", string(tf)).Int("bars", n).Msg("boundary sweep imported")
		}
	}
}

func (i *Importer) importRange(ctx context.Context, symbol string, tf model.Timeframe, startMs, endMs int64) (int, error) {
	candles, err := i.cfg.FetchCandles(ctx, symbol, tf, startMs, endMs)
	if err != nil {
		return 0, fmt.Errorf("fetching [%d, %d): %w", startMs, endMs, err)
	}
	if len(candles) == 0 {
		return 0, nil
	}
	if err := i.cfg.StoreCandles(ctx, symbol, tf, candles); err != nil {
		return 0, fmt.Errorf("storing %d bars: %w", len(candles), err)
	}
	return len(candles), nil
}
