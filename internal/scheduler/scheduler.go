// Package scheduler converts candle-close events into fresh indicator
// values across the configured timeframes and publishes them.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"livermore/internal/indicator"
	"livermore/internal/keys"
	"livermore/internal/model"
)

const (
	// readDepth is how many bars one recompute reads from the store.
	readDepth = 200

	// baseReadDepth is how many base bars the aggregation path reads.
	// Matches the candle store's retention bound.
	baseReadDepth = 500
)

// DerivePath selects how higher-timeframe bars are sourced.
type DerivePath string

const (
	// PathCacheRead reads each higher timeframe's own cached bars,
	// populated independently by the backfill boundary job.
	PathCacheRead DerivePath = "cache-read"
	// PathAggregate resamples cached base bars in memory. Bounded by
	// the base retention window, so long timeframes stay in warmup on
	// this path.
	PathAggregate DerivePath = "aggregate"
)

// Config is the scheduler configuration.
type Config struct {
	// Scope pins the subscription pattern.
	Scope keys.Scope
	// BaseTimeframe is the aggregator's output timeframe.
	BaseTimeframe model.Timeframe
	// Timeframes are the derivation targets. Nil means every timeframe
	// above the base.
	Timeframes []model.Timeframe
	// Symbols is the initial monitored set.
	Symbols []string
	// Path selects the higher-timeframe source. Empty means cache-read.
	Path DerivePath
	// ReadRecent returns up to count most-recent bars, oldest-first.
	ReadRecent func(ctx context.Context, symbol string, tf model.Timeframe, count int) ([]model.Candle, error)
	// WriteIndicator persists the latest value.
	WriteIndicator func(ctx context.Context, v model.IndicatorValue) error
	// PublishIndicator announces the value on its indicator topic.
	PublishIndicator func(ctx context.Context, v model.IndicatorValue) error
	// OpenSub opens the candle-close pattern subscription and returns
	// its message channel plus a close func.
	OpenSub func(ctx context.Context, pattern string) (<-chan *goredis.Message, func() error)
	// OnCompute observes each successful engine run. Nil disables.
	OnCompute func(tf model.Timeframe, elapsed time.Duration)
	// NowMs returns current epoch ms. Nil means wall clock.
	NowMs func() int64
	// Logger is the scheduler logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if !cfg.BaseTimeframe.Valid() {
		errs = errors.Join(errs, fmt.Errorf("invalid base timeframe %q", cfg.BaseTimeframe))
	}
	if cfg.ReadRecent == nil {
		errs = errors.Join(errs, errors.New("scheduler bar reader cannot be nil"))
	}
	if cfg.WriteIndicator == nil {
		errs = errors.Join(errs, errors.New("scheduler indicator writer cannot be nil"))
	}
	if cfg.PublishIndicator == nil {
		errs = errors.Join(errs, errors.New("scheduler indicator publisher cannot be nil"))
	}
	if cfg.OpenSub == nil {
		errs = errors.Join(errs, errors.New("scheduler subscription opener cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("scheduler logger cannot be nil"))
	}
	switch cfg.Path {
	case "", PathCacheRead, PathAggregate:
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown derive path %q", cfg.Path))
	}
	return errs
}

// Scheduler drives per-(symbol, timeframe) recomputes off base-timeframe
// bar closes. The event loop is the single consumer, so indicator updates
// within one (symbol, timeframe) stream stay timestamp-ordered.
type Scheduler struct {
	cfg    *Config
	log    zerolog.Logger
	engine *indicator.Engine

	mu           sync.Mutex
	symbols      map[string]struct{}
	lastBoundary map[string]int64
}

// New builds a scheduler. Boundaries for the initial symbols start at
// the current bucket so the first event after warm-up does not double
// the warm-up recompute.
func New(cfg *Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating scheduler config: %w", err)
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if cfg.Timeframes == nil {
		cfg.Timeframes = model.HigherTimeframes(cfg.BaseTimeframe)
	}
	if cfg.Path == "" {
		cfg.Path = PathCacheRead
	}

	s := &Scheduler{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "scheduler").Logger(),
		engine:       indicator.NewEngine(),
		symbols:      make(map[string]struct{}, len(cfg.Symbols)),
		lastBoundary: make(map[string]int64),
	}
	now := cfg.NowMs()
	for _, sym := range cfg.Symbols {
		s.symbols[sym] = struct{}{}
		for _, tf := range cfg.Timeframes {
			s.lastBoundary[boundaryKey(sym, tf)] = tf.Bucket(now)
		}
	}
	return s, nil
}

// Run consumes the base-timeframe close pattern until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	pattern := s.cfg.Scope.CandleClosePattern(s.cfg.BaseTimeframe)
	msgs, closeSub := s.cfg.OpenSub(ctx, pattern)
	defer closeSub()
	s.log.Info().Str("pattern", pattern).Msg("scheduler listening")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("candle close subscription closed")
			}
			s.handleClose(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// handleClose processes one close event: base recompute, then boundary
// checks for every higher timeframe.
func (s *Scheduler) handleClose(ctx context.Context, topic string, payload []byte) {
	symbol, tf, ok := keys.SplitCandleCloseTopic(topic)
	if !ok {
		s.log.Debug().Str("topic", topic).Msg("ignoring unrecognized close topic")
		return
	}
	if tf != s.cfg.BaseTimeframe {
		return
	}
	if !s.monitored(symbol) {
		return
	}
	var closed model.Candle
	if err := json.Unmarshal(payload, &closed); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("dropping unparseable close event")
		return
	}

	s.recomputeBase(ctx, symbol)
	s.deriveHigher(ctx, symbol, closed.Timestamp)
}

// recomputeBase refreshes the base-timeframe indicator when enough bars
// are cached.
func (s *Scheduler) recomputeBase(ctx context.Context, symbol string) {
	bars, err := s.cfg.ReadRecent(ctx, symbol, s.cfg.BaseTimeframe, readDepth)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("base bar read failed")
		return
	}
	if len(bars) < model.ReadyBars {
		s.log.Debug().
			Str("symbol", symbol).
			Int("bars", len(bars)).
			Msg("below readiness gate, skipping")
		return
	}
	s.compute(ctx, symbol, s.cfg.BaseTimeframe, bars)
}

// deriveHigher advances per-timeframe boundaries and recomputes each
// timeframe whose bucket moved.
func (s *Scheduler) deriveHigher(ctx context.Context, symbol string, closedTs int64) {
	for _, tf := range s.cfg.Timeframes {
		boundary := tf.Bucket(closedTs)
		key := boundaryKey(symbol, tf)

		s.mu.Lock()
		last, seen := s.lastBoundary[key]
		if seen && boundary <= last {
			s.mu.Unlock()
			continue
		}
		s.lastBoundary[key] = boundary
		s.mu.Unlock()

		bars, err := s.readSeries(ctx, symbol, tf, boundary)
		if err != nil {
			s.log.Error().Err(err).
				Str("symbol", symbol).
				Str("timeframe", string(tf)).
				Msg("bar read failed")
			continue
		}
		if len(bars) == 0 {
			continue
		}
		s.compute(ctx, symbol, tf, bars)
	}
}

// readSeries fetches the bars for one (symbol, timeframe) recompute via
// the configured path. cutoff excludes the forming bucket on the
// aggregation path.
func (s *Scheduler) readSeries(ctx context.Context, symbol string, tf model.Timeframe, cutoff int64) ([]model.Candle, error) {
	if tf != s.cfg.BaseTimeframe && s.cfg.Path == PathAggregate {
		base, err := s.cfg.ReadRecent(ctx, symbol, s.cfg.BaseTimeframe, baseReadDepth)
		if err != nil {
			return nil, err
		}
		return ResampleBase(base, tf, cutoff), nil
	}
	return s.cfg.ReadRecent(ctx, symbol, tf, readDepth)
}

// computeValue times the engine run for the OnCompute observer.
func (s *Scheduler) computeValue(symbol string, tf model.Timeframe, bars []model.Candle) (model.IndicatorValue, error) {
	start := time.Now()
	v, err := s.engine.Compute(symbol, tf, bars)
	if err == nil && s.cfg.OnCompute != nil {
		s.cfg.OnCompute(tf, time.Since(start))
	}
	return v, err
}

// compute runs the engine and emits. A failure is isolated to its
// (symbol, timeframe).
func (s *Scheduler) compute(ctx context.Context, symbol string, tf model.Timeframe, bars []model.Candle) {
	v, err := s.computeValue(symbol, tf, bars)
	if err != nil {
		s.log.Error().Err(err).
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Msg("indicator compute failed")
		return
	}
	s.emit(ctx, &v)
}

// emit writes then publishes. Both run even when the first fails; a
// store hiccup must not silence the live channel.
func (s *Scheduler) emit(ctx context.Context, v *model.IndicatorValue) {
	if err := s.cfg.WriteIndicator(ctx, *v); err != nil {
		s.log.Error().Err(err).Str("series", v.Key()).Msg("indicator write failed")
	}
	if err := s.cfg.PublishIndicator(ctx, *v); err != nil {
		s.log.Error().Err(err).Str("series", v.Key()).Msg("indicator publish failed")
	}
}

// ForceRecalculate recomputes one (symbol, timeframe) immediately,
// bypassing the readiness gate and boundary bookkeeping. Control-plane
// entry point.
func (s *Scheduler) ForceRecalculate(ctx context.Context, symbol string, tf model.Timeframe) error {
	if !tf.Valid() {
		return fmt.Errorf("invalid timeframe %q", tf)
	}
	bars, err := s.readSeries(ctx, symbol, tf, tf.Bucket(s.cfg.NowMs()))
	if err != nil {
		return fmt.Errorf("reading %s %s bars: %w", symbol, tf, err)
	}
	if len(bars) == 0 {
		return fmt.Errorf("no cached bars for %s %s", symbol, tf)
	}
	v, err := s.computeValue(symbol, tf, bars)
	if err != nil {
		return fmt.Errorf("computing %s %s: %w", symbol, tf, err)
	}
	s.emit(ctx, &v)
	return nil
}

// Reconfigure swaps the monitored symbol set. New symbols start with
// boundaries at the current bucket; removed symbols drop their state.
func (s *Scheduler) Reconfigure(symbols []string) {
	now := s.cfg.NowMs()
	next := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		next[sym] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sym := range next {
		if _, had := s.symbols[sym]; !had {
			for _, tf := range s.cfg.Timeframes {
				s.lastBoundary[boundaryKey(sym, tf)] = tf.Bucket(now)
			}
		}
	}
	for sym := range s.symbols {
		if _, keep := next[sym]; !keep {
			for _, tf := range s.cfg.Timeframes {
				delete(s.lastBoundary, boundaryKey(sym, tf))
			}
		}
	}
	s.symbols = next
}

func (s *Scheduler) monitored(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.symbols[symbol]
	return ok
}

func boundaryKey(symbol string, tf model.Timeframe) string {
	return symbol + "|" + string(tf)
}
