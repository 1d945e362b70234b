package service

import (
	"context"
	"time"

	"livermore/internal/exchange"
	"livermore/internal/model"
)

// enqueueEvent is the feed handler: a non-blocking handoff into the
// dispatch queue so a slow cache round-trip never stalls the feed's
// read loop.
func (s *Service) enqueueEvent(ev exchange.Event) {
	select {
	case s.events <- ev:
	default:
		s.metrics.EventsDropped.Inc()
	}
}

// dispatch drains the event queue until it closes at shutdown.
func (s *Service) dispatch() {
	defer close(s.dispatchDone)
	for ev := range s.events {
		switch e := ev.(type) {
		case exchange.TickerEvent:
			s.onTicker(e.Ticker)
		case exchange.CandleEvent:
			s.onCandle(e.Candle)
		}
	}
}

// onTicker feeds one tick through the hot path: bar aggregation,
// latest-value cache, live publish.
func (s *Service) onTicker(t model.Ticker) {
	s.metrics.TickersTotal.Inc()
	s.health.SetLastEvent(time.Now())
	if !s.monitored(t.Symbol) {
		return
	}
	s.agg.ProcessTicker(t.Symbol, t.Price, t.Timestamp)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.tickers.Set(ctx, t); err != nil {
		s.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("ticker cache write failed")
	}
	if err := s.publisher.Ticker(ctx, t); err != nil {
		s.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("ticker publish failed")
	}
}

// onCandle repairs the cache with a venue-closed bar. The aggregator
// stays the close authority: venue bars are never published as close
// events, so downstream consumers see exactly one close per bucket.
func (s *Service) onCandle(c model.Candle) {
	s.health.SetLastEvent(time.Now())
	if !s.monitored(c.Symbol) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.candles.AddCandles(ctx, c.Symbol, c.Timeframe, []model.Candle{c}); err != nil {
		s.log.Warn().Err(err).Str("symbol", c.Symbol).Msg("venue bar write failed")
	}
}

// emitClosed receives every aggregator-closed bar. The send blocks:
// the fan-out always drains, and teardown closes the queue only after
// the aggregator's final flush.
func (s *Service) emitClosed(c model.Candle) {
	s.metrics.CandlesClosedTotal.Inc()
	s.closes <- c
}

// storeLoop is the fan-out's store subscriber: cache write then close
// publish for every closed bar. The publish drives the scheduler and
// any external listener on the close topic.
func (s *Service) storeLoop() {
	defer s.sinkWG.Done()
	for c := range s.storeCh {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := s.candles.AddCandles(ctx, c.Symbol, c.Timeframe, []model.Candle{c}); err != nil {
			s.log.Error().Err(err).Str("symbol", c.Symbol).Msg("closed bar write failed")
		}
		if err := s.publisher.CandleClose(ctx, c); err != nil {
			s.log.Error().Err(err).Str("symbol", c.Symbol).Msg("close publish failed")
		}
		cancel()
	}
}

func (s *Service) monitored(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range s.symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}
