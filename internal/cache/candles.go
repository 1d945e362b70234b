package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/go-redis/redis/v8"

	"livermore/internal/keys"
	"livermore/internal/model"
)

// CandleBound caps each ordered candle set. Inserts beyond the bound evict
// the oldest bars. 500 covers the scheduler's deepest read (200) and the
// indicator warm-up window with room for backfill overlap.
const CandleBound = 500

// CandleStore reads and writes the ordered candle sets for one scope.
// Members are candle JSON scored by bar timestamp, so range reads come
// back in time order.
type CandleStore struct {
	svc   *Service
	scope keys.Scope
}

// NewCandleStore builds a candle store bound to the scope.
func NewCandleStore(svc *Service, scope keys.Scope) *CandleStore {
	return &CandleStore{svc: svc, scope: scope}
}

// AddCandles upserts bars into the symbol's set for their timeframe,
// idempotent by timestamp: an existing member at the same score is removed
// before the insert, so re-imports and repeated closes never duplicate.
// The set is trimmed to CandleBound afterwards, oldest first.
func (cs *CandleStore) AddCandles(ctx context.Context, symbol string, tf model.Timeframe, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	key := cs.scope.Candles(symbol, tf)

	return cs.svc.breaker.Do(func() error {
		pipe := cs.svc.client.Pipeline()
		for i := range candles {
			c := &candles[i]
			score := strconv.FormatInt(c.Timestamp, 10)
			pipe.ZRemRangeByScore(ctx, key, score, score)
			pipe.ZAdd(ctx, key, &goredis.Z{Score: float64(c.Timestamp), Member: c.JSON()})
		}
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-CandleBound-1))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("adding %d candles to %s: %w", len(candles), key, err)
		}
		return nil
	})
}

// RecentCandles returns up to count bars for (symbol, tf), oldest first.
func (cs *CandleStore) RecentCandles(ctx context.Context, symbol string, tf model.Timeframe, count int) ([]model.Candle, error) {
	if count <= 0 {
		return nil, nil
	}
	key := cs.scope.Candles(symbol, tf)

	var raw []string
	err := cs.svc.breaker.Do(func() error {
		var err error
		raw, err = cs.svc.client.ZRange(ctx, key, int64(-count), -1).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading candles from %s: %w", key, err)
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, member := range raw {
		var c model.Candle
		if err := json.Unmarshal([]byte(member), &c); err != nil {
			return nil, fmt.Errorf("decoding candle from %s: %w", key, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// LatestCandle returns the newest bar, or nil when the set is empty.
func (cs *CandleStore) LatestCandle(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	bars, err := cs.RecentCandles(ctx, symbol, tf, 1)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, nil
	}
	return &bars[0], nil
}

// DeleteSymbol drops every candle, indicator and ticker key for the symbol
// across all timeframes. Used when a symbol leaves the monitored set.
func (cs *CandleStore) DeleteSymbol(ctx context.Context, symbol string) error {
	keysToDrop := []string{cs.scope.Ticker(symbol)}
	for _, tf := range model.AllTimeframes {
		keysToDrop = append(keysToDrop,
			cs.scope.Candles(symbol, tf),
			cs.scope.Indicator(symbol, tf, model.IndicatorTypeMACDV),
		)
	}
	return cs.svc.Del(ctx, keysToDrop...)
}
