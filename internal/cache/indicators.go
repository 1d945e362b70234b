package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"livermore/internal/keys"
	"livermore/internal/model"
)

// IndicatorStore holds the latest indicator value per (symbol, tf, type).
type IndicatorStore struct {
	svc   *Service
	scope keys.Scope
}

// NewIndicatorStore builds an indicator store bound to the scope.
func NewIndicatorStore(svc *Service, scope keys.Scope) *IndicatorStore {
	return &IndicatorStore{svc: svc, scope: scope}
}

// Set overwrites the latest value for the indicator's (symbol, tf, type).
func (is *IndicatorStore) Set(ctx context.Context, v model.IndicatorValue) error {
	key := is.scope.Indicator(v.Symbol, v.Timeframe, v.Type)
	if err := is.svc.SetTTL(ctx, key, v.JSON(), latestTTL); err != nil {
		return fmt.Errorf("writing indicator %s: %w", key, err)
	}
	return nil
}

// Get reads the latest value, or nil when none is cached.
func (is *IndicatorStore) Get(ctx context.Context, symbol string, tf model.Timeframe, indType string) (*model.IndicatorValue, error) {
	key := is.scope.Indicator(symbol, tf, indType)
	raw, err := is.svc.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading indicator %s: %w", key, err)
	}
	var v model.IndicatorValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding indicator %s: %w", key, err)
	}
	return &v, nil
}

// IndicatorRequest names one (symbol, tf, type) to fetch in a bulk read.
type IndicatorRequest struct {
	Symbol    string
	Timeframe model.Timeframe
	Type      string
}

// GetBulk fetches many indicator values in a single MGET round-trip.
// The result maps "symbol:tf" to the cached value; misses are absent.
func (is *IndicatorStore) GetBulk(ctx context.Context, reqs []IndicatorRequest) (map[string]model.IndicatorValue, error) {
	if len(reqs) == 0 {
		return map[string]model.IndicatorValue{}, nil
	}

	ks := make([]string, len(reqs))
	for i, r := range reqs {
		ks[i] = is.scope.Indicator(r.Symbol, r.Timeframe, r.Type)
	}
	vals, err := is.svc.MGet(ctx, ks...)
	if err != nil {
		return nil, fmt.Errorf("bulk indicator read (%d keys): %w", len(ks), err)
	}

	out := make(map[string]model.IndicatorValue, len(reqs))
	for i, raw := range vals {
		if raw == nil {
			continue
		}
		var v model.IndicatorValue
		if err := json.Unmarshal(raw, &v); err != nil {
			// One corrupt entry must not sink the whole bias read.
			continue
		}
		out[reqs[i].Symbol+":"+string(reqs[i].Timeframe)] = v
	}
	return out, nil
}
