package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"livermore/internal/keys"
	"livermore/internal/model"
)

// TickerStore holds the latest ticker snapshot per symbol. Every trade
// event overwrites it; there is no history.
type TickerStore struct {
	svc   *Service
	scope keys.Scope
}

// NewTickerStore builds a ticker store bound to the scope.
func NewTickerStore(svc *Service, scope keys.Scope) *TickerStore {
	return &TickerStore{svc: svc, scope: scope}
}

// Set overwrites the symbol's latest ticker.
func (ts *TickerStore) Set(ctx context.Context, t model.Ticker) error {
	key := ts.scope.Ticker(t.Symbol)
	if err := ts.svc.SetTTL(ctx, key, t.JSON(), latestTTL); err != nil {
		return fmt.Errorf("writing ticker %s: %w", key, err)
	}
	return nil
}

// Get reads the symbol's latest ticker, or nil when none is cached.
func (ts *TickerStore) Get(ctx context.Context, symbol string) (*model.Ticker, error) {
	key := ts.scope.Ticker(symbol)
	raw, err := ts.svc.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ticker %s: %w", key, err)
	}
	var t model.Ticker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decoding ticker %s: %w", key, err)
	}
	return &t, nil
}
