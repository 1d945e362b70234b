package cache

import (
	"context"
	"fmt"

	"livermore/internal/keys"
	"livermore/internal/model"
)

// Publisher fans domain events out on the scope's pub/sub topics. Payloads
// are the same JSON shapes the stores persist, so cross-process consumers
// need one decoder.
type Publisher struct {
	svc   *Service
	scope keys.Scope
}

// NewPublisher builds a publisher bound to the scope.
func NewPublisher(svc *Service, scope keys.Scope) *Publisher {
	return &Publisher{svc: svc, scope: scope}
}

// CandleClose announces a closed bar on its (symbol, tf) topic.
func (p *Publisher) CandleClose(ctx context.Context, c model.Candle) error {
	topic := p.scope.CandleCloseTopic(c.Symbol, c.Timeframe)
	if err := p.svc.Publish(ctx, topic, c.JSON()); err != nil {
		return fmt.Errorf("publishing candle close on %s: %w", topic, err)
	}
	return nil
}

// Indicator announces a fresh indicator value.
func (p *Publisher) Indicator(ctx context.Context, v model.IndicatorValue) error {
	topic := p.scope.IndicatorTopic(v.Symbol, v.Timeframe, v.Type)
	if err := p.svc.Publish(ctx, topic, v.JSON()); err != nil {
		return fmt.Errorf("publishing indicator on %s: %w", topic, err)
	}
	return nil
}

// Ticker announces a live ticker update.
func (p *Publisher) Ticker(ctx context.Context, t model.Ticker) error {
	topic := p.scope.TickerTopic(t.Symbol)
	if err := p.svc.Publish(ctx, topic, t.JSON()); err != nil {
		return fmt.Errorf("publishing ticker on %s: %w", topic, err)
	}
	return nil
}

// Alert announces a triggered alert on the exchange-wide topic.
func (p *Publisher) Alert(ctx context.Context, ev model.AlertEvent) error {
	topic := p.scope.AlertTopic()
	if err := p.svc.Publish(ctx, topic, ev.JSON()); err != nil {
		return fmt.Errorf("publishing alert on %s: %w", topic, err)
	}
	return nil
}
