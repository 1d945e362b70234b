package agg

import (
	"context"
	"sync"

	"livermore/internal/model"
)

// FanOut broadcasts closed bars from one input channel to every in-process
// subscriber. A full subscriber channel drops the bar for that subscriber
// only, so one slow consumer cannot stall the close path.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Candle
	bufSize int

	// OnDrop observes drops per subscriber index.
	OnDrop func(subscriberIdx int)
}

// NewFanOut creates a fan-out whose subscriber channels hold bufSize bars.
func NewFanOut(bufSize int) *FanOut {
	return &FanOut{bufSize: bufSize}
}

// Subscribe registers a new output channel. Subscribe before Run; channels
// added later receive only subsequent bars.
func (f *FanOut) Subscribe() <-chan model.Candle {
	ch := make(chan model.Candle, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run forwards bars from input to all subscribers until ctx ends or input
// closes, then closes every subscriber channel.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Candle) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- bar:
				default:
					if f.OnDrop != nil {
						f.OnDrop(i)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}
