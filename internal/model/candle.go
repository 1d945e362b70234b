package model

import (
	"encoding/json"
	"fmt"
)

// Candle is one OHLCV bar for a symbol at a timeframe. Timestamp is the
// bucket start in epoch milliseconds, aligned to the timeframe. Once a
// candle has closed it is immutable.
type Candle struct {
	Timestamp   int64     `json:"timestamp"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	Symbol      string    `json:"symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	IsSynthetic bool      `json:"isSynthetic,omitempty"`
}

// Key returns the candle's series identity: "symbol:timeframe".
func (c *Candle) Key() string {
	return c.Symbol + ":" + string(c.Timeframe)
}

// Validate checks the structural invariants: prices ordered within the
// high/low range and the timestamp aligned to the timeframe bucket.
func (c *Candle) Validate() error {
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("candle %s@%d: low %.8f above open/close", c.Key(), c.Timestamp, c.Low)
	}
	if c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle %s@%d: high %.8f below open/close", c.Key(), c.Timestamp, c.High)
	}
	if ms := c.Timeframe.Ms(); ms > 0 && c.Timestamp%ms != 0 {
		return fmt.Errorf("candle %s@%d: timestamp not aligned to %s", c.Key(), c.Timestamp, c.Timeframe)
	}
	return nil
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
