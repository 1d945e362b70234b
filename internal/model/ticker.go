package model

import "encoding/json"

// Ticker is the latest trade/ticker snapshot for a symbol. Overwritten on
// every feed event; only the most recent value is retained.
type Ticker struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Change24h    float64 `json:"change24h"`
	ChangePct24h float64 `json:"changePct24h"`
	Volume24h    float64 `json:"volume24h"`
	High24h      float64 `json:"high24h"`
	Low24h       float64 `json:"low24h"`
	Timestamp    int64   `json:"timestamp"`
}

// JSON returns the JSON-encoded ticker (ignoring errors for hot-path usage).
func (t *Ticker) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
