package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// AlertTypeMACDV tags alert records produced by the MACD-V evaluator.
const AlertTypeMACDV = "macdv"

// Trigger labels for reversal alerts. Level crossings are labelled
// dynamically via LevelLabel.
const (
	LabelReversalOversold   = "reversal_oversold"
	LabelReversalOverbought = "reversal_overbought"
)

// LevelLabel formats a crossed level as a trigger label, e.g. "level_-250".
func LevelLabel(level float64) string {
	return fmt.Sprintf("level_%d", int(level))
}

// AlertRecord is the immutable persisted form of a triggered alert.
type AlertRecord struct {
	ID                string          `json:"id"`
	ExchangeID        string          `json:"exchangeId"`
	Symbol            string          `json:"symbol"`
	Timeframe         Timeframe       `json:"timeframe"`
	AlertType         string          `json:"alertType"`
	TriggeredAt       time.Time       `json:"triggeredAt"`
	Price             float64         `json:"price"`
	TriggerValue      float64         `json:"triggerValue"`
	TriggerLabel      string          `json:"triggerLabel"`
	PreviousLabel     string          `json:"previousLabel,omitempty"`
	Details           json.RawMessage `json:"details,omitempty"`
	ChartGenerated    bool            `json:"chartGenerated"`
	NotificationSent  bool            `json:"notificationSent"`
	NotificationError string          `json:"notificationError,omitempty"`
}

// AlertEvent is the payload published on channel:alert:{exchange} for
// cross-exchange observers.
type AlertEvent struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"`
	AlertType          string    `json:"alertType"`
	Timeframe          Timeframe `json:"timeframe"`
	Price              float64   `json:"price"`
	TriggerValue       float64   `json:"triggerValue"`
	SignalDelta        float64   `json:"signalDelta"`
	TriggeredAt        string    `json:"triggeredAt"`
	SourceExchangeID   string    `json:"sourceExchangeId"`
	SourceExchangeName string    `json:"sourceExchangeName"`
	TriggerLabel       string    `json:"triggerLabel"`
}

// JSON returns the JSON-encoded event (ignoring errors for hot-path usage).
func (e *AlertEvent) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
