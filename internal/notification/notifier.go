// Package notification delivers triggered alerts to external channels:
// a Discord-compatible webhook, Telegram, or the process log. Delivery
// is best-effort; callers record failures on the alert rather than
// retrying.
package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"livermore/internal/model"
)

// Message is one deliverable alert: the persisted record, the
// multi-timeframe bias verdict, and an optional chart PNG.
type Message struct {
	Record *model.AlertRecord
	Bias   string
	Image  []byte
}

// Title renders the standard alert headline.
func (m *Message) Title() string {
	return fmt.Sprintf("%s %s %s", m.Record.Symbol, m.Record.Timeframe, m.Record.TriggerLabel)
}

// Notifier is implemented by every delivery backend.
type Notifier interface {
	Send(ctx context.Context, msg *Message) error
}

// LogNotifier writes alerts to the process log. It backs development
// setups and deployments that run without a chat channel.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Send(_ context.Context, msg *Message) error {
	n.log.Info().
		Str("symbol", msg.Record.Symbol).
		Str("timeframe", string(msg.Record.Timeframe)).
		Str("label", msg.Record.TriggerLabel).
		Float64("value", msg.Record.TriggerValue).
		Float64("price", msg.Record.Price).
		Str("bias", msg.Bias).
		Bool("chart", len(msg.Image) > 0).
		Msg("alert")
	return nil
}
