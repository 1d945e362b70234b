// Package keys builds the Redis key and pub/sub topic names shared by every
// component and by external consumers of the cache. All formats are part of
// the wire contract; changing one breaks cross-process subscribers.
package keys

import (
	"fmt"
	"strings"

	"livermore/internal/model"
)

// Scope pins keys to one (user, exchange) pair. One instance owns exactly
// one scope for its lifetime.
type Scope struct {
	User     string
	Exchange string
}

// Candles is the ordered candle set for one symbol and timeframe.
func (s Scope) Candles(symbol string, tf model.Timeframe) string {
	return fmt.Sprintf("candles:%s:%s:%s:%s", s.User, s.Exchange, symbol, tf)
}

// Indicator is the latest indicator value for one (symbol, tf, type).
func (s Scope) Indicator(symbol string, tf model.Timeframe, indType string) string {
	return fmt.Sprintf("indicator:%s:%s:%s:%s:%s", s.User, s.Exchange, symbol, tf, indType)
}

// Ticker is the latest ticker snapshot for one symbol.
func (s Scope) Ticker(symbol string) string {
	return fmt.Sprintf("ticker:%s:%s:%s", s.User, s.Exchange, symbol)
}

// Scan patterns for bulk deletes. "*" widens a position to every symbol
// or timeframe in scope.

// CandlesPattern matches candle sets for SCAN.
func (s Scope) CandlesPattern(symbol, tf string) string {
	return fmt.Sprintf("candles:%s:%s:%s:%s", s.User, s.Exchange, symbol, tf)
}

// IndicatorsPattern matches indicator keys of every type for SCAN.
func (s Scope) IndicatorsPattern(symbol, tf string) string {
	return fmt.Sprintf("indicator:%s:%s:%s:%s:*", s.User, s.Exchange, symbol, tf)
}

// TickersPattern matches ticker snapshots for SCAN.
func (s Scope) TickersPattern(symbol string) string {
	return fmt.Sprintf("ticker:%s:%s:%s", s.User, s.Exchange, symbol)
}

// CandleCloseTopic carries closed-candle events for one symbol and timeframe.
func (s Scope) CandleCloseTopic(symbol string, tf model.Timeframe) string {
	return fmt.Sprintf("channel:candle:close:%s:%s:%s:%s", s.User, s.Exchange, symbol, tf)
}

// CandleClosePattern matches every symbol's close topic at one timeframe,
// for PSUBSCRIBE.
func (s Scope) CandleClosePattern(tf model.Timeframe) string {
	return fmt.Sprintf("channel:candle:close:%s:%s:*:%s", s.User, s.Exchange, tf)
}

// IndicatorTopic carries fresh indicator values.
func (s Scope) IndicatorTopic(symbol string, tf model.Timeframe, indType string) string {
	return fmt.Sprintf("channel:indicator:%s:%s:%s:%s:%s", s.User, s.Exchange, symbol, tf, indType)
}

// TickerTopic carries live ticker updates.
func (s Scope) TickerTopic(symbol string) string {
	return fmt.Sprintf("channel:ticker:%s:%s:%s", s.User, s.Exchange, symbol)
}

// IndicatorPattern matches every indicator topic in scope, for PSUBSCRIBE.
// Payloads carry symbol, timeframe and type, so consumers filter there.
func (s Scope) IndicatorPattern() string {
	return fmt.Sprintf("channel:indicator:%s:%s:*", s.User, s.Exchange)
}

// TickerPattern matches every ticker topic in scope, for PSUBSCRIBE.
func (s Scope) TickerPattern() string {
	return fmt.Sprintf("channel:ticker:%s:%s:*", s.User, s.Exchange)
}

// AlertTopic carries triggered alerts. Scoped by exchange only so dashboards
// can watch one exchange across users.
func (s Scope) AlertTopic() string {
	return "channel:alert:" + s.Exchange
}

// Activity is the append-only activity stream for one exchange.
func Activity(exchangeID string) string {
	return "livermore:activity:" + exchangeID
}

// InstanceStatus is the cluster lease key for one exchange.
func InstanceStatus(exchangeID string) string {
	return "exchange:" + exchangeID + ":status"
}

// Control-plane channels are addressed by the instance identity,
// "{hostname}:{exchangeId}:{pid}:{startMs}", discoverable from the
// instance status payload.

// Commands is the channel an instance listens on for operator commands.
func Commands(identitySub string) string {
	return "livermore:commands:" + identitySub
}

// Responses is the channel an instance replies on.
func Responses(identitySub string) string {
	return "livermore:responses:" + identitySub
}

// CommandQueue is the sorted set buffering accepted commands by priority.
func CommandQueue(identitySub string) string {
	return "livermore:command-queue:" + identitySub
}

// SplitCandleCloseTopic recovers (symbol, timeframe) from a close topic
// delivered by a pattern subscription. Symbols never contain ':' so a plain
// split is exact.
func SplitCandleCloseTopic(topic string) (symbol string, tf model.Timeframe, ok bool) {
	const prefix = "channel:candle:close:"
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	parts := strings.Split(topic[len(prefix):], ":")
	if len(parts) != 4 {
		return "", "", false
	}
	tf, err := model.ParseTimeframe(parts[3])
	if err != nil {
		return "", "", false
	}
	return parts[2], tf, true
}
