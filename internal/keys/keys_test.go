package keys

import (
	"testing"

	"livermore/internal/model"
)

var scope = Scope{User: "default", Exchange: "coinbase"}

func TestScope_KeyFormats(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{scope.Candles("BTC/USDT", model.OneMinute), "candles:default:coinbase:BTC/USDT:1m"},
		{scope.Indicator("BTC/USDT", model.FourHour, model.IndicatorTypeMACDV), "indicator:default:coinbase:BTC/USDT:4h:macd-v"},
		{scope.Ticker("ETH/USDT"), "ticker:default:coinbase:ETH/USDT"},
		{scope.CandlesPattern("*", "*"), "candles:default:coinbase:*:*"},
		{scope.CandlesPattern("BTC/USDT", "1h"), "candles:default:coinbase:BTC/USDT:1h"},
		{scope.IndicatorsPattern("*", "*"), "indicator:default:coinbase:*:*:*"},
		{scope.IndicatorsPattern("BTC/USDT", "*"), "indicator:default:coinbase:BTC/USDT:*:*"},
		{scope.TickersPattern("*"), "ticker:default:coinbase:*"},
		{scope.CandleCloseTopic("BTC/USDT", model.OneMinute), "channel:candle:close:default:coinbase:BTC/USDT:1m"},
		{scope.CandleClosePattern(model.OneMinute), "channel:candle:close:default:coinbase:*:1m"},
		{scope.IndicatorTopic("BTC/USDT", model.OneDay, model.IndicatorTypeMACDV), "channel:indicator:default:coinbase:BTC/USDT:1d:macd-v"},
		{scope.TickerTopic("SOL/USDT"), "channel:ticker:default:coinbase:SOL/USDT"},
		{scope.IndicatorPattern(), "channel:indicator:default:coinbase:*"},
		{scope.TickerPattern(), "channel:ticker:default:coinbase:*"},
		{scope.AlertTopic(), "channel:alert:coinbase"},
		{Activity("coinbase"), "livermore:activity:coinbase"},
		{InstanceStatus("coinbase"), "exchange:coinbase:status"},
		{Commands("mon-1:coinbase:4242:1705315020000"), "livermore:commands:mon-1:coinbase:4242:1705315020000"},
		{Responses("mon-1:coinbase:4242:1705315020000"), "livermore:responses:mon-1:coinbase:4242:1705315020000"},
		{CommandQueue("mon-1:coinbase:4242:1705315020000"), "livermore:command-queue:mon-1:coinbase:4242:1705315020000"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestSplitCandleCloseTopic(t *testing.T) {
	topic := scope.CandleCloseTopic("BTC/USDT", model.FiveMinute)
	symbol, tf, ok := SplitCandleCloseTopic(topic)
	if !ok {
		t.Fatalf("failed to split %q", topic)
	}
	if symbol != "BTC/USDT" {
		t.Errorf("symbol = %q", symbol)
	}
	if tf != model.FiveMinute {
		t.Errorf("tf = %q", tf)
	}
}

func TestSplitCandleCloseTopic_Rejects(t *testing.T) {
	bad := []string{
		"channel:indicator:default:coinbase:BTC/USDT:1m:macd-v", // wrong family
		"channel:candle:close:default:coinbase:BTC/USDT",        // missing tf
		"channel:candle:close:default:coinbase:BTC/USDT:7m",     // bad tf
		"",
	}
	for _, topic := range bad {
		if _, _, ok := SplitCandleCloseTopic(topic); ok {
			t.Errorf("accepted malformed topic %q", topic)
		}
	}
}
