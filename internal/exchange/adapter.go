// Package exchange talks to a market-data venue: a WebSocket feed for
// tickers and closed bars, and a small REST surface for history and
// account lookups. The wire protocol is the one cmd/simexchange serves;
// real venues slot in behind the same Adapter.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"livermore/internal/model"
)

// Event is a feed message: either a ticker snapshot or a closed bar.
type Event interface {
	isEvent()
}

// TickerEvent carries one ticker snapshot.
type TickerEvent struct {
	Ticker model.Ticker
}

// CandleEvent carries one exchange-closed bar.
type CandleEvent struct {
	Candle model.Candle
}

func (TickerEvent) isEvent() {}
func (CandleEvent) isEvent() {}

// Account is one balance row from the venue.
type Account struct {
	ID        string
	Currency  string
	Balance   float64
	Available float64
}

// SpotPrice is one symbol's current price.
type SpotPrice struct {
	Symbol string
	Price  float64
}

// Adapter is the venue-facing surface the core consumes.
type Adapter interface {
	// Connect dials the feed and starts its read loop. The context
	// bounds the dial, not the connection lifetime.
	Connect(ctx context.Context) error
	// Disconnect ends the current feed session; a later Connect starts
	// a new one with the staged subscription.
	Disconnect() error
	// Subscribe replaces the feed subscription set. Survives reconnects.
	Subscribe(ctx context.Context, symbols []string, base model.Timeframe) error
	// OnMessage registers the event handler. Must be set before Connect.
	OnMessage(fn func(Event))

	// GetCandles fetches closed bars for [startMs, endMs), oldest first.
	GetCandles(ctx context.Context, symbol string, tf model.Timeframe, startMs, endMs int64) ([]model.Candle, error)
	// GetAccounts fetches the venue's balance rows.
	GetAccounts(ctx context.Context) ([]Account, error)
	// GetSpotPrices fetches current prices for the given symbols.
	GetSpotPrices(ctx context.Context, symbols []string) ([]SpotPrice, error)
}

// Config configures a venue client.
type Config struct {
	// ID is the exchange identity, e.g. "coinbase".
	ID string
	// Name is the display name, e.g. "Coinbase".
	Name string
	// WSURL is the feed endpoint (ws:// or wss://).
	WSURL string
	// RESTURL is the REST base, e.g. "http://localhost:8100".
	RESTURL string
	// APIKey is sent as X-API-Key when set. The simulator is keyless.
	APIKey string
	// StaleAfter is how long the feed may go silent before the client
	// forces a reconnect. Defaults to 90s.
	StaleAfter time.Duration
	// OnConnect fires after every successful dial, including reconnects.
	OnConnect func()
	// OnDisconnect fires when an established connection drops.
	OnDisconnect func(err error)
	// Logger is the client logger.
	Logger *zerolog.Logger
}

// Validate reports any missing required fields.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("exchange: nil config")
	}
	return errors.Join(
		requireString(c.ID, "id"),
		requireString(c.Name, "name"),
		requireString(c.WSURL, "ws url"),
		requireString(c.RESTURL, "rest url"),
		require(c.Logger != nil, "logger"),
	)
}

func requireString(v, name string) error {
	return require(v != "", name)
}

func require(ok bool, name string) error {
	if ok {
		return nil
	}
	return errors.New("exchange: missing " + name)
}

// Client is the production adapter: WS feed plus REST lookups.
type Client struct {
	*Feed
	*RESTClient
}

var _ Adapter = (*Client)(nil)

// NewClient builds the feed and REST halves from one config.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	feed, err := NewFeed(&FeedConfig{
		URL:          cfg.WSURL,
		Name:         cfg.ID,
		APIKey:       cfg.APIKey,
		StaleAfter:   cfg.StaleAfter,
		OnConnect:    cfg.OnConnect,
		OnDisconnect: cfg.OnDisconnect,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	rest, err := NewRESTClient(&RESTConfig{
		BaseURL: cfg.RESTURL,
		APIKey:  cfg.APIKey,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Client{Feed: feed, RESTClient: rest}, nil
}
