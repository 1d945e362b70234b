package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"livermore/internal/model"
)

const (
	restTimeout  = 10 * time.Second
	maxRESTBody  = 16 << 20
	candlesPath  = "/api/candles"
	accountsPath = "/api/accounts"
	spotPath     = "/api/spot"
)

// RESTConfig configures the REST half of a venue client.
type RESTConfig struct {
	// BaseURL is the REST root, without a trailing slash.
	BaseURL string
	// APIKey is sent as X-API-Key when set.
	APIKey string
	// Logger is the client logger.
	Logger *zerolog.Logger
}

// RESTClient fetches candle history, accounts and spot prices.
type RESTClient struct {
	cfg    *RESTConfig
	log    zerolog.Logger
	client *http.Client
}

// NewRESTClient validates the config and builds the client.
func NewRESTClient(cfg *RESTConfig) (*RESTClient, error) {
	if cfg == nil {
		return nil, errors.New("exchange: nil rest config")
	}
	if err := errors.Join(
		requireString(cfg.BaseURL, "rest base url"),
		require(cfg.Logger != nil, "logger"),
	); err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RESTClient{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "rest").Logger(),
		client: &http.Client{Timeout: restTimeout},
	}, nil
}

// GetCandles fetches closed bars for [startMs, endMs). Bars the venue
// returns malformed are dropped with a warning rather than failing the
// whole fetch.
func (r *RESTClient) GetCandles(ctx context.Context, symbol string, tf model.Timeframe, startMs, endMs int64) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", string(tf))
	q.Set("start", fmt.Sprintf("%d", startMs))
	q.Set("end", fmt.Sprintf("%d", endMs))
	body, err := r.get(ctx, candlesPath, q)
	if err != nil {
		return nil, err
	}

	var candles []model.Candle
	gjson.GetBytes(body, "candles").ForEach(func(_, v gjson.Result) bool {
		c := model.Candle{
			Timestamp: v.Get("timestamp").Int(),
			Open:      v.Get("open").Float(),
			High:      v.Get("high").Float(),
			Low:       v.Get("low").Float(),
			Close:     v.Get("close").Float(),
			Volume:    v.Get("volume").Float(),
			Symbol:    symbol,
			Timeframe: tf,
		}
		if err := c.Validate(); err != nil {
			r.log.Warn().Err(err).Str("symbol", symbol).Int64("timestamp", c.Timestamp).Msg("dropping malformed candle")
			return true
		}
		candles = append(candles, c)
		return true
	})
	return candles, nil
}

// GetAccounts fetches the venue's balance rows.
func (r *RESTClient) GetAccounts(ctx context.Context) ([]Account, error) {
	body, err := r.get(ctx, accountsPath, nil)
	if err != nil {
		return nil, err
	}
	var accounts []Account
	gjson.GetBytes(body, "accounts").ForEach(func(_, v gjson.Result) bool {
		accounts = append(accounts, Account{
			ID:        v.Get("id").String(),
			Currency:  v.Get("currency").String(),
			Balance:   v.Get("balance").Float(),
			Available: v.Get("available").Float(),
		})
		return true
	})
	return accounts, nil
}

// GetSpotPrices fetches current prices for the given symbols. Symbols
// the venue does not list are simply absent from the result.
func (r *RESTClient) GetSpotPrices(ctx context.Context, symbols []string) ([]SpotPrice, error) {
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	body, err := r.get(ctx, spotPath, q)
	if err != nil {
		return nil, err
	}
	var prices []SpotPrice
	gjson.GetBytes(body, "prices").ForEach(func(_, v gjson.Result) bool {
		p := SpotPrice{
			Symbol: v.Get("symbol").String(),
			Price:  v.Get("price").Float(),
		}
		if p.Symbol == "" || p.Price <= 0 {
			return true
		}
		prices = append(prices, p)
		return true
	})
	return prices, nil
}

func (r *RESTClient) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := r.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("exchange: %s returned status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRESTBody))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("exchange: %s returned invalid json", path)
	}
	return body, nil
}
