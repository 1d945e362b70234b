package exchange

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"livermore/internal/model"
)

const (
	pingInterval   = 10 * time.Second
	writeTimeout   = 5 * time.Second
	dialTimeout    = 10 * time.Second
	defaultStale   = 90 * time.Second
	defaultBackoff = time.Second
	maxBackoff     = time.Minute
)

// ErrFeedClosed reports that Disconnect ended the session while the
// operation was in flight.
var ErrFeedClosed = errors.New("exchange: feed closed")

// FeedConfig configures the WebSocket half of a venue client.
type FeedConfig struct {
	// URL is the feed endpoint.
	URL string
	// Name tags log lines, usually the exchange id.
	Name string
	// APIKey is sent as X-API-Key during the handshake when set.
	APIKey string
	// StaleAfter forces a reconnect when no frame arrives for this long.
	// Defaults to 90s.
	StaleAfter time.Duration
	// ReconnectMin/ReconnectMax bound the dial backoff. Defaults 1s/60s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// OnConnect fires after every successful dial, including reconnects.
	OnConnect func()
	// OnDisconnect fires when an established connection drops.
	OnDisconnect func(err error)
	// Logger is the feed logger.
	Logger *zerolog.Logger
}

type subscribeFrame struct {
	Type      string   `json:"type"`
	Channels  []string `json:"channels"`
	Symbols   []string `json:"symbols"`
	Timeframe string   `json:"timeframe"`
}

// session is one Connect-until-Disconnect span. Reconnect cycles stay
// inside the session; Disconnect cancels it and waits out its goroutines.
// A later Connect opens a fresh session, which is what lets the
// supervisor pause and resume the feed on one client.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Feed maintains one venue WebSocket connection. It redials with
// exponential backoff when the connection drops, replays the last
// subscription after every dial, and force-cycles the connection when
// the venue goes silent past StaleAfter.
type Feed struct {
	cfg *FeedConfig
	log zerolog.Logger

	mu      sync.Mutex
	sess    *session
	conn    *websocket.Conn
	symbols []string
	base    model.Timeframe
	handler func(Event)

	lastSeen atomic.Int64 // unix ms of the last inbound frame
}

// NewFeed validates the config and prepares a disconnected feed.
func NewFeed(cfg *FeedConfig) (*Feed, error) {
	if cfg == nil {
		return nil, errors.New("exchange: nil feed config")
	}
	if err := errors.Join(
		requireString(cfg.URL, "feed url"),
		requireString(cfg.Name, "feed name"),
		require(cfg.Logger != nil, "logger"),
	); err != nil {
		return nil, err
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStale
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultBackoff
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = maxBackoff
	}
	return &Feed{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "feed").Str("exchange", cfg.Name).Logger(),
	}, nil
}

// OnMessage registers the event handler. Must be called before Connect.
func (f *Feed) OnMessage(fn func(Event)) {
	f.mu.Lock()
	f.handler = fn
	f.mu.Unlock()
}

// Connect opens a session: dials the feed and starts the read, ping and
// watchdog loops. The context bounds the dial only; the session lives
// until Disconnect. Connecting while a session is open is a no-op.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.sess != nil {
		f.mu.Unlock()
		return nil
	}
	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{ctx: sctx, cancel: cancel}
	f.sess = sess
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		f.mu.Lock()
		if f.sess == sess {
			f.sess = nil
		}
		f.mu.Unlock()
		cancel()
		return err
	}
	return f.adopt(sess, conn)
}

// Disconnect ends the current session and waits for its goroutines. The
// feed stays usable: a later Connect opens a new session with the staged
// subscription intact.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	sess := f.sess
	conn := f.conn
	f.sess, f.conn = nil, nil
	f.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	sess.wg.Wait()
	f.log.Info().Msg("feed disconnected")
	return nil
}

// Subscribe replaces the subscription set. The frame is sent immediately
// when connected and replayed after every reconnect; calling while
// disconnected just stages it for the next session.
func (f *Feed) Subscribe(ctx context.Context, symbols []string, base model.Timeframe) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append([]string(nil), symbols...)
	f.base = base
	if f.conn == nil {
		return nil
	}
	return f.writeSubscribeLocked(f.conn)
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	var header http.Header
	if f.cfg.APIKey != "" {
		header = http.Header{"X-API-Key": []string{f.cfg.APIKey}}
	}
	conn, resp, err := dialer.DialContext(ctx, f.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// adopt installs a freshly dialed connection into the session, replays
// the subscription and spawns the per-connection goroutines.
func (f *Feed) adopt(sess *session, conn *websocket.Conn) error {
	f.lastSeen.Store(time.Now().UnixMilli())
	conn.SetPongHandler(func(string) error {
		f.lastSeen.Store(time.Now().UnixMilli())
		return nil
	})

	f.mu.Lock()
	if f.sess != sess || sess.ctx.Err() != nil {
		f.mu.Unlock()
		conn.Close()
		return ErrFeedClosed
	}
	f.conn = conn
	var subErr error
	if len(f.symbols) > 0 {
		subErr = f.writeSubscribeLocked(conn)
	}
	f.mu.Unlock()
	if subErr != nil {
		conn.Close()
		return subErr
	}

	done := make(chan struct{})
	sess.wg.Add(3)
	go f.readLoop(sess, conn, done)
	go f.pingLoop(sess, conn, done)
	go f.watchdog(sess, conn, done)

	f.log.Info().Str("url", f.cfg.URL).Msg("feed connected")
	if f.cfg.OnConnect != nil {
		f.cfg.OnConnect()
	}
	return nil
}

func (f *Feed) writeSubscribeLocked(conn *websocket.Conn) error {
	frame := subscribeFrame{
		Type:      "subscribe",
		Channels:  []string{"ticker", "candles"},
		Symbols:   f.symbols,
		Timeframe: string(f.base),
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return err
	}
	f.log.Debug().Strs("symbols", f.symbols).Str("timeframe", string(f.base)).Msg("subscribed")
	return nil
}

// readLoop drains the connection until it errors, then hands off to the
// reconnect loop unless the session was ended deliberately.
func (f *Feed) readLoop(sess *session, conn *websocket.Conn, done chan struct{}) {
	defer sess.wg.Done()
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		f.lastSeen.Store(time.Now().UnixMilli())
		ev, ok := parseEvent(data)
		if !ok {
			f.log.Debug().Str("frame", truncate(data)).Msg("unparseable feed frame")
			continue
		}
		f.mu.Lock()
		handler := f.handler
		f.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
	close(done)

	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	active := f.sess == sess && sess.ctx.Err() == nil
	f.mu.Unlock()

	if !active {
		return
	}
	f.log.Warn().Err(readErr).Msg("feed connection lost")
	if f.cfg.OnDisconnect != nil {
		f.cfg.OnDisconnect(readErr)
	}
	sess.wg.Add(1)
	go f.reconnectLoop(sess)
}

// pingLoop keeps the connection alive. Control frames are safe to write
// concurrently with WriteJSON, so no lock is needed here.
func (f *Feed) pingLoop(sess *session, conn *websocket.Conn, done chan struct{}) {
	defer sess.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				f.log.Debug().Err(err).Msg("ping failed")
				conn.Close()
				return
			}
		}
	}
}

// watchdog force-cycles a connection the venue stopped feeding. Closing
// the socket errors the read loop, which runs the normal reconnect path.
func (f *Feed) watchdog(sess *session, conn *websocket.Conn, done chan struct{}) {
	defer sess.wg.Done()
	interval := f.cfg.StaleAfter / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Duration(time.Now().UnixMilli()-f.lastSeen.Load()) * time.Millisecond
			if idle > f.cfg.StaleAfter {
				f.log.Warn().Dur("idle", idle).Msg("feed stale, forcing reconnect")
				conn.Close()
				return
			}
		}
	}
}

// reconnectLoop redials forever with exponential backoff until it
// succeeds or the session ends.
func (f *Feed) reconnectLoop(sess *session) {
	defer sess.wg.Done()
	backoff := f.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		select {
		case <-sess.ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := f.dial(sess.ctx)
		if err == nil {
			if adoptErr := f.adopt(sess, conn); adoptErr == nil {
				f.log.Info().Int("attempt", attempt).Msg("feed reconnected")
				return
			} else if errors.Is(adoptErr, ErrFeedClosed) {
				return
			}
		} else {
			f.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("redial failed")
		}

		backoff *= 2
		if backoff > f.cfg.ReconnectMax {
			backoff = f.cfg.ReconnectMax
		}
	}
}

// parseEvent decodes one feed frame. The venue encodes numeric fields as
// strings; gjson's Float treats strings and numbers uniformly.
func parseEvent(data []byte) (Event, bool) {
	if !gjson.ValidBytes(data) {
		return nil, false
	}
	switch gjson.GetBytes(data, "type").String() {
	case "ticker":
		tk := model.Ticker{
			Symbol:       gjson.GetBytes(data, "symbol").String(),
			Price:        gjson.GetBytes(data, "price").Float(),
			Change24h:    gjson.GetBytes(data, "change24h").Float(),
			ChangePct24h: gjson.GetBytes(data, "changePct24h").Float(),
			Volume24h:    gjson.GetBytes(data, "volume24h").Float(),
			High24h:      gjson.GetBytes(data, "high24h").Float(),
			Low24h:       gjson.GetBytes(data, "low24h").Float(),
			Timestamp:    gjson.GetBytes(data, "time").Int(),
		}
		if tk.Symbol == "" || tk.Price <= 0 {
			return nil, false
		}
		return TickerEvent{Ticker: tk}, true
	case "candle":
		tf := model.Timeframe(gjson.GetBytes(data, "timeframe").String())
		c := model.Candle{
			Timestamp: gjson.GetBytes(data, "timestamp").Int(),
			Open:      gjson.GetBytes(data, "open").Float(),
			High:      gjson.GetBytes(data, "high").Float(),
			Low:       gjson.GetBytes(data, "low").Float(),
			Close:     gjson.GetBytes(data, "close").Float(),
			Volume:    gjson.GetBytes(data, "volume").Float(),
			Symbol:    gjson.GetBytes(data, "symbol").String(),
			Timeframe: tf,
		}
		if c.Symbol == "" || c.Timestamp <= 0 {
			return nil, false
		}
		if _, err := model.ParseTimeframe(string(tf)); err != nil {
			return nil, false
		}
		return CandleEvent{Candle: c}, true
	}
	return nil, false
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
