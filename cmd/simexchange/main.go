// cmd/simexchange — Demo exchange for livermore.
//
// Serves the venue wire protocol without real exchange credentials: a
// WebSocket feed of simulated ticker and candle events plus the REST
// endpoints the importer and tier-1 refresh read. Prices are a
// deterministic function of (symbol, time), so candle history is stable
// across requests and restarts.
//
// Feed events:
//
//	{"type":"ticker","symbol":"BTC-USD","price":64210.5,...,"time":1700000000000}
//	{"type":"candle","symbol":"BTC-USD","timeframe":"1m","timestamp":1700000000000,...}
//
// Config (env vars):
//
//	SIM_ADDR              — listen address          (default ":8090")
//	SIM_SYMBOLS           — comma-separated symbols (default "BTC-USD,ETH-USD,SOL-USD,DOGE-USD")
//	SIM_TICK_INTERVAL_MS  — ticker interval ms      (default "1000")
//	SIM_API_KEY           — require X-API-Key when set
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Supported timeframes and their bucket lengths in milliseconds.
var tfMs = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"1h":  3_600_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}

// Wire shapes. These mirror what the livermore feed and REST client
// parse; the simulator does not import internal packages so it stays a
// standalone stand-in for a real venue.
type tickerMsg struct {
	Type         string  `json:"type"`
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Change24h    float64 `json:"change24h"`
	ChangePct24h float64 `json:"changePct24h"`
	Volume24h    float64 `json:"volume24h"`
	High24h      float64 `json:"high24h"`
	Low24h       float64 `json:"low24h"`
	Time         int64   `json:"time"`
}

type candleMsg struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type barMsg struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type subscribeMsg struct {
	Type      string   `json:"type"`
	Channels  []string `json:"channels"`
	Symbols   []string `json:"symbols"`
	Timeframe string   `json:"timeframe"`
}

// ─── Price generator ──────────────────────────────────────────────────────────

// Recognisable starting prices for the default symbols; anything else
// gets a hash-derived base.
var basePrices = map[string]float64{
	"BTC-USD":  64_000,
	"ETH-USD":  3_200,
	"SOL-USD":  150,
	"DOGE-USD": 0.12,
}

// noise maps (key, n) onto a deterministic value in [-1, 1].
func noise(key string, n int64) float64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
	return float64(h.Sum64()%2_000_001)/1_000_000 - 1
}

// gen synthesizes prices and bars for the configured symbol universe.
// Everything is a pure function of (symbol, time), so the feed, the
// candle history and the spot quotes never contradict each other.
type gen struct {
	universe map[string]bool
}

func newGen(symbols []string) *gen {
	u := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		u[s] = true
	}
	return &gen{universe: u}
}

func (g *gen) lists(symbol string) bool { return g.universe[symbol] }

func (g *gen) base(symbol string) float64 {
	if p, ok := basePrices[symbol]; ok {
		return p
	}
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return 10 + float64(h.Sum64()%90_000)/100
}

// priceAt layers three noise octaves (daily, hourly, minutely) on the
// base price. Drift stays within a few percent so synthesized bars
// always satisfy the client's validation.
func (g *gen) priceAt(symbol string, tsMs int64) float64 {
	m := tsMs / 60_000
	drift := 0.04*noise(symbol+":day", m/1440) +
		0.012*noise(symbol+":hour", m/60) +
		0.004*noise(symbol+":min", m)
	return g.base(symbol) * (1 + drift)
}

// bar synthesizes the closed candle for one bucket.
func (g *gen) bar(symbol string, step, bucket int64) barMsg {
	open := g.priceAt(symbol, bucket)
	cls := g.priceAt(symbol, bucket+step)
	hi := math.Max(open, cls) * (1 + 0.0012*math.Abs(noise(symbol+":hi", bucket)))
	lo := math.Min(open, cls) * (1 - 0.0012*math.Abs(noise(symbol+":lo", bucket)))
	vol := (50 + 450*math.Abs(noise(symbol+":vol", bucket))) * float64(step) / 60_000
	return barMsg{Timestamp: bucket, Open: open, High: hi, Low: lo, Close: cls, Volume: vol}
}

// ticker builds the live quote. A little non-deterministic jitter keeps
// consecutive ticks from repeating; the 24h stats stay deterministic.
func (g *gen) ticker(symbol string, nowMs int64) tickerMsg {
	price := g.priceAt(symbol, nowMs) * (1 + (rand.Float64()*0.002 - 0.001))
	prev := g.priceAt(symbol, nowMs-24*3_600_000)
	hi, lo := price, price
	for i := int64(1); i <= 24; i++ {
		p := g.priceAt(symbol, nowMs-i*3_600_000)
		if p > hi {
			hi = p
		}
		if p < lo {
			lo = p
		}
	}
	return tickerMsg{
		Type:         "ticker",
		Symbol:       symbol,
		Price:        price,
		Change24h:    price - prev,
		ChangePct24h: (price - prev) / prev * 100,
		Volume24h:    1_000 + 9_000*math.Abs(noise(symbol+":v24", nowMs/3_600_000)),
		High24h:      hi,
		Low24h:       lo,
		Time:         nowMs,
	}
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

// client is one WebSocket consumer with its current subscription.
type client struct {
	ch chan []byte

	mu         sync.Mutex
	symbols    map[string]bool
	timeframe  string
	wantTicker bool
	wantCandle bool
	lastBucket int64
}

func (c *client) apply(sub subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = make(map[string]bool, len(sub.Symbols))
	for _, s := range sub.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			c.symbols[s] = true
		}
	}
	if _, ok := tfMs[sub.Timeframe]; ok {
		c.timeframe = sub.Timeframe
	} else {
		c.timeframe = "1m"
	}
	c.wantTicker, c.wantCandle = false, false
	for _, ch := range sub.Channels {
		switch ch {
		case "ticker":
			c.wantTicker = true
		case "candles":
			c.wantCandle = true
		}
	}
	c.lastBucket = 0
}

func (c *client) send(msg []byte) {
	select {
	case c.ch <- msg:
	default: // slow client — drop event
	}
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	cl := &client{ch: make(chan []byte, 256), timeframe: "1m"}
	h.mu.Lock()
	h.clients[conn] = cl
	h.mu.Unlock()
	return cl
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if cl, ok := h.clients[conn]; ok {
		close(cl.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) each(fn func(*client)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cl := range h.clients {
		fn(cl)
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, apiKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, apiKey) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[simexchange] upgrade error: %v", err)
			return
		}
		log.Printf("[simexchange] client connected: %s", r.RemoteAddr)

		cl := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[simexchange] client disconnected: %s", r.RemoteAddr)
		}()

		// Write pump: closing the connection on error ends the read
		// loop below, which unregisters the client.
		go func() {
			for msg := range cl.ch {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					return
				}
			}
		}()

		// Read loop: the only meaningful inbound frames are subscribe
		// requests, which replace the client's subscription.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var sub subscribeMsg
			if err := json.Unmarshal(data, &sub); err != nil || sub.Type != "subscribe" {
				log.Printf("[simexchange] ignoring frame from %s: %.80s", r.RemoteAddr, data)
				continue
			}
			cl.apply(sub)
			log.Printf("[simexchange] %s subscribed: %v @ %s", r.RemoteAddr, sub.Symbols, sub.Timeframe)
		}
	}
}

// ─── Feed generator ───────────────────────────────────────────────────────────

// runFeed ticks on the configured interval, pushing quotes for every
// subscribed symbol and a closed candle whenever a client's timeframe
// bucket rolls over.
func runFeed(h *hub, g *gen, universe []string, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for now := range ticker.C {
		nowMs := now.UnixMilli()

		ticks := make(map[string][]byte, len(universe))
		for _, sym := range universe {
			if b, err := json.Marshal(g.ticker(sym, nowMs)); err == nil {
				ticks[sym] = b
			}
		}

		h.each(func(cl *client) {
			cl.mu.Lock()
			wantTicker, wantCandle := cl.wantTicker, cl.wantCandle
			tf := cl.timeframe
			step := tfMs[tf]
			syms := make([]string, 0, len(cl.symbols))
			for s := range cl.symbols {
				if g.lists(s) {
					syms = append(syms, s)
				}
			}
			bucket := nowMs - nowMs%step
			var closed int64
			if cl.lastBucket != 0 && bucket != cl.lastBucket {
				closed = cl.lastBucket
			}
			cl.lastBucket = bucket
			cl.mu.Unlock()

			for _, sym := range syms {
				if wantTicker {
					if b, ok := ticks[sym]; ok {
						cl.send(b)
					}
				}
				if wantCandle && closed != 0 {
					bar := g.bar(sym, step, closed)
					msg := candleMsg{
						Type:      "candle",
						Symbol:    sym,
						Timeframe: tf,
						Timestamp: bar.Timestamp,
						Open:      bar.Open,
						High:      bar.High,
						Low:       bar.Low,
						Close:     bar.Close,
						Volume:    bar.Volume,
					}
					if b, err := json.Marshal(msg); err == nil {
						cl.send(b)
					}
				}
			}
		})
	}
}

// ─── REST handlers ────────────────────────────────────────────────────────────

func authorized(r *http.Request, apiKey string) bool {
	return apiKey == "" || r.Header.Get("X-API-Key") == apiKey
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[simexchange] response write error: %v", err)
	}
}

// candlesHandler serves closed-bucket history for [start, end). Symbols
// outside the universe get an empty list, not an error.
func candlesHandler(g *gen, apiKey string) http.HandlerFunc {
	const maxBars = 1500
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, apiKey) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		symbol := strings.ToUpper(q.Get("symbol"))
		step, ok := tfMs[q.Get("timeframe")]
		if !ok {
			http.Error(w, `{"error":"unknown timeframe"}`, http.StatusBadRequest)
			return
		}
		start, _ := strconv.ParseInt(q.Get("start"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("end"), 10, 64)

		resp := struct {
			Candles []barMsg `json:"candles"`
		}{Candles: []barMsg{}}

		if g.lists(symbol) {
			if open := time.Now().UnixMilli() / step * step; end > open {
				end = open
			}
			from := start / step * step
			if from < start {
				from += step
			}
			for ts := from; ts < end && len(resp.Candles) < maxBars; ts += step {
				resp.Candles = append(resp.Candles, g.bar(symbol, step, ts))
			}
		}
		writeJSON(w, resp)
	}
}

func accountsHandler(apiKey string) http.HandlerFunc {
	type account struct {
		ID        string  `json:"id"`
		Currency  string  `json:"currency"`
		Balance   float64 `json:"balance"`
		Available float64 `json:"available"`
	}
	accounts := []account{
		{ID: "acct-usd", Currency: "USD", Balance: 250_000, Available: 225_000},
		{ID: "acct-btc", Currency: "BTC", Balance: 2.5, Available: 2.5},
		{ID: "acct-eth", Currency: "ETH", Balance: 40, Available: 38.5},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, apiKey) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, struct {
			Accounts []account `json:"accounts"`
		}{Accounts: accounts})
	}
}

// spotHandler quotes current prices. Symbols the simulator does not
// list are absent from the result, mirroring real venues.
func spotHandler(g *gen, apiKey string) http.HandlerFunc {
	type quote struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, apiKey) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		nowMs := time.Now().UnixMilli()
		quotes := []quote{}
		for _, raw := range strings.Split(r.URL.Query().Get("symbols"), ",") {
			sym := strings.ToUpper(strings.TrimSpace(raw))
			if sym == "" || !g.lists(sym) {
				continue
			}
			quotes = append(quotes, quote{Symbol: sym, Price: g.priceAt(sym, nowMs)})
		}
		writeJSON(w, struct {
			Prices []quote `json:"prices"`
		}{Prices: quotes})
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[simexchange] starting demo exchange...")

	addr := envOrDefault("SIM_ADDR", ":8090")
	symbolsEnv := envOrDefault("SIM_SYMBOLS", "BTC-USD,ETH-USD,SOL-USD,DOGE-USD")
	intervalMs := envIntOrDefault("SIM_TICK_INTERVAL_MS", 1000)
	apiKey := os.Getenv("SIM_API_KEY")

	universe := parseSymbols(symbolsEnv)
	if len(universe) == 0 {
		log.Fatalf("[simexchange] no symbols configured via SIM_SYMBOLS")
	}
	log.Printf("[simexchange] symbols: %v", universe)
	log.Printf("[simexchange] ticker interval: %dms", intervalMs)
	if apiKey != "" {
		log.Println("[simexchange] X-API-Key required")
	}

	g := newGen(universe)
	h := newHub()
	go runFeed(h, g, universe, intervalMs)

	http.HandleFunc("/ws", wsHandler(h, apiKey))
	http.HandleFunc("/api/candles", candlesHandler(g, apiKey))
	http.HandleFunc("/api/accounts", accountsHandler(apiKey))
	http.HandleFunc("/api/spot", spotHandler(g, apiKey))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"simexchange"}`)
	})

	log.Printf("[simexchange] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[simexchange] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseSymbols(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
