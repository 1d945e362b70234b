// Package metrics exposes the pipeline's Prometheus instruments and the
// operator HTTP surface: /metrics, /healthz and two read-only status
// endpoints.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"livermore/internal/model"
)

// Metrics holds the pipeline's Prometheus instruments.
type Metrics struct {
	// Feed ingest.
	TickersTotal   prometheus.Counter
	FeedReconnects prometheus.Counter
	EventsDropped  prometheus.Counter

	// Aggregation and fan-out.
	CandlesClosedTotal prometheus.Counter
	FanoutDrops        *prometheus.CounterVec // labels: subscriber

	// Indicator pipeline.
	IndicatorsTotal     *prometheus.CounterVec // labels: timeframe
	IndicatorComputeDur prometheus.Histogram

	// Alerting.
	AlertsTotal    *prometheus.CounterVec // labels: label
	NotifyFailures prometheus.Counter

	// Control plane and registry.
	CommandsTotal   *prometheus.CounterVec // labels: command
	HeartbeatsTotal prometheus.Counter

	// Backfill.
	BackfillBarsTotal *prometheus.CounterVec // labels: timeframe

	// Cache health.
	CacheBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open

	// Host load, sampled by StartSystemStats.
	SystemCPUPct prometheus.Gauge
	SystemMemPct prometheus.Gauge
}

// New registers every instrument on reg and returns the set. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry so repeated constructions never collide.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livermore_tickers_total",
			Help: "Ticker events received from the venue feed",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livermore_feed_reconnects_total",
			Help: "Feed reconnections, including stale-forced cycles",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livermore_feed_events_dropped_total",
			Help: "Feed events dropped because the ingest channel was full",
		}),
		CandlesClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livermore_candles_closed_total",
			Help: "Base-timeframe bars closed by the aggregator",
		}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livermore_fanout_drops_total",
			Help: "Closed bars dropped per fan-out subscriber",
		}, []string{"subscriber"}),
		IndicatorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livermore_indicators_total",
			Help: "Indicator values computed, by timeframe",
		}, []string{"timeframe"}),
		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livermore_indicator_compute_duration_seconds",
			Help:    "MACD-V compute latency per closed bar",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livermore_alerts_total",
			Help: "Alerts emitted, by trigger label",
		}, []string{"label"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livermore_notify_failures_total",
			Help: "Alert notifications that failed to deliver",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livermore_commands_total",
			Help: "Control commands executed, by type",
		}, []string{"command"}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livermore_heartbeats_total",
			Help: "Registry lease heartbeats written",
		}),
		BackfillBarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livermore_backfill_bars_total",
			Help: "Bars imported over REST, by timeframe",
		}, []string{"timeframe"}),
		CacheBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livermore_cache_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		SystemCPUPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livermore_system_cpu_pct",
			Help: "Host CPU utilization percentage",
		}),
		SystemMemPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livermore_system_mem_pct",
			Help: "Host memory utilization percentage",
		}),
	}

	reg.MustRegister(
		m.TickersTotal,
		m.FeedReconnects,
		m.EventsDropped,
		m.CandlesClosedTotal,
		m.FanoutDrops,
		m.IndicatorsTotal,
		m.IndicatorComputeDur,
		m.AlertsTotal,
		m.NotifyFailures,
		m.CommandsTotal,
		m.HeartbeatsTotal,
		m.BackfillBarsTotal,
		m.CacheBreakerState,
		m.SystemCPUPct,
		m.SystemMemPct,
	)
	return m
}

// StartSystemStats samples host CPU and memory into the gauges until the
// context ends.
func (m *Metrics) StartSystemStats(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
					m.SystemCPUPct.Set(pcts[0])
				}
				if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
					m.SystemMemPct.Set(vm.UsedPercent)
				}
			}
		}
	}()
}

// Pinger is the slice of the cache the health probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health tracks component liveness for /healthz.
type Health struct {
	mu sync.RWMutex

	startedAt       time.Time
	state           model.ConnectionState
	paused          bool
	feedConnected   bool
	lastEventAt     time.Time
	redisOK         bool
	redisLatencyMs  float64
	sqliteOK        bool
	sqliteLatencyMs float64
	lastCheckAt     time.Time
}

// NewHealth returns a health tracker anchored at now.
func NewHealth() *Health {
	return &Health{startedAt: time.Now()}
}

func (h *Health) SetState(s model.ConnectionState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Health) SetPaused(v bool) {
	h.mu.Lock()
	h.paused = v
	h.mu.Unlock()
}

func (h *Health) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.feedConnected = v
	h.mu.Unlock()
}

func (h *Health) SetLastEvent(t time.Time) {
	h.mu.Lock()
	h.lastEventAt = t
	h.mu.Unlock()
}

func (h *Health) SetRedisOK(v bool) {
	h.mu.Lock()
	h.redisOK = v
	h.mu.Unlock()
}

func (h *Health) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.sqliteOK = v
	h.mu.Unlock()
}

// CheckRedis pings the cache and records latency and connectivity.
func (h *Health) CheckRedis(ctx context.Context, cache Pinger) {
	start := time.Now()
	err := cache.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.redisOK = err == nil
	h.redisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the alert store and records latency and health.
func (h *Health) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.sqliteOK = err == nil
	h.sqliteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartChecker probes dependencies on the interval until the context
// ends. Nil dependencies are skipped.
func (h *Health) StartChecker(ctx context.Context, cache Pinger, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if cache != nil {
					h.CheckRedis(probeCtx, cache)
				}
				if db != nil {
					h.CheckSQLite(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP answers /healthz. Degraded components return 503 so load
// balancers stop routing, but the body always carries the full detail.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	httpCode := http.StatusOK
	if !h.feedConnected || !h.redisOK || !h.sqliteOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.redisOK && !h.sqliteOK {
		status = "unhealthy"
	}

	eventAge := ""
	if !h.lastEventAt.IsZero() {
		eventAge = time.Since(h.lastEventAt).Round(time.Millisecond).String()
	}

	body := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		State           string  `json:"state"`
		Paused          bool    `json:"paused"`
		FeedConnected   bool    `json:"feedConnected"`
		LastEventAt     string  `json:"lastEventAt,omitempty"`
		EventAge        string  `json:"eventAge,omitempty"`
		RedisOK         bool    `json:"redisOk"`
		RedisLatencyMs  float64 `json:"redisLatencyMs"`
		SQLiteOK        bool    `json:"sqliteOk"`
		SQLiteLatencyMs float64 `json:"sqliteLatencyMs"`
		LastCheckAt     string  `json:"lastCheckAt,omitempty"`
	}{
		Status:          status,
		Uptime:          time.Since(h.startedAt).Round(time.Second).String(),
		State:           h.state.String(),
		Paused:          h.paused,
		FeedConnected:   h.feedConnected,
		RedisOK:         h.redisOK,
		RedisLatencyMs:  h.redisLatencyMs,
		SQLiteOK:        h.sqliteOK,
		SQLiteLatencyMs: h.sqliteLatencyMs,
	}
	if !h.lastEventAt.IsZero() {
		body.LastEventAt = h.lastEventAt.UTC().Format(time.RFC3339)
		body.EventAge = eventAge
	}
	if !h.lastCheckAt.IsZero() {
		body.LastCheckAt = h.lastCheckAt.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(body)
}

// ServerConfig wires the operator HTTP server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9105".
	Addr string
	// Health serves /healthz.
	Health *Health
	// Gatherer serves /metrics. Nil means the default registry.
	Gatherer prometheus.Gatherer
	// Status returns the instance payload for /api/status. Optional.
	Status func() model.InstanceStatus
	// RecentAlerts backs /api/alerts/recent. Optional.
	RecentAlerts func(ctx context.Context, limit int) ([]model.AlertRecord, error)
	// Logger is the server logger.
	Logger *zerolog.Logger
}

// Server is the operator HTTP endpoint.
type Server struct {
	log zerolog.Logger
	srv *http.Server
}

// NewServer builds the mux and server; Start brings it up.
func NewServer(cfg *ServerConfig) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if cfg.Health != nil {
		mux.Handle("/healthz", cfg.Health)
	}
	if cfg.Status != nil {
		mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
			status := cfg.Status()
			w.Header().Set("Content-Type", "application/json")
			w.Write(status.JSON())
		})
	}
	if cfg.RecentAlerts != nil {
		mux.HandleFunc("/api/alerts/recent", func(w http.ResponseWriter, r *http.Request) {
			limit := 50
			if raw := r.URL.Query().Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n <= 0 || n > 500 {
					http.Error(w, `{"error":"limit must be 1..500"}`, http.StatusBadRequest)
					return
				}
				limit = n
			}
			records, err := cfg.RecentAlerts(r.Context(), limit)
			if err != nil {
				http.Error(w, `{"error":"alert store unavailable"}`, http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"alerts": records})
		})
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "metrics").Logger()
	}
	return &Server{
		log: logger,
		srv: &http.Server{Addr: cfg.Addr, Handler: mux},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("operator endpoint listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("operator endpoint failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("operator endpoint shutdown")
	}
}
