// Package service supervises one livermore instance. It wires the
// cache, persistence, exchange client and pipeline components, claims
// the exchange lease, drives the connection state machine through
// boot, pause, resume and shutdown, and implements the runtime surface
// the control channel dispatches operator commands into.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"livermore/internal/activity"
	"livermore/internal/agg"
	"livermore/internal/alert"
	"livermore/internal/backfill"
	"livermore/internal/cache"
	"livermore/internal/chart"
	"livermore/internal/control"
	"livermore/internal/exchange"
	"livermore/internal/keys"
	"livermore/internal/lifecycle"
	"livermore/internal/metrics"
	"livermore/internal/model"
	"livermore/internal/notification"
	"livermore/internal/registry"
	"livermore/internal/scheduler"
	"livermore/internal/store/sqlite"
)

const (
	// eventBuf bounds the feed event queue. Overflow drops surface on
	// the drop counter instead of stalling the feed's read loop.
	eventBuf = 1024
	// closeBuf bounds the closed-bar queue feeding the fan-out.
	closeBuf = 256

	// opTimeout bounds the detached per-event cache round-trips.
	opTimeout = 5 * time.Second
	// sweepTimeout bounds one boundary sweep round.
	sweepTimeout = 45 * time.Second
	// tier1Timeout bounds one tier-1 refresh: a quote fetch plus the
	// history primes for whatever it adopts.
	tier1Timeout = 2 * time.Minute
	// shutdownTimeout bounds each graceful teardown step.
	shutdownTimeout = 10 * time.Second

	healthInterval = 15 * time.Second
	statsInterval  = 30 * time.Second

	// tier1Time is the daily wall-clock slot for the tier-1 refresh,
	// clear of the activity trim and the minute boundaries.
	tier1Time = "00:30"
)

// Config holds everything the supervisor needs. cmd/livermore maps the
// environment configuration onto it.
type Config struct {
	UserID       string
	ExchangeID   string
	ExchangeName string

	WSURL   string
	RESTURL string
	APIKey  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	MetricsAddr   string

	Symbols        []string
	Tier1Symbols   []string
	BaseTimeframe  model.Timeframe
	Mode           model.RunMode
	FeedStaleAfter time.Duration

	WebhookURL        string
	WebhookUsername   string
	WebhookRatePerSec float64
	TelegramBotToken  string
	TelegramChatID    string
	ChartURL          string

	GeoLookupURL     string
	AdminEmail       string
	AdminDisplayName string

	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("service: nil config")
	}
	var errs error
	if cfg.ExchangeID == "" {
		errs = errors.Join(errs, errors.New("service exchange id cannot be empty"))
	}
	if cfg.WSURL == "" {
		errs = errors.Join(errs, errors.New("service ws url cannot be empty"))
	}
	if cfg.RESTURL == "" {
		errs = errors.Join(errs, errors.New("service rest url cannot be empty"))
	}
	if cfg.RedisAddr == "" {
		errs = errors.Join(errs, errors.New("service redis address cannot be empty"))
	}
	if cfg.SQLitePath == "" {
		errs = errors.Join(errs, errors.New("service sqlite path cannot be empty"))
	}
	if !cfg.BaseTimeframe.Valid() {
		errs = errors.Join(errs, fmt.Errorf("invalid base timeframe %q", cfg.BaseTimeframe))
	}
	if !model.ValidRunMode(cfg.Mode) {
		errs = errors.Join(errs, fmt.Errorf("unknown run mode %q", cfg.Mode))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("service logger cannot be nil"))
	}
	return errs
}

// The pipeline components and stores the supervisor drives are held
// behind narrow interfaces so tests stand in fakes; New wires the
// concrete implementations.

type indicatorScheduler interface {
	Run(ctx context.Context) error
	Reconfigure(symbols []string)
	ForceRecalculate(ctx context.Context, symbol string, tf model.Timeframe) error
}

type alertEvaluator interface {
	Run(ctx context.Context) error
	Reconfigure(symbols []string)
}

type candleImporter interface {
	WarmUp(ctx context.Context, symbols []string) error
	Backfill(ctx context.Context, symbol string, tfs []model.Timeframe, bars int) error
	Sweep(ctx context.Context)
}

type settingsStore interface {
	GetSettings(ctx context.Context, userID, exchangeID string) (*sqlite.Settings, error)
	UpsertSettings(ctx context.Context, userID, exchangeID string, st *sqlite.Settings) error
}

type keyCleaner interface {
	ScanDelete(ctx context.Context, pattern string) (int, error)
}

type marketStore interface {
	AddCandles(ctx context.Context, symbol string, tf model.Timeframe, candles []model.Candle) error
	DeleteSymbol(ctx context.Context, symbol string) error
}

type tickerSink interface {
	Set(ctx context.Context, t model.Ticker) error
}

type eventPublisher interface {
	CandleClose(ctx context.Context, c model.Candle) error
	Ticker(ctx context.Context, t model.Ticker) error
	Alert(ctx context.Context, ev model.AlertEvent) error
}

// Service is the instance supervisor.
type Service struct {
	cfg   *Config
	log   zerolog.Logger
	scope keys.Scope

	cache    *cache.Service
	store    *sqlite.Store
	jobs     *gocron.Scheduler
	registry *registry.Registry
	machine  *lifecycle.Machine
	activity *activity.Log
	metrics  *metrics.Metrics
	health   *metrics.Health
	httpSrv  *metrics.Server

	venue     exchange.Adapter
	agg       *agg.Aggregator
	fanout    *agg.FanOut
	scheduler indicatorScheduler
	evaluator alertEvaluator
	importer  candleImporter
	ctrl      *control.Channel

	settings  settingsStore
	cleaner   keyCleaner
	candles   marketStore
	tickers   tickerSink
	publisher eventPublisher
	notifiers []notification.Notifier

	// mu guards the snapshot state the hot paths read.
	mu      sync.Mutex
	symbols []string
	mode    model.RunMode
	paused  bool

	// setMu serializes symbol-set and mode mutations end to end:
	// read, persist, apply.
	setMu sync.Mutex

	// lifeMu serializes pipeline starts and stops.
	lifeMu    sync.Mutex
	running   bool
	sweepOn   atomic.Bool
	schedLoop *loop
	evalLoop  *loop

	aggLoop  *loop
	ctrlLoop *loop

	events       chan exchange.Event
	closes       chan model.Candle
	storeCh      <-chan model.Candle
	dispatchDone chan struct{}
	sinkWG       sync.WaitGroup

	// prevState backs the activity transition pairs. Written only from
	// the machine's Sync callback, which runs under the machine lock.
	prevState model.ConnectionState
}

// fanSubscribers names the fan-out subscribers by index for drop
// accounting.
var fanSubscribers = []string{"store"}

func fanSubscriber(i int) string {
	if i >= 0 && i < len(fanSubscribers) {
		return fanSubscribers[i]
	}
	return strconv.Itoa(i)
}

// New connects the infrastructure and wires every component. The
// pipeline stays down until Run.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating service config: %w", err)
	}
	if cfg.UserID == "" {
		cfg.UserID = "default"
	}

	s := &Service{
		cfg:          cfg,
		log:          cfg.Logger.With().Str("component", "service").Logger(),
		scope:        keys.Scope{User: cfg.UserID, Exchange: cfg.ExchangeID},
		symbols:      append([]string(nil), cfg.Symbols...),
		mode:         cfg.Mode,
		prevState:    model.StateIdle,
		events:       make(chan exchange.Event, eventBuf),
		closes:       make(chan model.Candle, closeBuf),
		dispatchDone: make(chan struct{}),
	}

	promReg := prometheus.NewRegistry()
	s.metrics = metrics.New(promReg)
	s.health = metrics.NewHealth()

	var err error
	s.cache, err = cache.New(ctx, &cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.store, err = sqlite.Open(&sqlite.Config{Path: cfg.SQLitePath, Logger: cfg.Logger})
	if err != nil {
		s.cache.Close()
		return nil, err
	}
	fail := func(err error) (*Service, error) {
		s.store.Close()
		s.cache.Close()
		return nil, err
	}
	s.settings = s.store
	s.cleaner = s.cache

	s.jobs = gocron.NewScheduler(time.UTC)

	s.activity, err = activity.New(&activity.Config{
		ExchangeID: cfg.ExchangeID,
		Cache:      s.cache,
		Scheduler:  s.jobs,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}

	s.registry, err = registry.New(ctx, &registry.Config{
		ExchangeID:       cfg.ExchangeID,
		ExchangeName:     cfg.ExchangeName,
		AdminEmail:       cfg.AdminEmail,
		AdminDisplayName: cfg.AdminDisplayName,
		GeoURL:           cfg.GeoLookupURL,
		Cache:            s.cache,
		OnBeat:           s.metrics.HeartbeatsTotal.Inc,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}

	s.machine, err = lifecycle.New(&lifecycle.Config{Sync: s.syncState, Logger: cfg.Logger})
	if err != nil {
		return fail(err)
	}

	candles := cache.NewCandleStore(s.cache, s.scope)
	indicators := cache.NewIndicatorStore(s.cache, s.scope)
	tickers := cache.NewTickerStore(s.cache, s.scope)
	publisher := cache.NewPublisher(s.cache, s.scope)
	s.candles, s.tickers, s.publisher = candles, tickers, publisher

	venue, err := exchange.NewClient(&exchange.Config{
		ID:         cfg.ExchangeID,
		Name:       cfg.ExchangeName,
		WSURL:      cfg.WSURL,
		RESTURL:    cfg.RESTURL,
		APIKey:     cfg.APIKey,
		StaleAfter: cfg.FeedStaleAfter,
		OnConnect: func() {
			s.health.SetFeedConnected(true)
		},
		OnDisconnect: s.onFeedDrop,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	venue.OnMessage(s.enqueueEvent)
	s.venue = venue

	s.agg, err = agg.New(&agg.Config{Emit: s.emitClosed, Logger: cfg.Logger})
	if err != nil {
		return fail(err)
	}
	s.fanout = agg.NewFanOut(closeBuf)
	s.fanout.OnDrop = func(i int) {
		s.metrics.FanoutDrops.WithLabelValues(fanSubscriber(i)).Inc()
	}
	s.storeCh = s.fanout.Subscribe()

	sched, err := scheduler.New(&scheduler.Config{
		Scope:         s.scope,
		BaseTimeframe: cfg.BaseTimeframe,
		Symbols:       cfg.Symbols,
		ReadRecent:    candles.RecentCandles,
		WriteIndicator: func(ctx context.Context, v model.IndicatorValue) error {
			if err := indicators.Set(ctx, v); err != nil {
				return err
			}
			s.metrics.IndicatorsTotal.WithLabelValues(string(v.Timeframe)).Inc()
			return nil
		},
		PublishIndicator: publisher.Indicator,
		OpenSub:          s.openPSub,
		OnCompute: func(_ model.Timeframe, elapsed time.Duration) {
			s.metrics.IndicatorComputeDur.Observe(elapsed.Seconds())
		},
		Logger: cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	s.scheduler = sched

	if cfg.WebhookURL != "" {
		wn, err := notification.NewWebhookNotifier(&notification.WebhookConfig{
			URL:        cfg.WebhookURL,
			Username:   cfg.WebhookUsername,
			RatePerSec: cfg.WebhookRatePerSec,
			Logger:     cfg.Logger,
		})
		if err != nil {
			return fail(err)
		}
		s.notifiers = append(s.notifiers, wn)
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		tn, err := notification.NewTelegramNotifier(&notification.TelegramConfig{
			BotToken: cfg.TelegramBotToken,
			ChatID:   cfg.TelegramChatID,
			Logger:   cfg.Logger,
		})
		if err != nil {
			return fail(err)
		}
		s.notifiers = append(s.notifiers, tn)
	}
	if len(s.notifiers) == 0 {
		s.notifiers = append(s.notifiers, notification.NewLogNotifier(cfg.Logger))
	}

	var renderer chart.Renderer = chart.NoopRenderer{}
	if cfg.ChartURL != "" {
		hr, err := chart.NewHTTPRenderer(&chart.Config{URL: cfg.ChartURL, Logger: cfg.Logger})
		if err != nil {
			return fail(err)
		}
		renderer = hr
	}

	eval, err := alert.New(&alert.Config{
		ExchangeID:   cfg.ExchangeID,
		ExchangeName: cfg.ExchangeName,
		Scope:        s.scope,
		Symbols:      cfg.Symbols,
		BulkIndicators: func(ctx context.Context, symbol string, tfs []model.Timeframe) (map[model.Timeframe]model.IndicatorValue, error) {
			reqs := make([]cache.IndicatorRequest, 0, len(tfs))
			for _, tf := range tfs {
				reqs = append(reqs, cache.IndicatorRequest{
					Symbol: symbol, Timeframe: tf, Type: model.IndicatorTypeMACDV,
				})
			}
			got, err := indicators.GetBulk(ctx, reqs)
			if err != nil {
				return nil, err
			}
			out := make(map[model.Timeframe]model.IndicatorValue, len(got))
			for _, v := range got {
				out[v.Timeframe] = v
			}
			return out, nil
		},
		RenderChart:      renderer.Render,
		Notify:           s.notify,
		Persist:          s.persistAlert,
		PublishAlert:     s.publishAlert,
		OpenIndicatorSub: s.openPSub,
		OpenTickerSub:    s.openPSub,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	s.evaluator = eval

	imp, err := backfill.New(&backfill.Config{
		ExchangeID:   cfg.ExchangeID,
		FetchCandles: venue.GetCandles,
		StoreCandles: func(ctx context.Context, symbol string, tf model.Timeframe, bars []model.Candle) error {
			if err := candles.AddCandles(ctx, symbol, tf, bars); err != nil {
				return err
			}
			s.metrics.BackfillBarsTotal.WithLabelValues(string(tf)).Add(float64(len(bars)))
			return nil
		},
		LatestCandle:  candles.LatestCandle,
		Symbols:       s.MonitoredSymbols,
		BaseTimeframe: cfg.BaseTimeframe,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	s.importer = imp

	s.ctrl, err = control.New(&control.Config{
		Identity: s.registry.Identity(),
		Cache:    s.cache,
		OpenSub:  s.openSub,
		Runtime:  s,
		Record:   s.recordCommand,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}

	s.httpSrv = metrics.NewServer(&metrics.ServerConfig{
		Addr:     cfg.MetricsAddr,
		Health:   s.health,
		Gatherer: promReg,
		Status:   s.registry.Status,
		RecentAlerts: func(ctx context.Context, limit int) ([]model.AlertRecord, error) {
			return s.store.RecentAlerts(ctx, cfg.ExchangeID, limit)
		},
		Logger: cfg.Logger,
	})

	if err := s.registerJobs(); err != nil {
		return fail(err)
	}
	return s, nil
}

// registerJobs binds the supervisor's periodic jobs. The job scheduler
// starts in Run.
func (s *Service) registerJobs() error {
	// The sweep gate stops imports while paused. Skipped rounds leave
	// the importer's boundaries behind, so the first post-resume sweep
	// imports the whole gap.
	if _, err := s.jobs.Every(1).Minute().Do(func() {
		if !s.sweepOn.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		s.importer.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling boundary sweep: %w", err)
	}

	if _, err := s.jobs.Every(15).Seconds().Do(func() {
		s.metrics.CacheBreakerState.Set(float64(s.cache.BreakerState()))
	}); err != nil {
		return fmt.Errorf("scheduling breaker gauge: %w", err)
	}

	if len(s.cfg.Tier1Symbols) > 0 {
		if _, err := s.jobs.Every(1).Day().At(tier1Time).Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), tier1Timeout)
			defer cancel()
			if err := s.RefreshTier1Symbols(ctx); err != nil {
				s.log.Warn().Err(err).Msg("tier-1 refresh failed")
			}
		}); err != nil {
			return fmt.Errorf("scheduling tier-1 refresh: %w", err)
		}
	}
	return nil
}

// syncState mirrors every applied machine state outward: health flag,
// lease payload, activity stream. Runs under the machine lock; every
// step is quick and none calls back into the machine.
func (s *Service) syncState(state model.ConnectionState, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	s.health.SetState(state)
	s.registry.SetConnectionState(ctx, state, at)
	s.activity.StateTransition(ctx, s.prevState, state)
	s.prevState = state
}

// onFeedDrop handles an unplanned feed disconnect. Deliberate
// disconnects (pause, shutdown) do not pass through here.
func (s *Service) onFeedDrop(err error) {
	s.metrics.FeedReconnects.Inc()
	s.health.SetFeedConnected(false)

	msg := "feed connection lost"
	if err != nil {
		msg += ": " + err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	s.registry.RecordError(ctx, msg)
	s.activity.Error(ctx, msg)
}

// openSub adapts the cache's topic subscription to the seam shape the
// components expect.
func (s *Service) openSub(ctx context.Context, topic string) (<-chan *goredis.Message, func() error) {
	sub := s.cache.Subscribe(ctx, topic)
	return sub.Channel(), sub.Close
}

// openPSub is openSub for pattern subscriptions.
func (s *Service) openPSub(ctx context.Context, pattern string) (<-chan *goredis.Message, func() error) {
	sub := s.cache.PSubscribe(ctx, pattern)
	return sub.Channel(), sub.Close
}

// notify fans one alert out to every configured notifier. Failures are
// joined so one dead backend never silences the others.
func (s *Service) notify(ctx context.Context, n *alert.Notification) error {
	msg := &notification.Message{Record: n.Record, Bias: n.Bias, Image: n.Image}
	var errs error
	for _, nt := range s.notifiers {
		if err := nt.Send(ctx, msg); err != nil {
			s.metrics.NotifyFailures.Inc()
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (s *Service) persistAlert(ctx context.Context, rec *model.AlertRecord) error {
	_, err := s.store.InsertAlert(ctx, rec)
	return err
}

func (s *Service) publishAlert(ctx context.Context, ev *model.AlertEvent) error {
	s.metrics.AlertsTotal.WithLabelValues(ev.TriggerLabel).Inc()
	return s.publisher.Alert(ctx, *ev)
}

// recordCommand feeds the command counter and activity stream after
// each executed admin command.
func (s *Service) recordCommand(ctx context.Context, cmd model.CommandType, correlationID, detail string) {
	s.metrics.CommandsTotal.WithLabelValues(string(cmd)).Inc()
	s.activity.AdminAction(ctx, cmd, correlationID, detail)
}

// loop is one supervised component goroutine with an explicit, waited
// stop. Loops get their own contexts instead of the run context so
// teardown can stop them in dependency order.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startLoop(log zerolog.Logger, name string, run func(ctx context.Context) error) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		if err := run(ctx); err != nil {
			log.Error().Err(err).Str("loop", name).Msg("component loop exited")
		}
	}()
	return l
}

func (l *loop) stop() {
	l.cancel()
	<-l.done
}
