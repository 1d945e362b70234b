package service

import (
	"context"
	"fmt"

	"livermore/internal/model"
	"livermore/internal/store/sqlite"
)

// Run claims the exchange lease, boots the pipeline and blocks until
// ctx is cancelled, then tears everything down in order. The lease is
// released only on this graceful path; a crashed instance leaves its
// key to expire so the takeover window stays bounded by the TTL.
func (s *Service) Run(ctx context.Context) error {
	if err := s.machine.Transition(model.StateStarting); err != nil {
		return err
	}
	s.registry.SetSymbolCount(ctx, len(s.MonitoredSymbols()))
	if err := s.registry.Register(ctx); err != nil {
		return fmt.Errorf("claiming exchange lease: %w", err)
	}
	s.registry.StartHeartbeat(ctx)

	defer s.teardown()

	// Long-lived plumbing. Event dispatch, bar fan-out, store writes,
	// the aggregator and the command channel all survive pause cycles;
	// only the data path below starts and stops with them.
	go s.dispatch()
	s.sinkWG.Add(2)
	go func() {
		defer s.sinkWG.Done()
		s.fanout.Run(context.Background(), s.closes)
	}()
	go s.storeLoop()
	s.aggLoop = startLoop(s.log, "aggregator", func(ctx context.Context) error {
		s.agg.Run(ctx)
		return nil
	})
	s.ctrlLoop = startLoop(s.log, "control", s.ctrl.Run)

	s.jobs.StartAsync()
	s.httpSrv.Start()
	s.health.StartChecker(ctx, s.cache, s.store.DB(), healthInterval)
	s.metrics.StartSystemStats(ctx, statsInterval)

	s.loadSettings(ctx)

	s.lifeMu.Lock()
	if err := s.machine.Transition(model.StateWarming); err != nil {
		s.lifeMu.Unlock()
		return err
	}
	if err := s.importer.WarmUp(ctx, s.MonitoredSymbols()); err != nil {
		s.log.Warn().Err(err).Msg("warm-up incomplete, stream fills the gap")
	}
	if err := s.startPipelineLocked(ctx); err != nil {
		s.machine.Transition(model.StateStopping)
		s.machine.Transition(model.StateStopped)
		s.lifeMu.Unlock()
		return fmt.Errorf("starting pipeline: %w", err)
	}
	if err := s.machine.Transition(model.StateActive); err != nil {
		s.lifeMu.Unlock()
		return err
	}
	s.lifeMu.Unlock()

	s.log.Info().
		Str("identity", s.registry.Identity()).
		Str("exchange", s.cfg.ExchangeID).
		Int("symbols", len(s.MonitoredSymbols())).
		Msg("livermore running")

	<-ctx.Done()
	s.log.Info().Msg("shutdown signal received")
	return nil
}

// loadSettings adopts the persisted symbol set and run mode, seeding
// the row from the environment on first boot. A broken read is
// survivable: the instance runs on its configured defaults.
func (s *Service) loadSettings(ctx context.Context) {
	st, err := s.settings.GetSettings(ctx, s.cfg.UserID, s.cfg.ExchangeID)
	if err != nil {
		s.log.Warn().Err(err).Msg("settings read failed, using configured defaults")
		return
	}
	if st == nil {
		seed := &sqlite.Settings{Symbols: s.MonitoredSymbols(), Mode: string(s.currentMode())}
		if err := s.settings.UpsertSettings(ctx, s.cfg.UserID, s.cfg.ExchangeID, seed); err != nil {
			s.log.Warn().Err(err).Msg("seeding settings failed")
		}
		return
	}
	s.adoptSettings(ctx, st)
}

// startPipelineLocked brings the data path up in dependency order:
// scheduler, boundary sweeps, feed, evaluator. Caller holds lifeMu and
// owns the surrounding state transitions.
func (s *Service) startPipelineLocked(ctx context.Context) error {
	s.schedLoop = startLoop(s.log, "scheduler", s.scheduler.Run)
	s.sweepOn.Store(true)

	if err := s.venue.Connect(ctx); err != nil {
		s.sweepOn.Store(false)
		s.schedLoop.stop()
		s.schedLoop = nil
		return fmt.Errorf("connecting feed: %w", err)
	}
	if err := s.venue.Subscribe(ctx, s.MonitoredSymbols(), s.cfg.BaseTimeframe); err != nil {
		s.venue.Disconnect()
		s.health.SetFeedConnected(false)
		s.sweepOn.Store(false)
		s.schedLoop.stop()
		s.schedLoop = nil
		return fmt.Errorf("subscribing feed: %w", err)
	}

	s.evalLoop = startLoop(s.log, "alerts", s.evaluator.Run)
	s.running = true
	return nil
}

// stopPipelineLocked tears the data path down consumer-first:
// evaluator, feed, boundary sweeps, scheduler. Caller holds lifeMu.
func (s *Service) stopPipelineLocked() {
	if s.evalLoop != nil {
		s.evalLoop.stop()
		s.evalLoop = nil
	}
	if err := s.venue.Disconnect(); err != nil {
		s.log.Warn().Err(err).Msg("feed disconnect failed")
	}
	s.health.SetFeedConnected(false)
	s.sweepOn.Store(false)
	if s.schedLoop != nil {
		s.schedLoop.stop()
		s.schedLoop = nil
	}
	s.running = false
}

// teardown unwinds Run. Producer-first: data path, then the queues
// behind it, then the shared infrastructure.
func (s *Service) teardown() {
	s.lifeMu.Lock()
	if s.running {
		s.machine.Transition(model.StateStopping)
		s.stopPipelineLocked()
		s.machine.Transition(model.StateStopped)
	}
	s.lifeMu.Unlock()

	// The feed sessions are down, nothing produces into events now.
	close(s.events)
	<-s.dispatchDone

	s.jobs.Stop()
	s.ctrlLoop.stop()

	// The aggregator flushes its open bars into the close queue on the
	// way out; the fan-out and store loop are still draining here.
	s.aggLoop.stop()
	close(s.closes)
	s.sinkWG.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.registry.Deregister(ctx); err != nil {
		s.log.Warn().Err(err).Msg("lease release failed")
	}
	s.httpSrv.Stop(ctx)
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing sqlite store failed")
	}
	if err := s.cache.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing cache failed")
	}
	s.log.Info().Msg("livermore stopped")
}
