package service

import (
	"context"
	"errors"
	"fmt"

	"livermore/internal/control"
	"livermore/internal/model"
	"livermore/internal/store/sqlite"
)

// The command channel dispatches operator commands into these methods.
// Pause and resume serialize on lifeMu with boot and teardown; symbol
// and mode mutations serialize on setMu end to end so the persisted
// settings row never skips a step.

var _ control.Runtime = (*Service)(nil)

// MonitoredSymbols returns a copy of the active symbol set.
func (s *Service) MonitoredSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...)
}

// IsPaused reports whether an operator stopped the data path.
func (s *Service) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Service) currentMode() model.RunMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Service) setPaused(v bool) {
	s.mu.Lock()
	s.paused = v
	s.mu.Unlock()
	s.health.SetPaused(v)
}

// Pause stops the data path and parks the instance in stopped. The
// aggregator, command channel and heartbeat keep running. Pausing a
// stopped pipeline is a no-op success.
func (s *Service) Pause(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return nil
	}
	if err := s.machine.Transition(model.StateStopping); err != nil {
		return err
	}
	s.stopPipelineLocked()
	if err := s.machine.Transition(model.StateStopped); err != nil {
		return err
	}
	s.setPaused(true)
	s.log.Info().Msg("pipeline paused")
	return nil
}

// Resume rewarms caches and restarts the data path. On failure the
// instance stays paused and reports the error to the caller.
func (s *Service) Resume(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return nil
	}
	if err := s.machine.Transition(model.StateStarting); err != nil {
		return err
	}
	if err := s.machine.Transition(model.StateWarming); err != nil {
		return err
	}
	if err := s.importer.WarmUp(ctx, s.MonitoredSymbols()); err != nil {
		s.log.Warn().Err(err).Msg("resume warm-up incomplete, stream fills the gap")
	}
	if err := s.startPipelineLocked(ctx); err != nil {
		s.machine.Transition(model.StateStopping)
		s.machine.Transition(model.StateStopped)
		return err
	}
	if err := s.machine.Transition(model.StateActive); err != nil {
		return err
	}
	s.setPaused(false)
	s.log.Info().Msg("pipeline resumed")
	return nil
}

// ReloadSettings re-reads the persisted settings row, applies it, then
// retries tier-1 adoption against the fresh set.
func (s *Service) ReloadSettings(ctx context.Context) error {
	st, err := s.settings.GetSettings(ctx, s.cfg.UserID, s.cfg.ExchangeID)
	if err != nil {
		return fmt.Errorf("reading settings: %w", err)
	}
	if st == nil {
		s.log.Info().Msg("no persisted settings to reload")
		return nil
	}
	s.adoptSettings(ctx, st)
	if err := s.RefreshTier1Symbols(ctx); err != nil {
		s.log.Warn().Err(err).Msg("tier-1 refresh after reload failed")
	}
	return nil
}

// adoptSettings applies a settings row: mode first, then the symbol
// set. Unknown persisted modes are ignored, not fatal.
func (s *Service) adoptSettings(ctx context.Context, st *sqlite.Settings) {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	if mode := model.RunMode(st.Mode); model.ValidRunMode(mode) {
		s.mu.Lock()
		s.mode = mode
		s.mu.Unlock()
	} else if st.Mode != "" {
		s.log.Warn().Str("mode", st.Mode).Msg("ignoring unknown persisted run mode")
	}
	if st.Symbols != nil {
		s.applySymbols(ctx, control.NormalizeSymbols(st.Symbols))
	}
}

// SwitchMode sets the run mode and persists it alongside the current
// symbol set.
func (s *Service) SwitchMode(ctx context.Context, mode model.RunMode) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	if err := s.writeSettings(ctx, s.MonitoredSymbols()); err != nil {
		return fmt.Errorf("persisting run mode: %w", err)
	}
	s.log.Info().Str("mode", string(mode)).Msg("run mode switched")
	return nil
}

// ForceBackfill reimports history for one symbol and recomputes its
// indicators. Partial failures are joined, not short-circuited, so a
// venue hiccup on one timeframe still refreshes the rest.
func (s *Service) ForceBackfill(ctx context.Context, symbol string, tfs []model.Timeframe) error {
	var errs error
	if err := s.importer.Backfill(ctx, symbol, tfs, 0); err != nil {
		errs = errors.Join(errs, err)
	}
	for _, tf := range tfs {
		if err := s.scheduler.ForceRecalculate(ctx, symbol, tf); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// ClearCache scan-deletes cached market state by scope and returns the
// number of keys removed.
func (s *Service) ClearCache(ctx context.Context, scope model.ClearCacheScope, symbol string, tf model.Timeframe) (int64, error) {
	var patterns []string
	switch scope {
	case model.ClearScopeAll:
		patterns = []string{
			s.scope.CandlesPattern("*", "*"),
			s.scope.IndicatorsPattern("*", "*"),
			s.scope.TickersPattern("*"),
		}
	case model.ClearScopeSymbol:
		patterns = []string{
			s.scope.CandlesPattern(symbol, "*"),
			s.scope.IndicatorsPattern(symbol, "*"),
			s.scope.TickersPattern(symbol),
		}
	case model.ClearScopeTimeframe:
		patterns = []string{
			s.scope.CandlesPattern("*", string(tf)),
			s.scope.IndicatorsPattern("*", string(tf)),
		}
	default:
		return 0, fmt.Errorf("unknown clear-cache scope %q", scope)
	}

	var deleted int64
	var errs error
	for _, pattern := range patterns {
		n, err := s.cleaner.ScanDelete(ctx, pattern)
		deleted += int64(n)
		if err != nil {
			errs = errors.Join(errs, err)
		}
	}
	s.log.Info().Int64("deleted", deleted).Str("scope", string(scope)).Msg("cache cleared")
	return deleted, errs
}

// AddSymbol starts monitoring a symbol: persist the grown set, apply
// it, prime history. Adding an already monitored symbol is a no-op.
func (s *Service) AddSymbol(ctx context.Context, symbol string) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	current := s.MonitoredSymbols()
	if contains(current, symbol) {
		return nil
	}
	next := append(current, symbol)
	if err := s.writeSettings(ctx, next); err != nil {
		return fmt.Errorf("persisting symbols: %w", err)
	}
	s.applySymbols(ctx, next)
	s.primeSymbol(ctx, symbol)
	s.log.Info().Str("symbol", symbol).Msg("symbol added")
	return nil
}

// RemoveSymbol stops monitoring a symbol and purges its cached bars.
func (s *Service) RemoveSymbol(ctx context.Context, symbol string) error {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	current := s.MonitoredSymbols()
	next := without(current, symbol)
	if len(next) == len(current) {
		return fmt.Errorf("symbol %s is not monitored", symbol)
	}
	if err := s.writeSettings(ctx, next); err != nil {
		return fmt.Errorf("persisting symbols: %w", err)
	}
	s.applySymbols(ctx, next)
	if err := s.candles.DeleteSymbol(ctx, symbol); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("cache purge failed")
	}
	s.log.Info().Str("symbol", symbol).Msg("symbol removed")
	return nil
}

// BulkAddSymbols adds every not yet monitored symbol from the list in
// a single settings write and reports the ones actually added.
func (s *Service) BulkAddSymbols(ctx context.Context, symbols []string) ([]string, error) {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	next := s.MonitoredSymbols()
	var added []string
	for _, sym := range symbols {
		if contains(next, sym) {
			continue
		}
		next = append(next, sym)
		added = append(added, sym)
	}
	if len(added) == 0 {
		return []string{}, nil
	}
	if err := s.writeSettings(ctx, next); err != nil {
		return nil, fmt.Errorf("persisting symbols: %w", err)
	}
	s.applySymbols(ctx, next)
	for _, sym := range added {
		s.primeSymbol(ctx, sym)
	}
	s.log.Info().Strs("symbols", added).Msg("symbols added")
	return added, nil
}

// RefreshTier1Symbols adopts tier-1 universe symbols the venue
// currently quotes. Runs daily and after settings reloads; an empty
// universe disables it.
func (s *Service) RefreshTier1Symbols(ctx context.Context) error {
	universe := s.cfg.Tier1Symbols
	if len(universe) == 0 {
		return nil
	}
	prices, err := s.venue.GetSpotPrices(ctx, universe)
	if err != nil {
		return fmt.Errorf("fetching tier-1 quotes: %w", err)
	}
	quoted := make([]string, 0, len(prices))
	for _, p := range prices {
		if p.Price > 0 {
			quoted = append(quoted, p.Symbol)
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	added, err := s.BulkAddSymbols(ctx, quoted)
	if err != nil {
		return err
	}
	if len(added) > 0 {
		s.log.Info().Strs("symbols", added).Msg("tier-1 symbols adopted")
	}
	return nil
}

// writeSettings persists the given symbol set with the current mode.
// Callers hold setMu.
func (s *Service) writeSettings(ctx context.Context, symbols []string) error {
	st := &sqlite.Settings{Symbols: symbols, Mode: string(s.currentMode())}
	return s.settings.UpsertSettings(ctx, s.cfg.UserID, s.cfg.ExchangeID, st)
}

// applySymbols swaps the monitored set everywhere it lives: memory,
// the pipeline components, the lease payload, the feed subscription.
// The subscription write is safe while paused: the feed stages it for
// the next session.
func (s *Service) applySymbols(ctx context.Context, symbols []string) {
	s.mu.Lock()
	s.symbols = append([]string(nil), symbols...)
	s.mu.Unlock()

	s.scheduler.Reconfigure(symbols)
	s.evaluator.Reconfigure(symbols)
	s.registry.SetSymbolCount(ctx, len(symbols))
	if err := s.venue.Subscribe(ctx, symbols, s.cfg.BaseTimeframe); err != nil {
		s.log.Error().Err(err).Msg("feed resubscribe failed")
	}
}

// primeSymbol backfills history and forces first indicator values for
// a newly added symbol. Failures are logged, the stream fills the gap.
func (s *Service) primeSymbol(ctx context.Context, symbol string) {
	tfs := append([]model.Timeframe{s.cfg.BaseTimeframe}, model.HigherTimeframes(s.cfg.BaseTimeframe)...)
	if err := s.importer.Backfill(ctx, symbol, tfs, 0); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("history prime failed")
	}
	for _, tf := range tfs {
		if err := s.scheduler.ForceRecalculate(ctx, symbol, tf); err != nil {
			s.log.Debug().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("initial recompute skipped")
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func without(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
