package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"livermore/internal/exchange"
	"livermore/internal/model"
	"livermore/internal/store/sqlite"
)

func TestPauseResume_Lifecycle(t *testing.T) {
	s, fx := newTestService(t)
	ctx := context.Background()

	// Resume from idle boots the data path.
	if err := s.Resume(ctx); err != nil {
		t.Fatalf("initial resume: %v", err)
	}
	t.Cleanup(func() { s.Pause(ctx) })

	if got := s.machine.Current(); got != model.StateActive {
		t.Fatalf("state after resume = %s, want active", got)
	}
	if fx.venue.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", fx.venue.connectCount())
	}
	if sub := fx.venue.lastSub(); len(sub) != 1 || sub[0] != "BTC-USD" {
		t.Errorf("subscription = %v, want [BTC-USD]", sub)
	}
	if len(fx.importer.warmups) != 1 {
		t.Errorf("warm-ups = %d, want 1", len(fx.importer.warmups))
	}

	// Second resume is a no-op.
	if err := s.Resume(ctx); err != nil {
		t.Fatalf("redundant resume: %v", err)
	}
	if fx.venue.connectCount() != 1 {
		t.Errorf("redundant resume reconnected the feed")
	}

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !s.IsPaused() {
		t.Error("IsPaused = false after pause")
	}
	if got := s.machine.Current(); got != model.StateStopped {
		t.Errorf("state after pause = %s, want stopped", got)
	}
	if fx.venue.disconnectCount() != 1 {
		t.Errorf("disconnects = %d, want 1", fx.venue.disconnectCount())
	}

	// Second pause is a no-op.
	if err := s.Pause(ctx); err != nil {
		t.Fatalf("redundant pause: %v", err)
	}
	if fx.venue.disconnectCount() != 1 {
		t.Errorf("redundant pause disconnected again")
	}

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("resume after pause: %v", err)
	}
	if s.IsPaused() {
		t.Error("IsPaused = true after resume")
	}
	if fx.venue.connectCount() != 2 {
		t.Errorf("connects after resume = %d, want 2", fx.venue.connectCount())
	}
	if len(fx.importer.warmups) != 2 {
		t.Errorf("resume should rewarm caches, warm-ups = %d", len(fx.importer.warmups))
	}
}

func TestResume_StartFailureStaysPaused(t *testing.T) {
	s, fx := newTestService(t)
	ctx := context.Background()

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := s.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}

	fx.venue.mu.Lock()
	fx.venue.connectErr = errors.New("dial refused")
	fx.venue.mu.Unlock()

	if err := s.Resume(ctx); err == nil {
		t.Fatal("resume should surface the connect failure")
	}
	if !s.IsPaused() {
		t.Error("failed resume should leave the instance paused")
	}
	if got := s.machine.Current(); got != model.StateStopped {
		t.Errorf("state after failed resume = %s, want stopped", got)
	}

	fx.venue.mu.Lock()
	fx.venue.connectErr = nil
	fx.venue.mu.Unlock()

	if err := s.Resume(ctx); err != nil {
		t.Fatalf("retry resume: %v", err)
	}
	t.Cleanup(func() { s.Pause(ctx) })
	if s.IsPaused() {
		t.Error("successful retry should clear paused")
	}
}

func TestAddSymbol_PersistsAppliesPrimes(t *testing.T) {
	s, fx := newTestService(t)
	ctx := context.Background()

	if err := s.AddSymbol(ctx, "ETH-USD"); err != nil {
		t.Fatalf("AddSymbol: %v", err)
	}

	got := s.MonitoredSymbols()
	if len(got) != 2 || got[1] != "ETH-USD" {
		t.Fatalf("symbols = %v, want [BTC-USD ETH-USD]", got)
	}
	row := fx.settings.row("default", "coinbase")
	if row == nil || len(row.Symbols) != 2 {
		t.Fatalf("settings row = %+v, want both symbols persisted", row)
	}
	if len(fx.sched.reconfigured) != 1 || len(fx.eval.reconfigured) != 1 {
		t.Error("scheduler and evaluator should each see one reconfigure")
	}
	if sub := fx.venue.lastSub(); len(sub) != 2 {
		t.Errorf("subscription = %v, want the grown set staged", sub)
	}
	if len(fx.importer.backfills) != 1 || fx.importer.backfills[0].symbol != "ETH-USD" {
		t.Fatalf("backfills = %+v, want one prime for ETH-USD", fx.importer.backfills)
	}
	wantTFs := 1 + len(model.HigherTimeframes(model.OneMinute))
	if len(fx.importer.backfills[0].tfs) != wantTFs {
		t.Errorf("prime covers %d timeframes, want %d", len(fx.importer.backfills[0].tfs), wantTFs)
	}
	if fx.sched.recalcCount() != wantTFs {
		t.Errorf("recalcs = %d, want one per timeframe", fx.sched.recalcCount())
	}

	// Adding a monitored symbol changes nothing.
	if err := s.AddSymbol(ctx, "ETH-USD"); err != nil {
		t.Fatalf("duplicate AddSymbol: %v", err)
	}
	if fx.settings.upsertCount() != 1 {
		t.Errorf("duplicate add wrote settings again")
	}
}

func TestAddSymbol_PersistFailureLeavesSetUnchanged(t *testing.T) {
	s, fx := newTestService(t)
	fx.settings.putErr = errors.New("disk full")

	if err := s.AddSymbol(context.Background(), "ETH-USD"); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	if got := s.MonitoredSymbols(); len(got) != 1 {
		t.Errorf("symbols = %v, want untouched [BTC-USD]", got)
	}
	if len(fx.sched.reconfigured) != 0 {
		t.Error("failed persist should not reconfigure the pipeline")
	}
}

func TestRemoveSymbol_PurgesAndRejectsUnknown(t *testing.T) {
	s, fx := newTestService(t)
	ctx := context.Background()

	if err := s.RemoveSymbol(ctx, "BTC-USD"); err != nil {
		t.Fatalf("RemoveSymbol: %v", err)
	}
	if got := s.MonitoredSymbols(); len(got) != 0 {
		t.Errorf("symbols = %v, want empty", got)
	}
	if len(fx.market.deleted) != 1 || fx.market.deleted[0] != "BTC-USD" {
		t.Errorf("cache purge = %v, want [BTC-USD]", fx.market.deleted)
	}
	row := fx.settings.row("default", "coinbase")
	if row == nil || len(row.Symbols) != 0 {
		t.Errorf("settings row = %+v, want empty symbol list persisted", row)
	}

	if err := s.RemoveSymbol(ctx, "BTC-USD"); err == nil {
		t.Error("removing an unmonitored symbol should error")
	}
}

func TestBulkAddSymbols_ReportsOnlyNew(t *testing.T) {
	s, fx := newTestService(t)

	added, err := s.BulkAddSymbols(context.Background(), []string{"BTC-USD", "ETH-USD", "SOL-USD"})
	if err != nil {
		t.Fatalf("BulkAddSymbols: %v", err)
	}
	if len(added) != 2 || added[0] != "ETH-USD" || added[1] != "SOL-USD" {
		t.Fatalf("added = %v, want [ETH-USD SOL-USD]", added)
	}
	if fx.settings.upsertCount() != 1 {
		t.Errorf("bulk add wrote settings %d times, want 1", fx.settings.upsertCount())
	}
	if got := s.MonitoredSymbols(); len(got) != 3 {
		t.Errorf("symbols = %v, want 3", got)
	}
	if len(fx.importer.backfills) != 2 {
		t.Errorf("primes = %d, want one per new symbol", len(fx.importer.backfills))
	}

	// Nothing new: no writes, empty non-nil result.
	added, err = s.BulkAddSymbols(context.Background(), []string{"BTC-USD"})
	if err != nil {
		t.Fatalf("redundant bulk add: %v", err)
	}
	if added == nil || len(added) != 0 {
		t.Errorf("added = %v, want empty slice", added)
	}
	if fx.settings.upsertCount() != 1 {
		t.Error("redundant bulk add should not write settings")
	}
}

func TestSwitchMode_Persists(t *testing.T) {
	s, fx := newTestService(t)

	if err := s.SwitchMode(context.Background(), model.ModeConservative); err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	if s.currentMode() != model.ModeConservative {
		t.Errorf("mode = %s, want conservative", s.currentMode())
	}
	row := fx.settings.row("default", "coinbase")
	if row == nil || row.Mode != string(model.ModeConservative) {
		t.Errorf("persisted row = %+v, want conservative mode", row)
	}
}

func TestReloadSettings_AdoptsPersistedRow(t *testing.T) {
	s, fx := newTestService(t)
	fx.settings.rows[settingsKey("default", "coinbase")] = &sqlite.Settings{
		Symbols: []string{"eth-usd", "btc-usd"},
		Mode:    string(model.ModeConservative),
	}

	if err := s.ReloadSettings(context.Background()); err != nil {
		t.Fatalf("ReloadSettings: %v", err)
	}
	got := s.MonitoredSymbols()
	if len(got) != 2 || got[0] != "ETH-USD" || got[1] != "BTC-USD" {
		t.Errorf("symbols = %v, want [ETH-USD BTC-USD]", got)
	}
	if s.currentMode() != model.ModeConservative {
		t.Errorf("mode = %s, want conservative", s.currentMode())
	}
}

func TestReloadSettings_NoRowIsNoOp(t *testing.T) {
	s, fx := newTestService(t)

	if err := s.ReloadSettings(context.Background()); err != nil {
		t.Fatalf("ReloadSettings without a row: %v", err)
	}
	if got := s.MonitoredSymbols(); len(got) != 1 || got[0] != "BTC-USD" {
		t.Errorf("symbols = %v, want untouched [BTC-USD]", got)
	}
	if len(fx.sched.reconfigured) != 0 {
		t.Error("missing row should not reconfigure anything")
	}
}

func TestForceBackfill_JoinsPartialFailures(t *testing.T) {
	s, fx := newTestService(t)
	fx.sched.recalcErrs = map[string]error{
		"BTC-USD:4h": errors.New("cache empty"),
	}

	err := s.ForceBackfill(context.Background(), "BTC-USD", model.AllTimeframes)
	if err == nil {
		t.Fatal("expected the 4h recalc failure to surface")
	}
	if !strings.Contains(err.Error(), "cache empty") {
		t.Errorf("error %q should carry the recalc failure", err)
	}
	if fx.sched.recalcCount() != len(model.AllTimeframes) {
		t.Errorf("recalcs = %d, want all %d attempted", fx.sched.recalcCount(), len(model.AllTimeframes))
	}
	if len(fx.importer.backfills) != 1 {
		t.Errorf("backfills = %d, want 1", len(fx.importer.backfills))
	}
}

func TestClearCache_Scopes(t *testing.T) {
	s, fx := newTestService(t)
	fx.cleaner.perPattern = 3
	ctx := context.Background()

	n, err := s.ClearCache(ctx, model.ClearScopeAll, "", "")
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if n != 9 {
		t.Errorf("clear all deleted = %d, want 9 across 3 patterns", n)
	}
	wantAll := []string{
		"candles:default:coinbase:*:*",
		"indicator:default:coinbase:*:*:*",
		"ticker:default:coinbase:*",
	}
	for i, want := range wantAll {
		if fx.cleaner.patterns[i] != want {
			t.Errorf("pattern[%d] = %q, want %q", i, fx.cleaner.patterns[i], want)
		}
	}

	fx.cleaner.patterns = nil
	n, err = s.ClearCache(ctx, model.ClearScopeSymbol, "BTC-USD", "")
	if err != nil {
		t.Fatalf("clear symbol: %v", err)
	}
	if n != 9 {
		t.Errorf("clear symbol deleted = %d, want 9", n)
	}
	for _, p := range fx.cleaner.patterns[:2] {
		if !strings.Contains(p, "BTC-USD") {
			t.Errorf("pattern %q should be scoped to the symbol", p)
		}
	}

	fx.cleaner.patterns = nil
	n, err = s.ClearCache(ctx, model.ClearScopeTimeframe, "", model.OneHour)
	if err != nil {
		t.Fatalf("clear timeframe: %v", err)
	}
	if n != 6 {
		t.Errorf("clear timeframe deleted = %d, want 6 across 2 patterns", n)
	}
	if fx.cleaner.patterns[0] != "candles:default:coinbase:*:1h" {
		t.Errorf("pattern[0] = %q, want the 1h candle pattern", fx.cleaner.patterns[0])
	}

	if _, err := s.ClearCache(ctx, model.ClearCacheScope("bogus"), "", ""); err == nil {
		t.Error("unknown scope should error")
	}
}

func TestRefreshTier1_AdoptsQuotedSymbolsOnly(t *testing.T) {
	s, fx := newTestService(t)
	s.cfg.Tier1Symbols = []string{"BTC-USD", "ETH-USD", "XYZ-USD"}
	fx.venue.spot = []exchange.SpotPrice{
		{Symbol: "BTC-USD", Price: 64_000}, // already monitored
		{Symbol: "ETH-USD", Price: 3_200},  // new, quoted
		{Symbol: "XYZ-USD", Price: 0},      // not quoted by the venue
	}

	if err := s.RefreshTier1Symbols(context.Background()); err != nil {
		t.Fatalf("RefreshTier1Symbols: %v", err)
	}
	got := s.MonitoredSymbols()
	if len(got) != 2 || got[1] != "ETH-USD" {
		t.Errorf("symbols = %v, want [BTC-USD ETH-USD]", got)
	}
	if len(fx.importer.backfills) != 1 || fx.importer.backfills[0].symbol != "ETH-USD" {
		t.Errorf("backfills = %+v, want one prime for ETH-USD only", fx.importer.backfills)
	}
}

func TestRefreshTier1_EmptyUniverseDisabled(t *testing.T) {
	s, fx := newTestService(t)
	fx.venue.spotErr = errors.New("should not be called")

	if err := s.RefreshTier1Symbols(context.Background()); err != nil {
		t.Fatalf("empty universe should be a silent no-op, got %v", err)
	}
}
