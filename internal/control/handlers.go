package control

import (
	"context"
	"fmt"
	"strings"

	"livermore/internal/model"
)

// Runtime is the supervisor surface commands act on. Handlers validate
// and normalize payloads; ordering, persistence and resubscription live
// behind this interface.
type Runtime interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	IsPaused() bool
	ReloadSettings(ctx context.Context) error
	SwitchMode(ctx context.Context, mode model.RunMode) error
	ForceBackfill(ctx context.Context, symbol string, tfs []model.Timeframe) error
	ClearCache(ctx context.Context, scope model.ClearCacheScope, symbol string, tf model.Timeframe) (int64, error)
	AddSymbol(ctx context.Context, symbol string) error
	RemoveSymbol(ctx context.Context, symbol string) error
	BulkAddSymbols(ctx context.Context, symbols []string) ([]string, error)
	MonitoredSymbols() []string
}

// NormalizeSymbol applies the canonical symbol form: trimmed, uppercase.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols normalizes a list, dropping empties and duplicates
// while preserving first-seen order.
func NormalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// dispatch decodes the typed payload and invokes the matching runtime
// operation. The returned data lands in the success response.
func (c *Channel) dispatch(ctx context.Context, cmd *model.Command) (any, error) {
	rt := c.cfg.Runtime
	switch cmd.Type {
	case model.CommandPause:
		if err := rt.Pause(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"isPaused": true}, nil

	case model.CommandResume:
		if err := rt.Resume(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"isPaused": false}, nil

	case model.CommandReloadSettings:
		if err := rt.ReloadSettings(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"symbols": rt.MonitoredSymbols()}, nil

	case model.CommandSwitchMode:
		var p model.SwitchModePayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("switch-mode payload: %w", err)
		}
		if !model.ValidRunMode(p.Mode) {
			return nil, fmt.Errorf("invalid mode %q", p.Mode)
		}
		if err := rt.SwitchMode(ctx, p.Mode); err != nil {
			return nil, err
		}
		return map[string]any{"mode": p.Mode}, nil

	case model.CommandForceBackfill:
		var p model.ForceBackfillPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("force-backfill payload: %w", err)
		}
		symbol := NormalizeSymbol(p.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("force-backfill requires a symbol")
		}
		// An empty timeframe list means every configured timeframe.
		tfs := p.Timeframes
		if len(tfs) == 0 {
			tfs = model.AllTimeframes
		}
		for _, tf := range tfs {
			if !tf.Valid() {
				return nil, fmt.Errorf("invalid timeframe %q", tf)
			}
		}
		if err := rt.ForceBackfill(ctx, symbol, tfs); err != nil {
			return nil, err
		}
		return map[string]any{"symbol": symbol, "timeframes": tfs}, nil

	case model.CommandClearCache:
		var p model.ClearCachePayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("clear-cache payload: %w", err)
		}
		p.Symbol = NormalizeSymbol(p.Symbol)
		switch p.Scope {
		case model.ClearScopeAll:
		case model.ClearScopeSymbol:
			if p.Symbol == "" {
				return nil, fmt.Errorf("clear-cache scope %q requires a symbol", p.Scope)
			}
		case model.ClearScopeTimeframe:
			if !p.Timeframe.Valid() {
				return nil, fmt.Errorf("clear-cache scope %q requires a valid timeframe", p.Scope)
			}
		default:
			return nil, fmt.Errorf("invalid clear-cache scope %q", p.Scope)
		}
		deleted, err := rt.ClearCache(ctx, p.Scope, p.Symbol, p.Timeframe)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": deleted}, nil

	case model.CommandAddSymbol:
		var p model.AddSymbolPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("add-symbol payload: %w", err)
		}
		symbol := NormalizeSymbol(p.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("add-symbol requires a symbol")
		}
		if err := rt.AddSymbol(ctx, symbol); err != nil {
			return nil, err
		}
		return map[string]any{"symbol": symbol, "symbols": rt.MonitoredSymbols()}, nil

	case model.CommandRemoveSymbol:
		var p model.RemoveSymbolPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("remove-symbol payload: %w", err)
		}
		symbol := NormalizeSymbol(p.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("remove-symbol requires a symbol")
		}
		if err := rt.RemoveSymbol(ctx, symbol); err != nil {
			return nil, err
		}
		return map[string]any{"symbol": symbol, "symbols": rt.MonitoredSymbols()}, nil

	case model.CommandBulkAddSymbols:
		var p model.BulkAddSymbolsPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, fmt.Errorf("bulk-add-symbols payload: %w", err)
		}
		symbols := NormalizeSymbols(p.Symbols)
		if len(symbols) == 0 {
			return nil, fmt.Errorf("bulk-add-symbols requires at least one symbol")
		}
		added, err := rt.BulkAddSymbols(ctx, symbols)
		if err != nil {
			return nil, err
		}
		return map[string]any{"added": added, "symbols": rt.MonitoredSymbols()}, nil

	default:
		// Validate rejects unknown types before queueing.
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
