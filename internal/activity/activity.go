// Package activity appends operator-facing events to a per-exchange
// Redis stream. Appends are fire-and-forget. A daily job trims entries
// older than the retention window.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"livermore/internal/keys"
	"livermore/internal/model"
)

// Event kinds recorded in the stream.
const (
	EventStateTransition = "state_transition"
	EventError           = "error"
	EventAdminAction     = "admin_action"
)

// retention bounds the stream by age. The trim job drops entries with
// IDs below (now - retention).
const retention = 90 * 24 * time.Hour

// trimTime is the daily wall-clock slot for the trim job, chosen off
// the minute boundaries the pipeline is busy on.
const trimTime = "00:10"

// Streamer is the slice of the cache the log needs.
type Streamer interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) error
	XTrimMinID(ctx context.Context, stream, minID string) (int64, error)
}

// Config is the activity log configuration.
type Config struct {
	// ExchangeID names the stream.
	ExchangeID string
	// Cache performs the stream writes.
	Cache Streamer
	// Scheduler hosts the daily trim job. Nil skips scheduling; the
	// caller may invoke Trim directly.
	Scheduler *gocron.Scheduler
	// NowMs returns current epoch ms. Nil means wall clock.
	NowMs func() int64
	// Logger is the activity logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.ExchangeID == "" {
		errs = errors.Join(errs, errors.New("activity exchange id cannot be empty"))
	}
	if cfg.Cache == nil {
		errs = errors.Join(errs, errors.New("activity cache cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("activity logger cannot be nil"))
	}
	return errs
}

// Log is the append side of the activity stream.
type Log struct {
	cfg    *Config
	log    zerolog.Logger
	stream string
}

// New builds the log and, when a scheduler is supplied, registers the
// daily trim job on it. The scheduler is started by its owner.
func New(cfg *Config) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating activity config: %w", err)
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}

	l := &Log{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "activity").Logger(),
		stream: keys.Activity(cfg.ExchangeID),
	}

	if cfg.Scheduler != nil {
		_, err := cfg.Scheduler.Every(1).Day().At(trimTime).Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			l.Trim(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("scheduling activity trim: %w", err)
		}
	}
	return l, nil
}

// StateTransition records a lifecycle change.
func (l *Log) StateTransition(ctx context.Context, from, to model.ConnectionState) {
	l.append(ctx, EventStateTransition,
		fmt.Sprintf("connection state %s -> %s", from, to),
		map[string]interface{}{"from": string(from), "to": string(to)})
}

// Error records a failure worth surfacing to operators.
func (l *Log) Error(ctx context.Context, msg string) {
	l.append(ctx, EventError, msg, nil)
}

// AdminAction records a control-channel command execution.
func (l *Log) AdminAction(ctx context.Context, command model.CommandType, correlationID, detail string) {
	l.append(ctx, EventAdminAction, detail, map[string]interface{}{
		"command":       string(command),
		"correlationId": correlationID,
	})
}

// append writes one entry. Failures are logged, never returned.
func (l *Log) append(ctx context.Context, event, message string, extra map[string]interface{}) {
	values := map[string]interface{}{
		"event":     event,
		"message":   message,
		"timestamp": l.cfg.NowMs(),
	}
	for k, v := range extra {
		values[k] = v
	}
	if err := l.cfg.Cache.XAdd(ctx, l.stream, values); err != nil {
		l.log.Error().Err(err).Str("event", event).Msg("activity append failed")
	}
}

// Trim drops entries older than the retention window.
func (l *Log) Trim(ctx context.Context) {
	minID := fmt.Sprintf("%d-0", l.cfg.NowMs()-retention.Milliseconds())
	trimmed, err := l.cfg.Cache.XTrimMinID(ctx, l.stream, minID)
	if err != nil {
		l.log.Error().Err(err).Msg("activity trim failed")
		return
	}
	if trimmed > 0 {
		l.log.Info().Int64("trimmed", trimmed).Str("minId", minID).Msg("activity stream trimmed")
	}
}
