// Package control runs the instance's admin command plane: a pub/sub
// command subscription feeding a persistent priority queue, drained
// single-flight, with ack and result replies keyed by correlation id.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"livermore/internal/keys"
	"livermore/internal/model"
)

// priorityBand spaces priority tiers in the queue score so arrival
// order breaks ties within a tier. A tier overflows into the next only
// after 2^20 arrivals, far beyond the single-admin command rate.
const priorityBand = 1 << 20

// Queue is the slice of the cache the channel needs.
type Queue interface {
	ZAdd(ctx context.Context, key string, score float64, member []byte) error
	ZPopMinOne(ctx context.Context, key string) (string, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	Publish(ctx context.Context, topic string, payload []byte) error
}

// queueEntry wraps a command with its arrival sequence so identical
// retransmissions stay distinct set members.
type queueEntry struct {
	Seq     int64           `json:"seq"`
	Command json.RawMessage `json:"command"`
}

// Config is the control channel configuration.
type Config struct {
	// Identity is the instance identity the channel answers for.
	Identity string
	// Cache backs the priority queue and the response publishes.
	Cache Queue
	// OpenSub opens the command subscription and returns its message
	// channel plus a close func.
	OpenSub func(ctx context.Context, topic string) (<-chan *goredis.Message, func() error)
	// Runtime executes the commands.
	Runtime Runtime
	// Record is an optional hook fired after each executed command.
	Record func(ctx context.Context, cmd model.CommandType, correlationID, detail string)
	// NowMs returns current epoch ms. Nil means wall clock.
	NowMs func() int64
	// Logger is the control channel logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.Identity == "" {
		errs = errors.Join(errs, errors.New("control identity cannot be empty"))
	}
	if cfg.Cache == nil {
		errs = errors.Join(errs, errors.New("control cache cannot be nil"))
	}
	if cfg.OpenSub == nil {
		errs = errors.Join(errs, errors.New("control subscription opener cannot be nil"))
	}
	if cfg.Runtime == nil {
		errs = errors.Join(errs, errors.New("control runtime cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("control logger cannot be nil"))
	}
	return errs
}

// Channel subscribes, validates, queues and executes admin commands.
// Execution is single-flight: at most one handler runs at a time, in
// priority order with arrival-order ties.
type Channel struct {
	cfg       *Config
	log       zerolog.Logger
	cmdTopic  string
	respTopic string
	queueKey  string

	mu       sync.Mutex
	seq      int64
	draining bool

	wg sync.WaitGroup
}

// New builds the channel. The subscription opens in Run.
func New(cfg *Config) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating control config: %w", err)
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Channel{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "control").Logger(),
		cmdTopic:  keys.Commands(cfg.Identity),
		respTopic: keys.Responses(cfg.Identity),
		queueKey:  keys.CommandQueue(cfg.Identity),
	}, nil
}

// Run consumes the command topic until ctx is cancelled. Commands left
// in the queue by a previous process are drained first.
func (c *Channel) Run(ctx context.Context) error {
	msgs, closeSub := c.cfg.OpenSub(ctx, c.cmdTopic)
	defer closeSub()

	if n, err := c.cfg.Cache.ZCard(ctx, c.queueKey); err == nil && n > 0 {
		c.log.Info().Int64("pending", n).Msg("draining commands from previous run")
		c.kickDrain(ctx)
	}
	c.log.Info().Str("topic", c.cmdTopic).Msg("control channel listening")

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.wg.Wait()
				return errors.New("command subscription closed")
			}
			c.ingest(ctx, []byte(msg.Payload))
		}
	}
}

// ingest runs steps parse, schema-validate, expiry-check and enqueue
// for one raw message. Unparseable and malformed commands are dropped.
func (c *Channel) ingest(ctx context.Context, raw []byte) {
	var cmd model.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.log.Warn().Err(err).Msg("dropping unparseable command")
		return
	}
	if err := cmd.Validate(); err != nil {
		c.log.Warn().Err(err).Str("correlationId", cmd.CorrelationID).Msg("dropping invalid command")
		return
	}
	if c.cfg.NowMs()-cmd.Timestamp > model.CommandExpiryMs {
		c.respond(ctx, cmd.CorrelationID, model.StatusError, nil, "Command expired")
		return
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	member, err := json.Marshal(queueEntry{Seq: seq, Command: raw})
	if err != nil {
		c.respond(ctx, cmd.CorrelationID, model.StatusError, nil, "Command could not be queued")
		return
	}
	score := float64(cmd.EffectivePriority())*priorityBand + float64(seq)
	if err := c.cfg.Cache.ZAdd(ctx, c.queueKey, score, member); err != nil {
		c.log.Error().Err(err).Str("correlationId", cmd.CorrelationID).Msg("enqueue failed")
		c.respond(ctx, cmd.CorrelationID, model.StatusError, nil, "Command could not be queued")
		return
	}
	c.log.Debug().
		Str("correlationId", cmd.CorrelationID).
		Str("type", string(cmd.Type)).
		Int("priority", cmd.EffectivePriority()).
		Msg("command queued")
	c.kickDrain(ctx)
}

// kickDrain starts the drain goroutine unless one is already running.
func (c *Channel) kickDrain(ctx context.Context) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.drain(ctx)
}

// drain pops and executes commands lowest-score-first until the queue
// empties. A push that lands while the flag is being cleared is caught
// by the recheck.
func (c *Channel) drain(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			c.setDraining(false)
			return
		}
		member, ok, err := c.cfg.Cache.ZPopMinOne(ctx, c.queueKey)
		if err != nil {
			c.log.Error().Err(err).Msg("queue pop failed, drain stopping")
			c.setDraining(false)
			return
		}
		if !ok {
			c.setDraining(false)
			if n, err := c.cfg.Cache.ZCard(ctx, c.queueKey); err == nil && n > 0 {
				c.kickDrain(ctx)
			}
			return
		}
		c.execute(ctx, member)
	}
}

func (c *Channel) setDraining(v bool) {
	c.mu.Lock()
	c.draining = v
	c.mu.Unlock()
}

// execute acks one popped command, dispatches it and replies with the
// outcome under the same correlation id.
func (c *Channel) execute(ctx context.Context, member string) {
	var entry queueEntry
	if err := json.Unmarshal([]byte(member), &entry); err != nil {
		c.log.Error().Err(err).Msg("dropping corrupt queue entry")
		return
	}
	var cmd model.Command
	if err := json.Unmarshal(entry.Command, &cmd); err != nil {
		c.log.Error().Err(err).Msg("dropping corrupt queued command")
		return
	}

	c.respond(ctx, cmd.CorrelationID, model.StatusAck, nil, "")

	data, err := c.dispatch(ctx, &cmd)
	if err != nil {
		c.log.Warn().Err(err).
			Str("correlationId", cmd.CorrelationID).
			Str("type", string(cmd.Type)).
			Msg("command failed")
		c.respond(ctx, cmd.CorrelationID, model.StatusError, nil, err.Error())
		c.record(ctx, &cmd, fmt.Sprintf("%s failed: %v", cmd.Type, err))
		return
	}
	c.log.Info().
		Str("correlationId", cmd.CorrelationID).
		Str("type", string(cmd.Type)).
		Msg("command executed")
	c.respond(ctx, cmd.CorrelationID, model.StatusSuccess, data, "")
	c.record(ctx, &cmd, fmt.Sprintf("%s executed", cmd.Type))
}

func (c *Channel) record(ctx context.Context, cmd *model.Command, detail string) {
	if c.cfg.Record != nil {
		c.cfg.Record(ctx, cmd.Type, cmd.CorrelationID, detail)
	}
}

// respond publishes one reply. Publish failures are logged only; the
// command outcome itself is already decided.
func (c *Channel) respond(ctx context.Context, correlationID, status string, data any, message string) {
	resp := model.CommandResponse{
		CorrelationID: correlationID,
		Status:        status,
		Data:          data,
		Message:       message,
		Timestamp:     c.cfg.NowMs(),
	}
	if err := c.cfg.Cache.Publish(ctx, c.respTopic, resp.JSON()); err != nil {
		c.log.Error().Err(err).
			Str("correlationId", correlationID).
			Str("status", status).
			Msg("response publish failed")
	}
}
