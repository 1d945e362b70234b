// Package cache wraps the Redis client every component shares: typed key
// construction lives in internal/keys, this package owns connections,
// write semantics (create-only, replace-only, keep-ttl), pub/sub and the
// circuit breaker guarding all of it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	// latestTTL bounds latest-value keys (tickers, indicators) so a
	// desubscribed symbol's entries age out instead of lingering forever.
	latestTTL = 30 * time.Minute

	// unlinkBatch is the per-round key count for ScanDelete. Bounded so a
	// clear-cache on a wide scope never issues one huge UNLINK.
	unlinkBatch = 512

	dialTimeout = 5 * time.Second
)

var (
	// ErrNotFound is returned by reads when the key does not exist.
	ErrNotFound = errors.New("cache: key not found")

	// ErrKeyMissing is returned by replace-only writes when there was no
	// existing key to replace.
	ErrKeyMissing = errors.New("cache: replace target missing")
)

// Config is the cache service configuration.
type Config struct {
	// Addr is the Redis address, host:port.
	Addr string
	// Password is the optional Redis auth password.
	Password string
	// DB is the Redis database index.
	DB int
	// MaxFailures is the breaker trip threshold. Zero means 5.
	MaxFailures int
	// ResetTimeout is the breaker's open interval. Zero means 10s.
	ResetTimeout time.Duration
	// Logger is the cache logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.Addr == "" {
		errs = errors.Join(errs, errors.New("cache address cannot be empty"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("cache logger cannot be nil"))
	}
	return errs
}

// Service is the shared cache handle. All round-trips pass through the
// breaker except long-lived subscriptions.
type Service struct {
	client  *goredis.Client
	breaker *Breaker
	log     zerolog.Logger
}

// New connects to Redis and verifies the connection with a bounded ping.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating cache config: %w", err)
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	resetTimeout := cfg.ResetTimeout
	if resetTimeout == 0 {
		resetTimeout = 10 * time.Second
	}

	log := cfg.Logger.With().Str("component", "cache").Logger()
	breaker := NewBreaker(maxFailures, resetTimeout)
	breaker.OnStateChange = func(from, to BreakerState) {
		log.Warn().Stringer("from", from).Stringer("to", to).Msg("cache breaker state change")
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis")
	return &Service{client: client, breaker: breaker, log: log}, nil
}

// Client exposes the underlying connection for health checks.
func (s *Service) Client() *goredis.Client { return s.client }

// Ping verifies liveness.
func (s *Service) Ping(ctx context.Context) error {
	return s.breaker.Do(func() error { return s.client.Ping(ctx).Err() })
}

// Close releases the connection.
func (s *Service) Close() error { return s.client.Close() }

// SetCreate writes key only if it does not exist (SET NX) with the given
// TTL. Returns true when this call created the key.
func (s *Service) SetCreate(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var created bool
	err := s.breaker.Do(func() error {
		var err error
		created, err = s.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return created, err
}

// SetReplace writes key only if it already exists (SET XX) with the given
// TTL. Returns ErrKeyMissing when there was nothing to replace.
func (s *Service) SetReplace(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var replaced bool
	err := s.breaker.Do(func() error {
		var err error
		replaced, err = s.client.SetXX(ctx, key, value, ttl).Result()
		return err
	})
	if err != nil {
		return err
	}
	if !replaced {
		return ErrKeyMissing
	}
	return nil
}

// SetKeepTTL overwrites key's value while preserving its remaining TTL.
func (s *Service) SetKeepTTL(ctx context.Context, key string, value []byte) error {
	return s.breaker.Do(func() error {
		return s.client.Set(ctx, key, value, goredis.KeepTTL).Err()
	})
}

// SetTTL writes key unconditionally with the given TTL (0 = no expiry).
func (s *Service) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.breaker.Do(func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// Get reads a key. Misses map to ErrNotFound.
func (s *Service) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	var miss bool
	err := s.breaker.Do(func() error {
		b, err := s.client.Get(ctx, key).Bytes()
		if err == goredis.Nil {
			// A miss is a valid answer, not a cache failure.
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		val = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if miss {
		return nil, ErrNotFound
	}
	return val, nil
}

// TTL reports the remaining TTL for key. Missing keys map to ErrNotFound.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.breaker.Do(func() error {
		var err error
		ttl, err = s.client.TTL(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	if ttl == -2 { // raw -2 reply: key does not exist
		return 0, ErrNotFound
	}
	return ttl, nil
}

// Del removes the given keys.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.breaker.Do(func() error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// MGet fetches several keys in one round-trip. The result has one entry
// per requested key; misses are nil.
func (s *Service) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var out [][]byte
	err := s.breaker.Do(func() error {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		out = make([][]byte, len(vals))
		for i, v := range vals {
			if str, ok := v.(string); ok {
				out[i] = []byte(str)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanDelete enumerates keys matching the pattern with SCAN and removes
// them with batched UNLINK calls. Returns the number of keys removed.
func (s *Service) ScanDelete(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	err := s.breaker.Do(func() error {
		var cursor uint64
		batch := make([]string, 0, unlinkBatch)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
				return err
			}
			deleted += len(batch)
			batch = batch[:0]
			return nil
		}

		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, unlinkBatch).Result()
			if err != nil {
				return err
			}
			for _, k := range keys {
				batch = append(batch, k)
				if len(batch) >= unlinkBatch {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			if next == 0 {
				break
			}
			cursor = next
		}
		return flush()
	})
	if err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Publish sends payload on the topic. Subscriber count is not meaningful
// to callers and is discarded.
func (s *Service) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.breaker.Do(func() error {
		return s.client.Publish(ctx, topic, payload).Err()
	})
}

// Subscribe opens a subscription on exact topics. The caller owns the
// returned handle and must Close it.
func (s *Service) Subscribe(ctx context.Context, topics ...string) *goredis.PubSub {
	return s.client.Subscribe(ctx, topics...)
}

// PSubscribe opens a pattern subscription. The caller owns the returned
// handle and must Close it.
func (s *Service) PSubscribe(ctx context.Context, patterns ...string) *goredis.PubSub {
	return s.client.PSubscribe(ctx, patterns...)
}

// ZAdd inserts member into the sorted set at the given score.
func (s *Service) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	return s.breaker.Do(func() error {
		return s.client.ZAdd(ctx, key, &goredis.Z{Score: score, Member: member}).Err()
	})
}

// ZPopMinOne pops the lowest-scored member. ok is false when the set is
// empty.
func (s *Service) ZPopMinOne(ctx context.Context, key string) (member string, ok bool, err error) {
	err = s.breaker.Do(func() error {
		zs, err := s.client.ZPopMin(ctx, key, 1).Result()
		if err != nil {
			return err
		}
		if len(zs) == 0 {
			return nil
		}
		if m, isStr := zs[0].Member.(string); isStr {
			member, ok = m, true
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return member, ok, nil
}

// ZCard reports the sorted set's size.
func (s *Service) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.breaker.Do(func() error {
		var err error
		n, err = s.client.ZCard(ctx, key).Result()
		return err
	})
	return n, err
}

// XAdd appends one entry to a stream with an auto-generated ID.
func (s *Service) XAdd(ctx context.Context, stream string, values map[string]interface{}) error {
	return s.breaker.Do(func() error {
		return s.client.XAdd(ctx, &goredis.XAddArgs{
			Stream: stream,
			ID:     "*",
			Values: values,
		}).Err()
	})
}

// XTrimMinID drops stream entries with IDs below minID.
func (s *Service) XTrimMinID(ctx context.Context, stream, minID string) (int64, error) {
	var trimmed int64
	err := s.breaker.Do(func() error {
		var err error
		trimmed, err = s.client.XTrimMinID(ctx, stream, minID).Result()
		return err
	})
	return trimmed, err
}

// BreakerState exposes the breaker position for health reporting.
func (s *Service) BreakerState() BreakerState { return s.breaker.State() }
