// Package registry manages the exclusive cluster lease for one
// (user, exchange) slot: a status key claimed create-only with a TTL,
// kept alive by heartbeats, surrendered on graceful shutdown. Exactly one
// instance per exchange may hold the lease at a time.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"livermore/internal/cache"
	"livermore/internal/keys"
	"livermore/internal/model"
)

const (
	// LeaseTTL is the status key's expiry. Three missed heartbeats kill
	// the lease.
	LeaseTTL = 45 * time.Second

	// HeartbeatInterval is the lease refresh cadence.
	HeartbeatInterval = 15 * time.Second
)

// ConflictError reports a lease held by another live instance.
type ConflictError struct {
	ExchangeID   string
	Hostname     string
	IPAddress    string
	ConnectedAt  int64
	TTLRemaining time.Duration
}

func (e *ConflictError) Error() string {
	connected := "never connected"
	if e.ConnectedAt > 0 {
		connected = time.UnixMilli(e.ConnectedAt).UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"exchange %q is already claimed by host %q (ip %s, %s); lease expires in %s",
		e.ExchangeID, e.Hostname, e.IPAddress, connected, e.TTLRemaining.Round(time.Second),
	)
}

// Leaser is the slice of the cache the registry needs.
type Leaser interface {
	SetCreate(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	SetReplace(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetKeepTTL(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error
}

// Config is the registry configuration.
type Config struct {
	// ExchangeID is the exchange slot to claim.
	ExchangeID string
	// ExchangeName is the human-readable exchange name.
	ExchangeName string
	// AdminEmail is the operator contact, optional.
	AdminEmail string
	// AdminDisplayName is the operator display name, optional.
	AdminDisplayName string
	// GeoURL is an optional ipinfo-style endpoint for IP/country
	// enrichment.
	GeoURL string
	// Cache performs the lease reads and writes.
	Cache Leaser
	// OnBeat observes each successful heartbeat write. Runs with the
	// registry lock held, keep it cheap. Nil disables.
	OnBeat func()
	// NowMs returns current epoch ms. Nil means wall clock.
	NowMs func() int64
	// Logger is the registry logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.ExchangeID == "" {
		errs = errors.Join(errs, errors.New("registry exchange id cannot be empty"))
	}
	if cfg.Cache == nil {
		errs = errors.Join(errs, errors.New("registry cache cannot be nil"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("registry logger cannot be nil"))
	}
	return errs
}

// Registry holds the in-memory status payload and drives lease writes.
// All writes serialize on the internal mutex; the in-memory payload is
// the source of truth, never read-modify-write against the cache.
type Registry struct {
	cfg      *Config
	log      zerolog.Logger
	key      string
	identity string

	mu         sync.Mutex
	status     model.InstanceStatus
	registered bool

	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// New builds a registry, collecting host identity. The lease is not
// claimed until Register.
func New(ctx context.Context, cfg *Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating registry config: %w", err)
	}
	if cfg.NowMs == nil {
		cfg.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
	log := cfg.Logger.With().Str("component", "registry").Str("exchange", cfg.ExchangeID).Logger()

	hi, err := CollectHostInfo()
	if err != nil {
		return nil, fmt.Errorf("collecting host info: %w", err)
	}
	if cfg.GeoURL != "" {
		if err := LookupGeo(ctx, cfg.GeoURL, &hi); err != nil {
			log.Warn().Err(err).Msg("geo lookup failed, continuing without")
		}
	}

	identity := fmt.Sprintf("%s:%s:%d:%d", hi.Hostname, cfg.ExchangeID, os.Getpid(), cfg.NowMs())
	r := &Registry{
		cfg:      cfg,
		log:      log,
		key:      keys.InstanceStatus(cfg.ExchangeID),
		identity: identity,
		status: model.InstanceStatus{
			ExchangeID:       cfg.ExchangeID,
			ExchangeName:     cfg.ExchangeName,
			Identity:         identity,
			Hostname:         hi.Hostname,
			IPAddress:        hi.IPAddress,
			CountryCode:      hi.CountryCode,
			AdminEmail:       cfg.AdminEmail,
			AdminDisplayName: cfg.AdminDisplayName,
			ConnectionState:  model.StateIdle,
		},
	}
	return r, nil
}

// Identity returns the full instance identity, the control-channel suffix.
func (r *Registry) Identity() string { return r.identity }

// Hostname returns the local hostname recorded at startup.
func (r *Registry) Hostname() string { return r.status.Hostname }

// Status returns a copy of the in-memory payload.
func (r *Registry) Status() model.InstanceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Registered reports whether this instance currently believes it holds
// the lease.
func (r *Registry) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// Register claims the exchange slot. Create-only first; on an existing key
// held by this same hostname the claim switches to replace-only (the
// self-restart path). A key held elsewhere returns *ConflictError. A key
// that vanishes between the create attempt and the read is retried
// create-only exactly once.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(ctx, true)
}

// register assumes r.mu is held. retryOnVanish bounds the stale-key race
// retry to one attempt.
func (r *Registry) register(ctx context.Context, retryOnVanish bool) error {
	now := r.cfg.NowMs()
	r.status.RegisteredAt = now
	r.status.LastHeartbeat = now

	created, err := r.cfg.Cache.SetCreate(ctx, r.key, r.status.JSON(), LeaseTTL)
	if err != nil {
		return fmt.Errorf("claiming lease %s: %w", r.key, err)
	}
	if created {
		r.registered = true
		r.log.Info().Str("identity", r.identity).Msg("lease claimed")
		return nil
	}

	raw, err := r.cfg.Cache.Get(ctx, r.key)
	if err != nil {
		// The holder may have expired between our create attempt and
		// this read.
		if retryOnVanish {
			r.log.Debug().Msg("lease vanished during claim, retrying create once")
			return r.register(ctx, false)
		}
		return fmt.Errorf("reading existing lease %s: %w", r.key, err)
	}

	var existing model.InstanceStatus
	if err := json.Unmarshal(raw, &existing); err != nil {
		return fmt.Errorf("decoding existing lease %s: %w", r.key, err)
	}

	if existing.Hostname == r.status.Hostname {
		// Self-restart: same machine, stale process. Take the slot over.
		if err := r.cfg.Cache.SetReplace(ctx, r.key, r.status.JSON(), LeaseTTL); err != nil {
			if errors.Is(err, cache.ErrKeyMissing) && retryOnVanish {
				return r.register(ctx, false)
			}
			return fmt.Errorf("reclaiming lease %s: %w", r.key, err)
		}
		r.registered = true
		r.log.Info().Str("identity", r.identity).Msg("lease reclaimed after restart")
		return nil
	}

	ttl, err := r.cfg.Cache.TTL(ctx, r.key)
	if err != nil {
		ttl = 0
	}
	return &ConflictError{
		ExchangeID:   r.cfg.ExchangeID,
		Hostname:     existing.Hostname,
		IPAddress:    existing.IPAddress,
		ConnectedAt:  existing.ConnectedAt,
		TTLRemaining: ttl,
	}
}

// StartHeartbeat refreshes the lease every HeartbeatInterval with
// replace-only writes until StopHeartbeat or ctx cancellation. A missing
// key triggers re-registration. Heartbeats never surface errors.
func (r *Registry) StartHeartbeat(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	r.hbCancel = cancel
	r.hbDone = make(chan struct{})

	go func() {
		defer close(r.hbDone)
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				r.beat(hbCtx)
			}
		}
	}()
}

// beat performs one heartbeat write.
func (r *Registry) beat(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return
	}
	r.status.LastHeartbeat = r.cfg.NowMs()
	err := r.cfg.Cache.SetReplace(ctx, r.key, r.status.JSON(), LeaseTTL)
	switch {
	case err == nil:
		if r.cfg.OnBeat != nil {
			r.cfg.OnBeat()
		}
	case errors.Is(err, cache.ErrKeyMissing):
		r.log.Warn().Msg("lease key missing at heartbeat, re-registering")
		r.registered = false
		if regErr := r.register(ctx, true); regErr != nil {
			r.log.Error().Err(regErr).Msg("re-registration failed")
		}
	default:
		r.log.Error().Err(err).Msg("heartbeat write failed")
	}
}

// StopHeartbeat halts the refresh loop and waits for it to exit.
func (r *Registry) StopHeartbeat() {
	if r.hbCancel != nil {
		r.hbCancel()
		<-r.hbDone
		r.hbCancel = nil
	}
}

// UpdateStatus merges a change into the in-memory payload and, while
// registered, persists it preserving the lease TTL. Unregistered updates
// stay in memory only so no ghost key is created.
func (r *Registry) UpdateStatus(ctx context.Context, mutate func(*model.InstanceStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mutate(&r.status)
	if !r.registered {
		return
	}
	if err := r.cfg.Cache.SetKeepTTL(ctx, r.key, r.status.JSON()); err != nil {
		r.log.Error().Err(err).Msg("status update write failed")
	}
}

// SetConnectionState mirrors a lifecycle transition into the payload.
// Entering active stamps connectedAt.
func (r *Registry) SetConnectionState(ctx context.Context, state model.ConnectionState, at time.Time) {
	r.UpdateStatus(ctx, func(s *model.InstanceStatus) {
		s.ConnectionState = state
		s.LastStateChange = at.UnixMilli()
		if state == model.StateActive {
			s.ConnectedAt = at.UnixMilli()
		}
	})
}

// SetSymbolCount records the monitored symbol count.
func (r *Registry) SetSymbolCount(ctx context.Context, n int) {
	r.UpdateStatus(ctx, func(s *model.InstanceStatus) {
		s.SymbolCount = n
	})
}

// RecordError stamps the payload with the latest failure. Works from
// memory even after lease expiry.
func (r *Registry) RecordError(ctx context.Context, msg string) {
	now := r.cfg.NowMs()
	r.UpdateStatus(ctx, func(s *model.InstanceStatus) {
		s.LastError = msg
		s.LastErrorAt = now
	})
}

// Deregister stops the heartbeat and releases the lease.
func (r *Registry) Deregister(ctx context.Context) error {
	r.StopHeartbeat()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return nil
	}
	r.registered = false
	if err := r.cfg.Cache.Del(ctx, r.key); err != nil {
		return fmt.Errorf("releasing lease %s: %w", r.key, err)
	}
	r.log.Info().Msg("lease released")
	return nil
}
