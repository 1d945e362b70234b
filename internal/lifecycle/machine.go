// Package lifecycle owns the connection state machine for one instance.
// Every component that needs to know whether the feed is usable asks this
// machine; the registry mirrors each applied state into the shared cache.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"livermore/internal/model"
)

// HistoryCap bounds the retained transition history.
const HistoryCap = 50

// Transition is one applied state change.
type Transition struct {
	From model.ConnectionState `json:"from"`
	To   model.ConnectionState `json:"to"`
	At   time.Time             `json:"at"`
}

// allowed maps each state to its legal successors. Anything else fails.
var allowed = map[model.ConnectionState][]model.ConnectionState{
	model.StateIdle:     {model.StateStarting},
	model.StateStarting: {model.StateWarming, model.StateStopping},
	model.StateWarming:  {model.StateActive, model.StateStopping},
	model.StateActive:   {model.StateStopping},
	model.StateStopping: {model.StateStopped, model.StateIdle},
	model.StateStopped:  {model.StateStarting, model.StateIdle},
}

// Config is the state machine configuration.
type Config struct {
	// Sync mirrors every applied state outward (registry write, runtime
	// view). Runs with the machine's lock held; keep it cheap and never
	// call back into the machine.
	Sync func(state model.ConnectionState, at time.Time)
	// Logger is the state machine logger.
	Logger *zerolog.Logger
}

// Validate asserts the config sanity of the provided parameters.
func (cfg *Config) Validate() error {
	var errs error
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("lifecycle logger cannot be nil"))
	}
	return errs
}

// Machine tracks the current connection state and a capped history of
// transitions.
type Machine struct {
	cfg *Config
	log zerolog.Logger

	mu      sync.Mutex
	current model.ConnectionState
	history [HistoryCap]Transition
	count   int // total transitions ever applied
}

// New creates a machine starting at idle.
func New(cfg *Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "lifecycle").Logger(),
		current: model.StateIdle,
	}, nil
}

// Current returns the present state.
func (m *Machine) Current() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition applies a validated state change. Illegal transitions return
// an error and change nothing.
func (m *Machine) Transition(to model.ConnectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !legal(m.current, to) {
		return fmt.Errorf("illegal transition from %q to %q", m.current, to)
	}
	m.apply(to)
	return nil
}

// ResetToIdle forces the machine back to idle without validation. Crash
// recovery only.
func (m *Machine) ResetToIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == model.StateIdle {
		return
	}
	m.log.Warn().Str("from", string(m.current)).Msg("forced reset to idle")
	m.apply(model.StateIdle)
}

// apply records and mirrors a state change. Caller holds the lock.
func (m *Machine) apply(to model.ConnectionState) {
	now := time.Now().UTC()
	m.history[m.count%HistoryCap] = Transition{From: m.current, To: to, At: now}
	m.count++
	m.log.Info().Str("from", string(m.current)).Str("to", string(to)).Msg("state transition")
	m.current = to
	if m.cfg.Sync != nil {
		m.cfg.Sync(to, now)
	}
}

// History returns the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.count
	if n > HistoryCap {
		n = HistoryCap
	}
	out := make([]Transition, 0, n)
	start := m.count - n
	for i := start; i < m.count; i++ {
		out = append(out, m.history[i%HistoryCap])
	}
	return out
}

func legal(from, to model.ConnectionState) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
