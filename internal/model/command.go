package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType enumerates the control-plane operations an instance accepts.
type CommandType string

const (
	CommandPause          CommandType = "pause"
	CommandResume         CommandType = "resume"
	CommandReloadSettings CommandType = "reload-settings"
	CommandSwitchMode     CommandType = "switch-mode"
	CommandAddSymbol      CommandType = "add-symbol"
	CommandRemoveSymbol   CommandType = "remove-symbol"
	CommandBulkAddSymbols CommandType = "bulk-add-symbols"
	CommandForceBackfill  CommandType = "force-backfill"
	CommandClearCache     CommandType = "clear-cache"
)

// defaultPriorities assigns each command type its urgency when the sender
// does not set one explicitly. Lower is more urgent.
var defaultPriorities = map[CommandType]int{
	CommandPause:          1,
	CommandResume:         1,
	CommandReloadSettings: 10,
	CommandSwitchMode:     10,
	CommandAddSymbol:      15,
	CommandRemoveSymbol:   15,
	CommandBulkAddSymbols: 15,
	CommandForceBackfill:  20,
	CommandClearCache:     20,
}

// KnownCommand reports whether the type is part of the accepted set.
func KnownCommand(t CommandType) bool {
	_, ok := defaultPriorities[t]
	return ok
}

// DefaultPriority returns the type's default priority, or 10 for unknown
// types (which are rejected before queueing anyway).
func DefaultPriority(t CommandType) int {
	if p, ok := defaultPriorities[t]; ok {
		return p
	}
	return 10
}

// CommandExpiryMs is how long a command stays executable after its sender
// timestamped it.
const CommandExpiryMs = 30_000

// Command is the wire form of one control-plane request.
type Command struct {
	CorrelationID string          `json:"correlationId"`
	Type          CommandType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      *int            `json:"priority,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// Validate performs schema validation: required identity fields present
// and the type known. Expiry is checked separately by the consumer.
func (c *Command) Validate() error {
	var errs error
	if c.CorrelationID == "" {
		errs = errors.Join(errs, errors.New("command missing correlationId"))
	}
	if c.Type == "" {
		errs = errors.Join(errs, errors.New("command missing type"))
	} else if !KnownCommand(c.Type) {
		errs = errors.Join(errs, fmt.Errorf("unknown command type %q", c.Type))
	}
	if c.Timestamp <= 0 {
		errs = errors.Join(errs, errors.New("command missing timestamp"))
	}
	return errs
}

// EffectivePriority resolves the explicit priority when present, otherwise
// the type default.
func (c *Command) EffectivePriority() int {
	if c.Priority != nil {
		return *c.Priority
	}
	return DefaultPriority(c.Type)
}

// DecodePayload unmarshals the raw payload into a typed payload struct.
func (c *Command) DecodePayload(v any) error {
	if len(c.Payload) == 0 {
		return errors.New("command has no payload")
	}
	return json.Unmarshal(c.Payload, v)
}

// Response statuses. Every accepted command is acknowledged first and then
// answered exactly once with success or error.
const (
	StatusAck     = "ack"
	StatusSuccess = "success"
	StatusError   = "error"
)

// CommandResponse is the wire form of one reply on the response channel.
type CommandResponse struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	Data          any    `json:"data,omitempty"`
	Message       string `json:"message,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// JSON returns the JSON-encoded response (ignoring errors; reply path logs
// failures instead of propagating).
func (r *CommandResponse) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Typed command payloads. The wire keeps payloads as open JSON objects;
// these are their decoded forms.
type (
	// SwitchModePayload selects the runtime alerting mode.
	SwitchModePayload struct {
		Mode RunMode `json:"mode"`
	}

	// ForceBackfillPayload requests a REST re-import and recompute for one
	// symbol across the listed timeframes.
	ForceBackfillPayload struct {
		Symbol     string      `json:"symbol"`
		Timeframes []Timeframe `json:"timeframes"`
	}

	// ClearCachePayload scopes a cache purge.
	ClearCachePayload struct {
		Scope     ClearCacheScope `json:"scope"`
		Symbol    string          `json:"symbol,omitempty"`
		Timeframe Timeframe       `json:"timeframe,omitempty"`
	}

	// AddSymbolPayload adds one symbol to the monitored set.
	AddSymbolPayload struct {
		Symbol string `json:"symbol"`
	}

	// RemoveSymbolPayload removes one symbol from the monitored set.
	RemoveSymbolPayload struct {
		Symbol string `json:"symbol"`
	}

	// BulkAddSymbolsPayload adds several symbols in one settings write.
	BulkAddSymbolsPayload struct {
		Symbols []string `json:"symbols"`
	}
)

// ClearCacheScope bounds what clear-cache deletes.
type ClearCacheScope string

const (
	ClearScopeAll       ClearCacheScope = "all"
	ClearScopeSymbol    ClearCacheScope = "symbol"
	ClearScopeTimeframe ClearCacheScope = "timeframe"
)

// RunMode is the instance's alerting mode set via switch-mode. Strategy
// application beyond recording the mode is out of scope.
type RunMode string

const (
	ModeStandard     RunMode = "standard"
	ModeConservative RunMode = "conservative"
	ModeAggressive   RunMode = "aggressive"
)

// ValidRunMode reports whether the mode is part of the fixed enum.
func ValidRunMode(m RunMode) bool {
	switch m {
	case ModeStandard, ModeConservative, ModeAggressive:
		return true
	default:
		return false
	}
}
