package model

import "encoding/json"

// ConnectionState is the lifecycle state of an instance's market
// connection. Owned by the state machine; mirrored into the registry.
type ConnectionState string

const (
	StateIdle     ConnectionState = "idle"
	StateStarting ConnectionState = "starting"
	StateWarming  ConnectionState = "warming"
	StateActive   ConnectionState = "active"
	StateStopping ConnectionState = "stopping"
	StateStopped  ConnectionState = "stopped"
)

func (s ConnectionState) String() string { return string(s) }

// InstanceStatus is the lease payload written to exchange:{id}:status.
// One exists per exchange while its lease is held. Timestamps are epoch
// milliseconds; optional fields are omitted when unset.
type InstanceStatus struct {
	ExchangeID       string          `json:"exchangeId"`
	ExchangeName     string          `json:"exchangeName"`
	// Identity is the full instance identity, which doubles as the
	// control-channel suffix. Operators discover it from this payload.
	Identity         string          `json:"identity"`
	Hostname         string          `json:"hostname"`
	IPAddress        string          `json:"ipAddress,omitempty"`
	CountryCode      string          `json:"countryCode,omitempty"`
	AdminEmail       string          `json:"adminEmail,omitempty"`
	AdminDisplayName string          `json:"adminDisplayName,omitempty"`
	ConnectionState  ConnectionState `json:"connectionState"`
	SymbolCount      int             `json:"symbolCount"`
	ConnectedAt      int64           `json:"connectedAt,omitempty"`
	LastHeartbeat    int64           `json:"lastHeartbeat"`
	LastStateChange  int64           `json:"lastStateChange"`
	RegisteredAt     int64           `json:"registeredAt"`
	LastError        string          `json:"lastError,omitempty"`
	LastErrorAt      int64           `json:"lastErrorAt,omitempty"`
}

// JSON returns the JSON-encoded status (ignoring errors; heartbeat path
// never throws).
func (s *InstanceStatus) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
