package api

import (
	"encoding/json"
	"time"
)

// Realtime event names exchanged over the duplex connection.
const (
	EventMetricsSnapshot = "metrics_snapshot" // server -> client
	EventRequestSnapshot = "request_snapshot" // client -> server
	EventError           = "error"            // server -> client
)

// Message is the envelope for every frame on the realtime connection.
type Message struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// Snapshot is a point-in-time view of live platform metrics.
type Snapshot struct {
	ActiveUsers       int64              `json:"active_users"`
	RequestsPerMinute float64            `json:"requests_per_minute"`
	ErrorRate         float64            `json:"error_rate"`
	Campaigns         map[string]float64 `json:"campaigns,omitempty"` // campaign ID -> conversion rate
	GeneratedAt       time.Time          `json:"generated_at"`
}

// DecodeSnapshot decodes the payload of a metrics_snapshot message.
func (m Message) DecodeSnapshot() (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(m.Payload, &s)
	return s, err
}
