package realtime

// State represents the connection state.
type State int

const (
	// Disconnected - no connection and nothing scheduled
	Disconnected State = iota
	// Connecting - initial dial in flight
	Connecting
	// Connected - connection open, messages flowing
	Connected
	// Reconnecting - waiting for or running a scheduled reconnect attempt
	Reconnecting
)

// States lists every State, in declaration order.
var States = []State{Disconnected, Connecting, Connected, Reconnecting}

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionState is a snapshot of the manager's connection. It is also the
// payload of events.TopicConnectionState.
type ConnectionState struct {
	State            State
	LastError        string // Empty when there is no error
	ReconnectAttempt int    // Reset to 0 on every successful connect
}
