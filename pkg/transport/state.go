package transport

// ConnState is the signaling connection state.
type ConnState uint8

const (
	// StateDisconnected means no connection exists and none is being
	// attempted. Initial and terminal state.
	StateDisconnected ConnState = iota

	// StateConnecting means a dial or hello handshake is in flight.
	StateConnecting

	// StateConnected means the signaling connection is live.
	StateConnected

	// StateReconnecting means the connection was lost unexpectedly and
	// automatic backoff retries are running.
	StateReconnecting

	// StateError means the last manual Connect failed.
	StateError
)

// String returns the state's name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
