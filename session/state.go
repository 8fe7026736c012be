package session

// ConnectionState represents where a session is in its lifecycle.
type ConnectionState int32

const (
	Idle         ConnectionState = iota // Created, no connection attempt yet
	Connecting                          // Dial in progress
	Connected                           // Socket open; reading, and writing when data is queued
	Reconnecting                        // Waiting for the backoff timer before the next dial
	Disconnected                        // Terminal; the disconnect callback has fired
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
