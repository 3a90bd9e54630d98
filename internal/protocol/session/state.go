package session

// State is the connection state of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status is delivered to the connection-status listener on every transition.
// Terminal marks the final disconnected status after retries ran out; Err
// carries the failure that caused a disconnected transition, if any.
type Status struct {
	State    State
	Identity string
	Attempt  int
	Terminal bool
	Err      error
}
