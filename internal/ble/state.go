package ble

// State is the lifecycle position of a connection session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// transitions lists the legal edges. Disconnected → Connecting covers both a
// pending connect retry and auto-reconnect after a dropped link.
var transitions = map[State][]State{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnected},
	StateConnected:     {StateDisconnecting},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected:  {StateConnecting},
}

// CanTransition reports whether s → to is a legal edge.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
