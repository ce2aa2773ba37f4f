package client

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
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
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// transitions lists the states reachable from each state. Stopped can only
// be left through an explicit Start.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateStopped},
	StateConnecting:   {StateConnected, StateReconnecting, StateStopped},
	StateConnected:    {StateReconnecting, StateStopped},
	StateReconnecting: {StateConnecting, StateStopped},
	StateStopped:      {StateConnecting},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
