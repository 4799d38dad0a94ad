package twitchirc

type State int32

const (
	StateDisconnected State = iota
	StateTransportSecuring
	StateCapabilityNegotiating
	StateAuthenticating
	StateReady
	StateJoining
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateTransportSecuring:
		return "transport_securing"
	case StateCapabilityNegotiating:
		return "capability_negotiating"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
