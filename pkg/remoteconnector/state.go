// Package remoteconnector implements the Remote Connector: the protocol
// state machine driving a single long-lived duplex connection to the
// relay server, including reconnection backoff, keepalive, the identify/
// account/login/welcome handshake, and upload/download/resync semantics.
package remoteconnector

// State is a connector's position in its handshake/session state machine.
type State int

const (
	Disconnected State = iota
	Reconnecting
	Connected
	Registering
	LoggingIn
	Idle
	Fatal
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Reconnecting:
		return "Reconnecting"
	case Connected:
		return "Connected"
	case Registering:
		return "Registering"
	case LoggingIn:
		return "LoggingIn"
	case Idle:
		return "Idle"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}
