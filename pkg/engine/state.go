package engine

// SyncState is the high-level status a Setup exposes to applications,
// derived from the Remote Connector's connection state and the Change
// Controller/Remote Connector's data activity.
type SyncState int

const (
	// Offline means the Remote Connector has no live connection and is
	// between reconnect attempts.
	Offline SyncState = iota
	// Connecting means a socket is open and the handshake is in flight.
	Connecting
	// Loading means the handshake completed and the remote change set
	// is being reconciled but no data has moved yet.
	Loading
	// Syncing means uploads, downloads or both are actively in flight.
	Syncing
	// Synced means the connection is up and there is no known pending
	// work in either direction.
	Synced
	// Fatal means an unrecoverable condition was hit (a Local Store
	// invariant violation or a fatal server error) and the fatal handler,
	// if configured, has run. The Facade does not check this state and
	// still accepts calls.
	Fatal
)

func (s SyncState) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Connecting:
		return "Connecting"
	case Loading:
		return "Loading"
	case Syncing:
		return "Syncing"
	case Synced:
		return "Synced"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}
