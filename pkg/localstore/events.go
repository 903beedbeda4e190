package localstore

import "github.com/relaysync/engine/pkg/objectkey"

// EventKind distinguishes the three shapes of change notification a
// Store can emit.
type EventKind int

const (
	// EventChanged means a single record was saved or removed.
	EventChanged EventKind = iota
	// EventTypeCleared means every record of a type was dropped by clear().
	EventTypeCleared
	// EventReset means the whole store was wiped by reset().
	EventReset
)

// Event is a best-effort wake-up signal consumed by the Change
// Controller and the Facade. It is not the source of truth for what
// changed — the change log and the relational index are — so a
// dropped event only delays a dispatch or a UI refresh, it never loses
// data.
type Event struct {
	Kind       EventKind
	Key        objectkey.ObjectKey
	WasDeleted bool
	TypeName   string
	// Version is the tombstone version when WasDeleted is true; it is
	// the version the Change Controller must hand the Remote Connector
	// so the outbound delete is never stale against the receiving peer.
	Version int64
}

const eventBacklog = 256

func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// subscriber is behind; it will catch up via ListLocalChanges or
		// a fresh load instead of blocking the writer that produced ev.
	}
}

// Events returns the Store's notification stream. The channel is never
// closed while the Store is open; callers should select on it alongside
// their own shutdown signal.
func (s *Store) Events() <-chan Event {
	return s.events
}
