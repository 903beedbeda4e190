// Package errors defines the typed error taxonomy the exchange engine
// surfaces to callers: NotFound, Corrupted, Serialization, StorageFailure,
// Offline, Protocol, Authentication and Fatal.
package errors

import (
	"fmt"

	"github.com/relaysync/engine/pkg/objectkey"
)

// NotFoundError is returned when load/remove targets a missing key.
type NotFoundError struct {
	Key objectkey.ObjectKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("record %s not found", e.Key)
}

// CorruptedError is returned when the on-disk checksum does not match the
// stored payload, or a stored payload cannot be decoded.
type CorruptedError struct {
	Key    objectkey.ObjectKey
	Reason string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("record %s corrupted: %s", e.Key, e.Reason)
}

// SerializationError is returned when a user type cannot be converted to
// or from its JSON representation.
type SerializationError struct {
	TypeName string
	Err      error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failed for type %q: %v", e.TypeName, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// StorageFailureError wraps a database or filesystem I/O failure.
type StorageFailureError struct {
	Op  string
	Err error
}

func (e *StorageFailureError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageFailureError) Unwrap() error { return e.Err }

// OfflineError is returned when an operation requires the server but the
// remote connection is unavailable and the caller requested synchronous
// remote semantics.
type OfflineError struct {
	Op string
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("%s requires the server, but the connection is offline", e.Op)
}

// ProtocolError is returned when the server sends a malformed or
// unexpected frame.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// AuthenticationError is returned when the server rejects identify, login
// or account registration.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// FatalError marks an invariant violation the engine cannot recover from.
// The setup that produced it transitions to the Fatal state and invokes
// the user-supplied handler.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }
