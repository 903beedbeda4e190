package protocol

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Message payloads are BSON-encoded, matching the Local Store's on-disk
// payload codec so the same codec dependency covers both boundaries.

// IdentifyMessage opens a connection: DeviceID is empty for a brand new
// device.
type IdentifyMessage struct {
	DeviceID        string   `bson:"device_id"`
	ProtocolVersion uint8    `bson:"protocol_version"`
	Capabilities    []string `bson:"capabilities"`
}

// AccountMessage registers a brand new device.
type AccountMessage struct {
	AccessKey  string `bson:"access_key"`
	DeviceName string `bson:"device_name"`
}

// LoginMessage authenticates a known device.
type LoginMessage struct {
	DeviceID  string `bson:"device_id"`
	AccessKey string `bson:"access_key"`
}

// RemoteChangeInfo mirrors changelog.ChangedInfo for wire transport.
type RemoteChangeInfo struct {
	TypeName string `bson:"type_name"`
	Key      string `bson:"key"`
	State    int    `bson:"state"`
}

// WelcomeMessage is the server's handshake reply.
type WelcomeMessage struct {
	DeviceID      string             `bson:"device_id"`
	RemoteChanges []RemoteChangeInfo `bson:"remote_changes"`
	CanUpdate     bool               `bson:"can_update"`
}

// DataMessage carries a record upload or a server push.
type DataMessage struct {
	TypeName string         `bson:"type_name"`
	Key      string         `bson:"key"`
	Version  int64          `bson:"version"`
	Payload  map[string]any `bson:"payload"`
}

// DeleteMessage carries a record removal in either direction.
type DeleteMessage struct {
	TypeName string `bson:"type_name"`
	Key      string `bson:"key"`
	Version  int64  `bson:"version"`
}

// MarkUnchangedMessage acknowledges a DATA or DELETE message.
type MarkUnchangedMessage struct {
	TypeName string `bson:"type_name"`
	Key      string `bson:"key"`
	Version  int64  `bson:"version"`
}

// ResyncMessage requests a full-state refresh for TypeNames (empty means
// every type). A RESYNC frame from the server is treated by the
// connector as an acknowledgement of that request; the records
// themselves arrive as DATA frames.
type ResyncMessage struct {
	TypeNames []string `bson:"type_names,omitempty"`
}

// ErrorMessage reports a protocol or authentication failure.
type ErrorMessage struct {
	Reason string `bson:"reason"`
	Fatal  bool   `bson:"fatal"`
}

// Encode marshals a tagged payload into a ready-to-send Frame.
func Encode(tag Tag, payload any) (*Frame, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = bson.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s message: %w", tag, err)
		}
	}
	return &Frame{
		Header: Header{
			Magic:      Magic,
			Version:    Version,
			Tag:        tag,
			PayloadLen: uint32(len(data)),
			CRC32:      ComputeCRC32(data),
		},
		Payload: data,
	}, nil
}

// Decode unmarshals a frame's payload into out.
func Decode(frame *Frame, out any) error {
	if len(frame.Payload) == 0 {
		return nil
	}
	if err := bson.Unmarshal(frame.Payload, out); err != nil {
		return fmt.Errorf("decode %s message: %w", frame.Header.Tag, err)
	}
	return nil
}
