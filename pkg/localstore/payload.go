package localstore

import (
	"fmt"
	"os"

	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/crypto/sha3"
)

// encodePayload serializes a record's JSON object into its on-disk Binary
// JSON representation and hashes it in the same pass, so the checksum
// recorded in the index always matches exactly the bytes written to disk.
func encodePayload(value map[string]any) (data []byte, checksum []byte, err error) {
	data, err = bson.Marshal(value)
	if err != nil {
		return nil, nil, fmt.Errorf("encode payload: %w", err)
	}
	sum := sha3.Sum256(data)
	return data, sum[:], nil
}

// stageTempPayload writes data into a temp file beside path. It is not
// yet visible under path's name: the caller
// renames it into place only after the index row and its change-log
// entry have committed, so the DB commit stays the linearization point
// and the rename is the transaction's final externally-visible effect.
func stageTempPayload(path string, data []byte) (tmpName string, err error) {
	tmp, err := os.CreateTemp(dirOf(path), "payload-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp payload: %w", err)
	}
	tmpName = tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write temp payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync temp payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp payload: %w", err)
	}
	return tmpName, nil
}

// commitTempPayload renames a file staged by stageTempPayload into its
// final path, completing the save's externally-visible effect.
func commitTempPayload(tmpName, path string) error {
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename payload into place: %w", err)
	}
	return nil
}

// writePayload is a direct write used outside the staged save path (test
// fixtures that need to tamper with an existing payload file in place).
func writePayload(path string, data []byte) error {
	tmpName, err := stageTempPayload(path, data)
	if err != nil {
		return err
	}
	return commitTempPayload(tmpName, path)
}

// readPayload loads path, verifies its content against wantChecksum and
// decodes it back into a JSON object.
func readPayload(path string, wantChecksum []byte) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	sum := sha3.Sum256(raw)
	if wantChecksum != nil && !equalBytes(sum[:], wantChecksum) {
		return nil, errChecksumMismatch
	}

	var value map[string]any
	if err := bson.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return value, nil
}

var errChecksumMismatch = fmt.Errorf("payload checksum mismatch")

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
