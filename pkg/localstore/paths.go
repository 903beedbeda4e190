package localstore

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/relaysync/engine/pkg/objectkey"
)

// dirOf returns the directory a payload path lives in, creating temp
// files alongside their final destination keeps the rename on the same
// filesystem and therefore atomic.
func dirOf(path string) string {
	return filepath.Dir(path)
}

// typeDir returns the directory holding every payload file for a type,
// rooted at <root>/store/<encoded table name>, matching the relational
// index's own table naming so a type whose name isn't already a safe
// path component can't escape it.
func (s *Store) typeDir(typeName string) string {
	return filepath.Join(s.root, "store", tableNameToDir(typeName))
}

func tableNameToDir(typeName string) string {
	return objectkey.TableName(typeName)
}

// newPayloadStem generates the random filename stem used for a brand
// new record's payload file, matching the engine's existing UUIDv7 key
// generation idiom.
func newPayloadStem() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

func (s *Store) payloadPath(typeName, stem string) string {
	return filepath.Join(s.typeDir(typeName), stem+".dat")
}
