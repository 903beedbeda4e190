// Package objectkey defines ObjectKey, the (typeName, id) pair that
// uniquely identifies a record across the exchange engine.
package objectkey

import (
	"fmt"
	"strings"
)

// ObjectKey identifies a single record: a stable type name plus an
// application-chosen id, unique within that type.
type ObjectKey struct {
	TypeName string
	ID       string
}

// New builds an ObjectKey from its two components.
func New(typeName, id string) ObjectKey {
	return ObjectKey{TypeName: typeName, ID: id}
}

func (k ObjectKey) String() string {
	return fmt.Sprintf("%s/%s", k.TypeName, k.ID)
}

// TableName returns the name of the per-type table/directory backing this
// key's type, with every non-alphanumeric byte of TypeName percent-encoded
// as _XX so the result is a safe SQL identifier and filesystem path
// component.
func TableName(typeName string) string {
	var b strings.Builder
	b.WriteString("data_")
	for i := 0; i < len(typeName); i++ {
		c := typeName[i]
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if isAlnum {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}
