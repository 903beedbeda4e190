// Package changelog implements the State Holder: a journal of per-record
// change states that is crash-safe and transactional with the Local
// Store, because it lives in the same SQLite database and is only ever
// mutated inside the same *sql.Tx as the record write that produced the
// transition.
package changelog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaysync/engine/pkg/objectkey"
)

// ChangeState is the upload status of a record.
type ChangeState int

const (
	// Unchanged means the server already has the latest local version.
	Unchanged ChangeState = iota
	// Changed means the record was saved locally and is pending upload.
	Changed
	// Deleted means the record was removed locally and the deletion is
	// pending upload.
	Deleted
)

func (s ChangeState) String() string {
	switch s {
	case Unchanged:
		return "Unchanged"
	case Changed:
		return "Changed"
	case Deleted:
		return "Deleted"
	default:
		return fmt.Sprintf("ChangeState(%d)", int(s))
	}
}

// ChangedInfo pairs a key with its pending change state. Version is the
// record's version at the time the state was recorded; for a Deleted
// entry it is the tombstone version (the pre-delete version plus one),
// since the data row it would otherwise come from is already gone.
type ChangedInfo struct {
	Key     objectkey.ObjectKey
	State   ChangeState
	Version int64
}

// IDVersion pairs an id with the version MarkAllChanged should record
// for it.
type IDVersion struct {
	ID      string
	Version int64
}

// Execer is satisfied by *sql.DB and *sql.Tx; change-log writes are
// always issued through whichever one is driving the current record
// write, so both the row and its change-log entry commit together.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS change_log (
	type_name TEXT NOT NULL,
	key       TEXT NOT NULL,
	state     INTEGER NOT NULL,
	version   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (type_name, key)
)`

// EnsureSchema creates the change_log table if it does not already exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

// MarkChanged sets or clears a single entry. Setting state to Unchanged
// removes the row instead of storing it, so presence alone means
// "upload pending". version is stored alongside Changed/Deleted entries
// so a Deleted entry still carries its tombstone version after the data
// row it came from is gone; it is ignored when state is Unchanged.
func MarkChanged(ctx context.Context, exec Execer, key objectkey.ObjectKey, state ChangeState, version int64) error {
	if state == Unchanged {
		_, err := exec.ExecContext(ctx,
			`DELETE FROM change_log WHERE type_name = ? AND key = ?`,
			key.TypeName, key.ID)
		return err
	}

	_, err := exec.ExecContext(ctx,
		`INSERT INTO change_log (type_name, key, state, version) VALUES (?, ?, ?, ?)
		 ON CONFLICT(type_name, key) DO UPDATE SET state = excluded.state, version = excluded.version`,
		key.TypeName, key.ID, int(state), version)
	return err
}

// MarkAllChanged transitions every given id of typeName to state in one
// statement-per-id batch. Used to pre-seed a type before first upload, to
// force a full resync, or to propagate a local clear() to peers.
func MarkAllChanged(ctx context.Context, exec Execer, typeName string, items []IDVersion, state ChangeState) error {
	for _, item := range items {
		if err := MarkChanged(ctx, exec, objectkey.New(typeName, item.ID), state, item.Version); err != nil {
			return fmt.Errorf("mark all changed %s/%s: %w", typeName, item.ID, err)
		}
	}
	return nil
}

// ListLocalChanges returns the full upload queue: every record whose
// change state is not Unchanged. Used at connect time and after
// reconnect to re-scan what still needs uploading.
func ListLocalChanges(ctx context.Context, q Queryer) ([]ChangedInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT type_name, key, state, version FROM change_log`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangedInfo
	for rows.Next() {
		var typeName, key string
		var state int
		var version int64
		if err := rows.Scan(&typeName, &key, &state, &version); err != nil {
			return nil, err
		}
		out = append(out, ChangedInfo{
			Key:     objectkey.New(typeName, key),
			State:   ChangeState(state),
			Version: version,
		})
	}
	return out, rows.Err()
}
