package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/relaysync/engine/pkg/objectkey"
)

// ensureTable creates the per-type relational index table if it does not
// already exist. One table per type, named after the type's encoded
// table name, keeps glob search (find) a plain SQL LIKE query instead of
// a full-store scan.
func ensureTable(ctx context.Context, db *sql.DB, typeName string) error {
	table := objectkey.TableName(typeName)
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key      TEXT PRIMARY KEY,
	version  INTEGER NOT NULL,
	file     TEXT NOT NULL,
	checksum BLOB NOT NULL
)`, table)
	_, err := db.ExecContext(ctx, stmt)
	return err
}

func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	row := db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func listDataTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'data_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// likePattern translates a find() glob pattern ('*' and '?' wildcards)
// into a SQL LIKE pattern, escaping any literal '%', '_' or backslash
// already present in the key so they aren't mistaken for wildcards.
func likePattern(glob string) string {
	out := make([]byte, 0, len(glob)+4)
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			out = append(out, '%')
		case '?':
			out = append(out, '_')
		case '%', '_', '\\':
			out = append(out, '\\', c)
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
