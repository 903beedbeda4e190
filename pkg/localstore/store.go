// Package localstore implements the Local Store: a per-setup relational
// index (one SQLite table per record type) paired with content-addressed
// payload files on disk, an in-process LRU read cache, and a process-wide
// broadcast so two Store instances opened on the same directory observe
// each other's writes.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaysync/engine/pkg/changelog"
	lserrors "github.com/relaysync/engine/pkg/errors"
	"github.com/relaysync/engine/pkg/objectkey"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is the Local Store. It owns the SQLite handle exclusively: the
// Change Log shares the same *sql.DB so that a record write and its
// change-log transition commit in one transaction, but only the Store
// issues DDL and writes to the data_* tables.
type Store struct {
	db     *sql.DB
	root   string
	cache  *payloadCache
	mu     sync.RWMutex
	hub    *hub
	events chan Event
	logger zerolog.Logger

	// onFatal is invoked when an invariant violation leaves storage in a
	// state the engine cannot recover from (currently: payload file
	// deletion failing after its index row already committed).
	onFatal func(error)
}

// Option configures a Store at construction time.
type Option func(*Store)

func WithCacheBudget(bytes int64) Option {
	return func(s *Store) { s.cache = newPayloadCache(bytes) }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithFatalHandler(fn func(error)) Option {
	return func(s *Store) { s.onFatal = fn }
}

// New opens a Store rooted at root, sharing db with the caller's Change
// Log. The caller is responsible for the *sql.DB's lifetime; Close only
// releases this Store's in-process subscriptions.
func New(db *sql.DB, root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if err := changelog.EnsureSchema(context.Background(), db); err != nil {
		return nil, fmt.Errorf("ensure change log schema: %w", err)
	}

	s := &Store{
		db:     db,
		root:   root,
		cache:  newPayloadCache(defaultCacheBudgetBytes),
		events: make(chan Event, eventBacklog),
		logger: log.Logger.With().Str("component", "localstore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = hubFor(root)
	s.hub.subscribe(s)
	return s, nil
}

// Close unsubscribes the Store from its directory's broadcast hub. It
// does not close the shared *sql.DB.
func (s *Store) Close() {
	s.hub.unsubscribe(s)
}

// Count returns the number of records of typeName, or 0 if the type has
// never been written.
func (s *Store) Count(ctx context.Context, typeName string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := objectkey.TableName(typeName)
	exists, err := tableExists(ctx, s.db, table)
	if err != nil {
		return 0, &lserrors.StorageFailureError{Op: "count", Err: err}
	}
	if !exists {
		return 0, nil
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var n uint64
	if err := row.Scan(&n); err != nil {
		return 0, &lserrors.StorageFailureError{Op: "count", Err: err}
	}
	return n, nil
}

// Keys returns every id stored for typeName.
func (s *Store) Keys(ctx context.Context, typeName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := objectkey.TableName(typeName)
	exists, err := tableExists(ctx, s.db, table)
	if err != nil {
		return nil, &lserrors.StorageFailureError{Op: "keys", Err: err}
	}
	if !exists {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s`, table))
	if err != nil {
		return nil, &lserrors.StorageFailureError{Op: "keys", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &lserrors.StorageFailureError{Op: "keys", Err: err}
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// LoadAll returns every payload of typeName and warms the cache with each.
func (s *Store) LoadAll(ctx context.Context, typeName string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := objectkey.TableName(typeName)
	exists, err := tableExists(ctx, s.db, table)
	if err != nil {
		return nil, &lserrors.StorageFailureError{Op: "load_all", Err: err}
	}
	if !exists {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, file, checksum FROM %s`, table))
	if err != nil {
		return nil, &lserrors.StorageFailureError{Op: "load_all", Err: err}
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var key, file string
		var checksum []byte
		if err := rows.Scan(&key, &file, &checksum); err != nil {
			return nil, &lserrors.StorageFailureError{Op: "load_all", Err: err}
		}
		value, err := s.loadAndCache(typeName, key, file, checksum)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

// Load returns the payload for key. It serves from cache when possible;
// a cache miss reads the file and verifies it against the stored
// checksum.
func (s *Store) Load(ctx context.Context, key objectkey.ObjectKey) (map[string]any, error) {
	if value, ok := s.cache.get(key); ok {
		return cloneMap(value), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	table := objectkey.TableName(key.TypeName)
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT file, checksum FROM %s WHERE key = ?`, table), key.ID)

	var file string
	var checksum []byte
	if err := row.Scan(&file, &checksum); err != nil {
		if err == sql.ErrNoRows {
			return nil, &lserrors.NotFoundError{Key: key}
		}
		return nil, &lserrors.StorageFailureError{Op: "load", Err: err}
	}

	value, err := s.loadAndCache(key.TypeName, key.ID, file, checksum)
	if err != nil {
		return nil, err
	}
	return cloneMap(value), nil
}

func (s *Store) loadAndCache(typeName, id, file string, checksum []byte) (map[string]any, error) {
	key := objectkey.New(typeName, id)
	value, err := readPayload(file, checksum)
	if err != nil {
		if err == errChecksumMismatch {
			return nil, &lserrors.CorruptedError{Key: key, Reason: "checksum mismatch"}
		}
		return nil, &lserrors.CorruptedError{Key: key, Reason: err.Error()}
	}
	var size int64
	if info, statErr := os.Stat(file); statErr == nil {
		size = info.Size()
	}
	s.cache.put(key, value, size)
	return value, nil
}

// Save is an atomic create-or-update: the new payload becomes durable and
// the change log transitions in the same database transaction.
func (s *Store) Save(ctx context.Context, key objectkey.ObjectKey, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := objectkey.TableName(key.TypeName)
	if err := ensureTable(ctx, s.db, key.TypeName); err != nil {
		return &lserrors.StorageFailureError{Op: "save", Err: err}
	}
	if err := os.MkdirAll(s.typeDir(key.TypeName), 0o755); err != nil {
		return &lserrors.StorageFailureError{Op: "save", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &lserrors.StorageFailureError{Op: "save", Err: err}
	}
	defer tx.Rollback()

	var existingVersion int64
	var existingFile string
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT version, file FROM %s WHERE key = ?`, table), key.ID)
	switch err := row.Scan(&existingVersion, &existingFile); err {
	case nil:
		// overwrite-in-place: same stem, new temp file, rename over it.
	case sql.ErrNoRows:
		existingFile = s.payloadPath(key.TypeName, newPayloadStem())
	default:
		return &lserrors.StorageFailureError{Op: "save", Err: err}
	}

	data, checksum, err := encodePayload(value)
	if err != nil {
		return &lserrors.SerializationError{TypeName: key.TypeName, Err: err}
	}

	newVersion := existingVersion + 1
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, version, file, checksum) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET version = excluded.version, file = excluded.file, checksum = excluded.checksum`, table),
		key.ID, newVersion, existingFile, checksum)
	if err != nil {
		return &lserrors.StorageFailureError{Op: "save", Err: err}
	}

	if err := changelog.MarkChanged(ctx, tx, key, changelog.Changed, newVersion); err != nil {
		return &lserrors.StorageFailureError{Op: "save", Err: err}
	}

	// Stage the payload under a temp name now, so the write itself can
	// still fail cleanly without the index row ever pointing at a file
	// that was never durable; the rename that makes it visible under
	// existingFile only happens after the DB transaction commits.
	tmpName, err := stageTempPayload(existingFile, data)
	if err != nil {
		return &lserrors.StorageFailureError{Op: "save", Err: err}
	}

	if err := tx.Commit(); err != nil {
		os.Remove(tmpName)
		return &lserrors.StorageFailureError{Op: "save", Err: err}
	}

	// The DB commit is the linearization point; the rename below is the
	// transaction's last externally-visible effect. If it fails, the
	// index already claims a file that isn't there: fatal.
	if err := commitTempPayload(tmpName, existingFile); err != nil {
		fatal := &lserrors.FatalError{Reason: "payload commit failed after index commit", Err: err}
		s.logger.Error().Err(err).Str("key", key.String()).Msg("fatal: payload rename failed after commit")
		if s.onFatal != nil {
			s.onFatal(fatal)
		}
		return fatal
	}

	s.cache.put(key, cloneMap(value), int64(len(data)))
	s.emit(Event{Kind: EventChanged, Key: key})
	s.hub.broadcastChanged(s, key, false)
	return nil
}

// Remove deletes the record for key, returning false if no row existed.
func (s *Store) Remove(ctx context.Context, key objectkey.ObjectKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := objectkey.TableName(key.TypeName)
	exists, err := tableExists(ctx, s.db, table)
	if err != nil {
		return false, &lserrors.StorageFailureError{Op: "remove", Err: err}
	}
	if !exists {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &lserrors.StorageFailureError{Op: "remove", Err: err}
	}
	defer tx.Rollback()

	var version int64
	var file string
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT version, file FROM %s WHERE key = ?`, table), key.ID)
	if err := row.Scan(&version, &file); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, &lserrors.StorageFailureError{Op: "remove", Err: err}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, table), key.ID); err != nil {
		return false, &lserrors.StorageFailureError{Op: "remove", Err: err}
	}
	// The tombstone version must keep climbing past the deleted record's
	// last version, the same way the original computes it, so a peer's
	// stale check (msg.Version <= localVersion) never discards the delete.
	tombstoneVersion := version + 1
	if err := changelog.MarkChanged(ctx, tx, key, changelog.Deleted, tombstoneVersion); err != nil {
		return false, &lserrors.StorageFailureError{Op: "remove", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &lserrors.StorageFailureError{Op: "remove", Err: err}
	}

	s.cache.remove(key)

	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		fatal := &lserrors.FatalError{Reason: "payload delete failed after index commit", Err: err}
		s.logger.Error().Err(err).Str("key", key.String()).Msg("fatal: payload delete failed after commit")
		if s.onFatal != nil {
			s.onFatal(fatal)
		}
		return true, fatal
	}

	s.emit(Event{Kind: EventChanged, Key: key, WasDeleted: true, Version: tombstoneVersion})
	s.hub.broadcastChanged(s, key, true)
	return true, nil
}

// Find returns every payload of typeName whose key matches the glob
// pattern (`*` any sequence, `?` one character).
func (s *Store) Find(ctx context.Context, typeName, pattern string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := objectkey.TableName(typeName)
	exists, err := tableExists(ctx, s.db, table)
	if err != nil {
		return nil, &lserrors.StorageFailureError{Op: "find", Err: err}
	}
	if !exists {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, file, checksum FROM %s WHERE key LIKE ? ESCAPE '\'`, table),
		likePattern(pattern))
	if err != nil {
		return nil, &lserrors.StorageFailureError{Op: "find", Err: err}
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var key, file string
		var checksum []byte
		if err := rows.Scan(&key, &file, &checksum); err != nil {
			return nil, &lserrors.StorageFailureError{Op: "find", Err: err}
		}
		value, err := s.loadAndCache(typeName, key, file, checksum)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

// Clear drops typeName's table and recursively deletes its payload
// directory. Every id that existed is marked Deleted in the change log
// in the same transaction, so peers learn of the clear.
func (s *Store) Clear(ctx context.Context, typeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := objectkey.TableName(typeName)
	exists, err := tableExists(ctx, s.db, table)
	if err != nil {
		return &lserrors.StorageFailureError{Op: "clear", Err: err}
	}
	if !exists {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &lserrors.StorageFailureError{Op: "clear", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT key, version FROM %s`, table))
	if err != nil {
		return &lserrors.StorageFailureError{Op: "clear", Err: err}
	}
	var items []changelog.IDVersion
	for rows.Next() {
		var id string
		var version int64
		if err := rows.Scan(&id, &version); err != nil {
			rows.Close()
			return &lserrors.StorageFailureError{Op: "clear", Err: err}
		}
		// Tombstone version climbs past the dropped record's last
		// version, same as a single Remove, so peers don't treat the
		// clear as stale.
		items = append(items, changelog.IDVersion{ID: id, Version: version + 1})
	}
	rows.Close()

	if err := changelog.MarkAllChanged(ctx, tx, typeName, items, changelog.Deleted); err != nil {
		return &lserrors.StorageFailureError{Op: "clear", Err: err}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, table)); err != nil {
		return &lserrors.StorageFailureError{Op: "clear", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &lserrors.StorageFailureError{Op: "clear", Err: err}
	}

	if err := os.RemoveAll(s.typeDir(typeName)); err != nil {
		s.logger.Warn().Err(err).Str("type", typeName).Msg("clear: payload directory cleanup failed")
	}
	s.cache.removeType(typeName)

	s.emit(Event{Kind: EventTypeCleared, TypeName: typeName})
	s.hub.broadcastTypeCleared(s, typeName)
	return nil
}

// Reset drops every data table and deletes the entire store directory.
// It does not touch the change log: resets are local-only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables, err := listDataTables(ctx, s.db)
	if err != nil {
		return &lserrors.StorageFailureError{Op: "reset", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &lserrors.StorageFailureError{Op: "reset", Err: err}
	}
	defer tx.Rollback()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, table)); err != nil {
			return &lserrors.StorageFailureError{Op: "reset", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &lserrors.StorageFailureError{Op: "reset", Err: err}
	}

	storeDir := filepath.Join(s.root, "store")
	if err := os.RemoveAll(storeDir); err != nil {
		s.logger.Warn().Err(err).Msg("reset: payload directory cleanup failed")
	}
	s.cache.removeAll()

	s.emit(Event{Kind: EventReset})
	s.hub.broadcastReset(s)
	return nil
}

// ListLocalChanges exposes the change log to the Change Controller
// through the Store's own lock, so it never races a concurrent write.
func (s *Store) ListLocalChanges(ctx context.Context) ([]changelog.ChangedInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return changelog.ListLocalChanges(ctx, s.db)
}

// LoadWithVersion returns a record's payload together with its current
// stored version, for the Change Controller to attach to an upload.
func (s *Store) LoadWithVersion(ctx context.Context, key objectkey.ObjectKey) (map[string]any, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := objectkey.TableName(key.TypeName)
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version, file, checksum FROM %s WHERE key = ?`, table), key.ID)

	var version int64
	var file string
	var checksum []byte
	if err := row.Scan(&version, &file, &checksum); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, &lserrors.NotFoundError{Key: key}
		}
		return nil, 0, &lserrors.StorageFailureError{Op: "load_with_version", Err: err}
	}

	value, err := s.loadAndCache(key.TypeName, key.ID, file, checksum)
	if err != nil {
		return nil, 0, err
	}
	return cloneMap(value), version, nil
}

// AcknowledgeUpload clears a record's pending change-log entry, but only
// if ackedVersion still equals the record's current stored version. If
// the record was overwritten locally after the upload was sent but
// before the server's ack arrived, the newer local change stays pending
// instead of being silently dropped.
func (s *Store) AcknowledgeUpload(ctx context.Context, key objectkey.ObjectKey, ackedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := objectkey.TableName(key.TypeName)
	var currentVersion int64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE key = ?`, table), key.ID)
	if err := row.Scan(&currentVersion); err != nil {
		if err == sql.ErrNoRows {
			// The record was removed locally; its change-log entry is
			// already Deleted and should stay pending regardless.
			return false, nil
		}
		return false, &lserrors.StorageFailureError{Op: "acknowledge_upload", Err: err}
	}

	if currentVersion != ackedVersion {
		return false, nil
	}

	if err := changelog.MarkChanged(ctx, s.db, key, changelog.Unchanged, 0); err != nil {
		return false, &lserrors.StorageFailureError{Op: "acknowledge_upload", Err: err}
	}
	return true, nil
}

// AcknowledgeRemove clears a pending Deleted entry once the server has
// confirmed the delete, but only if ackedVersion still matches the
// tombstone version recorded in the change log. A mismatch means a newer
// local change (a fresh delete, or a save that resurrected the record)
// has since superseded the delete this ack is for, so it is left
// pending rather than silently dropped.
func (s *Store) AcknowledgeRemove(ctx context.Context, key objectkey.ObjectKey, ackedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state int
	var version int64
	row := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM change_log WHERE type_name = ? AND key = ?`,
		key.TypeName, key.ID)
	if err := row.Scan(&state, &version); err != nil {
		if err == sql.ErrNoRows {
			// Nothing pending for this key: already acknowledged, or
			// superseded and cleared some other way.
			return false, nil
		}
		return false, &lserrors.StorageFailureError{Op: "acknowledge_remove", Err: err}
	}
	if changelog.ChangeState(state) != changelog.Deleted || version != ackedVersion {
		return false, nil
	}

	if err := changelog.MarkChanged(ctx, s.db, key, changelog.Unchanged, 0); err != nil {
		return false, &lserrors.StorageFailureError{Op: "acknowledge_remove", Err: err}
	}
	return true, nil
}

// MarkTypesChangedForResync flags every currently-known id of each given
// type as Changed, so the Change Controller re-uploads everything after
// a requestLocalResync from the Remote Connector.
func (s *Store) MarkTypesChangedForResync(ctx context.Context, typeNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, typeName := range typeNames {
		table := objectkey.TableName(typeName)
		exists, err := tableExists(ctx, s.db, table)
		if err != nil {
			return &lserrors.StorageFailureError{Op: "resync", Err: err}
		}
		if !exists {
			continue
		}

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, version FROM %s`, table))
		if err != nil {
			return &lserrors.StorageFailureError{Op: "resync", Err: err}
		}
		var items []changelog.IDVersion
		for rows.Next() {
			var id string
			var version int64
			if err := rows.Scan(&id, &version); err != nil {
				rows.Close()
				return &lserrors.StorageFailureError{Op: "resync", Err: err}
			}
			items = append(items, changelog.IDVersion{ID: id, Version: version})
		}
		rows.Close()

		if err := changelog.MarkAllChanged(ctx, s.db, typeName, items, changelog.Changed); err != nil {
			return &lserrors.StorageFailureError{Op: "resync", Err: err}
		}
	}
	return nil
}

// onRemoteChanged applies a peer Store's write to this Store's own
// cache and re-emits it on this Store's listener stream.
func (s *Store) onRemoteChanged(key objectkey.ObjectKey, wasDeleted bool) {
	s.cache.remove(key)
	s.emit(Event{Kind: EventChanged, Key: key, WasDeleted: wasDeleted})
}

func (s *Store) onRemoteTypeCleared(typeName string) {
	s.cache.removeType(typeName)
	s.emit(Event{Kind: EventTypeCleared, TypeName: typeName})
}

func (s *Store) onRemoteReset() {
	s.cache.removeAll()
	s.emit(Event{Kind: EventReset})
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
