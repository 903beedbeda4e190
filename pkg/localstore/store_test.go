package localstore

import (
	"context"
	"database/sql"
	goerrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaysync/engine/pkg/changelog"
	lserrors "github.com/relaysync/engine/pkg/errors"
	"github.com/relaysync/engine/pkg/objectkey"
	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db, dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	return s, dir
}

func waitForEvent(t *testing.T, s *Store) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	key := objectkey.New("Note", "a")

	if err := s.Save(ctx, key, map[string]any{"title": "hello"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["title"] != "hello" {
		t.Errorf("got %v, want title=hello", got)
	}

	waitForEvent(t, s)
}

func TestStore_LoadMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, err := s.Load(ctx, objectkey.New("Note", "missing"))
	var nf *lserrors.NotFoundError
	if !goerrors.As(err, &nf) {
		t.Errorf("expected *NotFoundError, got %T (%v)", err, err)
	}
}

func TestStore_SaveVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	s, dir := openTestStore(t)
	key := objectkey.New("Note", "a")

	if err := s.Save(ctx, key, map[string]any{"n": int32(1)}); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	<-s.Events()
	if err := s.Save(ctx, key, map[string]any{"n": int32(2)}); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	<-s.Events()

	db, err := sql.Open("sqlite", filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db.Close()

	var version int64
	row := db.QueryRow(`SELECT version FROM ` + objectkey.TableName("Note") + ` WHERE key = ?`, key.ID)
	if err := row.Scan(&version); err != nil {
		t.Fatalf("scan version: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestStore_RemoveDeletesRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	key := objectkey.New("Note", "a")

	if err := s.Save(ctx, key, map[string]any{"title": "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-s.Events()

	ok, err := s.Remove(ctx, key)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !ok {
		t.Fatal("expected remove to report existing row")
	}
	waitForEvent(t, s)

	if _, err := s.Load(ctx, key); err == nil {
		t.Fatal("expected NotFound after remove")
	}

	ok, err = s.Remove(ctx, key)
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if ok {
		t.Fatal("expected second remove to report false")
	}
}

func TestStore_RemoveTombstoneVersionClimbsPastLive(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	key := objectkey.New("Note", "a")

	if err := s.Save(ctx, key, map[string]any{"n": 1}); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	<-s.Events()
	if err := s.Save(ctx, key, map[string]any{"n": 2}); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	<-s.Events()

	if _, err := s.Remove(ctx, key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ev := waitForEvent(t, s)
	if !ev.WasDeleted {
		t.Fatalf("expected WasDeleted, got %+v", ev)
	}
	// The record was at version 2; the tombstone must be strictly
	// greater so a peer's stale check never discards the delete.
	if ev.Version != 3 {
		t.Errorf("tombstone version = %d, want 3", ev.Version)
	}

	changes, err := s.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list local changes: %v", err)
	}
	if len(changes) != 1 || changes[0].Version != 3 {
		t.Fatalf("expected change log to carry the tombstone version, got %+v", changes)
	}
}

func TestStore_AcknowledgeRemoveGatedOnTombstoneVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	key := objectkey.New("Note", "a")

	if err := s.Save(ctx, key, map[string]any{"n": 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-s.Events()
	if _, err := s.Remove(ctx, key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitForEvent(t, s)

	// A stale ack (e.g. for a since-superseded delete) must not clear
	// the pending entry.
	ok, err := s.AcknowledgeRemove(ctx, key, 99)
	if err != nil {
		t.Fatalf("acknowledge stale: %v", err)
	}
	if ok {
		t.Fatal("expected a mismatched version not to acknowledge the remove")
	}
	changes, err := s.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected the stale ack to leave the entry pending, got %+v", changes)
	}

	ok, err = s.AcknowledgeRemove(ctx, key, changes[0].Version)
	if err != nil {
		t.Fatalf("acknowledge matching: %v", err)
	}
	if !ok {
		t.Fatal("expected the matching ack to acknowledge the remove")
	}
	changes, err = s.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected the matching ack to clear the entry, got %+v", changes)
	}
}

func TestStore_CorruptedChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	s, dir := openTestStore(t)
	key := objectkey.New("Note", "a")

	if err := s.Save(ctx, key, map[string]any{"title": "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-s.Events()

	var file string
	table := objectkey.TableName("Note")
	row := s.db.QueryRow(`SELECT file FROM `+table+` WHERE key = ?`, key.ID)
	if err := row.Scan(&file); err != nil {
		t.Fatalf("scan file: %v", err)
	}

	s.cache.removeAll()
	if err := writePayload(file, []byte("tampered bytes that do not match the stored checksum")); err != nil {
		t.Fatalf("tamper payload: %v", err)
	}

	_, err := s.Load(ctx, key)
	var ce *lserrors.CorruptedError
	if !goerrors.As(err, &ce) {
		t.Errorf("expected *CorruptedError, got %T (%v), dir=%s", err, err, dir)
	}
}

func TestStore_FindGlob(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	for _, id := range []string{"note-1", "note-2", "memo-1"} {
		if err := s.Save(ctx, objectkey.New("Note", id), map[string]any{"id": id}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
		<-s.Events()
	}

	matches, err := s.Find(ctx, "Note", "note-*")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
}

func TestStore_ClearDropsTypeAndMarksDeleted(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	key := objectkey.New("Note", "a")

	if err := s.Save(ctx, key, map[string]any{"x": 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-s.Events()

	if err := s.Clear(ctx, "Note"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	waitForEvent(t, s)

	count, err := s.Count(ctx, "Note")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	changes, err := s.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list local changes: %v", err)
	}
	if len(changes) != 1 || changes[0].Key != key || changes[0].State != changelog.Deleted {
		t.Errorf("expected clear to enroll a Deleted change for %v, got %+v", key, changes)
	}
}

func TestStore_ResetDropsEverythingLocally(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	key := objectkey.New("Note", "a")

	if err := s.Save(ctx, key, map[string]any{"x": 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-s.Events()

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	waitForEvent(t, s)

	count, err := s.Count(ctx, "Note")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestStore_CrossInstanceNotification(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")

	dbA, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db a: %v", err)
	}
	defer dbA.Close()
	a, err := New(dbA, dir)
	if err != nil {
		t.Fatalf("new store a: %v", err)
	}
	defer a.Close()

	b, err := New(dbA, dir)
	if err != nil {
		t.Fatalf("new store b: %v", err)
	}
	defer b.Close()

	key := objectkey.New("Note", "shared")
	if err := a.Save(ctx, key, map[string]any{"v": 1}); err != nil {
		t.Fatalf("save via a: %v", err)
	}
	<-a.Events()

	ev := waitForEvent(t, b)
	if ev.Key != key {
		t.Errorf("b observed event for %v, want %v", ev.Key, key)
	}
}
