package facade

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaysync/engine/pkg/localstore"
	"github.com/relaysync/engine/pkg/serializer"
	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ls, err := localstore.New(db, dir)
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	t.Cleanup(ls.Close)

	s := New(ls)
	t.Cleanup(s.Close)
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Save("Note", "a", map[string]any{"title": "hi"}).Wait(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	value, err := s.Load("Note", "a").Wait(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if value["title"] != "hi" {
		t.Errorf("value = %+v", value)
	}
}

func TestStore_CountKeysRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Save("Note", "a", map[string]any{"t": "x"}).Wait(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	n, err := s.Count("Note").Wait(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, err = %v, want 1", n, err)
	}

	keys, err := s.Keys("Note").Wait(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("keys = %v, err = %v", keys, err)
	}

	existed, err := s.Remove("Note", "a").Wait(ctx)
	if err != nil || !existed {
		t.Fatalf("remove = %v, err = %v, want true", existed, err)
	}

	n, err = s.Count("Note").Wait(ctx)
	if err != nil || n != 0 {
		t.Fatalf("count after remove = %d, err = %v, want 0", n, err)
	}
}

func TestStore_DataChangedStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Save("Note", "a", map[string]any{"t": "x"}).Wait(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case ev := <-s.DataChanged():
		if ev.TypeName != "Note" || ev.Key != "a" || ev.WasDeleted {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dataChanged event never arrived")
	}
}

func TestStore_ResetEmitsDataResetted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Save("Note", "a", map[string]any{"t": "x"}).Wait(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-s.DataChanged() // drain the save's own event

	if _, err := s.Reset().Wait(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	select {
	case <-s.DataResetted():
	case <-time.After(2 * time.Second):
		t.Fatal("dataResetted event never arrived")
	}
}

type note struct {
	Title string `json:"title"`
}

func TestSaveLoadTyped_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var ser serializer.JSON

	if _, err := SaveTyped(s, ser, "Note", "a", note{Title: "hi"}).Wait(ctx); err != nil {
		t.Fatalf("SaveTyped: %v", err)
	}

	got, err := LoadTyped[note](ctx, s, ser, "Note", "a")
	if err != nil {
		t.Fatalf("LoadTyped: %v", err)
	}
	if got.Title != "hi" {
		t.Errorf("got = %+v", got)
	}
}
