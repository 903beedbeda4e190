package changecontroller

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaysync/engine/pkg/localstore"
	"github.com/relaysync/engine/pkg/objectkey"
	_ "modernc.org/sqlite"
)

type fakeUploader struct {
	mu       sync.Mutex
	uploads  []objectkey.ObjectKey
	removes  []objectkey.ObjectKey
	versions []int64
	blockCh  chan struct{}
	onUpload func()
}

func (f *fakeUploader) Upload(ctx context.Context, key objectkey.ObjectKey, version int64, payload map[string]any) error {
	if f.blockCh != nil {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.uploads = append(f.uploads, key)
	f.mu.Unlock()
	if f.onUpload != nil {
		f.onUpload()
	}
	return nil
}

func (f *fakeUploader) Remove(ctx context.Context, key objectkey.ObjectKey, version int64) error {
	f.mu.Lock()
	f.removes = append(f.removes, key)
	f.versions = append(f.versions, version)
	f.mu.Unlock()
	return nil
}

func (f *fakeUploader) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeUploader) removeVersions() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.versions))
	copy(out, f.versions)
	return out
}

func openTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := localstore.New(db, dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestController_OnConnectedDispatchesPendingChanges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	uploader := &fakeUploader{}
	c := New(store, uploader)

	key := objectkey.New("Note", "a")
	if err := store.Save(ctx, key, map[string]any{"title": "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-store.Events()

	if err := c.OnConnected(ctx); err != nil {
		t.Fatalf("on connected: %v", err)
	}

	waitFor(t, func() bool { return uploader.uploadCount() == 1 })
}

func TestController_HandleLocalEventDispatchesImmediately(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	uploader := &fakeUploader{}
	c := New(store, uploader)

	if err := c.OnConnected(ctx); err != nil {
		t.Fatalf("on connected: %v", err)
	}

	key := objectkey.New("Note", "b")
	if err := store.Save(ctx, key, map[string]any{"title": "y"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	ev := <-store.Events()
	c.HandleLocalEvent(ctx, ev)

	waitFor(t, func() bool { return uploader.uploadCount() == 1 })
}

func TestController_AckGatedOnCurrentVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	uploader := &fakeUploader{}
	c := New(store, uploader)

	key := objectkey.New("Note", "a")
	if err := store.Save(ctx, key, map[string]any{"n": int32(1)}); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	<-store.Events()

	// Simulate the server acking version 1 after the caller already
	// saved version 2 locally: the ack must not clear the pending entry.
	if err := store.Save(ctx, key, map[string]any{"n": int32(2)}); err != nil {
		t.Fatalf("save 2: %v", err)
	}
	<-store.Events()

	if err := c.HandleUploadAck(ctx, key, 1); err != nil {
		t.Fatalf("handle ack: %v", err)
	}

	changes, err := store.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list local changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected the stale ack to leave the entry pending, got %+v", changes)
	}

	if err := c.HandleUploadAck(ctx, key, 2); err != nil {
		t.Fatalf("handle ack v2: %v", err)
	}
	changes, err = store.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list local changes: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected the matching ack to clear the entry, got %+v", changes)
	}
}

func TestController_RemoveDispatchesWithTombstoneVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	uploader := &fakeUploader{}
	c := New(store, uploader)

	key := objectkey.New("Note", "a")
	if err := store.Save(ctx, key, map[string]any{"n": int32(1)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-store.Events()
	if _, err := store.Remove(ctx, key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	<-store.Events()

	if err := c.OnConnected(ctx); err != nil {
		t.Fatalf("on connected: %v", err)
	}

	waitFor(t, func() bool { return len(uploader.removeVersions()) == 1 })
	if v := uploader.removeVersions()[0]; v != 2 {
		t.Errorf("dispatched remove version = %d, want 2 (a zero version would look stale to every peer)", v)
	}
}

func TestController_RemoveAckGatedOnTombstoneVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	uploader := &fakeUploader{}
	c := New(store, uploader)

	key := objectkey.New("Note", "a")
	if err := store.Save(ctx, key, map[string]any{"n": int32(1)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-store.Events()
	if _, err := store.Remove(ctx, key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	<-store.Events()

	// A stale remove ack must not clear the pending entry.
	if err := c.HandleRemoveAck(ctx, key, 99); err != nil {
		t.Fatalf("handle stale remove ack: %v", err)
	}
	changes, err := store.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected the stale ack to leave the entry pending, got %+v", changes)
	}

	if err := c.HandleRemoveAck(ctx, key, changes[0].Version); err != nil {
		t.Fatalf("handle matching remove ack: %v", err)
	}
	changes, err = store.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected the matching ack to clear the entry, got %+v", changes)
	}
}

func TestController_DisconnectDoesNotTouchLocalWrites(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	uploader := &fakeUploader{blockCh: make(chan struct{})}
	c := New(store, uploader)

	if err := c.OnConnected(ctx); err != nil {
		t.Fatalf("on connected: %v", err)
	}

	key := objectkey.New("Note", "a")
	if err := store.Save(ctx, key, map[string]any{"n": int32(1)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	ev := <-store.Events()
	c.HandleLocalEvent(ctx, ev)

	c.OnDisconnected()
	close(uploader.blockCh)

	// The upload's context was cancelled; the change log entry must
	// still be pending so it is retried on the next connect.
	changes, err := store.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list local changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected entry to remain pending after disconnect, got %+v", changes)
	}

	val, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if val["n"] != int32(1) {
		t.Errorf("local write should be untouched by disconnect, got %v", val)
	}
}

func TestController_ResyncMarksAllChanged(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	uploader := &fakeUploader{}
	c := New(store, uploader)

	key := objectkey.New("Note", "a")
	if err := store.Save(ctx, key, map[string]any{"n": int32(1)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	<-store.Events()
	if err := c.HandleUploadAck(ctx, key, 1); err != nil {
		t.Fatalf("ack: %v", err)
	}

	changes, err := store.ListLocalChanges(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no pending changes before resync, got %+v", changes)
	}

	if err := c.OnConnected(ctx); err != nil {
		t.Fatalf("on connected: %v", err)
	}
	if err := c.RequestResync(ctx, []string{"Note"}); err != nil {
		t.Fatalf("resync: %v", err)
	}

	waitFor(t, func() bool { return uploader.uploadCount() == 1 })
}
