package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/oakmere/entitystore/storage"
	_ "modernc.org/sqlite"
)

func openTempBucket(t *testing.T, provision bool) *Store {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if provision {
		if err := ProvisionBucket(context.Background(), sqlDB); err != nil {
			t.Fatalf("provision bucket: %v", err)
		}
	}
	store, err := New(sqlDB, "/files")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPutGetRemoveRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempBucket(t, true)
	ctx := context.Background()
	content := []byte("png-bytes")

	object, err := store.Put(ctx, "cover.png", "image/png", content)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if object.URL != "/files/"+object.ID {
		t.Fatalf("url = %q", object.URL)
	}

	got, gotContent, ok, err := store.Get(ctx, object.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected object")
	}
	if got.Name != "cover.png" || got.Size != int64(len(content)) {
		t.Fatalf("object = %+v", got)
	}
	if !bytes.Equal(gotContent, content) {
		t.Fatalf("content = %q", gotContent)
	}

	removed, err := store.Remove(ctx, object.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("expected removal")
	}
	if _, _, ok, _ := store.Get(ctx, object.ID); ok {
		t.Fatal("expected object gone")
	}
}

func TestGetMissingIsSilent(t *testing.T) {
	t.Parallel()

	store := openTempBucket(t, true)
	_, _, ok, err := store.Get(context.Background(), "nope.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected absent object")
	}
}

func TestMissingBucketClassifies(t *testing.T) {
	t.Parallel()

	store := openTempBucket(t, false)
	ctx := context.Background()

	_, err := store.Put(ctx, "cover.png", "image/png", []byte("png-bytes"))
	if !errors.Is(err, storage.ErrRelationMissing) {
		t.Fatalf("put: %v, want ErrRelationMissing", err)
	}
	_, _, _, err = store.Get(ctx, "abc")
	if !errors.Is(err, storage.ErrRelationMissing) {
		t.Fatalf("get: %v, want ErrRelationMissing", err)
	}
	_, err = store.Remove(ctx, "abc")
	if !errors.Is(err, storage.ErrRelationMissing) {
		t.Fatalf("remove: %v, want ErrRelationMissing", err)
	}
}
