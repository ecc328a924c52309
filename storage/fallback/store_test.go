package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/oakmere/entitystore/storage"
	"github.com/oakmere/entitystore/storage/local"
)

// stubStore fails every operation with a fixed error and counts calls.
type stubStore struct {
	err   error
	calls atomic.Int64
}

var _ storage.Store = (*stubStore)(nil)

func (s *stubStore) Get(ctx context.Context, kind, id string) (storage.Entity, bool, error) {
	s.calls.Add(1)
	return nil, false, s.err
}

func (s *stubStore) List(ctx context.Context, kind string, filter storage.Filter) ([]storage.Entity, error) {
	s.calls.Add(1)
	return nil, s.err
}

func (s *stubStore) Upsert(ctx context.Context, kind string, entity storage.Entity) (storage.Entity, error) {
	s.calls.Add(1)
	return nil, s.err
}

func (s *stubStore) UpdateWithVersion(ctx context.Context, kind string, entity storage.Entity, expectedVersion string) (storage.Entity, error) {
	s.calls.Add(1)
	return nil, s.err
}

func (s *stubStore) Remove(ctx context.Context, kind, id string) (bool, error) {
	s.calls.Add(1)
	return false, s.err
}

func relationMissing() error {
	return fmt.Errorf("get from kind \"products\": %w: no such table: products", storage.ErrRelationMissing)
}

func permissionDenied() error {
	return fmt.Errorf("upsert into kind \"products\": %w: row-level policy violation", storage.ErrPermissionDenied)
}

func TestMissingRelationSwapsOnceForAllKinds(t *testing.T) {
	t.Parallel()

	remote := &stubStore{err: relationMissing()}
	store, err := New(remote, local.New(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	// The failing call is transparently retried against the local backend.
	stored, err := store.Upsert(ctx, "products", storage.Entity{"id": "p1", "name": "Shirt"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if stored["name"] != "Shirt" {
		t.Fatalf("stored = %v", stored)
	}
	if remote.calls.Load() != 1 {
		t.Fatalf("remote calls = %d, want 1", remote.calls.Load())
	}
	if store.RemoteActive() {
		t.Fatal("expected local backend active after swap")
	}

	// Any later call, for any kind, goes straight to the local backend.
	if _, _, err := store.Get(ctx, "orders", "o1"); err != nil {
		t.Fatalf("get other kind: %v", err)
	}
	if _, err := store.List(ctx, "campaigns", nil); err != nil {
		t.Fatalf("list other kind: %v", err)
	}
	if remote.calls.Load() != 1 {
		t.Fatalf("remote calls = %d, want 1 (swap must not be attempted twice)", remote.calls.Load())
	}

	got, ok, err := store.Get(ctx, "products", "p1")
	if err != nil || !ok {
		t.Fatalf("get after swap: %v, %v", got, err)
	}
}

func TestPermissionErrorsNeverTriggerFallback(t *testing.T) {
	t.Parallel()

	remote := &stubStore{err: permissionDenied()}
	store, err := New(remote, local.New(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, upsertErr := store.Upsert(context.Background(), "products", storage.Entity{"id": "p1"})
	if !errors.Is(upsertErr, storage.ErrPermissionDenied) {
		t.Fatalf("upsert: %v, want ErrPermissionDenied", upsertErr)
	}
	if !store.RemoteActive() {
		t.Fatal("permission failure must not degrade the remote backend")
	}

	// The next call still reaches the remote backend.
	_, _, getErr := store.Get(context.Background(), "products", "p1")
	if !errors.Is(getErr, storage.ErrPermissionDenied) {
		t.Fatalf("get: %v, want ErrPermissionDenied", getErr)
	}
	if remote.calls.Load() != 2 {
		t.Fatalf("remote calls = %d, want 2", remote.calls.Load())
	}
}

func TestConflictPassesThroughUntouched(t *testing.T) {
	t.Parallel()

	conflict := &storage.ConflictError{Kind: "products", ID: "p1", ExpectedVersion: "t0", ActualVersion: "t1"}
	remote := &stubStore{err: conflict}
	store, err := New(remote, local.New(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, updateErr := store.UpdateWithVersion(context.Background(), "products", storage.Entity{"id": "p1"}, "t0")
	got, ok := storage.IsConflict(updateErr)
	if !ok {
		t.Fatalf("expected conflict, got %v", updateErr)
	}
	if got.ActualVersion != "t1" {
		t.Fatalf("actual version = %q, want t1", got.ActualVersion)
	}
	if !store.RemoteActive() {
		t.Fatal("conflict must not degrade the remote backend")
	}
}

func TestRetryFailureSurfaces(t *testing.T) {
	t.Parallel()

	remote := &stubStore{err: relationMissing()}
	localErr := errors.New("disk full")
	store, err := New(remote, &stubStore{err: localErr})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	_, _, getErr := store.Get(context.Background(), "products", "p1")
	if !errors.Is(getErr, localErr) {
		t.Fatalf("get: %v, want the local backend error", getErr)
	}
}

func TestLocalOnlyFromStart(t *testing.T) {
	t.Parallel()

	store, err := New(nil, local.New(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.RemoteActive() {
		t.Fatal("expected local backend active without a remote")
	}
	if _, err := store.Upsert(context.Background(), "products", storage.Entity{"id": "p1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestNewRequiresLocalBackend(t *testing.T) {
	t.Parallel()

	if _, err := New(&stubStore{}, nil); err == nil {
		t.Fatal("expected missing local backend error")
	}
}

func TestResetReArmsRemote(t *testing.T) {
	t.Parallel()

	remote := &stubStore{err: relationMissing()}
	store, err := New(remote, local.New(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if _, _, err := store.Get(ctx, "products", "p1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if store.RemoteActive() {
		t.Fatal("expected swap")
	}

	store.Reset()
	if !store.RemoteActive() {
		t.Fatal("expected remote active after reset")
	}
	if _, _, err := store.Get(ctx, "products", "p1"); err != nil {
		t.Fatalf("get after reset: %v", err)
	}
	if remote.calls.Load() != 2 {
		t.Fatalf("remote calls = %d, want 2 (reset must re-arm the remote)", remote.calls.Load())
	}
}

func TestVersionedUpdateScenarioThroughFacade(t *testing.T) {
	t.Parallel()

	remote := &stubStore{err: relationMissing()}
	store, err := New(remote, local.New(t.TempDir()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Upsert(ctx, "products", storage.Entity{"id": "p1", "name": "Shirt", "updatedAt": "t0"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	updated, err := store.UpdateWithVersion(ctx, "products",
		storage.Entity{"id": "p1", "name": "Shirt 2", "updatedAt": "t0"}, "t0")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	next, _ := updated.Version()

	_, staleErr := store.UpdateWithVersion(ctx, "products",
		storage.Entity{"id": "p1", "name": "Shirt 3", "updatedAt": "t0"}, "t0")
	conflict, ok := storage.IsConflict(staleErr)
	if !ok {
		t.Fatalf("expected conflict, got %v", staleErr)
	}
	if conflict.ActualVersion != next {
		t.Fatalf("actual version = %q, want %q", conflict.ActualVersion, next)
	}
	if conflict.Latest["name"] != "Shirt 2" {
		t.Fatalf("latest = %v", conflict.Latest)
	}
}
