package wabridge

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestFileBlobStoreRoundTrip(t *testing.T) {
	store, err := NewFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBlobStore: %v", err)
	}

	// Refs with path separators must be safe.
	ref := "session-cache/ch-1"
	if err := store.Put(ref, []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("payload = %q", got)
	}

	if err := store.Put(ref, []byte("replaced")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ = store.Get(ref)
	if !bytes.Equal(got, []byte("replaced")) {
		t.Fatalf("payload after overwrite = %q", got)
	}

	if err := store.Delete(ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting a missing ref is a no-op.
	if err := store.Delete(ref); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestMemoryBlobStoreCopiesData(t *testing.T) {
	store := NewMemoryBlobStore()
	payload := []byte("original")
	if err := store.Put("ref", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}
	payload[0] = 'X'

	got, err := store.Get("ref")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("original")) {
		t.Fatalf("stored blob aliased caller memory: %q", got)
	}
}

func TestBuildBlobStoreFromDSN(t *testing.T) {
	if store, err := BuildBlobStoreFromDSN(""); err != nil {
		t.Fatalf("empty dsn: %v", err)
	} else if _, ok := store.(*MemoryBlobStore); !ok {
		t.Fatalf("empty dsn gave %T, want memory", store)
	}

	if store, err := BuildBlobStoreFromDSN("memory://"); err != nil {
		t.Fatalf("memory dsn: %v", err)
	} else if _, ok := store.(*MemoryBlobStore); !ok {
		t.Fatalf("memory dsn gave %T", store)
	}

	dir := filepath.Join(t.TempDir(), "blobs")
	if store, err := BuildBlobStoreFromDSN("file://" + dir); err != nil {
		t.Fatalf("file dsn: %v", err)
	} else if _, ok := store.(*FileBlobStore); !ok {
		t.Fatalf("file dsn gave %T", store)
	}

	if _, err := BuildBlobStoreFromDSN("redis://localhost"); err == nil {
		t.Fatal("unsupported scheme should fail")
	}
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	if backend, err := BuildStateBackendFromDSN(""); err != nil || backend != nil {
		t.Fatalf("empty dsn = %v, %v; want nil backend", backend, err)
	}

	if backend, err := BuildStateBackendFromDSN("memory://"); err != nil {
		t.Fatalf("memory dsn: %v", err)
	} else if _, ok := backend.(*InMemoryStateBackend); !ok {
		t.Fatalf("memory dsn gave %T", backend)
	}

	path := filepath.Join(t.TempDir(), "state.json")
	if backend, err := BuildStateBackendFromDSN("file://" + path); err != nil {
		t.Fatalf("file dsn: %v", err)
	} else if _, ok := backend.(*JSONFileStateBackend); !ok {
		t.Fatalf("file dsn gave %T", backend)
	}

	if _, err := BuildStateBackendFromDSN("redis://localhost"); err == nil {
		t.Fatal("unsupported scheme should fail")
	}
}
